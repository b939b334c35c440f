package selfapp

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ISO 3166-1 alpha-3 codes as the Self app expects them.
const (
	Belgium    = "BEL"
	Italy      = "ITA"
	NorthKorea = "PRK"
)

func parseCountry(code string) (language.Region, bool) {
	region, err := language.ParseRegion(strings.TrimSpace(code))
	if err != nil || !region.IsCountry() {
		return language.Region{}, false
	}
	return region, true
}

// CountryCode normalizes an alpha-2 or alpha-3 country code to alpha-3.
func CountryCode(code string) (string, error) {
	region, ok := parseCountry(code)
	if !ok {
		return "", invalid("unknown country %q", code)
	}
	return region.ISO3(), nil
}

// CountryName returns the English name of a country code, or the code itself
// when it is not a known country (the passport MRZ uses a few of those).
func CountryName(code string) string {
	region, ok := parseCountry(code)
	if !ok {
		return code
	}
	return display.English.Regions().Name(region)
}

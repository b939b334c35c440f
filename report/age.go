package report

import (
	"fmt"
	"time"

	"go-self-verifier/verification"
)

// Verification policy shared with the Self app defaults.
const (
	MinAge = 18
	MaxAge = 120
)

var (
	// ExcludedCountries holds ISO 3166-1 alpha-3 codes.
	ExcludedCountries = []string{"BEL", "ITA", "PRK"}
	RequiredFields    = []string{"name", "nationality", "dateOfBirth", "gender"}
	OptionalFields    = []string{"passportNumber", "expiryDate", "issuingState"}
)

// Accepted date of birth layouts. The Self app discloses DD-MM-YY.
var dateOfBirthLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"02-01-06",
}

// ParseDateOfBirth accepts ISO dates and the two digit year form used in
// machine readable zones. Two digit years that land in the future are moved
// back a century.
func ParseDateOfBirth(dateStr string, now time.Time) (time.Time, error) {
	for _, layout := range dateOfBirthLayouts {
		parsed, err := time.Parse(layout, dateStr)
		if err != nil {
			continue
		}
		if layout == "02-01-06" && parsed.After(now) {
			parsed = parsed.AddDate(-100, 0, 0)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid date of birth: %q", dateStr)
}

// CalculateAge returns the age in whole years on now.
func CalculateAge(dateOfBirth string, now time.Time) (int, error) {
	birth, err := ParseDateOfBirth(dateOfBirth, now)
	if err != nil {
		return 0, err
	}

	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}

	if age < 0 || age > MaxAge {
		return 0, fmt.Errorf("implausible age %d for date of birth %q", age, dateOfBirth)
	}
	return age, nil
}

func presentFields(record verification.Record) map[string]bool {
	return map[string]bool{
		"name":           record.Name != "",
		"nationality":    record.Nationality != "",
		"dateOfBirth":    record.DateOfBirth != "",
		"gender":         record.Gender != "",
		"passportNumber": record.PassportNumber != "",
		"expiryDate":     record.ExpiryDate != "",
		"issuingState":   record.IssuingState != "",
	}
}

// MissingRequired lists the required fields the record does not carry.
func MissingRequired(record verification.Record) []string {
	present := presentFields(record)

	var missing []string
	for _, field := range RequiredFields {
		if !present[field] {
			missing = append(missing, field)
		}
	}
	return missing
}

// ProvidedOptional lists the optional fields the record does carry.
func ProvidedOptional(record verification.Record) []string {
	present := presentFields(record)

	var provided []string
	for _, field := range OptionalFields {
		if present[field] {
			provided = append(provided, field)
		}
	}
	return provided
}

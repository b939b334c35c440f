package selfapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go-self-verifier/report"

	"github.com/google/uuid"
)

const (
	AppVersion = 2

	RedirectURL = "https://redirect.self.xyz"

	// ZeroAddress is the user id used when the page has no wallet to bind to.
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

var ErrInvalidConfig = errors.New("invalid self app config")

var hexAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var endpointTypes = map[string]bool{
	"https":         true,
	"staging_https": true,
	"celo":          true,
	"staging_celo":  true,
}

// Disclosures describes what the Self app has to check and reveal.
type Disclosures struct {
	MinimumAge        int      `json:"minimumAge,omitempty"`
	ExcludedCountries []string `json:"excludedCountries,omitempty"`
	Ofac              bool     `json:"ofac,omitempty"`

	Name           bool `json:"name,omitempty"`
	Nationality    bool `json:"nationality,omitempty"`
	Gender         bool `json:"gender,omitempty"`
	DateOfBirth    bool `json:"date_of_birth,omitempty"`
	IssuingState   bool `json:"issuing_state,omitempty"`
	PassportNumber bool `json:"passport_number,omitempty"`
	ExpiryDate     bool `json:"expiry_date,omitempty"`
}

// App is the session object the Self SDK renders into a QR code.
type App struct {
	Version         int         `json:"version"`
	AppName         string      `json:"appName"`
	Scope           string      `json:"scope"`
	Endpoint        string      `json:"endpoint"`
	Logo            string      `json:"logoBase64,omitempty"`
	UserID          string      `json:"userId"`
	EndpointType    string      `json:"endpointType"`
	UserIDType      string      `json:"userIdType"`
	UserDefinedData string      `json:"userDefinedData,omitempty"`
	SessionID       string      `json:"sessionId"`
	Disclosures     Disclosures `json:"disclosures"`
}

type AppConfig struct {
	AppName         string `json:"app_name" env:"SELF_APP_NAME"`
	Scope           string `json:"scope" env:"SELF_SCOPE"`
	Endpoint        string `json:"endpoint" env:"SELF_ENDPOINT"`
	Logo            string `json:"logo" env:"SELF_LOGO"`
	UserID          string `json:"user_id" env:"SELF_USER_ID"`
	EndpointType    string `json:"endpoint_type" env:"SELF_ENDPOINT_TYPE"`
	UserIDType      string `json:"user_id_type" env:"SELF_USER_ID_TYPE"`
	UserDefinedData string `json:"user_defined_data" env:"SELF_USER_DEFINED_DATA"`
	QRSize          int    `json:"qr_size" env:"SELF_QR_SIZE"`

	Disclosures Disclosures `json:"disclosures"`
}

// DefaultAppConfig asks for every personal field, an 18+ age check, an OFAC
// check and excludes Belgium, Italy and North Korea.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		AppName:         "Enhanced Self Workshop",
		Scope:           "self-workshop-enhanced",
		Logo:            "https://i.postimg.cc/mrmVf9hm/self.png",
		UserID:          ZeroAddress,
		EndpointType:    "staging_https",
		UserIDType:      "hex",
		UserDefinedData: "Enhanced Identity Verification - Celo Demo",
		QRSize:          256,
		Disclosures: Disclosures{
			MinimumAge:        report.MinAge,
			ExcludedCountries: append([]string(nil), report.ExcludedCountries...),
			Ofac:              true,
			Name:              true,
			Nationality:       true,
			Gender:            true,
			DateOfBirth:       true,
			IssuingState:      true,
			PassportNumber:    true,
			ExpiryDate:        true,
		},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validateEndpoint(endpointType, endpoint string) error {
	if !endpointTypes[endpointType] {
		return invalid("unknown endpoint type %q", endpointType)
	}
	if endpoint == "" {
		return invalid("endpoint is empty")
	}

	if strings.HasSuffix(endpointType, "https") {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return invalid("endpoint %q must be an https url", endpoint)
		}
		return nil
	}

	if !hexAddress.MatchString(endpoint) {
		return invalid("endpoint %q must be a contract address", endpoint)
	}
	return nil
}

func validateUserID(userIDType, userID string) error {
	switch userIDType {
	case "hex":
		if !hexAddress.MatchString(userID) {
			return invalid("user id %q is not a hex address", userID)
		}
	case "uuid":
		if _, err := uuid.Parse(userID); err != nil {
			return invalid("user id %q is not a uuid", userID)
		}
	default:
		return invalid("unknown user id type %q", userIDType)
	}
	return nil
}

// BuildApp validates the config and creates an app with a fresh session id.
func BuildApp(config AppConfig) (*App, error) {
	if config.AppName == "" {
		return nil, invalid("app name is empty")
	}
	if config.Scope == "" {
		return nil, invalid("scope is empty")
	}
	if err := validateEndpoint(config.EndpointType, config.Endpoint); err != nil {
		return nil, err
	}
	if err := validateUserID(config.UserIDType, config.UserID); err != nil {
		return nil, err
	}

	disclosures := config.Disclosures
	if disclosures.MinimumAge < 0 || disclosures.MinimumAge > report.MaxAge {
		return nil, invalid("minimum age %d out of range", disclosures.MinimumAge)
	}

	excluded := make([]string, 0, len(disclosures.ExcludedCountries))
	for _, country := range disclosures.ExcludedCountries {
		code, err := CountryCode(country)
		if err != nil {
			return nil, err
		}
		excluded = append(excluded, code)
	}
	disclosures.ExcludedCountries = excluded

	return &App{
		Version:         AppVersion,
		AppName:         config.AppName,
		Scope:           config.Scope,
		Endpoint:        config.Endpoint,
		Logo:            config.Logo,
		UserID:          strings.ToLower(config.UserID),
		EndpointType:    config.EndpointType,
		UserIDType:      config.UserIDType,
		UserDefinedData: config.UserDefinedData,
		SessionID:       uuid.NewString(),
		Disclosures:     disclosures,
	}, nil
}

// UniversalLink is the deep link that opens the Self app on this session.
func UniversalLink(app *App) (string, error) {
	payload, err := json.Marshal(app)
	if err != nil {
		return "", fmt.Errorf("failed to marshal self app: %w", err)
	}
	return RedirectURL + "?selfApp=" + url.QueryEscape(string(payload)), nil
}

package verification

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// TimestampLayout matches the ISO-8601 form browsers produce (UTC, milliseconds).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is the cached outcome of one verification session.
// All fields must be valid UTF-8, Encode rejects anything else.
type Record struct {
	Name                  string `json:"name,omitempty"`
	Nationality           string `json:"nationality,omitempty"`
	Gender                string `json:"gender,omitempty"`
	DateOfBirth           string `json:"dateOfBirth,omitempty"`
	IssuingState          string `json:"issuingState,omitempty"`
	PassportNumber        string `json:"passportNumber,omitempty"`
	ExpiryDate            string `json:"expiryDate,omitempty"`
	VerificationTimestamp string `json:"verificationTimestamp,omitempty"`
	UserID                string `json:"userId,omitempty"`
}

// Disclosure is the success payload handed over by the Self SDK.
// Every attribute is optional; only what the session asked for is present.
type Disclosure struct {
	Name           string `json:"name,omitempty"`
	Nationality    string `json:"nationality,omitempty"`
	Gender         string `json:"gender,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	IssuingState   string `json:"issuing_state,omitempty"`
	PassportNumber string `json:"passport_number,omitempty"`
	ExpiryDate     string `json:"expiry_date,omitempty"`
}

// Capture turns a disclosure into a record stamped with the capture time.
func Capture(d Disclosure, userID string, now time.Time) Record {
	return Record{
		Name:                  d.Name,
		Nationality:           d.Nationality,
		Gender:                d.Gender,
		DateOfBirth:           d.DateOfBirth,
		IssuingState:          d.IssuingState,
		PassportNumber:        d.PassportNumber,
		ExpiryDate:            d.ExpiryDate,
		VerificationTimestamp: FormatTimestamp(now),
		UserID:                userID,
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Encode serializes a record to base64 over JSON.
func Encode(record Record) (string, error) {
	if err := checkUTF8(record); err != nil {
		return "", err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal verification record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// json.Marshal silently swaps invalid bytes for U+FFFD, so the cached copy
// would no longer match what was captured.
func checkUTF8(record Record) error {
	fields := []struct{ name, value string }{
		{"name", record.Name},
		{"nationality", record.Nationality},
		{"gender", record.Gender},
		{"dateOfBirth", record.DateOfBirth},
		{"issuingState", record.IssuingState},
		{"passportNumber", record.PassportNumber},
		{"expiryDate", record.ExpiryDate},
		{"verificationTimestamp", record.VerificationTimestamp},
		{"userId", record.UserID},
	}
	for _, field := range fields {
		if !utf8.ValidString(field.value) {
			return fmt.Errorf("record field %s is not valid utf-8", field.name)
		}
	}
	return nil
}

func Decode(encoded string) (Record, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decode verification record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal verification record: %w", err)
	}
	return record, nil
}

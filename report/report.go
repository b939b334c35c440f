package report

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go-self-verifier/verification"
)

const (
	StatusVerified = "VERIFIED"

	MarkVerified         = "✓ Verified"
	MarkNotProvided      = "✗ Not provided"
	MarkDocumentVerified = "✓ Document verified"
	MarkNoDocument       = "✗ No document"
	MarkPassed           = "✓ Passed"
)

type UserData struct {
	Name        string `json:"name"`
	Nationality string `json:"nationality"`
	Gender      string `json:"gender"`
	DateOfBirth string `json:"dateOfBirth"`
	Document    string `json:"document"`
}

// SecurityChecks is rendered as passed for every report. It does not reflect
// the outcome of any check; the disclosure requirements are enforced by the
// Self app before a success callback can happen.
type SecurityChecks struct {
	OfacCheck            string `json:"ofacCheck"`
	AgeVerification      string `json:"ageVerification"`
	CountryCheck         string `json:"countryCheck"`
	DocumentAuthenticity string `json:"documentAuthenticity"`
}

type Report struct {
	VerificationID string         `json:"verificationId"`
	Timestamp      string         `json:"timestamp"`
	Status         string         `json:"status"`
	UserData       UserData       `json:"userData"`
	SecurityChecks SecurityChecks `json:"securityChecks"`
}

func mark(present bool, yes, no string) string {
	if present {
		return yes
	}
	return no
}

func userDataFor(record verification.Record) UserData {
	return UserData{
		Name:        mark(record.Name != "", MarkVerified, MarkNotProvided),
		Nationality: mark(record.Nationality != "", MarkVerified, MarkNotProvided),
		Gender:      mark(record.Gender != "", MarkVerified, MarkNotProvided),
		DateOfBirth: mark(record.DateOfBirth != "", MarkVerified, MarkNotProvided),
		Document:    mark(record.PassportNumber != "", MarkDocumentVerified, MarkNoDocument),
	}
}

// FieldStatus maps each tracked field to its verified / not provided marker.
func FieldStatus(record verification.Record) map[string]string {
	data := userDataFor(record)
	return map[string]string{
		"name":        data.Name,
		"nationality": data.Nationality,
		"gender":      data.Gender,
		"dateOfBirth": data.DateOfBirth,
		"document":    data.Document,
	}
}

func staticSecurityChecks() SecurityChecks {
	return SecurityChecks{
		OfacCheck:            MarkPassed,
		AgeVerification:      MarkPassed,
		CountryCheck:         MarkPassed,
		DocumentAuthenticity: MarkPassed,
	}
}

// Build creates a report for record, generated at now.
func Build(record verification.Record, now time.Time) Report {
	return Report{
		VerificationID: GenerateVerificationID(now),
		Timestamp:      verification.FormatTimestamp(now),
		Status:         StatusVerified,
		UserData:       userDataFor(record),
		SecurityChecks: staticSecurityChecks(),
	}
}

// Render serializes the report as two-space indented JSON.
func Render(report Report) (string, error) {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return string(out), nil
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateVerificationID returns VER_ followed by the base-36 millisecond
// time and nine random base-36 characters. Good enough for a label, not an
// identifier anything should trust.
func GenerateVerificationID(now time.Time) string {
	var sb strings.Builder
	sb.WriteString("VER_")
	sb.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	for range 9 {
		sb.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return sb.String()
}

// FormatStatus returns the display label for a flow status.
func FormatStatus(status string) string {
	switch strings.ToLower(status) {
	case "success":
		return "✅ Verification Successful"
	case "pending":
		return "⏳ Verification in Progress"
	case "error":
		return "❌ Verification Failed"
	default:
		return "⏸️ Ready to Verify"
	}
}

package main

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"go-self-verifier/report"
	"go-self-verifier/verification"

	"github.com/golang-jwt/jwt/v4"
)

// ReportSigner turns a verification report into a signed certificate that
// relying parties can check against our public key.
type ReportSigner interface {
	SignReport(rep report.Report, record verification.Record, validUntil time.Time) (jwt string, err error)
}

type ReportClaims struct {
	jwt.RegisteredClaims
	Status         string                `json:"status"`
	UserData       report.UserData       `json:"user_data"`
	SecurityChecks report.SecurityChecks `json:"security_checks"`
	VerifiedAt     string                `json:"verified_at"`
	Nationality    string                `json:"nationality,omitempty"`
	IssuingState   string                `json:"issuing_state,omitempty"`
}

func NewReportJwtCreator(privateKeyPath string, issuerId string) (*DefaultJwtCreator, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt private key: %w", err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwt private key: %w", err)
	}

	return &DefaultJwtCreator{
		issuerId:   issuerId,
		privateKey: privateKey,
	}, nil
}

type DefaultJwtCreator struct {
	privateKey *rsa.PrivateKey
	issuerId   string
}

// SignReport signs the report with RS256. The certificate expires together
// with the cached verification.
func (jc *DefaultJwtCreator) SignReport(rep report.Report, record verification.Record, validUntil time.Time) (string, error) {
	issuedAt, err := verification.ParseTimestamp(rep.Timestamp)
	if err != nil {
		return "", fmt.Errorf("invalid report timestamp: %w", err)
	}

	claims := ReportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rep.VerificationID,
			Issuer:    jc.issuerId,
			Subject:   record.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(validUntil),
		},
		Status:         rep.Status,
		UserData:       rep.UserData,
		SecurityChecks: rep.SecurityChecks,
		VerifiedAt:     record.VerificationTimestamp,
		Nationality:    record.Nationality,
		IssuingState:   record.IssuingState,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(jc.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign report: %w", err)
	}
	return signed, nil
}

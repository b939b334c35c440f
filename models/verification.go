package models

import (
	"go-self-verifier/report"
	"go-self-verifier/selfapp"
	"go-self-verifier/verification"
)

// VerificationErrorRequest is the body of the SDK error callback.
type VerificationErrorRequest struct {
	Message string `json:"message"`
}

type VerificationStatusResponse struct {
	Status          string               `json:"status"`
	Label           string               `json:"label"`
	Message         string               `json:"message,omitempty"`
	StatusMessage   string               `json:"status_message"`
	Data            *verification.Record `json:"data,omitempty"`
	FieldStatus     map[string]string    `json:"field_status,omitempty"`
	NationalityName string               `json:"nationality_name,omitempty"`
	Age             *int                 `json:"age,omitempty"`
	ValidUntil      string               `json:"valid_until,omitempty"`
	HasSession      bool                 `json:"has_session"`
}

type SessionResponse struct {
	App           *selfapp.App `json:"app"`
	UniversalLink string       `json:"universal_link"`
	QRCode        string       `json:"qr_code"`
}

type SuccessResponse struct {
	Status string        `json:"status"`
	Report report.Report `json:"report"`
}

type CertificateResponse struct {
	Jwt            string `json:"jwt"`
	VerificationID string `json:"verification_id"`
	ExpiresAt      string `json:"expires_at"`
}

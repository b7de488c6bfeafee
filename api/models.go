package api

import (
	"encoding/json"
	"time"

	"github.com/jaswinder6991/teeproof/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Details     string   `json:"details,omitempty"`
	Kid         string   `json:"kid,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// RegisterSessionRequest is the JSON body for POST /verification/register-session.
type RegisterSessionRequest struct {
	VerificationID string `json:"verificationId" validate:"required,max=256"`
}

// RegisterSessionResponse is returned from POST /verification/register-session.
type RegisterSessionResponse struct {
	VerificationID string    `json:"verificationId"`
	Nonce          string    `json:"nonce"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// SyncSessionRequest is the JSON body for POST /verification/session. A
// non-empty attestedNonce that differs from the session nonce replaces it.
type SyncSessionRequest struct {
	VerificationID string `json:"verificationId" validate:"required,max=256"`
	Nonce          string `json:"nonce,omitempty" validate:"omitempty,max=512"`
	RequestHash    string `json:"requestHash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	ResponseHash   string `json:"responseHash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	AttestedNonce  string `json:"attestedNonce,omitempty" validate:"omitempty,max=512"`
}

// SessionResponse is returned from POST /verification/session.
type SessionResponse struct {
	VerificationID string    `json:"verificationId"`
	Nonce          string    `json:"nonce"`
	RequestHash    *string   `json:"requestHash"`
	ResponseHash   *string   `json:"responseHash"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newSessionResponse(s session.Session) SessionResponse {
	return SessionResponse{
		VerificationID: s.VerificationID,
		Nonce:          s.Nonce,
		RequestHash:    s.RequestHash,
		ResponseHash:   s.ResponseHash,
		ExpiresAt:      s.ExpiresAt,
		CreatedAt:      s.CreatedAt,
	}
}

// HardwareVerifyRequest is the JSON body for POST /verification/nras.
// nvidia_payload may be an object or a JSON-encoded string.
type HardwareVerifyRequest struct {
	NvidiaPayload          json.RawMessage `json:"nvidia_payload"`
	Nonce                  string          `json:"nonce"`
	ExpectedArch           string          `json:"expectedArch"`
	ExpectedDeviceCertHash string          `json:"expectedDeviceCertHash"`
	ExpectedRIMHash        string          `json:"expectedRimHash"`
	ExpectedUEID           string          `json:"expectedUeid"`
	ExpectedMeasurements   []string        `json:"expectedMeasurements"`
}

// ProofSummary describes one archived proof in a listing.
type ProofSummary struct {
	VerificationID string    `json:"verificationId"`
	Model          string    `json:"model"`
	ExportedAt     time.Time `json:"exportedAt"`
	Version        uint64    `json:"version"`
}

// ProofListResponse is returned from GET /proofs.
type ProofListResponse struct {
	Items []ProofSummary `json:"items"`
	PaginationMeta
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

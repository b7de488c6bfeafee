package inference

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("inference: API key not configured")
	ErrUnauthorized  = errors.New("inference: backend rejected credentials")
	// ErrProofNotFound means the backend has not published the proof yet.
	// It is worth retrying with backoff.
	ErrProofNotFound = errors.New("inference: proof not found")
	ErrNoPayload     = errors.New("inference: attestation report has no GPU payload")
)

// StatusError is any other non-success response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference: %s: unexpected status %d", e.Op, e.StatusCode)
}

// Transient reports whether the status is a server-side failure.
func (e *StatusError) Transient() bool { return e.StatusCode >= 500 }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrProofNotFound) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Transient()
}

package attestation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedAlgorithm is returned for any token not signed with
	// ES256 or ES384.
	ErrUnsupportedAlgorithm = errors.New("attestation: unsupported signing algorithm")
	// ErrInvalidSignature is returned when the token signature does not
	// verify under the authority's key.
	ErrInvalidSignature = errors.New("attestation: invalid token signature")
	// ErrNoEvidence is returned when a hardware payload has no evidence list.
	ErrNoEvidence = errors.New("attestation: payload has no evidence list")
)

// MalformedTokenError reports a token that cannot be decoded.
type MalformedTokenError struct {
	Part string
	Err  error
}

func (e *MalformedTokenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("attestation: malformed token %s", e.Part)
	}
	return fmt.Sprintf("attestation: malformed token %s: %v", e.Part, e.Err)
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

// ClaimValidationError names a standard claim the token violates.
type ClaimValidationError struct {
	Claim  string
	Detail string
}

func (e *ClaimValidationError) Error() string {
	return fmt.Sprintf("%s claim invalid: %s", e.Claim, e.Detail)
}

// MissingExpectationsError lists the expectation fields a caller left
// empty.
type MissingExpectationsError struct {
	Fields []string
}

func (e *MissingExpectationsError) Error() string {
	return "attestation: missing expectations: " + strings.Join(e.Fields, ", ")
}

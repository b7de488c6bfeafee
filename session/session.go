// Package session keeps short-lived verification sessions that bind a
// verification identifier to a server-issued nonce and to commitments of the
// exchanged bytes.
package session

import (
	"errors"
	"time"
)

// DefaultTTL matches the window in which the inference backend publishes
// proofs.
const DefaultTTL = 5 * time.Minute

// DefaultCleanupInterval is how often expired sessions are swept.
const DefaultCleanupInterval = time.Minute

// NonceSize is the number of random bytes behind a generated nonce.
const NonceSize = 32

var (
	ErrEmptyID    = errors.New("session: verification id is required")
	ErrEmptyNonce = errors.New("session: nonce is required")
	ErrClosed     = errors.New("session: store is closed")
)

// Session is a snapshot of one verification session. Hash fields are nil
// until the caller learns them.
type Session struct {
	VerificationID string    `json:"verificationId"`
	Nonce          string    `json:"nonce"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	RequestHash    *string   `json:"requestHash"`
	ResponseHash   *string   `json:"responseHash"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// clone returns a copy that shares no pointers with s.
func (s Session) clone() Session {
	s.RequestHash = cloneString(s.RequestHash)
	s.ResponseHash = cloneString(s.ResponseHash)
	return s
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// firstSet returns the first non-nil, non-empty value.
func firstSet(vals ...*string) *string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return cloneString(v)
		}
	}
	return nil
}

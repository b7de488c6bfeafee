package jwks

import (
	"errors"
	"fmt"
)

// ErrEmptyKeySet is returned when the authority publishes a key set with no
// keys.
var ErrEmptyKeySet = errors.New("jwks: key set is empty")

// FetchError reports an unreachable key-set endpoint or a non-success
// response from it.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("jwks: fetching %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("jwks: fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NoMatchingKeyError is returned when no key in the set carries the token's
// key identifier.
type NoMatchingKeyError struct {
	Kid string
}

func (e *NoMatchingKeyError) Error() string {
	return fmt.Sprintf("jwks: no key matches kid %q", e.Kid)
}

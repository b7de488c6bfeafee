// Package commitment binds a TEE signature to the exact bytes of one
// request/response exchange.
//
// The signer signs the text "{requestHash}:{responseHash}" where each hash is
// the SHA-256 of the literal bytes on the wire. Callers must digest the bytes
// exactly as transmitted: a re-encoded JSON body or a trimmed SSE stream
// produces a different digest.
package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jaswinder6991/teeproof/internal/util"
)

// Binding is the outcome of comparing a signed text with locally computed
// commitments.
type Binding int

const (
	// BindingIndeterminate means the inputs were missing or malformed and no
	// comparison was possible.
	BindingIndeterminate Binding = iota
	// BindingMatch means the signed text commits to the given hashes.
	BindingMatch
	// BindingMismatch means the signed text commits to other bytes.
	BindingMismatch
)

func (b Binding) String() string {
	switch b {
	case BindingMatch:
		return "match"
	case BindingMismatch:
		return "mismatch"
	default:
		return "indeterminate"
	}
}

// OK reports whether the binding matched.
func (b Binding) OK() bool { return b == BindingMatch }

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestRequest commits to the raw request body sent to the inference
// backend.
func DigestRequest(body []byte) string { return Digest(body) }

// DigestResponse commits to the raw response body, including every SSE line
// and trailing newline of a streamed response.
func DigestResponse(body []byte) string { return Digest(body) }

// DigestRequestJSON encodes v with encoding/json and digests the result. It
// only matches the wire commitment when the caller sent exactly these bytes;
// prefer DigestRequest with the raw body.
func DigestRequestJSON(v any) (string, error) {
	if v == nil {
		v = struct{}{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding request body: %w", err)
	}
	return Digest(b), nil
}

// BindSignatureText returns the canonical signable text for a pair of
// commitments.
func BindSignatureText(requestHash, responseHash string) string {
	return strings.ToLower(requestHash) + ":" + strings.ToLower(responseHash)
}

// VerifyBinding compares signedText with the canonical text for the given
// hashes, ignoring case. It never panics; missing or non-hex hashes yield
// BindingIndeterminate.
func VerifyBinding(requestHash, responseHash, signedText string) Binding {
	if requestHash == "" || responseHash == "" || signedText == "" {
		return BindingIndeterminate
	}
	if !util.IsHex(requestHash) || !util.IsHex(responseHash) {
		return BindingIndeterminate
	}
	if strings.EqualFold(BindSignatureText(requestHash, responseHash), signedText) {
		return BindingMatch
	}
	return BindingMismatch
}

// SplitSignatureText splits a signed "{req}:{resp}" text into its two
// commitments.
func SplitSignatureText(signedText string) (requestHash, responseHash string, ok bool) {
	req, resp, found := strings.Cut(signedText, ":")
	if !found || req == "" || resp == "" || strings.Contains(resp, ":") {
		return "", "", false
	}
	return strings.ToLower(req), strings.ToLower(resp), true
}

// Package attestation validates hardware attestation tokens issued by a
// remote attestation authority.
package attestation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jaswinder6991/teeproof/internal/util"
)

// DefaultAudience is the audience the authority issues tokens for.
const DefaultAudience = "nvidia-attestation"

// Reasons recorded for non-compliant tokens.
const (
	ReasonNonceMissing  = "nonce missing from token"
	ReasonNonceMismatch = "nonce mismatch"
	ReasonNoNonce       = "expected nonce not supplied"
	ReasonOverallFailed = "overall attestation result failed"
)

// signingMethods is the complete set of accepted algorithms.
var signingMethods = map[string]*jwt.SigningMethodECDSA{
	"ES256": jwt.SigningMethodES256,
	"ES384": jwt.SigningMethodES384,
}

// KeySource resolves a key identifier to the authority's public key.
type KeySource interface {
	Lookup(ctx context.Context, kid string) (*jose.JSONWebKey, error)
}

// Result is the outcome of a token that could be evaluated. Verified is true
// iff Reasons is empty.
type Result struct {
	Verified    bool                    `json:"verified"`
	Claims      *Claims                 `json:"claims"`
	Reasons     []string                `json:"reasons"`
	NonceAlias  string                  `json:"nonceAlias,omitempty"`
	ClaimErrors []*ClaimValidationError `json:"-"`
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Verifier checks tokens against the authority's key set.
type Verifier struct {
	keys     KeySource
	audience string
	now      func() time.Time
	logger   *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAudience overrides the expected audience.
func WithAudience(aud string) VerifierOption {
	return func(v *Verifier) {
		if aud != "" {
			v.audience = aud
		}
	}
}

// WithClock sets the time source for temporal claims.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier returns a verifier resolving keys through keys.
func NewVerifier(keys KeySource, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     keys,
		audience: DefaultAudience,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "attestation")
	return v
}

// Verify checks token and evaluates it against expectedNonce and exp.
//
// Decoding, key lookup, and signature failures return an error and no
// result: the token cannot be trusted at all. Claim, nonce, and hardware
// identity problems are returned as reasons on a result with Verified false.
// Incomplete expectations are rejected with a *MissingExpectationsError
// before the token is decoded.
func (v *Verifier) Verify(ctx context.Context, token, expectedNonce string, exp Expectations) (*Result, error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	hdr, raw, err := v.verifySignature(ctx, token)
	if err != nil {
		return nil, err
	}
	claims := newClaims(raw)
	res := &Result{Claims: claims, NonceAlias: claims.NonceAlias}

	for _, ce := range v.checkStandardClaims(raw) {
		res.ClaimErrors = append(res.ClaimErrors, ce)
		res.Reasons = append(res.Reasons, ce.Error())
	}

	switch {
	case claims.Nonce == "":
		res.Reasons = append(res.Reasons, ReasonNonceMissing)
	case expectedNonce == "":
		res.Reasons = append(res.Reasons, ReasonNoNonce)
	case !strings.EqualFold(claims.Nonce, expectedNonce):
		res.Reasons = append(res.Reasons, ReasonNonceMismatch)
	}
	if claims.NonceAlias != "" {
		v.logger.Debug("token nonce matched alias", "alias", claims.NonceAlias, "kid", hdr.Kid)
	}

	if !claims.Overall() {
		res.Reasons = append(res.Reasons, ReasonOverallFailed)
	}

	res.Reasons = append(res.Reasons, compareIdentity(raw, exp)...)
	res.Verified = len(res.Reasons) == 0

	v.logger.Info("attestation token evaluated",
		"kid", hdr.Kid,
		"alg", hdr.Alg,
		"verified", res.Verified,
		"overall", claims.Overall(),
		"arch_check", optBool(claims.ArchCheck),
		"secboot", optBool(claims.SecureBoot),
		"hwmodel", claims.HWModel,
		"driver", claims.DriverVersion,
		"vbios", claims.VBIOSVersion,
		"reasons", len(res.Reasons),
	)
	return res, nil
}

// verifySignature decodes token, resolves its key and checks the signature.
// It returns the header and the decoded claim set.
func (v *Verifier) verifySignature(ctx context.Context, token string) (*header, jwt.MapClaims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, nil, &MalformedTokenError{Part: "structure", Err: fmt.Errorf("expected 3 segments, got %d", len(parts))}
	}

	hdrBytes, err := util.DecodeBase64URL(parts[0])
	if err != nil {
		return nil, nil, &MalformedTokenError{Part: "header", Err: err}
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, nil, &MalformedTokenError{Part: "header", Err: err}
	}

	payloadBytes, err := util.DecodeBase64URL(parts[1])
	if err != nil {
		return nil, nil, &MalformedTokenError{Part: "payload", Err: err}
	}
	sig, err := util.DecodeBase64URL(parts[2])
	if err != nil {
		return nil, nil, &MalformedTokenError{Part: "signature", Err: err}
	}

	method, ok := signingMethods[hdr.Alg]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, hdr.Alg)
	}

	jwk, err := v.keys.Lookup(ctx, hdr.Kid)
	if err != nil {
		return nil, nil, err
	}
	if jwk.Algorithm != "" && jwk.Algorithm != hdr.Alg {
		return nil, nil, fmt.Errorf("%w: key %q is for %s, token uses %s", ErrUnsupportedAlgorithm, hdr.Kid, jwk.Algorithm, hdr.Alg)
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: key %q is not an ECDSA public key", ErrUnsupportedAlgorithm, hdr.Kid)
	}

	if err := method.Verify(parts[0]+"."+parts[1], sig, pub); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	var raw jwt.MapClaims
	dec := json.NewDecoder(bytes.NewReader(payloadBytes))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		if err == nil {
			err = errors.New("payload is not an object")
		}
		return nil, nil, &MalformedTokenError{Part: "payload", Err: err}
	}
	return &hdr, raw, nil
}

// checkStandardClaims validates nbf, exp and aud when present.
func (v *Verifier) checkStandardClaims(raw jwt.MapClaims) []*ClaimValidationError {
	now := v.now()
	var errs []*ClaimValidationError

	nbf, err := raw.GetNotBefore()
	switch {
	case err != nil:
		errs = append(errs, &ClaimValidationError{Claim: "nbf", Detail: "not a numeric date"})
	case nbf != nil && now.Before(nbf.Time):
		errs = append(errs, &ClaimValidationError{Claim: "nbf", Detail: "token not yet valid"})
	}

	exp, err := raw.GetExpirationTime()
	switch {
	case err != nil:
		errs = append(errs, &ClaimValidationError{Claim: "exp", Detail: "not a numeric date"})
	case exp != nil && !now.Before(exp.Time):
		errs = append(errs, &ClaimValidationError{Claim: "exp", Detail: "token expired"})
	}

	aud, err := raw.GetAudience()
	switch {
	case err != nil:
		errs = append(errs, &ClaimValidationError{Claim: "aud", Detail: "not a string or array of strings"})
	case len(aud) > 0 && !slices.Contains(aud, v.audience):
		errs = append(errs, &ClaimValidationError{Claim: "aud", Detail: fmt.Sprintf("audience %q not present", v.audience)})
	}
	return errs
}

func optBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

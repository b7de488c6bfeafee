package attestation

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names emitted by the attestation authority.
const (
	ClaimOverallResult = "x-nvidia-overall-att-result"
	ClaimArchCheck     = "x-nvidia-gpu-arch-check"
	ClaimDriverVersion = "x-nvidia-gpu-driver-version"
	ClaimVBIOSVersion  = "x-nvidia-gpu-vbios-version"
	ClaimHWModel       = "hwmodel"
	ClaimSecureBoot    = "secboot"
)

// NonceAliases are the claim names under which the authority has echoed the
// nonce, in lookup order. The first non-empty value wins.
//
// Compatibility debt: the authority has used all three names and none is
// documented as canonical, so every one is still accepted.
var NonceAliases = []string{"eat_nonce", "x-nvidia-eat-nonce", "nonce"}

// Claims is a typed view over a verified token payload. Raw holds every
// claim, including the ones without a typed field.
type Claims struct {
	OverallResult *bool
	ArchCheck     *bool
	SecureBoot    *bool
	DriverVersion string
	VBIOSVersion  string
	HWModel       string
	Audience      []string
	ExpiresAt     *jwt.NumericDate
	NotBefore     *jwt.NumericDate
	Nonce         string
	NonceAlias    string

	Raw jwt.MapClaims
}

// MarshalJSON renders the claims exactly as the token carried them.
func (c *Claims) MarshalJSON() ([]byte, error) {
	if c == nil || c.Raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(c.Raw))
}

// UnmarshalJSON parses a raw claim set. Typed standard claims that fail to
// parse are left nil; Verify reports them.
func (c *Claims) UnmarshalJSON(data []byte) error {
	var raw jwt.MapClaims
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*c = *newClaims(raw)
	return nil
}

func newClaims(raw jwt.MapClaims) *Claims {
	c := &Claims{Raw: raw}
	c.OverallResult = boolClaim(raw, ClaimOverallResult)
	c.ArchCheck = boolClaim(raw, ClaimArchCheck)
	c.SecureBoot = boolClaim(raw, ClaimSecureBoot)
	c.DriverVersion = stringClaim(raw, ClaimDriverVersion)
	c.VBIOSVersion = stringClaim(raw, ClaimVBIOSVersion)
	c.HWModel = stringClaim(raw, ClaimHWModel)
	if aud, err := raw.GetAudience(); err == nil {
		c.Audience = aud
	}
	if exp, err := raw.GetExpirationTime(); err == nil {
		c.ExpiresAt = exp
	}
	if nbf, err := raw.GetNotBefore(); err == nil {
		c.NotBefore = nbf
	}
	c.Nonce, c.NonceAlias = lookupAlias(raw, NonceAliases)
	return c
}

// Overall reports whether the overall attestation result claim is true.
func (c *Claims) Overall() bool {
	return c.OverallResult != nil && *c.OverallResult
}

func boolClaim(m map[string]any, key string) *bool {
	switch v := m[key].(type) {
	case bool:
		return &v
	case string:
		b := strings.EqualFold(v, "true")
		if b || strings.EqualFold(v, "false") {
			return &b
		}
	}
	return nil
}

func stringClaim(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// lookupAlias returns the first non-empty string value among keys and the
// key it was found under.
func lookupAlias(m map[string]any, keys []string) (string, string) {
	for _, k := range keys {
		if v := stringClaim(m, k); v != "" {
			return v, k
		}
	}
	return "", ""
}

// scopes returns the claim maps hardware identity is looked up in: the top
// level first, then every per-GPU object under submods or gpus.
func scopes(raw map[string]any) []map[string]any {
	out := []map[string]any{raw}
	for _, container := range []string{"submods", "gpus"} {
		nested, ok := raw[container].(map[string]any)
		if !ok {
			continue
		}
		for _, v := range nested {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

package attestation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Expectation field names, as reported in reasons and missing-field errors.
const (
	FieldArch           = "arch"
	FieldDeviceCertHash = "device_cert_hash"
	FieldRIMHash        = "rim_hash"
	FieldUEID           = "ueid"
	FieldMeasurements   = "measurements"
)

// Claim aliases for each hardware identity field, in lookup order.
//
// Compatibility debt: these mirror the payload field names the authority
// has echoed back over time.
var (
	archAliases           = []string{"x-nvidia-gpu-arch", "gpu_arch", "arch"}
	deviceCertHashAliases = []string{"x-nvidia-gpu-device-cert-hash", "device_cert_hash", "deviceCertHash"}
	rimHashAliases        = []string{"x-nvidia-gpu-rim-hash", "rim_hash", "rimHash", "rim"}
	ueidAliases           = []string{"ueid", "x-nvidia-ueid"}
	measurementAliases    = []string{"x-nvidia-gpu-measurements", "measurements", "measres"}
)

// Expectations is the hardware identity a caller expects a token to prove.
// Every field is required.
type Expectations struct {
	Arch           string   `json:"arch" validate:"required"`
	DeviceCertHash string   `json:"deviceCertHash" validate:"required"`
	RIMHash        string   `json:"rimHash" validate:"required"`
	UEID           string   `json:"ueid" validate:"required"`
	Measurements   []string `json:"measurements" validate:"required,min=1,dive,required"`
}

// Missing returns the names of empty fields in declaration order.
func (e Expectations) Missing() []string {
	var missing []string
	if strings.TrimSpace(e.Arch) == "" {
		missing = append(missing, FieldArch)
	}
	if strings.TrimSpace(e.DeviceCertHash) == "" {
		missing = append(missing, FieldDeviceCertHash)
	}
	if strings.TrimSpace(e.RIMHash) == "" {
		missing = append(missing, FieldRIMHash)
	}
	if strings.TrimSpace(e.UEID) == "" {
		missing = append(missing, FieldUEID)
	}
	if len(nonEmpty(e.Measurements)) == 0 {
		missing = append(missing, FieldMeasurements)
	}
	return missing
}

// Validate rejects partial expectations.
func (e Expectations) Validate() error {
	if missing := e.Missing(); len(missing) > 0 {
		return &MissingExpectationsError{Fields: missing}
	}
	return nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// compareIdentity checks each expectation against the claims and returns one
// reason per unmet field.
func compareIdentity(raw map[string]any, exp Expectations) []string {
	var reasons []string
	check := func(field, want string, aliases []string) {
		found, matched := matchScalar(raw, want, aliases)
		switch {
		case !found:
			reasons = append(reasons, "Missing expected "+field)
		case !matched:
			reasons = append(reasons, field+" mismatch")
		}
	}

	found, matched := matchScalar(raw, exp.Arch, archAliases)
	archChecked := boolClaim(raw, ClaimArchCheck)
	switch {
	case matched:
	case !found && archChecked != nil && *archChecked:
		// The authority checked the architecture submitted with the
		// evidence and only reports the outcome.
	case !found:
		reasons = append(reasons, "Missing expected "+FieldArch)
	default:
		reasons = append(reasons, FieldArch+" mismatch")
	}

	check(FieldDeviceCertHash, exp.DeviceCertHash, deviceCertHashAliases)
	check(FieldRIMHash, exp.RIMHash, rimHashAliases)
	check(FieldUEID, exp.UEID, ueidAliases)

	attested := collectMeasurements(raw)
	for _, want := range nonEmpty(exp.Measurements) {
		if _, ok := attested[strings.ToLower(want)]; !ok {
			reasons = append(reasons, "Missing expected "+FieldMeasurements)
			break
		}
	}
	return reasons
}

// matchScalar reports whether any alias is present in any scope, and
// whether one of the present values equals want ignoring case.
func matchScalar(raw map[string]any, want string, aliases []string) (found, matched bool) {
	for _, scope := range scopes(raw) {
		for _, alias := range aliases {
			v := stringClaim(scope, alias)
			if v == "" {
				continue
			}
			found = true
			if strings.EqualFold(v, want) {
				return true, true
			}
		}
	}
	return found, false
}

// collectMeasurements gathers every attested measurement digest, lowercased.
// Measurements may be strings, objects with a hash field, or maps keyed by
// index.
func collectMeasurements(raw map[string]any) map[string]struct{} {
	out := make(map[string]struct{})
	var add func(v any)
	add = func(v any) {
		switch t := v.(type) {
		case string:
			if t != "" {
				out[strings.ToLower(t)] = struct{}{}
			}
		case []any:
			for _, item := range t {
				add(item)
			}
		case map[string]any:
			if h, ok := t["hash"]; ok {
				add(h)
				return
			}
			for _, item := range t {
				add(item)
			}
		}
	}
	for _, scope := range scopes(raw) {
		for _, alias := range measurementAliases {
			if v, ok := scope[alias]; ok {
				add(v)
			}
		}
	}
	return out
}

// MeasurementList decodes measurements given either as strings or as
// objects carrying a hash field.
type MeasurementList []string

func (m *MeasurementList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("measurements: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("measurements: %w", err)
		}
		out = append(out, obj.Hash)
	}
	*m = out
	return nil
}

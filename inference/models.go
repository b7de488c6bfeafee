package inference

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Signature is the TEE signature over a completion's commitments.
type Signature struct {
	Text           string `json:"text"`
	Signature      string `json:"signature"`
	SigningAddress string `json:"signing_address"`
	SigningAlgo    string `json:"signing_algo"`
}

// parseSignature accepts the signature object directly, wrapped in data or
// result, or a bare signature string.
func parseSignature(body []byte) (*Signature, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '"' {
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return &Signature{Signature: s}, nil
	}

	var envelope struct {
		Signature
		Data   *Signature `json:"data"`
		Result *Signature `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	for _, candidate := range []*Signature{&envelope.Signature, envelope.Data, envelope.Result} {
		if candidate != nil && (candidate.Signature != "" || candidate.Text != "" || candidate.SigningAddress != "") {
			return candidate, nil
		}
	}
	return &Signature{}, nil
}

// Report is an attestation report. Raw is the report exactly as received;
// the other fields are extracted from it.
type Report struct {
	Raw            json.RawMessage
	SigningAddress string
	Nonce          string
	IntelQuote     string
}

// MarshalJSON writes the raw report.
func (r *Report) MarshalJSON() ([]byte, error) {
	if r == nil || len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// UnmarshalJSON parses a report previously written by MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	parsed, err := parseReport(data)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

// HasIntelQuote reports whether the report carries CPU attestation.
func (r *Report) HasIntelQuote() bool { return r != nil && r.IntelQuote != "" }

type reportFields struct {
	SigningAddress string `json:"signing_address"`
	RequestNonce   string `json:"request_nonce"`
	Nonce          string `json:"nonce"`
	IntelQuote     any    `json:"intel_quote"`
}

// parseReport reads the signing address, nonce, and intel quote from the
// gateway attestation (object or first array element), then the top level,
// then the first model attestation.
func parseReport(body []byte) (*Report, error) {
	var top struct {
		reportFields
		Gateway           json.RawMessage `json:"gateway_attestation"`
		ModelAttestations []reportFields  `json:"model_attestations"`
	}
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, err
	}

	var scopes []reportFields
	if gw := bytes.TrimSpace(top.Gateway); len(gw) > 0 {
		var one reportFields
		var many []reportFields
		switch {
		case gw[0] == '{' && json.Unmarshal(gw, &one) == nil:
			scopes = append(scopes, one)
		case gw[0] == '[' && json.Unmarshal(gw, &many) == nil && len(many) > 0:
			scopes = append(scopes, many[0])
		}
	}
	scopes = append(scopes, top.reportFields)
	if len(top.ModelAttestations) > 0 {
		scopes = append(scopes, top.ModelAttestations[0])
	}

	r := &Report{Raw: append(json.RawMessage(nil), body...)}
	for _, s := range scopes {
		if r.SigningAddress == "" {
			r.SigningAddress = s.SigningAddress
		}
		if r.Nonce == "" {
			r.Nonce = firstNonEmpty(s.RequestNonce, s.Nonce)
		}
		if r.IntelQuote == "" {
			r.IntelQuote = quoteString(s.IntelQuote)
		}
	}
	return r, nil
}

func quoteString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

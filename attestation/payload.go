package attestation

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultArch is assumed when a payload does not name its GPU architecture.
const DefaultArch = "HOPPER"

// Payload aliases, in lookup order. Compatibility debt: the inference
// backend has shipped each of these spellings.
var (
	payloadNonceAliases    = []string{"nonce", "eat_nonce", "x-nvidia-eat-nonce"}
	payloadArchAliases     = []string{"arch", "gpu_arch"}
	payloadEvidenceAliases = []string{"evidence_list", "evidenceList", "evidences"}
	payloadRIMAliases      = []string{"rim_hash", "rim"}
)

// EvidenceItem is one GPU's evidence. The original JSON is kept so it can be
// forwarded to the authority unchanged.
type EvidenceItem struct {
	Certificate string `json:"certificate,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
	Arch        string `json:"arch,omitempty"`
	RIM         string `json:"rim,omitempty"`
	UEID        string `json:"ueid,omitempty"`

	raw json.RawMessage
}

func (e *EvidenceItem) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("evidence item is not an object")
	}
	type plain EvidenceItem
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*e = EvidenceItem(p)
	e.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

func (e EvidenceItem) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	type plain EvidenceItem
	return json.Marshal(plain(e))
}

// Payload is a GPU evidence payload as produced by the inference backend.
type Payload struct {
	Nonce          string         `json:"nonce"`
	NonceAlias     string         `json:"-"`
	Arch           string         `json:"arch"`
	EvidenceList   []EvidenceItem `json:"evidence_list"`
	DeviceCertHash string         `json:"device_cert_hash,omitempty"`
	RIM            string         `json:"rim,omitempty"`
	UEID           string         `json:"ueid,omitempty"`
}

// ParsePayload decodes a payload given either as a JSON object or as a JSON
// string holding one.
func ParsePayload(data []byte) (*Payload, error) {
	fields, err := DecodeObject(data)
	if err != nil {
		return nil, err
	}
	return PayloadFromFields(fields)
}

// DecodeObject decodes a JSON object, unwrapping one level of string
// encoding.
func DecodeObject(data []byte) (map[string]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("decoding payload string: %w", err)
		}
		data = bytes.TrimSpace([]byte(inner))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if fields == nil {
		return nil, errors.New("decoding payload: not an object")
	}
	return fields, nil
}

// HasEvidence reports whether fields carry an evidence list under any alias.
func HasEvidence(fields map[string]json.RawMessage) bool {
	_, ok := rawAlias(fields, payloadEvidenceAliases)
	return ok
}

// PayloadFromFields builds a Payload from a decoded object.
func PayloadFromFields(fields map[string]json.RawMessage) (*Payload, error) {
	evidence, ok := rawAlias(fields, payloadEvidenceAliases)
	if !ok {
		return nil, ErrNoEvidence
	}
	p := &Payload{}
	if err := json.Unmarshal(evidence, &p.EvidenceList); err != nil {
		return nil, fmt.Errorf("decoding evidence list: %w", err)
	}
	p.Nonce, p.NonceAlias = stringAlias(fields, payloadNonceAliases)
	p.Arch, _ = stringAlias(fields, payloadArchAliases)
	if p.Arch == "" {
		p.Arch = DefaultArch
	}
	p.DeviceCertHash, _ = stringAlias(fields, []string{"device_cert_hash"})
	p.RIM, _ = stringAlias(fields, payloadRIMAliases)
	p.UEID, _ = stringAlias(fields, []string{"ueid"})
	return p, nil
}

// Validate checks the fields the authority requires.
func (p *Payload) Validate() error {
	var missing []string
	if p.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if p.Arch == "" {
		missing = append(missing, "arch")
	}
	if len(p.EvidenceList) == 0 {
		missing = append(missing, "evidence_list")
	}
	if len(missing) > 0 {
		return fmt.Errorf("payload missing required fields: %v", missing)
	}
	return nil
}

// ExtractExpectations derives the hardware identity a payload claims: the
// SHA-256 of the first device certificate, every evidence blob in hex as a
// measurement, and the first rim and ueid found, falling back to top-level
// fields.
func ExtractExpectations(p *Payload) Expectations {
	exp := Expectations{Arch: p.Arch}
	if exp.Arch == "" {
		exp.Arch = DefaultArch
	}
	for _, item := range p.EvidenceList {
		if item.Certificate != "" && exp.DeviceCertHash == "" {
			if der, err := decodeStdBase64(item.Certificate); err == nil {
				sum := sha256.Sum256(der)
				exp.DeviceCertHash = hex.EncodeToString(sum[:])
			}
		}
		if item.Evidence != "" {
			if raw, err := decodeStdBase64(item.Evidence); err == nil && len(raw) > 0 {
				exp.Measurements = append(exp.Measurements, hex.EncodeToString(raw))
			}
		}
		if item.RIM != "" && exp.RIMHash == "" {
			exp.RIMHash = item.RIM
		}
		if item.UEID != "" && exp.UEID == "" {
			exp.UEID = item.UEID
		}
	}
	if exp.DeviceCertHash == "" {
		exp.DeviceCertHash = p.DeviceCertHash
	}
	if exp.RIMHash == "" {
		exp.RIMHash = p.RIM
	}
	if exp.UEID == "" {
		exp.UEID = p.UEID
	}
	return exp
}

// decodeStdBase64 accepts padded or unpadded standard base64.
func decodeStdBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func rawAlias(fields map[string]json.RawMessage, aliases []string) (json.RawMessage, bool) {
	for _, k := range aliases {
		v, ok := fields[k]
		if ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return v, true
		}
	}
	return nil, false
}

func stringAlias(fields map[string]json.RawMessage, aliases []string) (string, string) {
	for _, k := range aliases {
		v, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s, k
		}
	}
	return "", ""
}

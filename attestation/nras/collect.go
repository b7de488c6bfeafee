package nras

import (
	"encoding/json"

	"github.com/jaswinder6991/teeproof/attestation"
)

// CollectPayloads finds every GPU evidence payload inside an attestation
// report, in order: nvidia_payload, gateway_attestation.nvidia_payload,
// each model_attestations[].nvidia_payload, and finally the report itself
// when it carries an evidence list. Payloads may be JSON-in-a-string.
// Candidates that do not parse are skipped.
func CollectPayloads(report json.RawMessage) []*attestation.Payload {
	fields, err := attestation.DecodeObject(report)
	if err != nil {
		return nil
	}

	var out []*attestation.Payload
	add := func(raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		inner, err := attestation.DecodeObject(raw)
		if err != nil {
			return
		}
		if p, err := attestation.PayloadFromFields(inner); err == nil {
			out = append(out, p)
		}
	}

	add(fields["nvidia_payload"])

	if gw, ok := fields["gateway_attestation"]; ok {
		for _, obj := range objects(gw) {
			add(obj["nvidia_payload"])
		}
	}

	var models []map[string]json.RawMessage
	if err := json.Unmarshal(fields["model_attestations"], &models); err == nil {
		for _, m := range models {
			add(m["nvidia_payload"])
		}
	}

	if attestation.HasEvidence(fields) {
		if p, err := attestation.PayloadFromFields(fields); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// objects decodes raw as an object or an array of objects.
func objects(raw json.RawMessage) []map[string]json.RawMessage {
	var one map[string]json.RawMessage
	if err := json.Unmarshal(raw, &one); err == nil && one != nil {
		return []map[string]json.RawMessage{one}
	}
	var many []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// FirstPayload returns the first collected payload, or nil.
func FirstPayload(report json.RawMessage) *attestation.Payload {
	if ps := CollectPayloads(report); len(ps) > 0 {
		return ps[0]
	}
	return nil
}

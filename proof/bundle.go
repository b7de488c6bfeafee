package proof

import (
	"encoding/json"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/inference"
	"github.com/jaswinder6991/teeproof/verification"
)

// Bundle is everything a client needs to re-check a completion on its own.
type Bundle struct {
	VerificationID string                   `json:"verificationId"`
	Model          string                   `json:"model"`
	Signature      *inference.Signature     `json:"signature"`
	Attestation    *inference.Report        `json:"attestation"`
	NRAS           *HardwareToken           `json:"nras"`
	NonceCheck     *verification.NonceCheck `json:"nonceCheck"`
	Intel          *CPUCheck                `json:"intel"`
	Hashes         Hashes                   `json:"hashes"`
	Results        Results                  `json:"results"`
}

// HardwareToken is the verdict on the GPU attestation token.
type HardwareToken struct {
	Verified bool                `json:"verified"`
	JWT      string              `json:"jwt,omitempty"`
	Claims   *attestation.Claims `json:"claims,omitempty"`
	GPUs     json.RawMessage     `json:"gpus,omitempty"`
	Reasons  []string            `json:"reasons"`
}

// CPUCheck reports on the CPU (TDX) quote in the attestation report.
type CPUCheck struct {
	Present  bool     `json:"present"`
	Required bool     `json:"required"`
	Verified *bool    `json:"verified"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Hashes records both the commitments the TEE signed and the ones recorded
// in the session. The signed ones are authoritative.
type Hashes struct {
	Request         string `json:"request"`
	Response        string `json:"response"`
	SessionRequest  string `json:"sessionRequest,omitempty"`
	SessionResponse string `json:"sessionResponse,omitempty"`
	Match           bool   `json:"match"`
}

// Results summarises the derived verification state.
type Results struct {
	Verified bool               `json:"verified"`
	Reasons  []string           `json:"reasons"`
	State    verification.State `json:"state"`
}

// Input rebuilds the state-engine input from a bundle.
func (b *Bundle) Input(requestHash, responseHash string, cpuRequired bool) verification.Input {
	in := verification.Input{
		RequestHash:  requestHash,
		ResponseHash: responseHash,
		NonceCheck:   b.NonceCheck,
		CPURequired:  cpuRequired,
	}
	if b.Signature != nil {
		in.SignatureText = b.Signature.Text
		in.Signature = b.Signature.Signature
		in.SignatureAddress = b.Signature.SigningAddress
		in.SigningAlgo = b.Signature.SigningAlgo
		in.RecordedAddress = b.Signature.SigningAddress
	}
	if b.Attestation != nil {
		in.AttestedAddress = b.Attestation.SigningAddress
	}
	if b.NRAS != nil {
		v := b.NRAS.Verified
		in.HardwareVerified = &v
		in.HardwareReasons = b.NRAS.Reasons
	}
	if b.Intel != nil {
		in.CPUVerified = b.Intel.Verified
	}
	return in
}

// Package verification reduces the sub-proofs of a verification into named
// steps and one overall verdict.
package verification

import (
	"strings"

	"github.com/jaswinder6991/teeproof/commitment"
)

// StepName identifies a verification step.
type StepName string

const (
	StepAddress     StepName = "address"
	StepAttestation StepName = "attestation"
	StepSignature   StepName = "signature"
	StepNonce       StepName = "nonce"
	StepGPU         StepName = "gpu"
	StepCPU         StepName = "cpu"
)

// StepOrder is the fixed order steps are evaluated and reported in.
var StepOrder = []StepName{StepAddress, StepAttestation, StepSignature, StepNonce, StepGPU, StepCPU}

// Status of a single step.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Overall verdict.
type Overall string

const (
	OverallPending  Overall = "pending"
	OverallVerified Overall = "verified"
	OverallFailed   Overall = "failed"
)

// Messages reported by the steps.
const (
	MsgNoAddresses        = "No TEE addresses available"
	MsgAttestedAddrAbsent = "Attested signing address missing"
	MsgAddressMismatch    = "Signing address mismatch"
	MsgAttestationFailed  = "Attestation failed"
	MsgHashMismatch       = "Hash mismatch"
	MsgSignatureInvalid   = "Signature invalid"
	MsgUnsupportedAlgo    = "Unsupported signing algorithm"
	MsgNoNonceCheck       = "missing nonce check"
	MsgNonceMismatch      = "Nonce mismatch"
	MsgGPUFailed          = "GPU attestation failed"
	MsgCPUFailed          = "Intel attestation failed or missing"
)

// NonceCheck records the nonce seen at each point of a verification. Valid
// is computed by whoever assembled the check.
type NonceCheck struct {
	Expected string `json:"expected"`
	Attested string `json:"attested"`
	NRAS     string `json:"nras"`
	Valid    bool   `json:"valid"`
}

// Input bundles everything one derivation needs.
type Input struct {
	RequestHash  string `json:"requestHash"`
	ResponseHash string `json:"responseHash"`

	SignatureText    string `json:"signatureText"`
	Signature        string `json:"signature"`
	SignatureAddress string `json:"signatureAddress"`
	SigningAlgo      string `json:"signingAlgo,omitempty"`

	AttestedAddress string `json:"attestedAddress"`
	RecordedAddress string `json:"recordedAddress"`

	// AttestationResult is the report's own verdict, used when no hardware
	// token result is available.
	AttestationResult string `json:"attestationResult,omitempty"`

	HardwareVerified *bool    `json:"hardwareVerified"`
	HardwareReasons  []string `json:"hardwareReasons,omitempty"`

	CPUVerified *bool `json:"cpuVerified"`
	CPURequired bool  `json:"cpuRequired"`

	NonceCheck *NonceCheck `json:"nonceCheck"`

	SignatureVerifier SignatureVerifier `json:"-"`
}

// Step is one named result.
type Step struct {
	Status  Status   `json:"status"`
	Message string   `json:"message,omitempty"`
	Reasons []string `json:"-"`
}

// State is the derived verdict. It is never persisted.
type State struct {
	Steps   map[StepName]Step `json:"steps"`
	Order   []StepName        `json:"order"`
	Overall Overall           `json:"overall"`
	Reasons []string          `json:"reasons"`
}

// Step returns the named step.
func (s State) Step(name StepName) Step { return s.Steps[name] }

// Verified reports whether the overall verdict is verified.
func (s State) Verified() bool { return s.Overall == OverallVerified }

func pending(msg string) Step { return Step{Status: StatusPending, Message: msg} }

func success(msg string) Step { return Step{Status: StatusSuccess, Message: msg} }

func failure(msg string, reasons ...string) Step {
	if len(reasons) == 0 {
		reasons = []string{msg}
	}
	return Step{Status: StatusError, Message: msg, Reasons: reasons}
}

// Derive computes the verification state for in. It has no side effects.
func Derive(in Input) State {
	st := State{
		Steps: map[StepName]Step{
			StepAddress:     deriveAddress(in),
			StepAttestation: deriveAttestation(in),
			StepSignature:   deriveSignature(in),
			StepNonce:       deriveNonce(in),
			StepGPU:         deriveGPU(in),
			StepCPU:         deriveCPU(in),
		},
		Order:   append([]StepName(nil), StepOrder...),
		Reasons: []string{},
	}

	anyError, allSuccess := false, true
	for _, name := range StepOrder {
		step := st.Steps[name]
		if step.Status == StatusError {
			st.Reasons = append(st.Reasons, step.Reasons...)
		}
		if name == StepCPU && !in.CPURequired {
			continue
		}
		switch step.Status {
		case StatusError:
			anyError = true
			allSuccess = false
		case StatusPending:
			allSuccess = false
		}
	}

	switch {
	case anyError:
		st.Overall = OverallFailed
	case allSuccess:
		st.Overall = OverallVerified
	default:
		st.Overall = OverallPending
	}
	return st
}

func deriveAddress(in Input) Step {
	attested := strings.TrimSpace(in.AttestedAddress)
	recorded := strings.TrimSpace(in.RecordedAddress)
	switch {
	case attested == "" && recorded == "":
		return failure(MsgNoAddresses)
	case attested == "":
		return failure(MsgAttestedAddrAbsent)
	case recorded != "" && !strings.EqualFold(attested, recorded):
		return failure(MsgAddressMismatch)
	}
	return success(attested)
}

func deriveAttestation(in Input) Step {
	if in.HardwareVerified != nil {
		if *in.HardwareVerified {
			return success("Hardware attestation verified")
		}
		return failure(MsgAttestationFailed, nonEmptyOr(in.HardwareReasons, MsgAttestationFailed)...)
	}
	switch strings.ToLower(strings.TrimSpace(in.AttestationResult)) {
	case "":
		return pending("Awaiting hardware attestation")
	case "pass", "passed", "success", "verified", "true":
		return success("Attestation report passed")
	default:
		return failure(MsgAttestationFailed, nonEmptyOr(in.HardwareReasons, MsgAttestationFailed)...)
	}
}

func deriveSignature(in Input) Step {
	if in.SignatureText == "" || in.Signature == "" {
		return pending("Awaiting signature")
	}
	if in.RequestHash == "" || in.ResponseHash == "" {
		return pending("Awaiting request and response hashes")
	}

	var reasons []string
	if !commitment.VerifyBinding(in.RequestHash, in.ResponseHash, in.SignatureText).OK() {
		reasons = append(reasons, MsgHashMismatch)
	}

	if algo := strings.TrimSpace(in.SigningAlgo); algo != "" && !strings.EqualFold(algo, "ecdsa") {
		reasons = append(reasons, MsgUnsupportedAlgo)
	} else {
		addr := in.SignatureAddress
		if addr == "" {
			addr = in.AttestedAddress
		}
		verifier := in.SignatureVerifier
		if verifier == nil {
			verifier = EIP191Verifier{}
		}
		if err := verifier.VerifySignature(in.SignatureText, in.Signature, addr); err != nil {
			reasons = append(reasons, MsgSignatureInvalid)
		}
	}

	if len(reasons) > 0 {
		return failure(reasons[0], reasons...)
	}
	return success("Signature bound to request and response")
}

func deriveNonce(in Input) Step {
	switch {
	case in.NonceCheck == nil:
		return failure(MsgNoNonceCheck)
	case !in.NonceCheck.Valid:
		return failure(MsgNonceMismatch)
	}
	return success("Nonce bound")
}

func deriveGPU(in Input) Step {
	switch {
	case in.HardwareVerified == nil:
		return pending("Awaiting GPU attestation")
	case *in.HardwareVerified:
		return success("GPU attestation verified")
	}
	return failure(MsgGPUFailed)
}

func deriveCPU(in Input) Step {
	switch {
	case in.CPUVerified != nil && *in.CPUVerified:
		return success("CPU attestation verified")
	case !in.CPURequired:
		return pending("CPU attestation not required")
	}
	return failure(MsgCPUFailed)
}

func nonEmptyOr(reasons []string, fallback string) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}

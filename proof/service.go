// Package proof assembles and evaluates the proof bundle for one
// verification: the TEE signature, the attestation report, the GPU
// attestation token, and the nonce binding between them.
package proof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/attestation/nras"
	"github.com/jaswinder6991/teeproof/commitment"
	"github.com/jaswinder6991/teeproof/inference"
	"github.com/jaswinder6991/teeproof/internal/retry"
	"github.com/jaswinder6991/teeproof/internal/util"
	"github.com/jaswinder6991/teeproof/session"
	"github.com/jaswinder6991/teeproof/verification"
)

var (
	ErrSessionNotFound = errors.New("proof: verification session not found or expired")
	ErrInvalidRequest  = errors.New("proof: verificationId and model are required")
)

// Reasons recorded on the hardware token section.
const (
	ReasonNoGPUPayload     = "no GPU evidence payload in attestation report"
	ReasonCPUNotConfigured = "CPU attestation verifier not configured"
)

// Sessions is the part of the session store the service needs.
type Sessions interface {
	Get(id string) (session.Session, bool)
	UpdateHashes(id string, requestHash, responseHash *string) bool
}

// Backend is the inference backend.
type Backend interface {
	Signature(ctx context.Context, chatID, model string) (*inference.Signature, error)
	AttestationReport(ctx context.Context, model, nonce, signingAddress string) (*inference.Report, error)
}

// ExpectationsSource supplies the hardware identity expected for a model.
type ExpectationsSource interface {
	HardwareExpectations(ctx context.Context, model string) (attestation.Expectations, error)
}

// Authority submits GPU evidence to the attestation authority.
type Authority interface {
	Attest(ctx context.Context, p *attestation.Payload) (*nras.Response, error)
}

// TokenVerifier verifies an attestation token.
type TokenVerifier interface {
	Verify(ctx context.Context, token, expectedNonce string, exp attestation.Expectations) (*attestation.Result, error)
}

// CPUVerifier checks a CPU quote against the session nonce.
type CPUVerifier interface {
	VerifyQuote(ctx context.Context, quote, nonce string) (bool, []string, error)
}

// Request identifies the completion to prove.
type Request struct {
	VerificationID string `json:"verificationId" validate:"required"`
	Model          string `json:"model" validate:"required"`
	RequestHash    string `json:"requestHash"`
	ResponseHash   string `json:"responseHash"`
}

// Service builds proof bundles.
type Service struct {
	sessions     Sessions
	backend      Backend
	expectations ExpectationsSource
	authority    Authority
	verifier     TokenVerifier
	cpu          CPUVerifier
	requireCPU   bool
	backendRetry retry.Policy
	nrasRetry    retry.Policy
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithExpectations overrides where hardware expectations come from. By
// default they are extracted from the attestation report itself.
func WithExpectations(src ExpectationsSource) Option {
	return func(s *Service) { s.expectations = src }
}

// WithCPUVerifier enables CPU quote verification.
func WithCPUVerifier(v CPUVerifier) Option {
	return func(s *Service) { s.cpu = v }
}

// WithRequireCPU makes a present CPU quote mandatory for a verified result.
func WithRequireCPU(required bool) Option {
	return func(s *Service) { s.requireCPU = required }
}

// WithRetry sets the retry policy for backend and authority calls.
func WithRetry(p retry.Policy) Option {
	return func(s *Service) {
		s.backendRetry.MaxAttempts = p.MaxAttempts
		s.backendRetry.Backoff = p.Backoff
		s.nrasRetry.MaxAttempts = p.MaxAttempts
		s.nrasRetry.Backoff = p.Backoff
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the collaborators of a proof verification.
func NewService(sessions Sessions, backend Backend, authority Authority, verifier TokenVerifier, opts ...Option) *Service {
	s := &Service{
		sessions:     sessions,
		backend:      backend,
		authority:    authority,
		verifier:     verifier,
		backendRetry: retry.Default(),
		nrasRetry:    retry.Default(),
		logger:       slog.Default(),
	}
	s.backendRetry.Retryable = inference.IsRetryable
	s.nrasRetry.Retryable = nras.IsTransient
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "proof")
	return s
}

// VerifyProof fetches and evaluates the proof for req. Structural failures
// (no session, backend errors, untrustworthy tokens) are returned as errors;
// everything else is reported in the bundle.
func (s *Service) VerifyProof(ctx context.Context, req Request) (*Bundle, error) {
	if req.VerificationID == "" || req.Model == "" {
		return nil, ErrInvalidRequest
	}

	sess, ok := s.sessions.Get(req.VerificationID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.fillHashes(sess, req)
	if updated, ok := s.sessions.Get(req.VerificationID); ok {
		sess = updated
	}

	var sig *inference.Signature
	err := s.backendRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		sig, err = s.backend.Signature(ctx, req.VerificationID, req.Model)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching signature: %w", err)
	}

	b := &Bundle{
		VerificationID: req.VerificationID,
		Model:          req.Model,
		Signature:      sig,
		Hashes:         s.reconcileHashes(sess, sig),
	}

	err = s.backendRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		b.Attestation, err = s.backend.AttestationReport(ctx, req.Model, sess.Nonce, sig.SigningAddress)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching attestation report: %w", err)
	}

	token, err := s.verifyHardware(ctx, req.Model, sess.Nonce, b.Attestation)
	if err != nil {
		return nil, err
	}
	b.NRAS = token

	b.NonceCheck = nonceCheck(sess.Nonce, attestedNonce(b.Attestation), tokenNonce(token))
	b.Intel = s.checkCPU(ctx, sess.Nonce, b.Attestation)

	state := verification.Derive(b.Input(deref(sess.RequestHash), deref(sess.ResponseHash), b.Intel.Required))
	b.Results = Results{Verified: state.Verified(), Reasons: state.Reasons, State: state}

	s.logger.Info("proof evaluated",
		"verification_id", req.VerificationID,
		"model", req.Model,
		"overall", state.Overall,
		"reasons", len(state.Reasons),
	)
	return b, nil
}

// fillHashes records request hashes the session does not have yet.
func (s *Service) fillHashes(sess session.Session, req Request) {
	var reqHash, respHash *string
	if sess.RequestHash == nil && req.RequestHash != "" {
		reqHash = &req.RequestHash
	}
	if sess.ResponseHash == nil && req.ResponseHash != "" {
		respHash = &req.ResponseHash
	}
	if reqHash != nil || respHash != nil {
		s.sessions.UpdateHashes(sess.VerificationID, reqHash, respHash)
	}
}

// reconcileHashes compares the signed commitments with the session's. On
// disagreement the signed text wins and both are kept.
func (s *Service) reconcileHashes(sess session.Session, sig *inference.Signature) Hashes {
	h := Hashes{
		SessionRequest:  deref(sess.RequestHash),
		SessionResponse: deref(sess.ResponseHash),
	}
	signedReq, signedResp, ok := commitment.SplitSignatureText(sig.Text)
	if !ok {
		h.Request, h.Response = h.SessionRequest, h.SessionResponse
		return h
	}
	h.Request, h.Response = signedReq, signedResp
	h.Match = commitment.VerifyBinding(h.SessionRequest, h.SessionResponse, sig.Text).OK()
	if !h.Match {
		s.logger.Warn("signed hashes differ from session hashes; using signed hashes",
			"verification_id", sess.VerificationID,
			"signed_request", util.Truncate(signedReq, 16),
			"session_request", util.Truncate(h.SessionRequest, 16),
			"signed_response", util.Truncate(signedResp, 16),
			"session_response", util.Truncate(h.SessionResponse, 16),
		)
	}
	return h
}

// verifyHardware submits the report's GPU evidence to the authority and
// verifies the returned token.
func (s *Service) verifyHardware(ctx context.Context, model, nonce string, report *inference.Report) (*HardwareToken, error) {
	payload := nras.FirstPayload(report.Raw)
	if payload == nil {
		return &HardwareToken{Reasons: []string{ReasonNoGPUPayload}}, nil
	}

	exp := attestation.ExtractExpectations(payload)
	if s.expectations != nil {
		e, err := s.expectations.HardwareExpectations(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("loading hardware expectations: %w", err)
		}
		exp = e
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	var resp *nras.Response
	err := s.nrasRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = s.authority.Attest(ctx, payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("attesting GPU evidence: %w", err)
	}

	res, err := s.verifier.Verify(ctx, resp.JWT, nonce, exp)
	if err != nil {
		return nil, fmt.Errorf("verifying attestation token: %w", err)
	}
	return &HardwareToken{
		Verified: res.Verified,
		JWT:      resp.JWT,
		Claims:   res.Claims,
		GPUs:     resp.GPUs,
		Reasons:  res.Reasons,
	}, nil
}

func (s *Service) checkCPU(ctx context.Context, nonce string, report *inference.Report) *CPUCheck {
	c := &CPUCheck{Present: report.HasIntelQuote()}
	c.Required = s.requireCPU && c.Present
	if !c.Present {
		return c
	}
	if s.cpu == nil {
		c.Reasons = []string{ReasonCPUNotConfigured}
		return c
	}
	ok, reasons, err := s.cpu.VerifyQuote(ctx, report.IntelQuote, nonce)
	if err != nil {
		s.logger.Warn("cpu quote verification failed", "error", err)
		reasons = append(reasons, err.Error())
		ok = false
	}
	c.Verified = &ok
	c.Reasons = reasons
	return c
}

// nonceCheck is valid iff the expected nonce is known, at least one other
// party echoed a nonce, and every echoed nonce equals it ignoring case.
func nonceCheck(expected, attested, token string) *verification.NonceCheck {
	nc := &verification.NonceCheck{Expected: expected, Attested: attested, NRAS: token}
	if expected == "" || (attested == "" && token == "") {
		return nc
	}
	nc.Valid = true
	for _, v := range []string{attested, token} {
		if v != "" && !strings.EqualFold(v, expected) {
			nc.Valid = false
		}
	}
	return nc
}

// attestedNonce is the nonce the report was generated for, falling back to
// the nonce inside its GPU evidence.
func attestedNonce(r *inference.Report) string {
	if r.Nonce != "" {
		return r.Nonce
	}
	if p := nras.FirstPayload(r.Raw); p != nil {
		return p.Nonce
	}
	return ""
}

func tokenNonce(t *HardwareToken) string {
	if t == nil || t.Claims == nil {
		return ""
	}
	return t.Claims.Nonce
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Package nras is a client for the GPU remote attestation authority. It
// submits GPU evidence and returns the signed attestation token; callers
// verify the token with the attestation package.
package nras

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/internal/util"
)

const (
	// URL is the authority's GPU attestation endpoint.
	URL = "https://nras.attestation.nvidia.com/v3/attest/gpu"
	// Timeout bounds a single attestation call.
	Timeout = 10 * time.Second
	// StatusPayloadTooLarge is the non-standard status the authority's edge
	// returns for oversized requests.
	StatusPayloadTooLarge = 432

	maxResponseSize = 4 << 20
)

var (
	ErrPayloadTooLarge = errors.New("nras: payload too large")
	ErrMissingToken    = errors.New("nras: response has no JWT")
)

// TransientError is a failure worth retrying: a timeout, an aborted call, a
// network error or a 5xx from the authority.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("nras: transient failure: status %d", e.StatusCode)
	}
	return fmt.Sprintf("nras: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError is a non-retryable rejection from the authority.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nras: request failed: status %d", e.StatusCode)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Request is the minimal body the authority accepts.
type Request struct {
	Nonce          string                     `json:"nonce"`
	Arch           string                     `json:"arch"`
	EvidenceList   []attestation.EvidenceItem `json:"evidence_list"`
	DeviceCertHash string                     `json:"device_cert_hash,omitempty"`
	RIM            string                     `json:"rim,omitempty"`
	UEID           string                     `json:"ueid,omitempty"`
}

// NewRequest trims a payload down to the fields the authority reads.
func NewRequest(p *attestation.Payload) Request {
	return Request{
		Nonce:          p.Nonce,
		Arch:           p.Arch,
		EvidenceList:   p.EvidenceList,
		DeviceCertHash: p.DeviceCertHash,
		RIM:            p.RIM,
		UEID:           p.UEID,
	}
}

// Response is the authority's answer: the overall token and one token per
// GPU.
type Response struct {
	JWT  string          `json:"jwt"`
	GPUs json.RawMessage `json:"gpus,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// Client talks to the attestation authority.
type Client struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the endpoint. It exists for tests; production callers
// use the compiled-in URL.
func WithURL(u string) Option {
	return func(c *Client) { c.url = u }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the authority.
func NewClient(opts ...Option) *Client {
	c := &Client{
		url:     URL,
		client:  &http.Client{},
		timeout: Timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "nras")
	return c
}

// Attest submits evidence and returns the authority's tokens.
func (c *Client) Attest(ctx context.Context, p *attestation.Payload) (*Response, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(NewRequest(p))
	if err != nil {
		return nil, fmt.Errorf("nras: encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("nras: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("submitting evidence",
		"nonce", util.Truncate(p.Nonce, 20),
		"arch", p.Arch,
		"evidence_count", len(p.EvidenceList),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == StatusPayloadTooLarge,
		strings.Contains(string(text), "Request Header Or Cookie Too Large"):
		c.logger.Warn("payload rejected as too large", "status", resp.StatusCode, "bytes", len(body))
		return nil, ErrPayloadTooLarge
	case resp.StatusCode >= 500:
		c.logger.Warn("authority unavailable", "status", resp.StatusCode)
		return nil, &TransientError{StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.Warn("request rejected", "status", resp.StatusCode, "body", util.Truncate(string(text), 200))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: util.Truncate(string(text), 200)}
	}

	out, err := ParseResponse(text)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseResponse accepts both response shapes the authority has used: an
// array holding a ["JWT", token] pair and a per-GPU object, and an object
// with jwt and gpus fields.
//
// Compatibility debt: neither shape is documented as canonical.
func ParseResponse(data []byte) (*Response, error) {
	out := &Response{Raw: append(json.RawMessage(nil), data...)}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err == nil {
		for _, item := range items {
			var pair []json.RawMessage
			if err := json.Unmarshal(item, &pair); err == nil {
				var tag, tok string
				if len(pair) >= 2 && json.Unmarshal(pair[0], &tag) == nil && tag == "JWT" &&
					json.Unmarshal(pair[1], &tok) == nil && out.JWT == "" {
					out.JWT = tok
				}
				continue
			}
			trimmed := bytes.TrimSpace(item)
			if len(trimmed) > 0 && trimmed[0] == '{' && out.GPUs == nil {
				out.GPUs = append(json.RawMessage(nil), trimmed...)
			}
		}
	} else {
		var obj struct {
			JWT  string          `json:"jwt"`
			GPUs json.RawMessage `json:"gpus"`
		}
		if err := json.Unmarshal(data, &obj); err == nil {
			out.JWT = obj.JWT
			if len(obj.GPUs) > 0 && string(obj.GPUs) != "null" {
				out.GPUs = obj.GPUs
			}
		}
	}

	if out.JWT == "" {
		return nil, ErrMissingToken
	}
	return out, nil
}

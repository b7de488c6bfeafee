// Package inference talks to the inference backend that publishes TEE
// signatures and attestation reports for completions.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/patrickmn/go-cache"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/attestation/nras"
	"github.com/jaswinder6991/teeproof/internal/util"
)

const (
	// DefaultBaseURL is the inference backend's API root.
	DefaultBaseURL = "https://cloud-api.near.ai/v1"
	// APIKeyEnv names the environment variable holding the backend key.
	APIKeyEnv = "NEAR_AI_CLOUD_API_KEY"
	// DefaultExpectationsTTL is how long per-model hardware expectations are
	// reused.
	DefaultExpectationsTTL = 5 * time.Minute

	signingAlgo     = "ecdsa"
	maxResponseSize = 8 << 20
)

// Client is an inference backend client. The API key is kept in an
// encrypted memguard enclave and only decrypted per request.
type Client struct {
	baseURL string
	apiKey  *memguard.Enclave
	client  *http.Client
	logger  *slog.Logger

	expectationsTTL time.Duration
	expectations    *cache.Cache
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithExpectationsTTL sets how long hardware expectations are cached.
func WithExpectationsTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.expectationsTTL = d
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

// NewClient creates a client. apiKey is copied into an enclave and the
// caller's slice is wiped. An empty key is allowed; requests then fail with
// ErrMissingAPIKey.
func NewClient(apiKey []byte, opts ...Option) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		client:          &http.Client{Timeout: 30 * time.Second},
		logger:          slog.Default(),
		expectationsTTL: DefaultExpectationsTTL,
	}
	if len(apiKey) > 0 {
		c.apiKey = memguard.NewEnclave(apiKey)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.expectations = cache.New(c.expectationsTTL, 2*c.expectationsTTL)
	c.logger = c.logger.With("component", "inference")
	return c
}

// Signature fetches the TEE signature for a completion.
func (c *Client) Signature(ctx context.Context, chatID, model string) (*Signature, error) {
	q := url.Values{}
	q.Set("model", model)
	q.Set("signing_algo", signingAlgo)
	body, err := c.get(ctx, "signature", "/signature/"+url.PathEscape(chatID), q)
	if err != nil {
		return nil, err
	}
	sig, err := parseSignature(body)
	if err != nil {
		return nil, fmt.Errorf("inference: decoding signature: %w", err)
	}
	return sig, nil
}

// AttestationReport fetches a fresh attestation report bound to nonce. Empty
// nonce or signingAddress are omitted from the query.
func (c *Client) AttestationReport(ctx context.Context, model, nonce, signingAddress string) (*Report, error) {
	q := url.Values{}
	q.Set("model", model)
	q.Set("signing_algo", signingAlgo)
	if nonce != "" {
		q.Set("nonce", nonce)
	}
	if signingAddress != "" {
		q.Set("signing_address", signingAddress)
	}
	body, err := c.get(ctx, "attestation report", "/attestation/report", q)
	if err != nil {
		return nil, err
	}
	r, err := parseReport(body)
	if err != nil {
		return nil, fmt.Errorf("inference: decoding attestation report: %w", err)
	}
	return r, nil
}

// HardwareExpectations derives the expected hardware identity for model
// from its current attestation report. Results are cached per model.
func (c *Client) HardwareExpectations(ctx context.Context, model string) (attestation.Expectations, error) {
	if v, ok := c.expectations.Get(model); ok {
		return v.(attestation.Expectations), nil
	}

	report, err := c.AttestationReport(ctx, model, "", "")
	if err != nil {
		return attestation.Expectations{}, err
	}
	payload := nras.FirstPayload(report.Raw)
	if payload == nil {
		return attestation.Expectations{}, ErrNoPayload
	}
	exp := attestation.ExtractExpectations(payload)
	if err := exp.Validate(); err != nil {
		return attestation.Expectations{}, err
	}

	c.expectations.SetDefault(model, exp)
	c.logger.Debug("hardware expectations cached",
		"model", model,
		"arch", exp.Arch,
		"device_cert_hash", util.Truncate(exp.DeviceCertHash, 16),
		"measurements", len(exp.Measurements),
	)
	return exp, nil
}

// ResetExpectations drops every cached expectation.
func (c *Client) ResetExpectations() { c.expectations.Flush() }

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	if c.apiKey == nil {
		return nil, ErrMissingAPIKey
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("inference: building %s request: %w", op, err)
	}

	key, err := c.apiKey.Open()
	if err != nil {
		return nil, fmt.Errorf("inference: opening API key: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key.String())
	key.Destroy()
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("inference: reading %s: %w", op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrProofNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.Warn("backend request failed", "op", op, "status", resp.StatusCode)
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: util.Truncate(string(body), 200)}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("inference: %s: response is not JSON", op)
	}
	return body, nil
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaswinder6991/teeproof/api"
	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/attestation/nras"
	"github.com/jaswinder6991/teeproof/inference"
	"github.com/jaswinder6991/teeproof/jwks"
	"github.com/jaswinder6991/teeproof/proof"
	"github.com/jaswinder6991/teeproof/session"
	"github.com/jaswinder6991/teeproof/storage/memory"
	"github.com/jaswinder6991/teeproof/verification"
)

const (
	testReqHash  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testRespHash = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeProofs struct {
	mu     sync.Mutex
	bundle *proof.Bundle
	err    error
	calls  atomic.Int32
}

func (f *fakeProofs) VerifyProof(ctx context.Context, req proof.Request) (*proof.Bundle, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := *f.bundle
	b.VerificationID = req.VerificationID
	b.Model = req.Model
	return &b, nil
}

func (f *fakeProofs) set(b *proof.Bundle, err error) {
	f.mu.Lock()
	f.bundle, f.err = b, err
	f.mu.Unlock()
}

type fakeAuthority struct {
	calls atomic.Int32
	err   error
}

func (f *fakeAuthority) Attest(ctx context.Context, p *attestation.Payload) (*nras.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &nras.Response{JWT: "header.payload.sig", GPUs: json.RawMessage(`[]`)}, nil
}

type fakeTokens struct {
	mu       sync.Mutex
	reasons  []string
	err      error
	gotNonce string
}

func (f *fakeTokens) Verify(ctx context.Context, token, nonce string, exp attestation.Expectations) (*attestation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotNonce = nonce
	if f.err != nil {
		return nil, f.err
	}
	return &attestation.Result{Verified: len(f.reasons) == 0, Reasons: f.reasons}, nil
}

type harness struct {
	url       string
	sessions  *session.Store
	proofs    *fakeProofs
	authority *fakeAuthority
	tokens    *fakeTokens
}

func setup(t *testing.T, opts ...api.Option) *harness {
	t.Helper()
	h := &harness{
		sessions:  session.NewStore(session.WithCleanupInterval(0)),
		proofs:    &fakeProofs{bundle: &proof.Bundle{Results: proof.Results{Verified: true, Reasons: []string{}}}},
		authority: &fakeAuthority{},
		tokens:    &fakeTokens{},
	}
	t.Cleanup(func() { h.sessions.Close() })

	opts = append([]api.Option{
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithArchive(memory.NewRepository()),
		api.WithoutRateLimit(),
	}, opts...)
	a := api.New(h.sessions, h.proofs, h.authority, h.tokens, opts...)
	t.Cleanup(func() { a.Close() })

	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	h.url = srv.URL + "/api/v1"
	return h
}

func doJSON(t *testing.T, method, url string, body any, headers ...string) *http.Response {
	t.Helper()
	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(b)
	default:
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
		reqBody = &buf
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	h := setup(t)
	_, err := h.sessions.Register("v1", "", nil, nil)
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, h.url+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
}

func TestRegisterSession(t *testing.T) {
	h := setup(t)

	resp := doJSON(t, http.MethodPost, h.url+"/verification/register-session", api.RegisterSessionRequest{VerificationID: "chat-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[api.RegisterSessionResponse](t, resp)
	assert.Equal(t, "chat-1", first.VerificationID)
	assert.Len(t, first.Nonce, 64)
	assert.False(t, first.ExpiresAt.IsZero())

	resp = doJSON(t, http.MethodPost, h.url+"/verification/register-session", api.RegisterSessionRequest{VerificationID: "chat-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[api.RegisterSessionResponse](t, resp)
	assert.Equal(t, first.Nonce, second.Nonce, "a live session keeps its nonce")

	t.Run("MissingID", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/register-session", `{}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, []string{"verificationId"}, body.Missing)
	})

	t.Run("UnknownField", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/register-session", `{"verificationId":"x","extra":1}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/register-session", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSyncSession(t *testing.T) {
	h := setup(t)
	sess, err := h.sessions.Register("chat-1", "", nil, nil)
	require.NoError(t, err)

	t.Run("MergesHashes", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/session", api.SyncSessionRequest{
			VerificationID: "chat-1",
			RequestHash:    strings.ToUpper(testReqHash),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[api.SessionResponse](t, resp)
		require.NotNil(t, body.RequestHash)
		assert.Equal(t, testReqHash, *body.RequestHash)
		assert.Nil(t, body.ResponseHash)
		assert.Equal(t, sess.Nonce, body.Nonce)

		// Set fields are not overwritten by a later sync.
		resp = doJSON(t, http.MethodPost, h.url+"/verification/session", api.SyncSessionRequest{
			VerificationID: "chat-1",
			RequestHash:    testRespHash,
			ResponseHash:   testRespHash,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body = decode[api.SessionResponse](t, resp)
		assert.Equal(t, testReqHash, *body.RequestHash)
		assert.Equal(t, testRespHash, *body.ResponseHash)
	})

	t.Run("ResyncsAttestedNonce", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/session", api.SyncSessionRequest{
			VerificationID: "chat-1",
			AttestedNonce:  "attested-nonce",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[api.SessionResponse](t, resp)
		assert.Equal(t, "attested-nonce", body.Nonce)
		assert.Equal(t, testReqHash, *body.RequestHash, "resync keeps recorded hashes")

		got, ok := h.sessions.Get("chat-1")
		require.True(t, ok)
		assert.Equal(t, "attested-nonce", got.Nonce)
	})

	t.Run("CreatesMissingSession", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/session", api.SyncSessionRequest{
			VerificationID: "chat-2",
			Nonce:          "client-nonce",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "client-nonce", decode[api.SessionResponse](t, resp).Nonce)
	})

	t.Run("CreateMergeAndResyncInOneCall", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/session", api.SyncSessionRequest{
			VerificationID: "chat-3",
			Nonce:          "client-nonce",
			AttestedNonce:  "attested-nonce",
			RequestHash:    testReqHash,
			ResponseHash:   testRespHash,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[api.SessionResponse](t, resp)
		assert.Equal(t, "attested-nonce", body.Nonce)
		require.NotNil(t, body.RequestHash)
		require.NotNil(t, body.ResponseHash)

		got, ok := h.sessions.Get("chat-3")
		require.True(t, ok)
		assert.Equal(t, "attested-nonce", got.Nonce)
		assert.Equal(t, testReqHash, *got.RequestHash)
		assert.Equal(t, testRespHash, *got.ResponseHash)
	})

	t.Run("InvalidHash", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/session", api.SyncSessionRequest{
			VerificationID: "chat-1",
			RequestHash:    "not-a-hash",
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decode[api.ErrorResponse](t, resp).Missing, "requestHash")
	})
}

func TestVerifyProof(t *testing.T) {
	h := setup(t)
	req := proof.Request{VerificationID: "chat-1", Model: "zai-org/GLM-4.6"}

	t.Run("Verified", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, h.url+"/verification/proof", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		b := decode[proof.Bundle](t, resp)
		assert.Equal(t, "chat-1", b.VerificationID)
		assert.True(t, b.Results.Verified)
	})

	t.Run("MissingModel", func(t *testing.T) {
		before := h.proofs.calls.Load()
		resp := doJSON(t, http.MethodPost, h.url+"/verification/proof", proof.Request{VerificationID: "chat-1"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, before, h.proofs.calls.Load())
	})

	errCases := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, body api.ErrorResponse)
	}{
		{
			name:   "SessionNotFound",
			err:    proof.ErrSessionNotFound,
			status: http.StatusNotFound,
			check: func(t *testing.T, body api.ErrorResponse) {
				assert.NotEmpty(t, body.Suggestions)
			},
		},
		{name: "ProofNotPublished", err: inference.ErrProofNotFound, status: http.StatusNotFound},
		{name: "Unauthorized", err: inference.ErrUnauthorized, status: http.StatusUnauthorized},
		{name: "AuthorityUnavailable", err: &nras.TransientError{StatusCode: 503}, status: http.StatusServiceUnavailable},
		{name: "AuthorityRejected", err: &nras.StatusError{StatusCode: 400}, status: http.StatusBadGateway},
		{
			name:   "UnknownKey",
			err:    &jwks.NoMatchingKeyError{Kid: "kid-9"},
			status: http.StatusBadGateway,
			check: func(t *testing.T, body api.ErrorResponse) {
				assert.Equal(t, "kid-9", body.Kid)
			},
		},
		{
			name:   "MissingExpectations",
			err:    &attestation.MissingExpectationsError{Fields: []string{"ueid"}},
			status: http.StatusBadRequest,
			check: func(t *testing.T, body api.ErrorResponse) {
				assert.Equal(t, []string{"ueid"}, body.Missing)
			},
		},
		{name: "Unexpected", err: io.ErrUnexpectedEOF, status: http.StatusInternalServerError},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			h.proofs.set(nil, tc.err)
			resp := doJSON(t, http.MethodPost, h.url+"/verification/proof", req)
			require.Equal(t, tc.status, resp.StatusCode)
			body := decode[api.ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
			if tc.check != nil {
				tc.check(t, body)
			}
		})
	}
}

func hardwareRequest() map[string]any {
	return map[string]any{
		"nvidia_payload": map[string]any{
			"nonce":         "abc123",
			"arch":          "HOPPER",
			"evidence_list": []map[string]string{{"evidence": "AQI=", "certificate": "Aw=="}},
		},
		"nonce":                  "abc123",
		"expectedArch":           "HOPPER",
		"expectedDeviceCertHash": "cert",
		"expectedRimHash":        "rim",
		"expectedUeid":           "ueid",
		"expectedMeasurements":   []string{"0102"},
	}
}

func TestVerifyHardware(t *testing.T) {
	t.Run("Verified", func(t *testing.T) {
		h := setup(t)
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", hardwareRequest())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		tok := decode[proof.HardwareToken](t, resp)
		assert.True(t, tok.Verified)
		assert.Equal(t, "header.payload.sig", tok.JWT)
		assert.Equal(t, "abc123", h.tokens.gotNonce)
		assert.EqualValues(t, 1, h.authority.calls.Load())
	})

	t.Run("StringEncodedPayload", func(t *testing.T) {
		h := setup(t)
		req := hardwareRequest()
		inner, err := json.Marshal(req["nvidia_payload"])
		require.NoError(t, err)
		req["nvidia_payload"] = string(inner)
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("TokenFailsExpectations", func(t *testing.T) {
		h := setup(t)
		h.tokens.reasons = []string{"ueid mismatch"}
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", hardwareRequest())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		tok := decode[proof.HardwareToken](t, resp)
		assert.False(t, tok.Verified)
		assert.Equal(t, []string{"ueid mismatch"}, tok.Reasons)
	})

	t.Run("MissingExpectationsRejectedBeforeAuthority", func(t *testing.T) {
		h := setup(t)
		req := hardwareRequest()
		req["expectedMeasurements"] = []string{}
		delete(req, "expectedUeid")
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", req)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, []string{attestation.FieldUEID, attestation.FieldMeasurements}, body.Missing)
		assert.Zero(t, h.authority.calls.Load())
	})

	t.Run("MissingPayload", func(t *testing.T) {
		h := setup(t)
		req := hardwareRequest()
		delete(req, "nvidia_payload")
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", req)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.NotEmpty(t, decode[api.ErrorResponse](t, resp).Suggestions)
		assert.Zero(t, h.authority.calls.Load())
	})

	t.Run("PayloadWithoutNonce", func(t *testing.T) {
		h := setup(t)
		req := hardwareRequest()
		req["nvidia_payload"] = map[string]any{
			"evidence_list": []map[string]string{{"evidence": "AQI="}},
		}
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", req)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decode[api.ErrorResponse](t, resp).Details, "nonce")
	})

	t.Run("AuthorityPayloadTooLarge", func(t *testing.T) {
		h := setup(t)
		h.authority.err = nras.ErrPayloadTooLarge
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", hardwareRequest())
		require.Equal(t, nras.StatusPayloadTooLarge, resp.StatusCode)
		assert.NotEmpty(t, decode[api.ErrorResponse](t, resp).Suggestions)
	})

	t.Run("MalformedToken", func(t *testing.T) {
		h := setup(t)
		h.tokens.err = &attestation.MalformedTokenError{Part: "header"}
		resp := doJSON(t, http.MethodPost, h.url+"/verification/nras", hardwareRequest())
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestVerifyHardwareRateLimited(t *testing.T) {
	h := setup(t)
	// The limiter is disabled in the harness; a fresh API gets the default.
	a := api.New(h.sessions, h.proofs, h.authority, h.tokens,
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { a.Close() })
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	var limited *http.Response
	for i := 0; i < 100 && limited == nil; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/verification/nras", hardwareRequest())
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
		}
	}
	require.NotNil(t, limited, "the limiter never engaged")
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
}

func TestDeriveState(t *testing.T) {
	h := setup(t)

	resp := doJSON(t, http.MethodPost, h.url+"/verification/state", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[verification.State](t, resp)
	assert.Equal(t, verification.OverallFailed, st.Overall)
	assert.Equal(t, verification.StepOrder, st.Order)
	assert.Contains(t, st.Reasons, verification.MsgNoNonceCheck)
	assert.Equal(t, verification.StatusPending, st.Steps[verification.StepSignature].Status)

	resp = doJSON(t, http.MethodPost, h.url+"/verification/state", `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func archivedBundle(id string) map[string]any {
	return map[string]any{
		"verificationId": id,
		"model":          "zai-org/GLM-4.6",
		"nonceCheck":     map[string]any{"expected": "n", "attested": "n", "nras": "n", "valid": true},
		"nras":           map[string]any{"verified": true, "reasons": []string{}},
		"hashes":         map[string]any{"request": testReqHash, "response": testRespHash, "match": true},
	}
}

func TestProofArchive(t *testing.T) {
	h := setup(t)
	url := h.url + "/proofs/chat-1"

	resp := doJSON(t, http.MethodPost, url, archivedBundle("chat-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))
	var rec struct {
		VerificationID string             `json:"verificationId"`
		Model          string             `json:"model"`
		RequestHash    string             `json:"requestHash"`
		Version        uint64             `json:"version"`
		State          verification.State `json:"state"`
		Proof          json.RawMessage    `json:"proof"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "chat-1", rec.VerificationID)
	assert.Equal(t, "zai-org/GLM-4.6", rec.Model)
	assert.Equal(t, testReqHash, rec.RequestHash)
	assert.EqualValues(t, 1, rec.Version)
	assert.Equal(t, verification.StepOrder, rec.State.Order)
	assert.Equal(t, verification.StatusSuccess, rec.State.Steps[verification.StepNonce].Status)
	assert.Equal(t, verification.StatusSuccess, rec.State.Steps[verification.StepGPU].Status)
	assert.Contains(t, string(rec.Proof), "chat-1")

	t.Run("Get", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, url, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `"1"`, resp.Header.Get("ETag"))
	})

	t.Run("ConditionalWrite", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, archivedBundle("chat-1"), "If-Match", `"1"`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, `"2"`, resp.Header.Get("ETag"))

		resp = doJSON(t, http.MethodPost, url, archivedBundle("chat-1"), "If-Match", `"1"`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		resp = doJSON(t, http.MethodPost, url, archivedBundle("chat-1"), "If-Match", "latest")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("IDMismatch", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, archivedBundle("chat-2"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InvalidBundle", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, `{"hashes":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("List", func(t *testing.T) {
		for i := 2; i <= 4; i++ {
			id := "chat-" + strconv.Itoa(i)
			resp := doJSON(t, http.MethodPost, h.url+"/proofs/"+id, archivedBundle(id))
			require.Equal(t, http.StatusCreated, resp.StatusCode)
		}
		resp := doJSON(t, http.MethodGet, h.url+"/proofs?limit=2&offset=1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		page := decode[api.ProofListResponse](t, resp)
		assert.Equal(t, 4, page.TotalCount)
		assert.True(t, page.HasMore)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "chat-2", page.Items[0].VerificationID)
		assert.Equal(t, "chat-3", page.Items[1].VerificationID)
	})

	t.Run("Delete", func(t *testing.T) {
		resp := doJSON(t, http.MethodDelete, url, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, url, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = doJSON(t, http.MethodDelete, url, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	h := setup(t)

	resp := doJSON(t, http.MethodGet, h.url+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, resp.Header.Get(api.RequestIDHeader), 36)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))

	const id = "2f1c6f0e-8a4b-4c3d-9e2f-0a1b2c3d4e5f"
	resp = doJSON(t, http.MethodGet, h.url+"/health", nil, api.RequestIDHeader, id, "X-Forwarded-Proto", "https")
	assert.Equal(t, id, resp.Header.Get(api.RequestIDHeader))
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))

	resp = doJSON(t, http.MethodGet, h.url+"/health", nil, api.RequestIDHeader, "not-a-uuid")
	assert.NotEqual(t, "not-a-uuid", resp.Header.Get(api.RequestIDHeader))
}

func TestOpenAPISpecServed(t *testing.T) {
	h := setup(t)
	resp := doJSON(t, http.MethodGet, h.url+"/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/verification/proof")
}

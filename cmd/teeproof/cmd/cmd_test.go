package cmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/commitment"
	"github.com/jaswinder6991/teeproof/verification"
)

const testNonce = "931d8dd0add203ac3d8b4fbde75e115278eefcdceac5b87671a748f32364dfcb"

// ---------------------------------------------------------------------------
// digest
// ---------------------------------------------------------------------------

func TestComputeDigests(t *testing.T) {
	req := []byte(`{"model":"m","messages":[]}`)
	resp := []byte("data: {\"id\":1}\n\ndata: [DONE]\n\n")

	t.Run("RequestOnly", func(t *testing.T) {
		res := computeDigests(req, nil, false, "")
		assert.Equal(t, commitment.Digest(req), res.Request)
		assert.Empty(t, res.Response)
		assert.Empty(t, res.SignatureText)
	})

	t.Run("Pair", func(t *testing.T) {
		res := computeDigests(req, resp, true, "")
		assert.Equal(t, res.Request+":"+res.Response, res.SignatureText)
		assert.Empty(t, res.Binding)
	})

	t.Run("TrailingNewlineChangesDigest", func(t *testing.T) {
		a := computeDigests(req, resp, true, "")
		b := computeDigests(req, resp[:len(resp)-1], true, "")
		assert.NotEqual(t, a.Response, b.Response)
	})

	t.Run("SignedMatch", func(t *testing.T) {
		pair := computeDigests(req, resp, true, "")
		res := computeDigests(req, resp, true, pair.SignatureText)
		assert.Equal(t, commitment.BindingMatch.String(), res.Binding)
	})

	t.Run("SignedTransposed", func(t *testing.T) {
		pair := computeDigests(req, resp, true, "")
		res := computeDigests(req, resp, true, pair.Response+":"+pair.Request)
		assert.Equal(t, commitment.BindingMismatch.String(), res.Binding)
	})
}

// ---------------------------------------------------------------------------
// state
// ---------------------------------------------------------------------------

// signedBundle returns a proof bundle whose TEE signature really commits to
// reqHash:respHash.
func signedBundle(t *testing.T) map[string]any {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	reqHash := commitment.Digest([]byte("request"))
	respHash := commitment.Digest([]byte("response"))
	text := commitment.BindSignatureText(reqHash, respHash)
	sig, err := crypto.Sign(verification.PersonalMessageHash(text), key)
	require.NoError(t, err)
	sig[64] += 27

	return map[string]any{
		"verificationId": "chatcmpl-1",
		"model":          "zai-org/GLM-4.6",
		"signature": map[string]any{
			"text":            text,
			"signature":       "0x" + hex.EncodeToString(sig),
			"signing_address": address,
			"signing_algo":    "ecdsa",
		},
		"attestation": map[string]any{"signing_address": address, "request_nonce": testNonce},
		"nras":        map[string]any{"verified": true, "reasons": []string{}},
		"nonceCheck":  map[string]any{"expected": testNonce, "attested": testNonce, "nras": testNonce, "valid": true},
		"hashes":      map[string]any{"request": reqHash, "response": respHash, "sessionRequest": reqHash, "sessionResponse": respHash, "match": true},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func stepStatus(report stateReport, name verification.StepName) verification.Status {
	for _, s := range report.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

func TestState_VerifiedBundle(t *testing.T) {
	b, err := decodeBundle(mustJSON(t, signedBundle(t)))
	require.NoError(t, err)

	report := deriveBundleState(b, false)
	assert.Equal(t, verification.OverallVerified, report.Overall)
	assert.Empty(t, report.Reasons)
	assert.Equal(t, "chatcmpl-1", report.VerificationID)
	require.Len(t, report.Steps, len(verification.StepOrder))
	for i, s := range report.Steps {
		assert.Equal(t, verification.StepOrder[i], s.Name)
	}
	assert.Equal(t, verification.StatusPending, stepStatus(report, verification.StepCPU))
	assert.Empty(t, report.HashNote)
}

func TestState_ArchivedRecord(t *testing.T) {
	record := map[string]any{
		"verificationId": "chatcmpl-1",
		"version":        3,
		"proof":          signedBundle(t),
	}
	b, err := decodeBundle(mustJSON(t, record))
	require.NoError(t, err)
	assert.Equal(t, verification.OverallVerified, deriveBundleState(b, false).Overall)
}

func TestState_SessionHashMismatch(t *testing.T) {
	bundle := signedBundle(t)
	hashes := bundle["hashes"].(map[string]any)
	hashes["sessionResponse"] = commitment.Digest([]byte("other response"))
	hashes["match"] = false

	b, err := decodeBundle(mustJSON(t, bundle))
	require.NoError(t, err)
	report := deriveBundleState(b, false)
	assert.Equal(t, verification.OverallFailed, report.Overall)
	assert.Equal(t, verification.StatusError, stepStatus(report, verification.StepSignature))
	assert.Contains(t, report.Reasons, verification.MsgHashMismatch)
	assert.NotEmpty(t, report.HashNote)
}

func TestState_NonceMismatch(t *testing.T) {
	bundle := signedBundle(t)
	bundle["nonceCheck"] = map[string]any{"expected": testNonce, "attested": "other", "valid": false}

	b, err := decodeBundle(mustJSON(t, bundle))
	require.NoError(t, err)
	report := deriveBundleState(b, false)
	assert.Equal(t, verification.OverallFailed, report.Overall)
	assert.Equal(t, []string{verification.MsgNonceMismatch}, report.Reasons)
}

func TestState_RequireCPU(t *testing.T) {
	b, err := decodeBundle(mustJSON(t, signedBundle(t)))
	require.NoError(t, err)
	report := deriveBundleState(b, true)
	assert.Equal(t, verification.OverallFailed, report.Overall)
	assert.Equal(t, verification.StatusError, stepStatus(report, verification.StepCPU))
}

func TestDecodeBundle_Invalid(t *testing.T) {
	_, err := decodeBundle([]byte(`not json`))
	require.Error(t, err)

	_, err = decodeBundle([]byte(`{"items":[]}`))
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// verify-token
// ---------------------------------------------------------------------------

type tokenFixture struct {
	priv     *ecdsa.PrivateKey
	jwksPath string
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &priv.PublicKey, KeyID: "nv-1", Algorithm: "ES256", Use: "sig",
	}}}
	path := filepath.Join(t.TempDir(), "jwks.json")
	require.NoError(t, os.WriteFile(path, mustJSON(t, set), 0o600))
	return &tokenFixture{priv: priv, jwksPath: path}
}

func (f *tokenFixture) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = kid
	out, err := tok.SignedString(f.priv)
	require.NoError(t, err)
	return out
}

func tokenClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                          "https://nras.attestation.nvidia.com",
		"aud":                          attestation.DefaultAudience,
		"nbf":                          now.Add(-time.Minute).Unix(),
		"exp":                          now.Add(time.Hour).Unix(),
		"eat_nonce":                    testNonce,
		attestation.ClaimOverallResult: true,
		attestation.ClaimHWModel:       "GH100 A01 GSP BROM",
		attestation.ClaimDriverVersion: "570.123",
		"x-nvidia-gpu-arch":            "HOPPER",
		"device_cert_hash":             "ab12",
		"rim_hash":                     "cd34",
		"ueid":                         "ueid-1",
		"x-nvidia-gpu-measurements":    []any{"aa01", "bb02"},
	}
}

func writeExpectations(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "expectations.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"arch": "HOPPER",
		"deviceCertHash": "ab12",
		"rimHash": "cd34",
		"ueid": "ueid-1",
		"measurements": ["aa01", "bb02"]
	}`), 0o600))
	return path
}

func TestVerifyTokenOffline(t *testing.T) {
	f := newTokenFixture(t)
	exp, err := loadExpectations(writeExpectations(t))
	require.NoError(t, err)
	require.NoError(t, exp.Validate())

	t.Run("Valid", func(t *testing.T) {
		res, err := verifyTokenOffline(t.Context(), f.sign(t, "nv-1", tokenClaims()), testNonce, f.jwksPath, exp)
		require.NoError(t, err)
		assert.True(t, res.Verified, "reasons: %v", res.Reasons)
	})

	t.Run("WrongNonce", func(t *testing.T) {
		res, err := verifyTokenOffline(t.Context(), f.sign(t, "nv-1", tokenClaims()), "other", f.jwksPath, exp)
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.NotEmpty(t, res.Reasons)
	})

	t.Run("UnknownKid", func(t *testing.T) {
		_, err := verifyTokenOffline(t.Context(), f.sign(t, "nv-2", tokenClaims()), testNonce, f.jwksPath, exp)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nv-2")
	})

	t.Run("MissingMeasurementsRejected", func(t *testing.T) {
		partial := exp
		partial.Measurements = nil
		res, err := verifyTokenOffline(t.Context(), f.sign(t, "nv-1", tokenClaims()), testNonce, f.jwksPath, partial)
		assert.Nil(t, res)
		var me *attestation.MissingExpectationsError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, []string{attestation.FieldMeasurements}, me.Fields)
	})

	t.Run("MissingJWKS", func(t *testing.T) {
		_, err := verifyTokenOffline(t.Context(), f.sign(t, "nv-1", tokenClaims()), testNonce, filepath.Join(t.TempDir(), "none.json"), exp)
		require.Error(t, err)
	})
}

func TestLoadExpectations(t *testing.T) {
	_, err := loadExpectations(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"arch":`), 0o600))
	_, err = loadExpectations(path)
	require.Error(t, err)

	partial := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{
		"arch": "HOPPER",
		"deviceCertHash": "ab12",
		"rimHash": "cd34",
		"ueid": "ueid-1"
	}`), 0o600))
	_, err = loadExpectations(partial)
	var me *attestation.MissingExpectationsError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []string{attestation.FieldMeasurements}, me.Fields)
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/attestation/nras"
	"github.com/jaswinder6991/teeproof/proof"
	"github.com/jaswinder6991/teeproof/storage"
	"github.com/jaswinder6991/teeproof/verification"
)

var payloadMissingSuggestions = []string{
	"Pass model_attestations[0].nvidia_payload from the attestation report",
	"The payload must carry nonce, arch and evidence_list",
}

// Health reports liveness and the number of tracked sessions.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Sessions: a.sessions.Len()})
}

// RegisterSession creates a verification session with a fresh nonce. An
// existing live session is returned unchanged.
func (a *API) RegisterSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterSessionRequest](w, r, a.validate, maxSmallBodySize)
	if !ok {
		return
	}
	sess, err := a.sessions.Register(req.VerificationID, "", nil, nil)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logVerification(AuditSessionRegistered, r, sess.VerificationID)
	writeJSON(w, http.StatusOK, RegisterSessionResponse{
		VerificationID: sess.VerificationID,
		Nonce:          sess.Nonce,
		ExpiresAt:      sess.ExpiresAt,
	})
}

// SyncSession records the hashes of a completion against its session. When
// the backend attested a different nonce, that nonce becomes authoritative.
func (a *API) SyncSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SyncSessionRequest](w, r, a.validate, maxSmallBodySize)
	if !ok {
		return
	}
	reqHash := optional(strings.ToLower(req.RequestHash))
	respHash := optional(strings.ToLower(req.ResponseHash))

	sess, resynced, err := a.sessions.Sync(req.VerificationID, req.Nonce, req.AttestedNonce, reqHash, respHash)
	if err != nil {
		mapError(w, err)
		return
	}
	event := AuditSessionSynced
	if resynced {
		event = AuditSessionResynced
	}
	a.audit.logVerification(event, r, sess.VerificationID)
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// VerifyProof fetches and evaluates the proof of one completion.
func (a *API) VerifyProof(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[proof.Request](w, r, a.validate, maxSmallBodySize)
	if !ok {
		return
	}
	b, err := a.proofs.VerifyProof(r.Context(), req)
	if err != nil {
		a.audit.logVerification(AuditProofError, r, req.VerificationID,
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		mapError(w, err)
		return
	}
	event := AuditProofVerified
	if !b.Results.Verified {
		event = AuditProofFailed
	}
	a.audit.logVerification(event, r, req.VerificationID,
		slog.String("model", req.Model),
		slog.String("overall", string(b.Results.State.Overall)),
		slog.Int("reasons", len(b.Results.Reasons)),
	)
	writeJSON(w, http.StatusOK, b)
}

// VerifyHardware submits a GPU evidence payload to the attestation authority
// and verifies the returned token against the caller's expectations.
func (a *API) VerifyHardware(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[HardwareVerifyRequest](w, r, a.validate, maxProofBodySize)
	if !ok {
		return
	}

	exp := attestation.Expectations{
		Arch:           req.ExpectedArch,
		DeviceCertHash: req.ExpectedDeviceCertHash,
		RIMHash:        req.ExpectedRIMHash,
		UEID:           req.ExpectedUEID,
		Measurements:   req.ExpectedMeasurements,
	}
	if err := exp.Validate(); err != nil {
		mapError(w, err)
		return
	}

	raw := bytes.TrimSpace(req.NvidiaPayload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:       "nvidia_payload is required",
			Suggestions: payloadMissingSuggestions,
		})
		return
	}
	payload := nras.FirstPayload(raw)
	if payload == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:       "nvidia_payload does not contain GPU evidence",
			Suggestions: payloadMissingSuggestions,
		})
		return
	}
	if err := payload.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:       "invalid nvidia_payload",
			Details:     err.Error(),
			Suggestions: payloadMissingSuggestions,
		})
		return
	}

	resp, err := a.authority.Attest(r.Context(), payload)
	if err != nil {
		a.audit.log(AuditHardwareError, r, slog.String("stage", "attest"), slog.String("error", err.Error()))
		mapError(w, err)
		return
	}
	res, err := a.tokens.Verify(r.Context(), resp.JWT, req.Nonce, exp)
	if err != nil {
		a.audit.log(AuditHardwareError, r, slog.String("stage", "verify"), slog.String("error", err.Error()))
		mapError(w, err)
		return
	}

	event := AuditHardwareVerified
	if !res.Verified {
		event = AuditHardwareFailed
	}
	a.audit.log(event, r, slog.Int("reasons", len(res.Reasons)))
	writeJSON(w, http.StatusOK, proof.HardwareToken{
		Verified: res.Verified,
		JWT:      resp.JWT,
		Claims:   res.Claims,
		GPUs:     resp.GPUs,
		Reasons:  res.Reasons,
	})
}

// DeriveState runs the state engine over caller-supplied sub-proofs.
func (a *API) DeriveState(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeJSON[verification.Input](w, r, nil, maxProofBodySize)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, verification.Derive(in))
}

// ArchiveProof stores an exported proof bundle. An If-Match header holding
// the current version makes the write conditional.
func (a *API) ArchiveProof(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "verificationId")

	r.Body = http.MaxBytesReader(w, r.Body, maxProofBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var b proof.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid proof bundle", Details: err.Error()})
		return
	}
	if b.VerificationID != "" && b.VerificationID != id {
		writeError(w, http.StatusBadRequest, "verificationId in body does not match path")
		return
	}

	state := verification.Derive(b.Input(
		firstNonEmpty(b.Hashes.SessionRequest, b.Hashes.Request),
		firstNonEmpty(b.Hashes.SessionResponse, b.Hashes.Response),
		b.Intel != nil && b.Intel.Required,
	))
	stateJSON, err := json.Marshal(state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode state")
		return
	}

	rec := &storage.Record{
		VerificationID: id,
		Model:          b.Model,
		ExportedAt:     a.now().UTC(),
		RequestHash:    b.Hashes.Request,
		ResponseHash:   b.Hashes.Response,
		Proof:          raw,
		State:          stateJSON,
	}
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		version, perr := strconv.ParseUint(strings.Trim(ifMatch, `"`), 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "If-Match must be a record version")
			return
		}
		err = a.archive.PutCAS(rec, version)
	} else {
		err = a.archive.Put(rec)
	}
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logVerification(AuditProofArchived, r, id,
		slog.String("overall", string(state.Overall)),
		slog.Uint64("version", rec.Version),
	)
	w.Header().Set("ETag", strconv.Quote(strconv.FormatUint(rec.Version, 10)))
	writeJSON(w, http.StatusCreated, rec)
}

// GetProof returns an archived proof record.
func (a *API) GetProof(w http.ResponseWriter, r *http.Request) {
	rec, err := a.archive.Get(chi.URLParam(r, "verificationId"))
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatUint(rec.Version, 10)))
	writeJSON(w, http.StatusOK, rec)
}

// DeleteProof removes an archived proof record.
func (a *API) DeleteProof(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "verificationId")
	if err := a.archive.Delete(id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logVerification(AuditProofDeleted, r, id)
	w.WriteHeader(http.StatusNoContent)
}

// ListProofs pages through archived proofs in id order.
func (a *API) ListProofs(w http.ResponseWriter, r *http.Request) {
	ids, err := a.archive.List()
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(ids, limit, offset)

	items := make([]ProofSummary, 0, len(page))
	for _, id := range page {
		rec, err := a.archive.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between List and Get.
			continue
		}
		if err != nil {
			mapError(w, err)
			return
		}
		items = append(items, ProofSummary{
			VerificationID: rec.VerificationID,
			Model:          rec.Model,
			ExportedAt:     rec.ExportedAt,
			Version:        rec.Version,
		})
	}
	writeJSON(w, http.StatusOK, ProofListResponse{Items: items, PaginationMeta: meta})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

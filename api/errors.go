package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/attestation/nras"
	"github.com/jaswinder6991/teeproof/inference"
	"github.com/jaswinder6991/teeproof/jwks"
	"github.com/jaswinder6991/teeproof/proof"
	"github.com/jaswinder6991/teeproof/session"
	"github.com/jaswinder6991/teeproof/storage"
)

const (
	maxSmallBodySize = 64 << 10
	maxProofBodySize = 8 << 20
)

var payloadTooLargeSuggestions = []string{
	"Use model_attestations[0].nvidia_payload instead of the gateway payload",
	"Remove unnecessary fields from the payload",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a size-limited JSON body into T and validates it. On
// failure it writes the response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, v *validator.Validate, limit int64) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		}
		return req, false
	}
	if v != nil && reflect.ValueOf(req).Kind() == reflect.Struct {
		if err := v.Struct(req); err != nil {
			writeValidationError(w, err)
			return req, false
		}
	}
	return req, true
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields := make([]string, 0, len(verrs))
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		details = append(details, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "invalid request",
		Details: strings.Join(details, "; "),
		Missing: fields,
	})
}

func mapError(w http.ResponseWriter, err error) {
	var (
		missingExp *attestation.MissingExpectationsError
		noKey      *jwks.NoMatchingKeyError
		malformed  *attestation.MalformedTokenError
		fetchErr   *jwks.FetchError
		nrasStatus *nras.StatusError
		backendErr *inference.StatusError
	)
	switch {
	case errors.Is(err, proof.ErrInvalidRequest),
		errors.Is(err, session.ErrEmptyID),
		errors.Is(err, session.ErrEmptyNonce),
		errors.Is(err, storage.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &missingExp):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "hardware expectations are required for verification",
			Details: err.Error(),
			Missing: missingExp.Fields,
		})
	case errors.Is(err, proof.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:       err.Error(),
			Suggestions: []string{"Register the session again and retry"},
		})
	case errors.Is(err, inference.ErrProofNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:       err.Error(),
			Suggestions: []string{"The proof may not be published yet; retry with backoff"},
		})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, inference.ErrUnauthorized), errors.Is(err, inference.ErrMissingAPIKey):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, nras.ErrPayloadTooLarge):
		writeJSON(w, nras.StatusPayloadTooLarge, ErrorResponse{
			Error:       "NRAS payload too large",
			Details:     err.Error(),
			Suggestions: payloadTooLargeSuggestions,
		})
	case nras.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &noKey):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "no matching key for attestation token", Kid: noKey.Kid})
	case errors.As(err, &malformed),
		errors.As(err, &fetchErr),
		errors.As(err, &nrasStatus),
		errors.As(err, &backendErr),
		errors.Is(err, attestation.ErrUnsupportedAlgorithm),
		errors.Is(err, attestation.ErrInvalidSignature),
		errors.Is(err, jwks.ErrEmptyKeySet),
		errors.Is(err, nras.ErrMissingToken):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

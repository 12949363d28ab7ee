// Package httpx holds the JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/repository"
)

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMappingNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, repository.ErrRunStatusConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON body. Server errors are logged and their
// detail is withheld.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed", zap.Error(err))
		}
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, errorBody{Error: msg})
}

// BadRequest writes a 400 with msg.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// PathUUID parses the named path value.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.PathValue(name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "invalid %s", name)
	}
	return id, nil
}

// DecodeJSON reads the request body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrap(err, "invalid payload")
	}
	return nil
}

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return v, nil
}

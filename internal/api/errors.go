package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/storage"
	"github.com/kalambet/idrbulk/internal/throttle"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, what string, err error) {
	var apiErr *idr.APIError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, config.ErrAssigneeNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, config.ErrDuplicateAssignee):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, config.ErrNotConfigured), errors.Is(err, config.ErrCorruptConfig):
		httpError(w, http.StatusServiceUnavailable, "config_error", "%v", err)
	case errors.Is(err, ErrNoRequests), errors.Is(err, ErrNothingToRetry),
		errors.Is(err, bulk.ErrEmptyRequest), errors.Is(err, bulk.ErrMissingID):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &apiErr):
		code := http.StatusBadGateway
		switch apiErr.Kind {
		case throttle.KindAuth:
			code = http.StatusUnauthorized
		case throttle.KindClient:
			if apiErr.StatusCode == http.StatusNotFound {
				code = http.StatusNotFound
			}
		case throttle.KindTimeout:
			code = http.StatusGatewayTimeout
		}
		httpError(w, code, "upstream_error", "%s: %v", what, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

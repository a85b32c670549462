package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"purchasing-core/internal/core"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	RequestID string   `json:"request_id,omitempty"`
	Details   []string `json:"details,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
		Details:   details,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var kindStatus = []struct {
	kind   error
	code   string
	status int
}{
	{core.ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest},
	{core.ErrForbidden, "FORBIDDEN", http.StatusForbidden},
	{core.ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{core.ErrExternal, "AUTHORITY_ERROR", http.StatusBadGateway},
	{core.ErrRendering, "RENDERING_ERROR", http.StatusInternalServerError},
}

// writeServiceError maps a service error kind onto an HTTP status. Errors without a
// kind are logged and reported as 500 without leaking their text.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *core.Error
	if errors.As(err, &svcErr) {
		if errors.Is(err, core.ErrConflict) {
			code := "CONFLICT"
			if errors.Is(err, core.ErrInsufficientStock) {
				code = "INSUFFICIENT_STOCK"
			}
			writeError(w, r, svcErr.Message, code, http.StatusConflict, svcErr.Details...)
			return
		}
		for _, ks := range kindStatus {
			if errors.Is(err, ks.kind) {
				writeError(w, r, svcErr.Message, ks.code, ks.status, svcErr.Details...)
				return
			}
		}
	}

	loggerFromContext(r.Context(), h.logger).Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
}

// notImplemented is a stub handler that returns HTTP 501 JSON.
func notImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, "not implemented", "NOT_IMPLEMENTED", http.StatusNotImplemented)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"erpcore.dev/internal/auth"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits {"error", "code", "request_id"}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// statusFor maps auth errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrTokenNotFound),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrReuseDetected),
		errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrTenantNotFound),
		errors.Is(err, auth.ErrUserNotInTenant),
		errors.Is(err, auth.ErrRoleNotFound),
		errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrRoleOutOfScope):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err with its status and wire code. Internal errors are
// logged and never echoed.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, r, status, "internal", "internal error")
		return
	}
	writeError(w, r, status, auth.ErrorCode(err), err.Error())
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, auth.ErrorCode(auth.ErrInvalidInput), msg)
}

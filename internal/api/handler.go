// Package api provides the HTTP facade over the session, recovery, and
// monitoring services.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// AppError writes an error response derived from the error taxonomy: the
// user-facing message plus a recovery suggestion when one exists.
func AppError(w http.ResponseWriter, err error) {
	body := map[string]string{
		"error": apperr.UserMessage(err),
		"code":  string(apperr.KindOf(err)),
	}
	if suggestion := apperr.RecoverySuggestion(err); suggestion != "" {
		body["suggestion"] = suggestion
	}
	JSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Forbidden, apperr.SecurityViolation:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.ValidationFailed, apperr.InvalidGitURL, apperr.InvalidBranchName:
		return http.StatusBadRequest
	case apperr.ContainerLimitExceeded, apperr.ResourceLimitExceeded:
		return http.StatusConflict
	case apperr.SystemOverloaded:
		return http.StatusServiceUnavailable
	case apperr.TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

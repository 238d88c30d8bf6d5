package httpadapter

import (
	"log/slog"
	"net/http"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// errorKinds is checked in order; the first matching kind decides the
// status and the machine-readable code.
var errorKinds = []struct {
	kind   error
	status int
	code   string
}{
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrApplicationNotFound, http.StatusNotFound, "application_not_found"},
	{domain.ErrIndexNotInitialized, http.StatusServiceUnavailable, "index_not_initialized"},
	{domain.ErrDependencyUnavailable, http.StatusServiceUnavailable, "dependency_unavailable"},
	{domain.ErrTemporary, http.StatusServiceUnavailable, "temporary"},
	{domain.ErrIllegalTransition, http.StatusInternalServerError, "illegal_transition"},
}

func classifyHTTPError(err error) (int, string) {
	for _, k := range errorKinds {
		if domain.IsKind(err, k.kind) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func mapErrorToHTTPStatus(err error) int {
	status, _ := classifyHTTPError(err)
	return status
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classifyHTTPError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed", "code", code, "error", err)
	}
	if code == "dependency_unavailable" {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

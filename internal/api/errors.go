package api

import (
	"errors"
	"net/http"

	"github.com/cybv-network/cybv/internal/domain"
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownAction),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrOutOfRange),
		errors.Is(err, domain.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrStakeAlreadyActive),
		errors.Is(err, domain.ErrStakeNotMatured):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDailyLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err as a structured rejection. Unknown errors
// are reported without their internal message.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{
		"type": "rejected",
		"code": domain.Code(err),
	}
	if status == http.StatusInternalServerError {
		body["type"] = "error"
		body["message"] = "internal error"
		writeJSON(w, status, map[string]any{"error": body})
		return
	}

	if rej, ok := domain.AsRejection(err); ok {
		body["message"] = rej.Err.Error()
		if len(rej.Details) > 0 && !errors.Is(err, domain.ErrPersistenceFailure) {
			body["details"] = rej.Details
		}
	} else {
		body["message"] = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": body})
}

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
	"github.com/ticketforge/reservation-engine/pkg/idempotency"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: code})
}

// writeDomainError maps the domain taxonomy onto HTTP statuses: NotFound→404,
// Conflict→409, Invalid→400, Infrastructure→503. Invariant violations are
// never surfaced to callers; they come out as a plain 500.
func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, idempotency.ErrInFlight) {
		writeError(w, http.StatusConflict, "request_in_flight", "a request with this idempotency key is already being processed")
		return
	}
	if errors.Is(err, idempotency.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "please retry")
		return
	}

	code := domain.CodeOf(err)
	switch domain.KindOf(err) {
	case domain.KindInvalid:
		writeError(w, http.StatusBadRequest, code, err.Error())
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, code, err.Error())
	case domain.KindConflict:
		writeError(w, http.StatusConflict, code, err.Error())
	case domain.KindInfrastructure:
		writeError(w, http.StatusServiceUnavailable, code, "temporarily unavailable, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

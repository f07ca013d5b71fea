// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// StatusFor maps the domain error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrAccountNotFound),
		errors.Is(err, shared.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrPrecisionExceeded),
		errors.Is(err, shared.ErrUnbalanced):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrInvalidTransition),
		errors.Is(err, shared.ErrVehicleUnavailable),
		errors.Is(err, shared.ErrOverpayment):
		return http.StatusConflict
	case errors.Is(err, shared.ErrConcurrencyConflict),
		errors.Is(err, shared.ErrSequenceGenerationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeFor names the taxonomy entry err belongs to, or "internal".
func CodeFor(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

var codes = []struct {
	err  error
	code string
}{
	{shared.ErrNotFound, "not_found"},
	{shared.ErrAccountNotFound, "account_not_found"},
	{shared.ErrCustomerNotFound, "customer_not_found"},
	{shared.ErrPrecisionExceeded, "precision_exceeded"},
	{shared.ErrValidation, "validation_failed"},
	{shared.ErrUnbalanced, "unbalanced"},
	{shared.ErrInvalidTransition, "invalid_transition"},
	{shared.ErrVehicleUnavailable, "vehicle_unavailable"},
	{shared.ErrOverpayment, "overpayment"},
	{shared.ErrSequenceGenerationFailed, "sequence_generation_failed"},
	{shared.ErrConcurrencyConflict, "concurrency_conflict"},
}

// RespondError maps domain errors to RFC7807 responses. Internal errors carry no detail.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	Problem(w, ProblemDetail{Status: status, Detail: detail, Code: CodeFor(err)})
}

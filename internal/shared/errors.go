package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or missing input rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrPrecisionExceeded indicates a monetary value outside the allowed magnitude or scale.
	ErrPrecisionExceeded = errors.New("precision exceeded")
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("debits and credits do not balance")
	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAccountNotFound indicates a missing, inactive or foreign account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrCustomerNotFound indicates a missing or foreign customer.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrVehicleUnavailable indicates the vehicle cannot be reserved for the requested span.
	ErrVehicleUnavailable = errors.New("vehicle unavailable")
	// ErrOverpayment indicates a payment larger than the invoice balance.
	ErrOverpayment = errors.New("payment exceeds invoice balance")
	// ErrSequenceGenerationFailed indicates number allocation exhausted its retries.
	ErrSequenceGenerationFailed = errors.New("sequence generation failed")
	// ErrConcurrencyConflict indicates lock timeout, deadlock or serialization failure after retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation equivalence.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PrecisionError names the field and the rejected rendering.
type PrecisionError struct {
	Field  string
	Value  string
	Reason string
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("precision exceeded: %s=%s (%s)", e.Field, e.Value, e.Reason)
}

// Is reports ErrPrecisionExceeded equivalence.
func (e *PrecisionError) Is(target error) bool { return target == ErrPrecisionExceeded }

// TransitionError carries the current and attempted states of a rejected transition.
type TransitionError struct {
	Entity    string
	Current   string
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s is %s, cannot become %s", e.Entity, e.Current, e.Attempted)
}

// Is reports ErrInvalidTransition equivalence.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Transition builds a TransitionError.
func Transition[S ~string](entity string, current, attempted S) error {
	return &TransitionError{Entity: entity, Current: string(current), Attempted: string(attempted)}
}

// RetryExhaustedError wraps the last cause once bounded retries run out.
type RetryExhaustedError struct {
	Kind     error
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", e.Kind, e.Attempts, e.Cause)
}

// Is matches the exhaustion kind.
func (e *RetryExhaustedError) Is(target error) bool { return target == e.Kind }

// Unwrap exposes the last cause.
func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

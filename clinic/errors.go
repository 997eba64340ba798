/*
errors.go - Centralized error types for the clinic engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages wrap these with context; callers classify with errors.Is/As.

ERROR CATEGORIES:
  1. Validation  - bad condition/session/patient fields, nothing written
  2. Not found   - referenced patient/article/condition/session missing
  3. Conflict    - uniqueness violations (article code, external event)
  4. External    - calendar provider failed or timed out
  5. Persistence - store write failed

PROPAGATION:
  The pricing ledger surfaces every error to its caller. The reconciler
  recovers External and Persistence errors per event/calendar and only
  counts them.

SEE ALSO:
  - validate.go: builds ValidationErrors from validator output
  - reconcile/reconciler.go: per-event recovery
*/
package clinic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExternalService = errors.New("external service failure")
	ErrPersistence     = errors.New("persistence failure")

	// ErrNoPricing is returned when no condition is in force on a date.
	ErrNoPricing = errors.New("no commercial condition in force")

	// ErrAlreadyProcessed is returned when confirming or rejecting a session
	// that is no longer pending.
	ErrAlreadyProcessed = errors.New("session already processed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the field and the constraint it violated.
type ValidationError struct {
	Field      string
	Constraint string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid %s (%s): %s", e.Field, e.Constraint, e.Message)
	}
	return fmt.Sprintf("invalid %s: violates %s", e.Field, e.Constraint)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ValidationErrors aggregates every field failure of one input.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ErrValidation.Error()
	}
	msg := v[0].Error()
	if len(v) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(v)-1)
	}
	return msg
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string // "patient", "article", "condition", "session"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Kind   string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Kind, e.Detail)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ExternalServiceError wraps a calendar provider failure.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// PersistenceError wraps a store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// Invalid builds a single-field ValidationError.
func Invalid(field, constraint, message string) error {
	return &ValidationError{Field: field, Constraint: constraint, Message: message}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrNoPricing)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

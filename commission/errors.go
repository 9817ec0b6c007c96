/*
errors.go - Centralized error taxonomy for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is/errors.As; the API layer maps the
  classes onto HTTP statuses.

ERROR CATEGORIES:
  1. Not found     - missing entity reference (synchronous, caller bug or race)
  2. Validation    - no matching tier/scale, malformed thresholds, bad linkage
  3. Locked state  - mutation of a FINAL statement or cleared balance
  4. Deadline      - reversal event past its window (terminal, operator queue)
  5. Concurrency   - competing mutation on one (apporteur, period) scope
  6. Idempotency   - duplicate generation despite the key check (always a bug)

PROPAGATION:
  Validation and not-found errors return synchronously to the caller.
  Locked-state and deadline errors are terminal for the operation.
  Concurrency conflicts are retryable after backoff.
  Idempotency violations are fatal-log-and-alert, never swallowed.
*/
package commission

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrValidation is returned when input violates a business rule:
	// no matching scale/tier, malformed thresholds, missing linkage.
	ErrValidation = errors.New("validation failed")

	// ErrLockedState is returned on any mutation attempt against a FINAL
	// statement or a cleared balance. Terminal; do not retry.
	ErrLockedState = errors.New("entity is locked")

	// ErrDeadlineExceeded is returned when a reversal event arrives after
	// its deadline window. Terminal; routed to the operator queue.
	ErrDeadlineExceeded = errors.New("reversal deadline exceeded")

	// ErrConcurrencyConflict is returned when a competing mutation holds the
	// same (apporteur, period) scope. Retryable after backoff.
	ErrConcurrencyConflict = errors.New("concurrent mutation on scope")

	// ErrIdempotencyViolation indicates duplicate generation slipped past the
	// idempotency key check. This is an internal invariant failure - always a
	// bug, never expected in normal operation.
	ErrIdempotencyViolation = errors.New("idempotency violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies which entity reference was missing.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes a violated business rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// LockedStateError reports a mutation attempt on a terminal-state entity.
type LockedStateError struct {
	Kind   string
	Ref    string
	Status string
}

func (e *LockedStateError) Error() string {
	return fmt.Sprintf("%s %q is %s and cannot be mutated", e.Kind, e.Ref, e.Status)
}

func (e *LockedStateError) Unwrap() error { return ErrLockedState }

// DeadlineExceededError reports a reversal event arriving after its window.
type DeadlineExceededError struct {
	CommissionID CommissionID
	Kind         ReversalKind
	EventDate    time.Time
	Deadline     time.Time
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("%s reversal for commission %s: event %s is past deadline %s",
		e.Kind, e.CommissionID,
		e.EventDate.Format("2006-01-02"), e.Deadline.Format("2006-01-02"))
}

func (e *DeadlineExceededError) Unwrap() error { return ErrDeadlineExceeded }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsTerminal returns true for errors that must not be retried and should be
// surfaced to an operator queue.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrLockedState) || errors.Is(err, ErrDeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}

// IsFatal returns true for internal invariant failures that require an alert.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIdempotencyViolation)
}

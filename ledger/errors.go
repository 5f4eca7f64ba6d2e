/*
errors.go - Centralized error taxonomy for the billing engine

PURPOSE:
  All error categories in one place so every layer (domain, store, HTTP)
  classifies failures the same way. Domain packages wrap these sentinels
  with additional context; the API layer maps them to HTTP status codes.

ERROR CATEGORIES:
  1. Authorization - missing identity, or caller lacks the admin role
  2. Validation    - malformed input, missing reason/consent
  3. NotFound      - referenced payment/invoice/account does not exist
  4. StateConflict - operation invalid for the current balance
  5. Ledger        - unbalanced transaction, duplicate idempotency key
  6. Upstream      - a post-commit recompute failed (logged, never fatal)

USAGE:
  if errors.Is(err, ledger.ErrStateConflict) { ... }

SEE ALSO:
  - ledger.go: Rejects unbalanced transactions with UnbalancedError
  - api/handlers.go: Maps these to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when no authenticated principal is present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller lacks the admin role for a
	// mutating operation. Checked before any read or write.
	ErrForbidden = errors.New("forbidden: admin role required")

	// ErrValidation is returned for malformed input: bad id, non-positive
	// amount, missing required reason or consent.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced payment, invoice, or account
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when an operation is not valid given the
	// current balance (e.g. a discount settlement against a credit balance).
	ErrStateConflict = errors.New("state conflict")

	// ErrUnbalanced is returned when a transaction's debits and credits do
	// not sum to the same amount. Nothing is written.
	ErrUnbalanced = errors.New("unbalanced transaction")

	// ErrDuplicateTxKey is returned when an idempotency key already exists.
	// This is expected behavior for retries.
	ErrDuplicateTxKey = errors.New("duplicate transaction key")

	// ErrUpstream is returned when a post-commit recompute fails. The ledger
	// write already succeeded; this is surfaced via logs, never rollback.
	ErrUpstream = errors.New("upstream recompute failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnbalancedError reports a transaction whose legs do not net to zero.
type UnbalancedError struct {
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("unbalanced transaction: debit %s != credit %s (diff %s)",
		e.TotalDebit, e.TotalCredit, e.TotalDebit.Sub(e.TotalCredit))
}

func (e *UnbalancedError) Unwrap() error { return ErrUnbalanced }

// ValidationError reports a specific invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateConflictError reports why the current balance rejects an operation.
type StateConflictError struct {
	StudentID string
	Month     Month
	Balance   decimal.Decimal
	Message   string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict for student %s month %s (balance %s): %s",
		e.StudentID, e.Month, e.Balance, e.Message)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

/*
errors.go - Centralized error taxonomy for the funds-transfer engine

PURPOSE:
  All error kinds in one place. Callers distinguish kinds with errors.Is;
  the HTTP layer maps kinds to status codes entirely outside this package.

ERROR CATEGORIES:
  1. Not-found errors - referenced account/user absent
  2. Validation errors - caller input violates a precondition
  3. Business errors - insufficient balance, idempotency key misuse
  4. Store errors - lock timeouts, unique-key violations

USAGE:
  if errors.Is(err, bank.ErrInsufficientBalance) { ... }

  var ibe *bank.InsufficientBalanceError
  if errors.As(err, &ibe) { ... ibe.Available ... }
*/
package bank

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidAmount is returned when an amount is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidTransfer is returned for a transfer between an account and itself.
	ErrInvalidTransfer = errors.New("cannot transfer to the same account")

	// ErrInsufficientBalance is returned when a debit would make a balance negative.
	// The enclosing unit of work is rolled back; no partial debit survives.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrIdempotencyConflict is returned when an idempotency key is reused for
	// a logically different request. Surfaced distinctly from validation errors
	// so callers can detect key misuse rather than treat it as transient.
	ErrIdempotencyConflict = errors.New("idempotency key reuse with different request")

	// ErrIdempotencyKeyRequired is returned when a transfer is attempted
	// without a client-supplied idempotency key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")

	// ErrDuplicateKey is returned by stores when inserting an idempotency
	// record whose key already exists. This is the unique-constraint race
	// signal, not a client-facing error; the wrapper handles it.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrDuplicateUsername is returned when creating a user with a taken username.
	ErrDuplicateUsername = errors.New("username already exists")

	// ErrLockTimeout is returned when an exclusive account hold cannot be
	// acquired within the store's bounded wait. Safe to retry the whole
	// operation: no partial mutation survives a failed unit of work.
	ErrLockTimeout = errors.New("timed out waiting for account lock")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a balance shortage with its details.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on account %d: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrUserNotFound)
}

// IsClientError returns true if the error is due to invalid client input or
// a business-rule rejection. These are not retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrIdempotencyKeyRequired) ||
		errors.Is(err, ErrDuplicateUsername)
}

// IsRetryable returns true if retrying the whole operation might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

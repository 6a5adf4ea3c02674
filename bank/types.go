/*
Package bank provides the core funds-transfer engine.

PURPOSE:
  This package contains the domain types and algorithms for moving money
  between accounts safely: concurrency-safe balance mutation, an append-only
  journal of every movement, and an idempotency layer that makes client
  retries of the same logical operation return the original result without
  re-applying its effect.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A balance owned by a user, mutated only under an exclusive lock
  - LedgerEntry: An immutable journal record of one balance-affecting event
  - IdempotencyRecord: A cached result keyed by a client-supplied retry key
  - Entity/Account IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never updated or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Atomicity: Every mutation happens inside one unit of work
  4. Exactly-once: Retried transfers replay the cached result

SEE ALSO:
  - store.go: Persistence contracts (Store, UnitOfWork)
  - engine.go: Deposit/withdraw/transfer orchestration
  - idempotency.go: Retry-safe execution shell
*/
package bank

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID int64
type UserID int64
type EntryID string

// =============================================================================
// ACCOUNT - Balance owned by a user
// =============================================================================

// Account holds a single-currency balance. The balance is never negative
// and changes only through UnitOfWork.UpdateBalance under an exclusive hold.
type Account struct {
	ID        AccountID       `json:"id"`
	UserID    UserID          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// User owns accounts. Many accounts per user are allowed.
type User struct {
	ID        UserID    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// LEDGER ENTRY - Atomic record of one money movement
// =============================================================================

type EntryType string

const (
	EntryDeposit  EntryType = "DEPOSIT"  // destination only
	EntryWithdraw EntryType = "WITHDRAW" // source only
	EntryTransfer EntryType = "TRANSFER" // both, distinct
)

// LedgerEntry records one balance-affecting event. Amount is strictly
// positive; the entry type says which direction money moved.
//
// Entries are append-only. Corrections, if ever needed, are made by writing
// a compensating entry, never by editing history.
type LedgerEntry struct {
	ID            EntryID         `json:"id"`
	FromAccountID *AccountID      `json:"from_account_id,omitempty"`
	ToAccountID   *AccountID      `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          EntryType       `json:"type"`
	CreatedAt     time.Time       `json:"created_at"`
}

// =============================================================================
// IDEMPOTENCY RECORD - Cached result of a keyed operation
// =============================================================================

// IdempotencyRecord maps a client-supplied key to the serialized result of
// the first successful execution, plus a fingerprint of the original request
// so key reuse with a different request is detectable.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	CreatedAt    time.Time
}

// Stale reports whether the record is older than the retention window as of
// now. Stale records are deleted lazily on lookup, freeing the key.
func (r IdempotencyRecord) Stale(now time.Time) bool {
	return now.Sub(r.CreatedAt) > RetentionWindow
}

/*
store.go - Persistence contracts for the funds-transfer engine

PURPOSE:
  Defines the interfaces the engine requires from a backing store:
  - Store: unlocked reads, CRUD, and the Atomically commit/rollback boundary
  - UnitOfWork: the operations available inside one atomic boundary

UNIT OF WORK:
  Transaction boundaries are explicit. A caller groups lock acquisition,
  balance mutation, journal append, and idempotency-record writes into one
  Atomically call; everything commits together or not at all. Rollback is
  guaranteed on every error path.

LOCKING CONTRACT:
  LockAccount acquires an exclusive hold on the account row for the duration
  of the enclosing unit of work. Other holders of the same account block.
  The wait is bounded; exceeding it surfaces ErrLockTimeout rather than
  hanging. Correctness must hold even when independent processes share the
  same store, so no in-process state substitutes for store-level locking.

IMPLEMENTATIONS:
  bank/store:      in-memory (tests, development)
  store/sqlite:    SQLite with WAL and immediate transactions
  store/postgres:  PostgreSQL with SELECT ... FOR UPDATE

SEE ALSO:
  - engine.go: Composes these into deposit/withdraw/transfer
  - idempotency.go: Uses the idempotency-record operations
*/
package bank

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Top-level persistence interface
// =============================================================================

type Store interface {
	// Atomically executes fn inside one unit of work. If fn returns an
	// error the unit of work is rolled back and the error is returned;
	// otherwise all writes commit together.
	Atomically(ctx context.Context, fn func(uow UnitOfWork) error) error

	// GetAccount is an unlocked read for non-mutating queries.
	// Fails with ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// EntriesByAccount returns the journal entries touching an account,
	// most recent first. Read-only.
	EntriesByAccount(ctx context.Context, id AccountID) ([]LedgerEntry, error)

	// GetIdempotencyRecord reads a committed record outside any unit of
	// work. The boolean reports whether a record exists.
	GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, bool, error)

	// CreateUser persists a new user. Fails with ErrDuplicateUsername.
	CreateUser(ctx context.Context, username string) (User, error)

	// GetUser fails with ErrUserNotFound.
	GetUser(ctx context.Context, id UserID) (User, error)

	// CreateAccount opens a zero-balance account for an existing user.
	// Fails with ErrUserNotFound.
	CreateAccount(ctx context.Context, userID UserID) (Account, error)

	// AccountsByUser returns all accounts owned by a user.
	AccountsByUser(ctx context.Context, userID UserID) ([]Account, error)
}

// =============================================================================
// UNIT OF WORK - Operations inside one atomic boundary
// =============================================================================

type UnitOfWork interface {
	// LockAccount acquires an exclusive hold on the account row until the
	// unit of work ends. Fails with ErrAccountNotFound if the account does
	// not exist, ErrLockTimeout if the hold cannot be acquired in time.
	LockAccount(ctx context.Context, id AccountID) (Account, error)

	// UpdateBalance adds delta (positive credit, negative debit) to a held
	// account's balance and returns the updated account. For debits, fails
	// with an InsufficientBalanceError if the result would be negative,
	// leaving the balance unchanged.
	//
	// The account must have been returned by LockAccount in this same unit
	// of work; the arithmetic is safe only under that hold.
	UpdateBalance(ctx context.Context, account Account, delta decimal.Decimal) (Account, error)

	// AppendEntry persists one immutable ledger entry. No validation beyond
	// store-level I/O; invariants are the engine's job.
	AppendEntry(ctx context.Context, entry LedgerEntry) error

	// GetIdempotencyRecord reads a record inside this unit of work.
	GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, bool, error)

	// InsertIdempotencyRecord inserts a new record. The key's uniqueness is
	// checked at insert time, never pre-checked: a concurrent insert of the
	// same key surfaces ErrDuplicateKey.
	InsertIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error

	// DeleteIdempotencyRecord removes a stale record, freeing its key.
	DeleteIdempotencyRecord(ctx context.Context, key string) error
}

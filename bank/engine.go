/*
engine.go - Transfer orchestrator

PURPOSE:
  Composes the store contracts into atomic deposit, withdraw, and transfer
  operations. Each operation is one unit of work: lock, mutate, journal,
  commit - or roll back leaving every balance untouched.

LOCK ORDERING:
  Transfer locks both accounts in ascending account-id order, independent
  of which is source and which is destination. Two transfers moving in
  opposite directions between the same pair therefore always contend on the
  lower id first and cannot circular-wait. Deposit and withdraw take a
  single lock and need no ordering protocol.

CONSERVATION:
  The sum of all balances changes only by net deposits minus net
  withdrawals; a transfer debits and credits inside the same unit of work
  and never changes the system-wide sum.

IDEMPOTENCY:
  Only Transfer is idempotency-wrapped; deposit and withdraw are not, so a
  blindly retried deposit double-applies. That asymmetry is deliberate
  product surface, preserved as-is.

SEE ALSO:
  - idempotency.go: the retry-safe shell around Transfer
  - store.go: LockAccount/UpdateBalance/AppendEntry contracts
*/
package bank

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Publisher receives committed ledger entries for downstream consumers
// (event streams, notifications). Publishing is best-effort and happens
// after commit; a failure never unwinds the money movement.
type Publisher interface {
	PublishEntry(ctx context.Context, entry LedgerEntry) error
}

// Engine orchestrates money movement over a Store.
type Engine struct {
	store     Store
	idem      *Idempotent
	publisher Publisher // optional
	now       func() time.Time
}

func NewEngine(store Store, publisher Publisher) *Engine {
	return &Engine{
		store:     store,
		idem:      NewIdempotent(store),
		publisher: publisher,
		now:       time.Now,
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Deposit credits amount to the account and journals a DEPOSIT entry.
func (e *Engine) Deposit(ctx context.Context, id AccountID, amount decimal.Decimal) (Account, error) {
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}

	var updated Account
	var entry LedgerEntry
	err := e.store.Atomically(ctx, func(uow UnitOfWork) error {
		account, err := uow.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		updated, err = uow.UpdateBalance(ctx, account, amount)
		if err != nil {
			return err
		}
		entry = e.newEntry(EntryDeposit, nil, &id, amount)
		return uow.AppendEntry(ctx, entry)
	})
	if err != nil {
		return Account{}, err
	}

	e.publish(ctx, entry)
	return updated, nil
}

// Withdraw debits amount from the account and journals a WITHDRAW entry.
// Fails with ErrInsufficientBalance if the balance would go negative; the
// unit of work rolls back with the balance unchanged.
func (e *Engine) Withdraw(ctx context.Context, id AccountID, amount decimal.Decimal) (Account, error) {
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}

	var updated Account
	var entry LedgerEntry
	err := e.store.Atomically(ctx, func(uow UnitOfWork) error {
		account, err := uow.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		updated, err = uow.UpdateBalance(ctx, account, amount.Neg())
		if err != nil {
			return err
		}
		entry = e.newEntry(EntryWithdraw, &id, nil, amount)
		return uow.AppendEntry(ctx, entry)
	})
	if err != nil {
		return Account{}, err
	}

	e.publish(ctx, entry)
	return updated, nil
}

// Transfer moves amount between two distinct accounts under the idempotency
// discipline: retries with the same key and fingerprint replay the original
// result without moving money again. Returns the updated source account.
func (e *Engine) Transfer(ctx context.Context, key, fingerprint string, fromID, toID AccountID, amount decimal.Decimal) (Account, error) {
	if key == "" {
		return Account{}, ErrIdempotencyKeyRequired
	}
	if fromID == toID {
		return Account{}, ErrInvalidTransfer
	}
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}

	var entry LedgerEntry
	res, executed, err := e.idem.Execute(ctx, key, fingerprint, func(ctx context.Context, uow UnitOfWork) (Result, error) {
		updated, appended, err := e.transferTx(ctx, uow, fromID, toID, amount)
		if err != nil {
			return nil, err
		}
		entry = appended
		return AccountResult{Account: updated}, nil
	})
	if err != nil {
		return Account{}, err
	}

	if executed {
		// On replay nothing was committed this time around, so there is
		// nothing to announce downstream.
		e.publish(ctx, entry)
	}

	account, ok := res.(AccountResult)
	if !ok {
		return Account{}, ErrIdempotencyConflict
	}
	return account.Account, nil
}

// transferTx runs the money movement inside the wrapper's unit of work.
func (e *Engine) transferTx(ctx context.Context, uow UnitOfWork, fromID, toID AccountID, amount decimal.Decimal) (Account, LedgerEntry, error) {
	// Fixed global lock order: ascending account id, regardless of role.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}

	locked := make(map[AccountID]Account, 2)
	for _, id := range []AccountID{first, second} {
		account, err := uow.LockAccount(ctx, id)
		if err != nil {
			return Account{}, LedgerEntry{}, err
		}
		locked[id] = account
	}

	updatedFrom, err := uow.UpdateBalance(ctx, locked[fromID], amount.Neg())
	if err != nil {
		return Account{}, LedgerEntry{}, err
	}
	if _, err := uow.UpdateBalance(ctx, locked[toID], amount); err != nil {
		return Account{}, LedgerEntry{}, err
	}

	entry := e.newEntry(EntryTransfer, &fromID, &toID, amount)
	if err := uow.AppendEntry(ctx, entry); err != nil {
		return Account{}, LedgerEntry{}, err
	}
	return updatedFrom, entry, nil
}

// Transactions returns the account's journal entries, most recent first.
func (e *Engine) Transactions(ctx context.Context, id AccountID) ([]LedgerEntry, error) {
	// Existence check first so an empty history and a missing account are
	// distinguishable.
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.store.EntriesByAccount(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) newEntry(entryType EntryType, from, to *AccountID, amount decimal.Decimal) LedgerEntry {
	return LedgerEntry{
		ID:            EntryID(uuid.NewString()),
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        amount,
		Type:          entryType,
		CreatedAt:     e.now().UTC(),
	}
}

func (e *Engine) publish(ctx context.Context, entry LedgerEntry) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishEntry(ctx, entry); err != nil {
		log.Printf("warning: failed to publish ledger entry %s: %v", entry.ID, err)
	}
}

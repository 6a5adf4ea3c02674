package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/bank"
	"github.com/warp/ledger-engine/bank/store"
)

func seed(t *testing.T, mem *store.Memory) bank.Account {
	t.Helper()
	ctx := context.Background()
	user, err := mem.CreateUser(ctx, "alice-"+t.Name())
	require.NoError(t, err)
	account, err := mem.CreateAccount(ctx, user.ID)
	require.NoError(t, err)
	return account
}

func TestAtomically_RollbackDiscardsAllStagedWrites(t *testing.T) {
	// GIVEN: a unit of work that mutates balance, appends an entry, and
	//        writes an idempotency record before failing
	// THEN: none of it is visible afterwards
	mem := store.NewMemory()
	account := seed(t, mem)
	ctx := context.Background()
	boom := errors.New("boom")

	err := mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		require.NoError(t, err)
		_, err = uow.UpdateBalance(ctx, locked, decimal.RequireFromString("100"))
		require.NoError(t, err)
		require.NoError(t, uow.AppendEntry(ctx, bank.LedgerEntry{
			ID:          "e1",
			ToAccountID: &account.ID,
			Amount:      decimal.RequireFromString("100"),
			Type:        bank.EntryDeposit,
			CreatedAt:   time.Now().UTC(),
		}))
		require.NoError(t, uow.InsertIdempotencyRecord(ctx, bank.IdempotencyRecord{
			Key: "k1", RequestHash: "fp", ResponseBody: []byte("{}"), CreatedAt: time.Now().UTC(),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := mem.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.IsZero())

	entries, err := mem.EntriesByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, found, err := mem.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAtomically_CommitAppliesStagedWrites(t *testing.T) {
	mem := store.NewMemory()
	account := seed(t, mem)
	ctx := context.Background()

	err := mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		_, err = uow.UpdateBalance(ctx, locked, decimal.RequireFromString("25"))
		return err
	})
	require.NoError(t, err)

	after, err := mem.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(decimal.RequireFromString("25")))
}

func TestUpdateBalance_StagedBalanceCompounds(t *testing.T) {
	// Two updates to the same account inside one unit of work must see each
	// other's staged state, not the committed balance twice.
	mem := store.NewMemory()
	account := seed(t, mem)
	ctx := context.Background()

	err := mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		if _, err := uow.UpdateBalance(ctx, locked, decimal.RequireFromString("10")); err != nil {
			return err
		}
		updated, err := uow.UpdateBalance(ctx, locked, decimal.RequireFromString("5"))
		if err != nil {
			return err
		}
		assert.True(t, updated.Balance.Equal(decimal.RequireFromString("15")))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateBalance_NegativeResultFails(t *testing.T) {
	mem := store.NewMemory()
	account := seed(t, mem)
	ctx := context.Background()

	err := mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		_, err = uow.UpdateBalance(ctx, locked, decimal.RequireFromString("-1"))
		return err
	})
	assert.ErrorIs(t, err, bank.ErrInsufficientBalance)
}

func TestInsertIdempotencyRecord_DuplicateKey(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	rec := bank.IdempotencyRecord{Key: "k1", RequestHash: "fp", ResponseBody: []byte("{}"), CreatedAt: time.Now().UTC()}

	err := mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, rec)
	})
	require.NoError(t, err)

	err = mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, rec)
	})
	assert.ErrorIs(t, err, bank.ErrDuplicateKey)
}

func TestDeleteIdempotencyRecord_FreesKeyWithinSameUnitOfWork(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	err := mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, bank.IdempotencyRecord{Key: "k1", RequestHash: "old"})
	})
	require.NoError(t, err)

	err = mem.Atomically(ctx, func(uow bank.UnitOfWork) error {
		if err := uow.DeleteIdempotencyRecord(ctx, "k1"); err != nil {
			return err
		}
		return uow.InsertIdempotencyRecord(ctx, bank.IdempotencyRecord{Key: "k1", RequestHash: "new"})
	})
	require.NoError(t, err)

	rec, found, err := mem.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", rec.RequestHash)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	_, err := mem.CreateUser(ctx, "bob")
	require.NoError(t, err)

	_, err = mem.CreateUser(ctx, "bob")
	assert.ErrorIs(t, err, bank.ErrDuplicateUsername)
}

func TestCreateAccount_UnknownUser(t *testing.T) {
	mem := store.NewMemory()

	_, err := mem.CreateAccount(context.Background(), 12345)
	assert.ErrorIs(t, err, bank.ErrUserNotFound)
}

func TestAccountsByUser_SortedByID(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	user, err := mem.CreateUser(ctx, "carol")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := mem.CreateAccount(ctx, user.ID)
		require.NoError(t, err)
	}

	accounts, err := mem.AccountsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Less(t, accounts[0].ID, accounts[1].ID)
	assert.Less(t, accounts[1].ID, accounts[2].ID)
}

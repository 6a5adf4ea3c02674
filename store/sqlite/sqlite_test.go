package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/bank"
	"github.com/warp/ledger-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *sqlite.Store, username string) bank.Account {
	t.Helper()
	ctx := context.Background()
	user, err := s.CreateUser(ctx, username)
	require.NoError(t, err)
	account, err := s.CreateAccount(ctx, user.ID)
	require.NoError(t, err)
	return account
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// USERS AND ACCOUNTS
// =============================================================================

func TestCreateUser_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "alice")
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, "alice")
	assert.ErrorIs(t, err, bank.ErrDuplicateUsername)
}

func TestCreateAccount_StartsAtZero(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "alice")

	got, err := s.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestCreateAccount_UnknownUser(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateAccount(context.Background(), 999)
	assert.ErrorIs(t, err, bank.ErrUserNotFound)
}

func TestGetAccount_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAccount(context.Background(), 404)
	assert.ErrorIs(t, err, bank.ErrAccountNotFound)
}

func TestAccountsByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice")
	require.NoError(t, err)
	a1, err := s.CreateAccount(ctx, user.ID)
	require.NoError(t, err)
	a2, err := s.CreateAccount(ctx, user.ID)
	require.NoError(t, err)

	accounts, err := s.AccountsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, a1.ID, accounts[0].ID)
	assert.Equal(t, a2.ID, accounts[1].ID)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestAtomically_CommitPersistsBalanceAndEntry(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "alice")
	ctx := context.Background()

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		if _, err := uow.UpdateBalance(ctx, locked, amt("77.25")); err != nil {
			return err
		}
		return uow.AppendEntry(ctx, bank.LedgerEntry{
			ID:          "entry-1",
			ToAccountID: &account.ID,
			Amount:      amt("77.25"),
			Type:        bank.EntryDeposit,
			CreatedAt:   time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(amt("77.25")))

	entries, err := s.EntriesByAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bank.EntryID("entry-1"), entries[0].ID)
	assert.True(t, entries[0].Amount.Equal(amt("77.25")))
}

func TestAtomically_ErrorRollsBackEverything(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "alice")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		require.NoError(t, err)
		_, err = uow.UpdateBalance(ctx, locked, amt("500"))
		require.NoError(t, err)
		require.NoError(t, uow.AppendEntry(ctx, bank.LedgerEntry{
			ID:          "entry-rollback",
			ToAccountID: &account.ID,
			Amount:      amt("500"),
			Type:        bank.EntryDeposit,
			CreatedAt:   time.Now().UTC(),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())

	entries, err := s.EntriesByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLockAccount_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		_, err := uow.LockAccount(ctx, 404)
		return err
	})
	assert.ErrorIs(t, err, bank.ErrAccountNotFound)
}

func TestUpdateBalance_InsufficientFunds(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "alice")
	ctx := context.Background()

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		locked, err := uow.LockAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		_, err = uow.UpdateBalance(ctx, locked, amt("-0.01"))
		return err
	})
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)

	var ibe *bank.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, account.ID, ibe.AccountID)
}

func TestEntriesByAccount_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "alice")
	ctx := context.Background()

	for i, id := range []bank.EntryID{"e1", "e2", "e3"} {
		err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
			return uow.AppendEntry(ctx, bank.LedgerEntry{
				ID:          id,
				ToAccountID: &account.ID,
				Amount:      amt("1"),
				Type:        bank.EntryDeposit,
				CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			})
		})
		require.NoError(t, err)
	}

	entries, err := s.EntriesByAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, bank.EntryID("e3"), entries[0].ID)
	assert.Equal(t, bank.EntryID("e2"), entries[1].ID)
	assert.Equal(t, bank.EntryID("e1"), entries[2].ID)
}

// =============================================================================
// IDEMPOTENCY RECORDS
// =============================================================================

func TestIdempotencyRecord_InsertAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, bank.IdempotencyRecord{
			Key:          "k1",
			RequestHash:  "fp",
			ResponseBody: []byte(`{"kind":"account","payload":{}}`),
			CreatedAt:    created,
		})
	})
	require.NoError(t, err)

	rec, found, err := s.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fp", rec.RequestHash)
	assert.JSONEq(t, `{"kind":"account","payload":{}}`, string(rec.ResponseBody))
	assert.True(t, rec.CreatedAt.Equal(created))
}

func TestIdempotencyRecord_DuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := bank.IdempotencyRecord{Key: "k1", RequestHash: "fp", ResponseBody: []byte("{}"), CreatedAt: time.Now().UTC()}

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, rec)
	})
	require.NoError(t, err)

	err = s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, rec)
	})
	assert.ErrorIs(t, err, bank.ErrDuplicateKey)
}

func TestIdempotencyRecord_DeleteFreesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		return uow.InsertIdempotencyRecord(ctx, bank.IdempotencyRecord{
			Key: "k1", RequestHash: "old", ResponseBody: []byte("{}"), CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	err = s.Atomically(ctx, func(uow bank.UnitOfWork) error {
		if err := uow.DeleteIdempotencyRecord(ctx, "k1"); err != nil {
			return err
		}
		return uow.InsertIdempotencyRecord(ctx, bank.IdempotencyRecord{
			Key: "k1", RequestHash: "new", ResponseBody: []byte("{}"), CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	rec, found, err := s.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", rec.RequestHash)
}

// =============================================================================
// FULL ENGINE OVER SQLITE
// =============================================================================

func TestEngine_TransferFlowOverSQLite(t *testing.T) {
	s := newTestStore(t)
	engine := bank.NewEngine(s, nil)
	ctx := context.Background()

	from := seedAccount(t, s, "alice")
	to := seedAccount(t, s, "bob")

	_, err := engine.Deposit(ctx, from.ID, amt("100"))
	require.NoError(t, err)

	first, err := engine.Transfer(ctx, "k-sqlite", "fp", from.ID, to.ID, amt("35"))
	require.NoError(t, err)
	assert.True(t, first.Balance.Equal(amt("65")))

	// Identical retry replays; no second movement.
	second, err := engine.Transfer(ctx, "k-sqlite", "fp", from.ID, to.ID, amt("35"))
	require.NoError(t, err)
	assert.True(t, second.Balance.Equal(amt("65")))

	toAfter, err := s.GetAccount(ctx, to.ID)
	require.NoError(t, err)
	assert.True(t, toAfter.Balance.Equal(amt("35")))

	entries, err := s.EntriesByAccount(ctx, from.ID)
	require.NoError(t, err)

	transfers := 0
	for _, e := range entries {
		if e.Type == bank.EntryTransfer {
			transfers++
		}
	}
	assert.Equal(t, 1, transfers)
}

func TestEngine_KeyReuseConflictOverSQLite(t *testing.T) {
	s := newTestStore(t)
	engine := bank.NewEngine(s, nil)
	ctx := context.Background()

	from := seedAccount(t, s, "alice")
	to := seedAccount(t, s, "bob")
	_, err := engine.Deposit(ctx, from.ID, amt("100"))
	require.NoError(t, err)

	_, err = engine.Transfer(ctx, "k-conflict", "fp-a", from.ID, to.ID, amt("10"))
	require.NoError(t, err)

	_, err = engine.Transfer(ctx, "k-conflict", "fp-b", from.ID, to.ID, amt("20"))
	assert.ErrorIs(t, err, bank.ErrIdempotencyConflict)
}

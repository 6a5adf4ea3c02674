// Package store provides an in-memory bank.Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/bank"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements bank.Store with a single-writer discipline: Atomically
// holds the store mutex for the whole unit of work, mirroring the bounded
// single-writer behavior of the SQLite store. Writes are staged and applied
// only on commit, so a failed unit of work leaves no trace.
type Memory struct {
	mu sync.Mutex

	nextUserID    int64
	nextAccountID int64

	users       map[bank.UserID]bank.User
	usernames   map[string]bank.UserID
	accounts    map[bank.AccountID]bank.Account
	entries     []bank.LedgerEntry
	idempotency map[string]bank.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[bank.UserID]bank.User),
		usernames:   make(map[string]bank.UserID),
		accounts:    make(map[bank.AccountID]bank.Account),
		idempotency: make(map[string]bank.IdempotencyRecord),
	}
}

var _ bank.Store = (*Memory)(nil)

// =============================================================================
// UNIT OF WORK
// =============================================================================

type memoryUOW struct {
	store *Memory

	balances map[bank.AccountID]decimal.Decimal // staged balance per locked account
	appended []bank.LedgerEntry
	idemPut  map[string]bank.IdempotencyRecord
	idemDel  map[string]bool
}

func (m *Memory) Atomically(ctx context.Context, fn func(uow bank.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	uow := &memoryUOW{
		store:    m,
		balances: make(map[bank.AccountID]decimal.Decimal),
		idemPut:  make(map[string]bank.IdempotencyRecord),
		idemDel:  make(map[string]bool),
	}
	if err := fn(uow); err != nil {
		return err // staged writes are discarded
	}

	for id, balance := range uow.balances {
		account := m.accounts[id]
		account.Balance = balance
		m.accounts[id] = account
	}
	m.entries = append(m.entries, uow.appended...)
	for key := range uow.idemDel {
		delete(m.idempotency, key)
	}
	for key, rec := range uow.idemPut {
		m.idempotency[key] = rec
	}
	return nil
}

func (u *memoryUOW) LockAccount(_ context.Context, id bank.AccountID) (bank.Account, error) {
	account, ok := u.store.accounts[id]
	if !ok {
		return bank.Account{}, bank.ErrAccountNotFound
	}
	if staged, ok := u.balances[id]; ok {
		account.Balance = staged
	}
	return account, nil
}

func (u *memoryUOW) UpdateBalance(_ context.Context, account bank.Account, delta decimal.Decimal) (bank.Account, error) {
	current := account.Balance
	if staged, ok := u.balances[account.ID]; ok {
		current = staged
	}

	updated := current.Add(delta)
	if updated.IsNegative() {
		return bank.Account{}, &bank.InsufficientBalanceError{
			AccountID: account.ID,
			Available: current,
			Requested: delta.Neg(),
		}
	}

	u.balances[account.ID] = updated
	account.Balance = updated
	return account, nil
}

func (u *memoryUOW) AppendEntry(_ context.Context, entry bank.LedgerEntry) error {
	u.appended = append(u.appended, entry)
	return nil
}

func (u *memoryUOW) GetIdempotencyRecord(_ context.Context, key string) (bank.IdempotencyRecord, bool, error) {
	if u.idemDel[key] {
		return bank.IdempotencyRecord{}, false, nil
	}
	if rec, ok := u.idemPut[key]; ok {
		return rec, true, nil
	}
	rec, ok := u.store.idempotency[key]
	return rec, ok, nil
}

func (u *memoryUOW) InsertIdempotencyRecord(ctx context.Context, rec bank.IdempotencyRecord) error {
	if _, exists, _ := u.GetIdempotencyRecord(ctx, rec.Key); exists {
		return bank.ErrDuplicateKey
	}
	delete(u.idemDel, rec.Key)
	u.idemPut[rec.Key] = rec
	return nil
}

func (u *memoryUOW) DeleteIdempotencyRecord(_ context.Context, key string) error {
	delete(u.idemPut, key)
	u.idemDel[key] = true
	return nil
}

// =============================================================================
// UNLOCKED READS / CRUD
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id bank.AccountID) (bank.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return bank.Account{}, bank.ErrAccountNotFound
	}
	return account, nil
}

func (m *Memory) EntriesByAccount(_ context.Context, id bank.AccountID) ([]bank.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []bank.LedgerEntry
	// Entries are appended in commit order; walk backwards for most recent first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if (e.FromAccountID != nil && *e.FromAccountID == id) ||
			(e.ToAccountID != nil && *e.ToAccountID == id) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, key string) (bank.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idempotency[key]
	return rec, ok, nil
}

func (m *Memory) CreateUser(_ context.Context, username string) (bank.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usernames[username]; taken {
		return bank.User{}, bank.ErrDuplicateUsername
	}

	m.nextUserID++
	user := bank.User{
		ID:        bank.UserID(m.nextUserID),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	m.users[user.ID] = user
	m.usernames[username] = user.ID
	return user, nil
}

func (m *Memory) GetUser(_ context.Context, id bank.UserID) (bank.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return bank.User{}, bank.ErrUserNotFound
	}
	return user, nil
}

func (m *Memory) CreateAccount(_ context.Context, userID bank.UserID) (bank.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return bank.Account{}, bank.ErrUserNotFound
	}

	m.nextAccountID++
	account := bank.Account{
		ID:        bank.AccountID(m.nextAccountID),
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	m.accounts[account.ID] = account
	return account, nil
}

func (m *Memory) AccountsByUser(_ context.Context, userID bank.UserID) ([]bank.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []bank.Account
	for _, account := range m.accounts {
		if account.UserID == userID {
			result = append(result, account)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

/*
Package sqlite provides a SQLite-backed implementation of bank.Store.

PURPOSE:
  Default persistence for the funds-transfer engine. SQLite gives us a
  single consistent data store with transactional grouping and unique-key
  constraints; the same schema and patterns port to PostgreSQL with only
  dialect differences (see store/postgres).

UNIT OF WORK:
  Atomically opens an IMMEDIATE transaction, so the write lock is taken up
  front and every unit of work is serialized against other writers. The
  busy timeout bounds how long a caller waits for that lock; exceeding it
  surfaces bank.ErrLockTimeout.

APPEND-ONLY ENFORCEMENT:
  ledger_entries sees INSERT only. No UPDATE, no DELETE. Balances live in
  accounts and change only inside a unit of work.

KEY TABLES:
  users:               account owners (unique username)
  accounts:            current balances (TEXT decimal, never negative)
  ledger_entries:      immutable journal of every money movement
  idempotency_records: cached transfer results keyed by client retry key

WAL MODE:
  The database is opened in WAL mode: readers don't block the writer and
  crash recovery is cleaner. The pool is capped at one connection since
  SQLite allows a single writer anyway (and :memory: databases require it).

SEE ALSO:
  - bank/store.go: interface contracts
  - store/postgres: production implementation with row-level FOR UPDATE
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/bank"
)

// Store implements bank.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ bank.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; also keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		balance TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_user
		ON accounts(user_id);

	-- Ledger entries (append-only journal; INSERT only, ever)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		from_account_id INTEGER REFERENCES accounts(id),
		to_account_id INTEGER REFERENCES accounts(id),
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_from
		ON ledger_entries(from_account_id) WHERE from_account_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_to
		ON ledger_entries(to_account_id) WHERE to_account_id IS NOT NULL;

	-- The PRIMARY KEY on key is the sole coordination point across
	-- concurrent identical retries: insert-time check, never pre-checked.
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		response_body TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_created_at
		ON idempotency_records(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type sqliteUOW struct {
	tx *sql.Tx
}

// Atomically runs fn inside one IMMEDIATE transaction.
func (s *Store) Atomically(ctx context.Context, fn func(uow bank.UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStoreError(err, "failed to begin unit of work")
	}
	defer tx.Rollback()

	if err := fn(&sqliteUOW{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapStoreError(err, "failed to commit unit of work")
	}
	return nil
}

func (u *sqliteUOW) LockAccount(ctx context.Context, id bank.AccountID) (bank.Account, error) {
	// The IMMEDIATE transaction already holds the database write lock, so
	// reading the row here gives an exclusive view for this unit of work.
	account, err := scanAccount(u.tx.QueryRowContext(ctx,
		`SELECT id, user_id, balance, created_at FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bank.Account{}, bank.ErrAccountNotFound
		}
		return bank.Account{}, mapStoreError(err, "failed to lock account")
	}
	return account, nil
}

func (u *sqliteUOW) UpdateBalance(ctx context.Context, account bank.Account, delta decimal.Decimal) (bank.Account, error) {
	updated := account.Balance.Add(delta)
	if updated.IsNegative() {
		return bank.Account{}, &bank.InsufficientBalanceError{
			AccountID: account.ID,
			Available: account.Balance,
			Requested: delta.Neg(),
		}
	}

	_, err := u.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE id = ?`, updated.String(), account.ID)
	if err != nil {
		return bank.Account{}, mapStoreError(err, "failed to update balance")
	}

	account.Balance = updated
	return account, nil
}

func (u *sqliteUOW) AppendEntry(ctx context.Context, entry bank.LedgerEntry) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, from_account_id, to_account_id, amount, entry_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		nullAccountID(entry.FromAccountID),
		nullAccountID(entry.ToAccountID),
		entry.Amount.String(),
		entry.Type,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return mapStoreError(err, "failed to append ledger entry")
	}
	return nil
}

func (u *sqliteUOW) GetIdempotencyRecord(ctx context.Context, key string) (bank.IdempotencyRecord, bool, error) {
	return getIdempotencyRecord(ctx, u.tx, key)
}

func (u *sqliteUOW) InsertIdempotencyRecord(ctx context.Context, rec bank.IdempotencyRecord) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, response_body, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.Key, rec.RequestHash, string(rec.ResponseBody), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return bank.ErrDuplicateKey
		}
		return mapStoreError(err, "failed to insert idempotency record")
	}
	return nil
}

func (u *sqliteUOW) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	if _, err := u.tx.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = ?`, key); err != nil {
		return mapStoreError(err, "failed to delete idempotency record")
	}
	return nil
}

// =============================================================================
// UNLOCKED READS / CRUD
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id bank.AccountID) (bank.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, balance, created_at FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bank.Account{}, bank.ErrAccountNotFound
		}
		return bank.Account{}, mapStoreError(err, "failed to get account")
	}
	return account, nil
}

func (s *Store) EntriesByAccount(ctx context.Context, id bank.AccountID) ([]bank.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, entry_type, created_at
		FROM ledger_entries
		WHERE from_account_id = ? OR to_account_id = ?
		ORDER BY rowid DESC`, id, id)
	if err != nil {
		return nil, mapStoreError(err, "failed to query ledger entries")
	}
	defer rows.Close()

	var entries []bank.LedgerEntry
	for rows.Next() {
		var (
			entry     bank.LedgerEntry
			from, to  sql.NullInt64
			amount    string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &from, &to, &amount, &entry.Type, &createdAt); err != nil {
			return nil, mapStoreError(err, "failed to scan ledger entry")
		}
		if from.Valid {
			fromID := bank.AccountID(from.Int64)
			entry.FromAccountID = &fromID
		}
		if to.Valid {
			toID := bank.AccountID(to.Int64)
			entry.ToAccountID = &toID
		}
		entry.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount on entry %s: %w", entry.ID, err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (bank.IdempotencyRecord, bool, error) {
	return getIdempotencyRecord(ctx, s.db, key)
}

func (s *Store) CreateUser(ctx context.Context, username string) (bank.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)`,
		username, now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return bank.User{}, bank.ErrDuplicateUsername
		}
		return bank.User{}, mapStoreError(err, "failed to create user")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return bank.User{}, mapStoreError(err, "failed to read new user id")
	}
	return bank.User{ID: bank.UserID(id), Username: username, CreatedAt: now}, nil
}

func (s *Store) GetUser(ctx context.Context, id bank.UserID) (bank.User, error) {
	var (
		user      bank.User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bank.User{}, bank.ErrUserNotFound
		}
		return bank.User{}, mapStoreError(err, "failed to get user")
	}
	user.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return user, nil
}

func (s *Store) CreateAccount(ctx context.Context, userID bank.UserID) (bank.Account, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return bank.Account{}, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance, created_at) VALUES (?, ?, ?)`,
		userID, decimal.Zero.String(), now.Format(time.RFC3339Nano))
	if err != nil {
		return bank.Account{}, mapStoreError(err, "failed to create account")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return bank.Account{}, mapStoreError(err, "failed to read new account id")
	}
	return bank.Account{
		ID:        bank.AccountID(id),
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: now,
	}, nil
}

func (s *Store) AccountsByUser(ctx context.Context, userID bank.UserID) ([]bank.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, balance, created_at FROM accounts
		WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, mapStoreError(err, "failed to query accounts")
	}
	defer rows.Close()

	var accounts []bank.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, mapStoreError(err, "failed to scan account")
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getIdempotencyRecord(ctx context.Context, q queryer, key string) (bank.IdempotencyRecord, bool, error) {
	var (
		rec       bank.IdempotencyRecord
		body      string
		createdAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT key, request_hash, response_body, created_at
		FROM idempotency_records WHERE key = ?`, key).
		Scan(&rec.Key, &rec.RequestHash, &body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bank.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return bank.IdempotencyRecord{}, false, mapStoreError(err, "failed to get idempotency record")
	}
	rec.ResponseBody = []byte(body)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (bank.Account, error) {
	var (
		account   bank.Account
		balance   string
		createdAt string
	)
	if err := row.Scan(&account.ID, &account.UserID, &balance, &createdAt); err != nil {
		return bank.Account{}, err
	}

	var err error
	account.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return bank.Account{}, fmt.Errorf("corrupt balance on account %d: %w", account.ID, err)
	}
	account.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return account, nil
}

func nullAccountID(id *bank.AccountID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// mapStoreError translates driver errors into the engine's taxonomy without
// leaking raw store text past the sentinel. Busy timeouts become the
// retryable ErrLockTimeout.
func mapStoreError(err error, msg string) error {
	if isBusyError(err) {
		return bank.ErrLockTimeout
	}
	return fmt.Errorf("%s: %w", msg, err)
}

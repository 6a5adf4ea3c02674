/*
Package postgres provides a PostgreSQL-backed implementation of bank.Store.

PURPOSE:
  Production persistence. Unlike SQLite's single-writer model, PostgreSQL
  gives true row-level locking: LockAccount issues SELECT ... FOR UPDATE,
  so two units of work touching different accounts proceed in parallel and
  only holders of the same account block each other.

LOCKING:
  Each unit of work sets a local lock_timeout so FOR UPDATE waits are
  bounded; exceeding the timeout maps to bank.ErrLockTimeout (retryable,
  nothing partial committed). Serialization failures are mapped the same
  way for the same reason.

ERROR MAPPING (pq codes):
  23505 unique_violation    -> bank.ErrDuplicateKey / ErrDuplicateUsername
  55P03 lock_not_available  -> bank.ErrLockTimeout
  40001 / 40P01             -> bank.ErrLockTimeout

SEE ALSO:
  - store/sqlite: default implementation, same schema in SQLite dialect
  - bank/store.go: interface contracts
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/bank"
)

const lockWait = 5 * time.Second

// Store implements bank.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ bank.Store = (*Store)(nil)

// Open connects to PostgreSQL using a lib/pq connection string and applies
// the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		from_account_id BIGINT REFERENCES accounts(id),
		to_account_id BIGINT REFERENCES accounts(id),
		amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		entry_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_from ON ledger_entries(from_account_id);
	CREATE INDEX IF NOT EXISTS idx_entries_to ON ledger_entries(to_account_id);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		response_body TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_created_at ON idempotency_records(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type pgUOW struct {
	tx *sql.Tx
}

func (s *Store) Atomically(ctx context.Context, fn func(uow bank.UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPGError(err, "failed to begin unit of work")
	}
	defer tx.Rollback()

	// Bound every FOR UPDATE wait inside this transaction.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockWait.Milliseconds())); err != nil {
		return mapPGError(err, "failed to set lock timeout")
	}

	if err := fn(&pgUOW{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapPGError(err, "failed to commit unit of work")
	}
	return nil
}

func (u *pgUOW) LockAccount(ctx context.Context, id bank.AccountID) (bank.Account, error) {
	account, err := scanAccount(u.tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance, created_at FROM accounts
		WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bank.Account{}, bank.ErrAccountNotFound
		}
		return bank.Account{}, mapPGError(err, "failed to lock account")
	}
	return account, nil
}

func (u *pgUOW) UpdateBalance(ctx context.Context, account bank.Account, delta decimal.Decimal) (bank.Account, error) {
	updated := account.Balance.Add(delta)
	if updated.IsNegative() {
		return bank.Account{}, &bank.InsufficientBalanceError{
			AccountID: account.ID,
			Available: account.Balance,
			Requested: delta.Neg(),
		}
	}

	if _, err := u.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1 WHERE id = $2`, updated, account.ID); err != nil {
		return bank.Account{}, mapPGError(err, "failed to update balance")
	}

	account.Balance = updated
	return account, nil
}

func (u *pgUOW) AppendEntry(ctx context.Context, entry bank.LedgerEntry) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, from_account_id, to_account_id, amount, entry_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		nullAccountID(entry.FromAccountID),
		nullAccountID(entry.ToAccountID),
		entry.Amount,
		entry.Type,
		entry.CreatedAt,
	)
	if err != nil {
		return mapPGError(err, "failed to append ledger entry")
	}
	return nil
}

func (u *pgUOW) GetIdempotencyRecord(ctx context.Context, key string) (bank.IdempotencyRecord, bool, error) {
	return getIdempotencyRecord(ctx, u.tx, key)
}

func (u *pgUOW) InsertIdempotencyRecord(ctx context.Context, rec bank.IdempotencyRecord) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, response_body, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.Key, rec.RequestHash, string(rec.ResponseBody), rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return bank.ErrDuplicateKey
		}
		return mapPGError(err, "failed to insert idempotency record")
	}
	return nil
}

func (u *pgUOW) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	if _, err := u.tx.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1`, key); err != nil {
		return mapPGError(err, "failed to delete idempotency record")
	}
	return nil
}

// =============================================================================
// UNLOCKED READS / CRUD
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id bank.AccountID) (bank.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, balance, created_at FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bank.Account{}, bank.ErrAccountNotFound
		}
		return bank.Account{}, mapPGError(err, "failed to get account")
	}
	return account, nil
}

func (s *Store) EntriesByAccount(ctx context.Context, id bank.AccountID) ([]bank.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, entry_type, created_at
		FROM ledger_entries
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY seq DESC`, id)
	if err != nil {
		return nil, mapPGError(err, "failed to query ledger entries")
	}
	defer rows.Close()

	var entries []bank.LedgerEntry
	for rows.Next() {
		var (
			entry    bank.LedgerEntry
			from, to sql.NullInt64
		)
		if err := rows.Scan(&entry.ID, &from, &to, &entry.Amount, &entry.Type, &entry.CreatedAt); err != nil {
			return nil, mapPGError(err, "failed to scan ledger entry")
		}
		if from.Valid {
			fromID := bank.AccountID(from.Int64)
			entry.FromAccountID = &fromID
		}
		if to.Valid {
			toID := bank.AccountID(to.Int64)
			entry.ToAccountID = &toID
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (bank.IdempotencyRecord, bool, error) {
	return getIdempotencyRecord(ctx, s.db, key)
}

func (s *Store) CreateUser(ctx context.Context, username string) (bank.User, error) {
	var user bank.User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username) VALUES ($1)
		RETURNING id, username, created_at`, username).
		Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return bank.User{}, bank.ErrDuplicateUsername
		}
		return bank.User{}, mapPGError(err, "failed to create user")
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id bank.UserID) (bank.User, error) {
	var user bank.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bank.User{}, bank.ErrUserNotFound
		}
		return bank.User{}, mapPGError(err, "failed to get user")
	}
	return user, nil
}

func (s *Store) CreateAccount(ctx context.Context, userID bank.UserID) (bank.Account, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return bank.Account{}, err
	}

	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id) VALUES ($1)
		RETURNING id, user_id, balance, created_at`, userID))
	if err != nil {
		return bank.Account{}, mapPGError(err, "failed to create account")
	}
	return account, nil
}

func (s *Store) AccountsByUser(ctx context.Context, userID bank.UserID) ([]bank.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, balance, created_at FROM accounts
		WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, mapPGError(err, "failed to query accounts")
	}
	defer rows.Close()

	var accounts []bank.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, mapPGError(err, "failed to scan account")
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
		rec  bank.IdempotencyRecord
		body string
	)
	err := q.QueryRowContext(ctx, `
		SELECT key, request_hash, response_body, created_at
		FROM idempotency_records WHERE key = $1`, key).
		Scan(&rec.Key, &rec.RequestHash, &body, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bank.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return bank.IdempotencyRecord{}, false, mapPGError(err, "failed to get idempotency record")
	}
	rec.ResponseBody = []byte(body)
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (bank.Account, error) {
	var account bank.Account
	if err := row.Scan(&account.ID, &account.UserID, &account.Balance, &account.CreatedAt); err != nil {
		return bank.Account{}, err
	}
	return account, nil
}

func nullAccountID(id *bank.AccountID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// mapPGError translates pq errors into the engine's taxonomy. Bounded lock
// waits and serialization failures both mean "retry the whole operation".
func mapPGError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization, deadlock
			return bank.ErrLockTimeout
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

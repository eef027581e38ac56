/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.TxStore:          wallets, ledger entries, owner-scoped units of work
  withdrawal.RequestStore: withdrawal requests (both flows)
  commission.ConfigStore:  the commission configuration document

KEY TABLES:
  wallets:             one row per owner, four TEXT decimal balances
  ledger_entries:      every balance-affecting event, oldest first by rowid
  withdrawal_requests: star requests and admin payouts
  commission_config:   single-row JSON document

INDEXES:
  - idx_entries_open_cause: at most one pending deposit per (owner, cause)
  - idx_requests_one_pending: at most one pending star request per owner
  - idx_entries_owner, idx_requests_owner_status: hot-path lookups

CONCURRENCY:
  SQLite has a single writer. WithOwnerTx holds the store mutex for the whole
  unit of work, so units for different owners serialize too. Use the
  postgres store when cross-owner parallelism matters.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). The postgres store uses versioned
  migrations instead.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/withdrawal"
)

// timeLayout sorts lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a fresh database, and SQLite allows
	// one writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		owner_id TEXT PRIMARY KEY,
		escrow TEXT NOT NULL,
		jackpot TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		total_withdrawn TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		counterparty_id TEXT,
		cause_kind TEXT NOT NULL DEFAULT '',
		cause_ref TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		movement TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entries_owner
		ON ledger_entries(owner_id);

	-- One open escrow entry per cause
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_open_cause
		ON ledger_entries(owner_id, cause_kind, cause_ref)
		WHERE status = 'pending' AND movement = 'deposit';

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		flow TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT,
		decided_at TEXT,
		rejection_reason TEXT,
		note TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_owner_status
		ON withdrawal_requests(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_created
		ON withdrawal_requests(created_at DESC);

	-- One pending star request per owner
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_pending
		ON withdrawal_requests(owner_id)
		WHERE flow = 'star' AND status = 'pending';

	CREATE TABLE IF NOT EXISTS commission_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED TOP-LEVEL ACCESS
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetWallet(ctx, owner)
}

func (s *Store) SaveWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveWallet(ctx, w)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AppendEntry(ctx, e)
}

func (s *Store) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.UpdateEntry(ctx, e)
}

func (s *Store) FindOpenEntry(ctx context.Context, owner ledger.OwnerID, cause ledger.Cause) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.FindOpenEntry(ctx, owner, cause)
}

func (s *Store) ListEntries(ctx context.Context, owner ledger.OwnerID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListEntries(ctx, owner)
}

func (s *Store) ListOwners(ctx context.Context) ([]ledger.OwnerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT owner_id FROM wallets ORDER BY owner_id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var owners []ledger.OwnerID
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, ledger.OwnerID(owner))
	}
	return owners, rows.Err()
}

func (s *Store) SaveRequest(ctx context.Context, r withdrawal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveRequest(ctx, r)
}

func (s *Store) GetRequest(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetRequest(ctx, id)
}

func (s *Store) FindPending(ctx context.Context, owner ledger.OwnerID) (*withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.FindPending(ctx, owner)
}

func (s *Store) ListRequests(ctx context.Context, f withdrawal.Filter) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListRequests(ctx, f)
}

func (s *Store) LoadCommissionConfig(ctx context.Context) (*commission.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.LoadCommissionConfig(ctx)
}

func (s *Store) SaveCommissionConfig(ctx context.Context, cfg commission.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveCommissionConfig(ctx, cfg)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithOwnerTx executes fn within a database transaction. The owner is not
// used for locking: SQLite serializes every writer.
func (s *Store) WithOwnerTx(ctx context.Context, _ ledger.OwnerID, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", wrapErr(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", wrapErr(err))
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the store and transaction views
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against a *sql.DB or a *sql.Tx.
type conn struct {
	q querier
}

func (c *conn) GetWallet(ctx context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	var w ledger.Wallet
	var createdAt, updatedAt string
	err := c.q.QueryRowContext(ctx, `
		SELECT owner_id, escrow, jackpot, total_earned, total_withdrawn, created_at, updated_at
		FROM wallets WHERE owner_id = ?`, owner,
	).Scan(&w.OwnerID, &w.Escrow, &w.Jackpot, &w.TotalEarned, &w.TotalWithdrawn, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", owner, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func (c *conn) SaveWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, escrow, jackpot, total_earned, total_withdrawn, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			escrow = excluded.escrow,
			jackpot = excluded.jackpot,
			total_earned = excluded.total_earned,
			total_withdrawn = excluded.total_withdrawn,
			updated_at = excluded.updated_at`,
		w.OwnerID, w.Escrow.String(), w.Jackpot.String(), w.TotalEarned.String(), w.TotalWithdrawn.String(),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	return wrapErr(err)
}

func (c *conn) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, counterparty_id, cause_kind, cause_ref, amount,
			kind, status, movement, note, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, nullString(e.CounterpartyID), e.Cause.Kind, e.Cause.Ref, e.Amount.String(),
		e.Kind, e.Status, e.Movement, nullString(e.Note), formatTime(e.CreatedAt), nullTime(e.CompletedAt),
	)
	switch constraintOf(err) {
	case sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("entry %s already exists: %w", e.ID, ledger.ErrConflict)
	case sqlite3.ErrConstraintUnique:
		return &ledger.OpenEntryConflictError{OwnerID: e.OwnerID, Cause: e.Cause}
	}
	return wrapErr(err)
}

func (c *conn) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = ?, movement = ?, note = ?, completed_at = ?
		WHERE id = ? AND owner_id = ?`,
		e.Status, e.Movement, nullString(e.Note), nullTime(e.CompletedAt), e.ID, e.OwnerID,
	)
	if err != nil {
		return wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrNotFound)
	}
	return nil
}

const entryColumns = `id, owner_id, counterparty_id, cause_kind, cause_ref, amount,
	kind, status, movement, note, created_at, completed_at`

func (c *conn) FindOpenEntry(ctx context.Context, owner ledger.OwnerID, cause ledger.Cause) (*ledger.Entry, error) {
	entries, err := c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE owner_id = ? AND cause_kind = ? AND cause_ref = ?
			AND status = 'pending' AND movement = 'deposit'`,
		owner, cause.Kind, cause.Ref)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("open entry for %s: %w", cause.String(), ledger.ErrNotFound)
	}
	return &entries[0], nil
}

func (c *conn) ListEntries(ctx context.Context, owner ledger.OwnerID) ([]ledger.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE owner_id = ? ORDER BY rowid`, owner)
}

func (c *conn) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var counterparty, note, completedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.OwnerID, &counterparty, &e.Cause.Kind, &e.Cause.Ref, &e.Amount,
			&e.Kind, &e.Status, &e.Movement, &note, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		e.CounterpartyID = counterparty.String
		e.Note = note.String
		e.CreatedAt = parseTime(createdAt)
		e.CompletedAt = parseNullTime(completedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// WITHDRAWAL REQUESTS
// =============================================================================

func (c *conn) SaveRequest(ctx context.Context, r withdrawal.Request) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if r.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, owner_id, amount, flow, status, decided_by, decided_at,
			rejection_reason, note, metadata_json, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at,
			rejection_reason = excluded.rejection_reason,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		r.ID, r.OwnerID, r.Amount.String(), r.Flow, r.Status, nullString(r.DecidedBy), nullTime(r.DecidedAt),
		nullString(r.RejectionReason), nullString(r.Note), string(metadata), nullString(r.CreatedBy),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if constraintOf(err) == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("owner %s already has a pending withdrawal request: %w", r.OwnerID, ledger.ErrConflict)
	}
	return wrapErr(err)
}

const requestColumns = `id, owner_id, amount, flow, status, decided_by, decided_at,
	rejection_reason, note, metadata_json, created_by, created_at, updated_at`

func (c *conn) GetRequest(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	reqs, err := c.queryRequests(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("withdrawal request %s: %w", id, ledger.ErrNotFound)
	}
	return &reqs[0], nil
}

func (c *conn) FindPending(ctx context.Context, owner ledger.OwnerID) (*withdrawal.Request, error) {
	reqs, err := c.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE owner_id = ? AND flow = 'star' AND status = 'pending'`, owner)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("pending request for %s: %w", owner, ledger.ErrNotFound)
	}
	return &reqs[0], nil
}

func (c *conn) ListRequests(ctx context.Context, f withdrawal.Filter) ([]withdrawal.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Flow != "" {
		query += ` AND flow = ?`
		args = append(args, f.Flow)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	reqs, err := c.queryRequests(ctx, query, args...)
	if reqs == nil && err == nil {
		reqs = []withdrawal.Request{}
	}
	return reqs, err
}

func (c *conn) queryRequests(ctx context.Context, query string, args ...any) ([]withdrawal.Request, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var reqs []withdrawal.Request
	for rows.Next() {
		var r withdrawal.Request
		var decidedBy, decidedAt, reason, note, createdBy sql.NullString
		var metadata, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Amount, &r.Flow, &r.Status, &decidedBy, &decidedAt,
			&reason, &note, &metadata, &createdBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.DecidedBy = decidedBy.String
		r.DecidedAt = parseNullTime(decidedAt)
		r.RejectionReason = reason.String
		r.Note = note.String
		r.CreatedBy = createdBy.String
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		r.Metadata = map[string]string{}
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.ID, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// =============================================================================
// COMMISSION CONFIG
// =============================================================================

func (c *conn) LoadCommissionConfig(ctx context.Context) (*commission.Config, error) {
	var raw string
	err := c.q.QueryRowContext(ctx, `SELECT config_json FROM commission_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commission config: %w", ledger.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	var cfg commission.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode commission config: %w", err)
	}
	return &cfg, nil
}

func (c *conn) SaveCommissionConfig(ctx context.Context, cfg commission.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode commission config: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO commission_config (id, config_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`,
		string(raw), formatTime(cfg.UpdatedAt))
	return wrapErr(err)
}

// =============================================================================
// HELPERS
// =============================================================================

// busyError marks lock contention as safe to retry.
type busyError struct{ err error }

func (e *busyError) Error() string   { return e.err.Error() }
func (e *busyError) Unwrap() error   { return e.err }
func (e *busyError) Transient() bool { return true }

func wrapErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return &busyError{err: err}
	}
	return err
}

// constraintOf returns the extended constraint code of err, or zero.
func constraintOf(err error) sqlite3.ErrNoExtended {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return sqliteErr.ExtendedCode
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

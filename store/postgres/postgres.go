/*
Package postgres provides a PostgreSQL implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.TxStore, withdrawal.RequestStore, commission.ConfigStore

CONCURRENCY:
  WithOwnerTx opens a pgx transaction and takes
  pg_advisory_xact_lock(hashtextextended(owner, 0)) before running fn. Units
  for the same owner serialize; units for different owners run in parallel.
  The lock is released by commit or rollback.

MONEY:
  Amounts are NUMERIC(20,2), sent and read as text so no float ever touches
  a balance.

ERRORS:
  Serialization failures, deadlocks and lock timeouts are reported as
  Transient, which the engine classifies as ledger.ErrUnavailable.

MIGRATION:
  Versioned SQL files in migrations/ are embedded and applied by Migrate().
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/withdrawal"
)

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	conn
	pool *pgxpool.Pool
}

// New connects to databaseURL. Run Migrate first.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{conn: conn{q: pool}, pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// WithOwnerTx runs fn in a transaction holding owner's advisory lock.
func (s *Store) WithOwnerTx(ctx context.Context, owner ledger.OwnerID, fn func(ledger.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", wrapErr(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(owner)); err != nil {
		return fmt.Errorf("failed to lock owner %s: %w", owner, wrapErr(err))
	}

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", wrapErr(err))
	}
	return nil
}

func (s *Store) ListOwners(ctx context.Context) ([]ledger.OwnerID, error) {
	rows, err := s.pool.Query(ctx, `SELECT owner_id FROM wallets ORDER BY owner_id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	owners, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.OwnerID, error) {
		var owner string
		err := row.Scan(&owner)
		return ledger.OwnerID(owner), err
	})
	return owners, wrapErr(err)
}

// =============================================================================
// QUERIES
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn runs every query against the pool or a transaction.
type conn struct {
	q querier
}

func (c *conn) GetWallet(ctx context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	var w ledger.Wallet
	var ownerID, escrow, jackpot, earned, withdrawn string
	err := c.q.QueryRow(ctx, `
		SELECT owner_id, escrow::text, jackpot::text, total_earned::text, total_withdrawn::text,
			created_at, updated_at
		FROM wallets WHERE owner_id = $1`, string(owner),
	).Scan(&ownerID, &escrow, &jackpot, &earned, &withdrawn, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", owner, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	w.OwnerID = ledger.OwnerID(ownerID)
	if err := parseDecimals(map[*decimal.Decimal]string{
		&w.Escrow: escrow, &w.Jackpot: jackpot, &w.TotalEarned: earned, &w.TotalWithdrawn: withdrawn,
	}); err != nil {
		return nil, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func (c *conn) SaveWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO wallets (owner_id, escrow, jackpot, total_earned, total_withdrawn, created_at, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (owner_id) DO UPDATE SET
			escrow = EXCLUDED.escrow,
			jackpot = EXCLUDED.jackpot,
			total_earned = EXCLUDED.total_earned,
			total_withdrawn = EXCLUDED.total_withdrawn,
			updated_at = EXCLUDED.updated_at`,
		string(w.OwnerID), w.Escrow.String(), w.Jackpot.String(), w.TotalEarned.String(), w.TotalWithdrawn.String(),
		w.CreatedAt, w.UpdatedAt,
	)
	return wrapErr(err)
}

func (c *conn) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, owner_id, counterparty_id, cause_kind, cause_ref, amount,
			kind, status, movement, note, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)`,
		string(e.ID), string(e.OwnerID), nullable(e.CounterpartyID), string(e.Cause.Kind), e.Cause.Ref,
		e.Amount.String(), string(e.Kind), string(e.Status), string(e.Movement), nullable(e.Note),
		e.CreatedAt, e.CompletedAt,
	)
	switch uniqueViolation(err) {
	case "":
		return wrapErr(err)
	case "idx_entries_open_cause":
		return &ledger.OpenEntryConflictError{OwnerID: e.OwnerID, Cause: e.Cause}
	default:
		return fmt.Errorf("entry %s already exists: %w", e.ID, ledger.ErrConflict)
	}
}

func (c *conn) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE ledger_entries SET status = $1, movement = $2, note = $3, completed_at = $4
		WHERE id = $5 AND owner_id = $6`,
		string(e.Status), string(e.Movement), nullable(e.Note), e.CompletedAt, string(e.ID), string(e.OwnerID),
	)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrNotFound)
	}
	return nil
}

const entryColumns = `id, owner_id, counterparty_id, cause_kind, cause_ref, amount::text,
	kind, status, movement, note, created_at, completed_at`

func (c *conn) FindOpenEntry(ctx context.Context, owner ledger.OwnerID, cause ledger.Cause) (*ledger.Entry, error) {
	entries, err := c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE owner_id = $1 AND cause_kind = $2 AND cause_ref = $3
			AND status = 'pending' AND movement = 'deposit'`,
		string(owner), string(cause.Kind), cause.Ref)
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
		SELECT `+entryColumns+` FROM ledger_entries WHERE owner_id = $1 ORDER BY seq`, string(owner))
}

func (c *conn) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
		var e ledger.Entry
		var id, owner, kind, status, movement, causeKind, amount string
		var counterparty, note *string
		if err := row.Scan(&id, &owner, &counterparty, &causeKind, &e.Cause.Ref, &amount,
			&kind, &status, &movement, &note, &e.CreatedAt, &e.CompletedAt); err != nil {
			return e, err
		}
		e.ID = ledger.EntryID(id)
		e.OwnerID = ledger.OwnerID(owner)
		e.Cause.Kind = ledger.CauseKind(causeKind)
		e.Kind = ledger.EntryKind(kind)
		e.Status = ledger.EntryStatus(status)
		e.Movement = ledger.EscrowMovement(movement)
		e.CounterpartyID = deref(counterparty)
		e.Note = deref(note)
		e.CreatedAt = e.CreatedAt.UTC()
		if e.CompletedAt != nil {
			t := e.CompletedAt.UTC()
			e.CompletedAt = &t
		}
		var err error
		e.Amount, err = decimal.NewFromString(amount)
		return e, err
	})
	return entries, wrapErr(err)
}

// =============================================================================
// WITHDRAWAL REQUESTS
// =============================================================================

func (c *conn) SaveRequest(ctx context.Context, r withdrawal.Request) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = c.q.Exec(ctx, `
		INSERT INTO withdrawal_requests (id, owner_id, amount, flow, status, decided_by, decided_at,
			rejection_reason, note, metadata, created_by, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			decided_by = EXCLUDED.decided_by,
			decided_at = EXCLUDED.decided_at,
			rejection_reason = EXCLUDED.rejection_reason,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		string(r.ID), string(r.OwnerID), r.Amount.String(), string(r.Flow), string(r.Status),
		nullable(r.DecidedBy), r.DecidedAt, nullable(r.RejectionReason), nullable(r.Note), string(raw),
		nullable(r.CreatedBy), r.CreatedAt, r.UpdatedAt,
	)
	if uniqueViolation(err) == "idx_requests_one_pending" {
		return fmt.Errorf("owner %s already has a pending withdrawal request: %w", r.OwnerID, ledger.ErrConflict)
	}
	return wrapErr(err)
}

const requestColumns = `id, owner_id, amount::text, flow, status, decided_by, decided_at,
	rejection_reason, note, metadata, created_by, created_at, updated_at`

func (c *conn) GetRequest(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	reqs, err := c.queryRequests(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1`, string(id))
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
		WHERE owner_id = $1 AND flow = 'star' AND status = 'pending'`, string(owner))
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("pending request for %s: %w", owner, ledger.ErrNotFound)
	}
	return &reqs[0], nil
}

func (c *conn) ListRequests(ctx context.Context, f withdrawal.Filter) ([]withdrawal.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE TRUE`
	var args []any
	if f.OwnerID != "" {
		args = append(args, string(f.OwnerID))
		query += fmt.Sprintf(` AND owner_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Flow != "" {
		args = append(args, string(f.Flow))
		query += fmt.Sprintf(` AND flow = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return c.queryRequests(ctx, query, args...)
}

func (c *conn) queryRequests(ctx context.Context, query string, args ...any) ([]withdrawal.Request, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	reqs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (withdrawal.Request, error) {
		var r withdrawal.Request
		var id, owner, amount, flow, status string
		var decidedBy, reason, note, createdBy *string
		var metadata []byte
		if err := row.Scan(&id, &owner, &amount, &flow, &status, &decidedBy, &r.DecidedAt,
			&reason, &note, &metadata, &createdBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return r, err
		}
		r.ID = withdrawal.RequestID(id)
		r.OwnerID = ledger.OwnerID(owner)
		r.Flow = withdrawal.Flow(flow)
		r.Status = withdrawal.Status(status)
		r.DecidedBy = deref(decidedBy)
		r.RejectionReason = deref(reason)
		r.Note = deref(note)
		r.CreatedBy = deref(createdBy)
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		if r.DecidedAt != nil {
			t := r.DecidedAt.UTC()
			r.DecidedAt = &t
		}
		r.Metadata = map[string]string{}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return r, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
		}
		var err error
		r.Amount, err = decimal.NewFromString(amount)
		return r, err
	})
	return reqs, wrapErr(err)
}

// =============================================================================
// COMMISSION CONFIG
// =============================================================================

func (c *conn) LoadCommissionConfig(ctx context.Context) (*commission.Config, error) {
	var raw []byte
	err := c.q.QueryRow(ctx, `SELECT config FROM commission_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("commission config: %w", ledger.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	var cfg commission.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode commission config: %w", err)
	}
	return &cfg, nil
}

func (c *conn) SaveCommissionConfig(ctx context.Context, cfg commission.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode commission config: %w", err)
	}
	updatedAt := cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = c.q.Exec(ctx, `
		INSERT INTO commission_config (id, config, updated_at) VALUES (1, $1::jsonb, $2)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		string(raw), updatedAt)
	return wrapErr(err)
}

// =============================================================================
// HELPERS
// =============================================================================

// Retryable PostgreSQL error codes.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// transientError marks a failure that is safe to retry.
type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return &transientError{err: err}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &transientError{err: err}
	}
	return err
}

// uniqueViolation returns the violated constraint name, or "".
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid numeric %q: %w", raw, err)
		}
		*dst = d
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

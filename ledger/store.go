/*
store.go - Persistence contracts for wallets and ledger entries

KEY INTERFACES:
  Store:        wallet and entry reads/writes, used inside a unit of work
  TxStore:      owner-scoped atomic units (WithOwnerTx)
  BalanceCache: optional read-through cache for wallet snapshots

UNIT OF WORK:
  WithOwnerTx runs fn while holding an exclusive lock on one owner's wallet
  and entries. Writes made through the Store passed to fn commit together
  when fn returns nil and are discarded otherwise. Units for different
  owners must not block each other.

OPEN ENTRY UNIQUENESS:
  At most one entry per (owner, cause) may be pending+deposit. AppendEntry
  returns an OpenEntryConflictError (ErrConflict) when a second one is
  written.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, per-owner mutex
  - store/sqlite/sqlite.go: SQLite (single writer)
  - store/postgres/postgres.go: PostgreSQL, advisory lock per owner
*/
package ledger

import "context"

// Store handles persistence of wallets and entries.
type Store interface {
	// GetWallet returns ErrNotFound when the owner has no wallet yet.
	GetWallet(ctx context.Context, owner OwnerID) (*Wallet, error)

	// SaveWallet inserts or replaces the wallet.
	SaveWallet(ctx context.Context, w Wallet) error

	// AppendEntry persists a new entry.
	AppendEntry(ctx context.Context, e Entry) error

	// UpdateEntry transitions an existing entry (status, movement, completion).
	UpdateEntry(ctx context.Context, e Entry) error

	// FindOpenEntry returns the pending deposit for (owner, cause) or ErrNotFound.
	FindOpenEntry(ctx context.Context, owner OwnerID, cause Cause) (*Entry, error)

	// ListEntries returns all entries for owner, oldest first.
	ListEntries(ctx context.Context, owner OwnerID) ([]Entry, error)
}

// TxStore wraps Store with owner-scoped transactions.
type TxStore interface {
	Store

	// WithOwnerTx executes fn within a unit of work serialized per owner.
	// If fn returns error, the unit is rolled back.
	WithOwnerTx(ctx context.Context, owner OwnerID, fn func(Store) error) error

	// ListOwners returns every owner that has a wallet.
	ListOwners(ctx context.Context) ([]OwnerID, error)
}

// BalanceCache caches committed wallet snapshots. A miss returns (nil, nil).
type BalanceCache interface {
	GetWallet(ctx context.Context, owner OwnerID) (*Wallet, error)
	SetWallet(ctx context.Context, w Wallet) error
	Invalidate(ctx context.Context, owner OwnerID) error
}

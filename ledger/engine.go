/*
engine.go - The four atomic ledger primitives

PURPOSE:
  The Engine is the only legitimate writer of wallet balances. Each
  primitive reads the owner's wallet, mutates it, and writes the paired
  ledger entry inside one owner-scoped unit of work. Either both commit or
  neither does.

PRIMITIVES:
  CreditEscrow   payment cleared, service not yet fulfilled
                 escrow += amount, totalEarned += amount, entry pending/deposit
  Maturate       service fulfilled
                 escrow -= amount, jackpot += amount, entry completed/release
  ReverseEscrow  service cancelled
                 escrow -= amount, totalEarned -= amount, entry refunded
  DebitJackpot   payout
                 jackpot -= amount, totalWithdrawn += amount, entry completed

IDEMPOTENCY:
  Maturate and ReverseEscrow locate the specific open entry for a cause and
  transition it once. A duplicate triggering event finds no open entry and
  fails with ErrNotFound instead of moving money twice.

CACHE:
  Balance checks always read the store inside the unit of work. The
  optional BalanceCache only serves Wallet() reads. After every unit that
  may have committed, the owner's snapshot is re-read from the store and
  written back. Every fill is checked against a per-owner generation
  counter; a fill that raced a commit is repaired from the store.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Result is the committed state after a primitive.
type Result struct {
	Wallet Wallet
	Entry  Entry
}

// Engine executes ledger primitives against a TxStore.
type Engine struct {
	Store TxStore
	Cache BalanceCache // optional

	Logger *slog.Logger

	// OpTimeout bounds each unit of work. Zero means the caller's deadline.
	OpTimeout time.Duration

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string

	// cacheGen counts commits per owner stripe.
	cacheGen [cacheStripes]atomic.Uint64
}

const (
	cacheStripes = 64

	// cacheFillAttempts bounds repairs of a racing fill before the
	// snapshot is dropped instead.
	cacheFillAttempts = 3
)

// NewEngine creates an engine with UTC clock and UUID entry IDs.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:  store,
		Logger: slog.Default(),
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}
}

// =============================================================================
// PRIMITIVES
// =============================================================================

// CreditEscrow holds amount in escrow against cause.
func (e *Engine) CreditEscrow(ctx context.Context, owner OwnerID, amount decimal.Decimal, cause Cause, counterparty string) (*Result, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := validateEscrowCause(cause); err != nil {
		return nil, err
	}

	var res *Result
	err := e.RunOwnerTx(ctx, "credit escrow", owner, func(s Store) error {
		w, err := e.getOrCreate(ctx, s, owner)
		if err != nil {
			return err
		}

		now := e.now()
		entry := Entry{
			ID:             EntryID(e.NewID()),
			OwnerID:        owner,
			CounterpartyID: counterparty,
			Cause:          cause,
			Amount:         amount,
			Kind:           cause.EntryKind(),
			Status:         StatusPending,
			Movement:       MovementDeposit,
			CreatedAt:      now,
		}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}

		w.Escrow = w.Escrow.Add(amount)
		w.TotalEarned = w.TotalEarned.Add(amount)
		w.UpdatedAt = now
		if err := e.saveWallet(ctx, s, *w); err != nil {
			return err
		}
		res = &Result{Wallet: *w, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().Info("escrow credited",
		slog.String("owner_id", string(owner)),
		slog.String("cause", cause.String()),
		slog.String("amount", amount.StringFixed(CentPlaces)),
		slog.String("entry_id", string(res.Entry.ID)))
	return res, nil
}

// Maturate moves the open escrow for cause into the jackpot.
func (e *Engine) Maturate(ctx context.Context, owner OwnerID, cause Cause) (*Result, error) {
	var res *Result
	err := e.RunOwnerTx(ctx, "maturate", owner, func(s Store) error {
		entry, w, err := e.openEntryAndWallet(ctx, s, owner, cause)
		if err != nil {
			return err
		}
		if w.Escrow.LessThan(entry.Amount) {
			return &InsufficientFundsError{OwnerID: owner, Bucket: "escrow", Available: w.Escrow, Requested: entry.Amount}
		}

		now := e.now()
		entry.Status = StatusCompleted
		entry.Movement = MovementRelease
		entry.CompletedAt = &now
		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return err
		}

		w.Escrow = w.Escrow.Sub(entry.Amount)
		w.Jackpot = w.Jackpot.Add(entry.Amount)
		w.UpdatedAt = now
		if err := e.saveWallet(ctx, s, *w); err != nil {
			return err
		}
		res = &Result{Wallet: *w, Entry: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().Info("escrow matured",
		slog.String("owner_id", string(owner)),
		slog.String("cause", cause.String()),
		slog.String("amount", res.Entry.Amount.StringFixed(CentPlaces)))
	return res, nil
}

// ReverseEscrow refunds the open escrow for cause. totalEarned decreases as
// if the earning never happened.
func (e *Engine) ReverseEscrow(ctx context.Context, owner OwnerID, cause Cause) (*Result, error) {
	var res *Result
	err := e.RunOwnerTx(ctx, "reverse escrow", owner, func(s Store) error {
		entry, w, err := e.openEntryAndWallet(ctx, s, owner, cause)
		if err != nil {
			return err
		}
		if w.Escrow.LessThan(entry.Amount) {
			return &InsufficientFundsError{OwnerID: owner, Bucket: "escrow", Available: w.Escrow, Requested: entry.Amount}
		}
		if w.TotalEarned.LessThan(entry.Amount) {
			return &InsufficientFundsError{OwnerID: owner, Bucket: "totalEarned", Available: w.TotalEarned, Requested: entry.Amount}
		}

		now := e.now()
		entry.Status = StatusRefunded
		entry.CompletedAt = &now
		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return err
		}

		w.Escrow = w.Escrow.Sub(entry.Amount)
		w.TotalEarned = w.TotalEarned.Sub(entry.Amount)
		w.UpdatedAt = now
		if err := e.saveWallet(ctx, s, *w); err != nil {
			return err
		}
		res = &Result{Wallet: *w, Entry: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().Info("escrow reversed",
		slog.String("owner_id", string(owner)),
		slog.String("cause", cause.String()),
		slog.String("amount", res.Entry.Amount.StringFixed(CentPlaces)))
	return res, nil
}

// DebitJackpot pays amount out of the jackpot. actor is recorded as the
// entry's counterparty; cause optionally links the withdrawal request.
func (e *Engine) DebitJackpot(ctx context.Context, owner OwnerID, amount decimal.Decimal, actor string, cause Cause) (*Result, error) {
	var res *Result
	err := e.RunOwnerTx(ctx, "debit jackpot", owner, func(s Store) error {
		r, err := e.DebitJackpotIn(ctx, s, owner, amount, actor, cause)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DebitJackpotIn performs DebitJackpot inside a unit of work the caller
// already holds for owner.
func (e *Engine) DebitJackpotIn(ctx context.Context, s Store, owner OwnerID, amount decimal.Decimal, actor string, cause Cause) (*Result, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	w, err := s.GetWallet(ctx, owner)
	if err != nil {
		return nil, err
	}
	if w.Jackpot.LessThan(amount) {
		return nil, &InsufficientFundsError{OwnerID: owner, Bucket: "jackpot", Available: w.Jackpot, Requested: amount}
	}

	now := e.now()
	entry := Entry{
		ID:             EntryID(e.NewID()),
		OwnerID:        owner,
		CounterpartyID: actor,
		Cause:          cause,
		Amount:         amount,
		Kind:           KindWithdrawal,
		Status:         StatusCompleted,
		Movement:       MovementRelease,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}

	w.Jackpot = w.Jackpot.Sub(amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	w.UpdatedAt = now
	if err := e.saveWallet(ctx, s, *w); err != nil {
		return nil, err
	}

	e.logger().Info("jackpot debited",
		slog.String("owner_id", string(owner)),
		slog.String("actor", actor),
		slog.String("amount", amount.StringFixed(CentPlaces)),
		slog.String("entry_id", string(entry.ID)))
	return &Result{Wallet: *w, Entry: entry}, nil
}

// =============================================================================
// READS
// =============================================================================

// GetOrCreateWallet returns the owner's wallet, creating an empty one if
// needed. Idempotent.
func (e *Engine) GetOrCreateWallet(ctx context.Context, owner OwnerID) (*Wallet, error) {
	var w *Wallet
	err := e.RunOwnerTx(ctx, "get or create wallet", owner, func(s Store) error {
		var err error
		w, err = e.getOrCreate(ctx, s, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Wallet returns the committed wallet or ErrNotFound.
func (e *Engine) Wallet(ctx context.Context, owner OwnerID) (*Wallet, error) {
	var gen uint64
	if e.Cache != nil {
		w, err := e.Cache.GetWallet(ctx, owner)
		if err != nil {
			e.logger().Warn("balance cache read failed", slog.String("owner_id", string(owner)), slog.String("error", err.Error()))
		} else if w != nil {
			return w, nil
		}
		gen = e.generation(owner).Load()
	}

	w, err := e.Store.GetWallet(ctx, owner)
	if err != nil {
		return nil, Classify("read wallet", err)
	}
	if e.Cache != nil {
		cctx, cancel := e.cacheContext(ctx)
		defer cancel()
		e.fillCache(cctx, owner, gen, w)
	}
	return w, nil
}

// Entries returns the owner's ledger trail, oldest first.
func (e *Engine) Entries(ctx context.Context, owner OwnerID) ([]Entry, error) {
	entries, err := e.Store.ListEntries(ctx, owner)
	if err != nil {
		return nil, Classify("list entries", err)
	}
	return entries, nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// RunOwnerTx runs fn as one atomic unit for owner, bounded by OpTimeout.
// Backend failures are classified into ErrUnavailable and the owner's
// cached balance is refreshed after every attempt that may have committed.
func (e *Engine) RunOwnerTx(ctx context.Context, op string, owner OwnerID, fn func(Store) error) error {
	txCtx := ctx
	if e.OpTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, e.OpTimeout)
		defer cancel()
	}

	err := e.Store.WithOwnerTx(txCtx, owner, fn)
	err = Classify(op, err)
	if err == nil || IsRetryable(err) {
		e.refreshCache(ctx, owner)
	}
	if err == nil {
		return nil
	}
	if !IsDomainError(err) {
		e.logger().Error("ledger unit of work failed",
			slog.String("op", op),
			slog.String("owner_id", string(owner)),
			slog.String("error", err.Error()))
	}
	// UnavailableError already names the operation.
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) getOrCreate(ctx context.Context, s Store, owner OwnerID) (*Wallet, error) {
	w, err := s.GetWallet(ctx, owner)
	if err == nil {
		return w, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	nw := NewWallet(owner, e.now())
	if err := s.SaveWallet(ctx, nw); err != nil {
		return nil, err
	}
	return &nw, nil
}

func (e *Engine) openEntryAndWallet(ctx context.Context, s Store, owner OwnerID, cause Cause) (*Entry, *Wallet, error) {
	entry, err := s.FindOpenEntry(ctx, owner, cause)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, fmt.Errorf("no open escrow entry for %s: %w", cause.String(), ErrNotFound)
		}
		return nil, nil, err
	}
	w, err := s.GetWallet(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	return entry, w, nil
}

// saveWallet refuses to commit a wallet that violates non-negativity.
func (e *Engine) saveWallet(ctx context.Context, s Store, w Wallet) error {
	if !w.IsValid() {
		return fmt.Errorf("refusing to save wallet %s with negative balance: %w", w.OwnerID, ErrInsufficientFunds)
	}
	return s.SaveWallet(ctx, w)
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

func (e *Engine) generation(owner OwnerID) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return &e.cacheGen[h.Sum32()%cacheStripes]
}

// cacheContext detaches cache maintenance from the caller so a cancelled
// request still leaves a correct snapshot behind.
func (e *Engine) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Second
	if e.OpTimeout > 0 {
		timeout = e.OpTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// refreshCache publishes the owner's committed wallet after a unit of work.
func (e *Engine) refreshCache(ctx context.Context, owner OwnerID) {
	if e.Cache == nil {
		return
	}
	gen := e.generation(owner).Add(1)

	cctx, cancel := e.cacheContext(ctx)
	defer cancel()
	w, err := e.Store.GetWallet(cctx, owner)
	if err != nil {
		if !IsNotFound(err) {
			e.logger().Warn("balance cache refresh failed", slog.String("owner_id", string(owner)), slog.String("error", err.Error()))
		}
		e.dropCache(cctx, owner)
		return
	}
	e.fillCache(cctx, owner, gen, w)
}

// fillCache writes w, read from the store while the owner's generation was
// gen. If a commit bumped the generation meanwhile, the write may have
// replaced a fresher snapshot, so the store is read again and re-published.
func (e *Engine) fillCache(ctx context.Context, owner OwnerID, gen uint64, w *Wallet) {
	counter := e.generation(owner)
	for attempt := 0; attempt < cacheFillAttempts; attempt++ {
		if err := e.Cache.SetWallet(ctx, *w); err != nil {
			e.logger().Warn("balance cache write failed", slog.String("owner_id", string(owner)), slog.String("error", err.Error()))
			e.dropCache(ctx, owner)
			return
		}
		current := counter.Load()
		if current == gen {
			return
		}
		gen = current

		fresh, err := e.Store.GetWallet(ctx, owner)
		if err != nil {
			break
		}
		w = fresh
	}
	e.dropCache(ctx, owner)
}

func (e *Engine) dropCache(ctx context.Context, owner OwnerID) {
	if err := e.Cache.Invalidate(ctx, owner); err != nil {
		e.logger().Warn("balance cache invalidation failed", slog.String("owner_id", string(owner)), slog.String("error", err.Error()))
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

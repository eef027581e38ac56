package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/store/sqlite"
	"github.com/warp/star-wallet/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T) (*ledger.Engine, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	var seq atomic.Int64
	engine.NewID = func() string { return fmt.Sprintf("entry-%d", seq.Add(1)) }
	return engine, store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func appointment(ref string) ledger.Cause {
	return ledger.Cause{Kind: ledger.CauseAppointment, Ref: ref}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestSQLite_EngineRoundTrip(t *testing.T) {
	// GIVEN: A SQLite-backed engine
	// WHEN: Crediting, maturing and debiting
	// THEN: Wallet and entries persist with exact decimals and timestamps

	engine, store := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("100.10"), appointment("a1"), "fan-1")
	require.NoError(t, err)
	_, err = engine.Maturate(ctx, "star-1", appointment("a1"))
	require.NoError(t, err)
	_, err = engine.DebitJackpot(ctx, "star-1", dec("0.10"), "admin-1", ledger.Cause{Kind: ledger.CauseWithdrawal, Ref: "wr-1"})
	require.NoError(t, err)

	w, err := store.GetWallet(ctx, "star-1")
	require.NoError(t, err)
	assert.Equal(t, "100", w.Jackpot.String())
	assert.Equal(t, "0.1", w.TotalWithdrawn.String())
	assert.Equal(t, "100.1", w.TotalEarned.String())
	assert.False(t, w.CreatedAt.IsZero())

	entries, err := store.ListEntries(ctx, "star-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.StatusCompleted, entries[0].Status)
	assert.Equal(t, ledger.MovementRelease, entries[0].Movement)
	assert.Equal(t, "fan-1", entries[0].CounterpartyID)
	require.NotNil(t, entries[0].CompletedAt)
	assert.Equal(t, ledger.KindWithdrawal, entries[1].Kind)
	assert.Equal(t, "wr-1", entries[1].Cause.Ref)

	report, err := engine.Reconcile(ctx, "star-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "drift: %v", report.Drift)

	owners, err := store.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.OwnerID{"star-1"}, owners)
}

func TestSQLite_OpenEntryUniqueIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := ledger.Entry{
		ID: "e1", OwnerID: "star-1", Cause: appointment("a1"), Amount: dec("10"),
		Kind: ledger.KindEarning, Status: ledger.StatusPending, Movement: ledger.MovementDeposit,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.AppendEntry(ctx, entry))

	dup := entry
	dup.ID = "e2"
	err := store.AppendEntry(ctx, dup)
	var conflict *ledger.OpenEntryConflictError
	assert.ErrorAs(t, err, &conflict)

	err = store.AppendEntry(ctx, entry)
	assert.ErrorIs(t, err, ledger.ErrConflict, "duplicate id")

	missing := entry
	missing.ID = "nope"
	assert.ErrorIs(t, store.UpdateEntry(ctx, missing), ledger.ErrNotFound)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("10"), appointment("a1"), "")
	require.NoError(t, err)
	_, err = engine.CreditEscrow(ctx, "star-1", dec("10"), appointment("a1"), "")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	w, err := store.GetWallet(ctx, "star-1")
	require.NoError(t, err)
	assert.Equal(t, "10", w.Escrow.String(), "conflicting credit must not change the wallet")
}

func TestSQLite_ApprovalRace(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("50"), appointment("a1"), "")
	require.NoError(t, err)
	_, err = engine.Maturate(ctx, "star-1", appointment("a1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.DebitJackpot(ctx, "star-1", dec("40"), "admin", ledger.Cause{}); err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assert.Equal(t, "10", w.Jackpot.String())
	assert.Equal(t, "40", w.TotalWithdrawn.String())
}

// =============================================================================
// WITHDRAWAL REQUESTS
// =============================================================================

func TestSQLite_WithdrawalWorkflow(t *testing.T) {
	engine, store := newTestEngine(t)
	svc := withdrawal.NewService(engine, store)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("100"), appointment("a1"), "")
	require.NoError(t, err)
	_, err = engine.Maturate(ctx, "star-1", appointment("a1"))
	require.NoError(t, err)

	req, err := svc.Create(ctx, "star-1", withdrawal.RoleStar, dec("30"), "rent")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "star-1", withdrawal.RoleStar, dec("5"), "")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	req, err = svc.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusApproved, req.Status)

	stored, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusApproved, stored.Status)
	assert.Equal(t, "admin-1", stored.DecidedBy)
	require.NotNil(t, stored.DecidedAt)
	assert.Equal(t, "rent", stored.Note)
	assert.Equal(t, "30", stored.Amount.String())
	assert.NotEmpty(t, stored.Metadata[withdrawal.MetaLedgerEntryID])

	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assert.Equal(t, "70", w.Jackpot.String())
}

func TestSQLite_PendingUniqueIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	r1 := withdrawal.Request{ID: "r1", OwnerID: "star-1", Amount: dec("1"), Flow: withdrawal.FlowStar, Status: withdrawal.StatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveRequest(ctx, r1))

	r2 := r1
	r2.ID = "r2"
	assert.ErrorIs(t, store.SaveRequest(ctx, r2), ledger.ErrConflict)

	payout := r1
	payout.ID = "p1"
	payout.Flow = withdrawal.FlowAdmin
	payout.Status = withdrawal.StatusInitiated
	assert.NoError(t, store.SaveRequest(ctx, payout))

	_, err := store.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSQLite_ListRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	for i, owner := range []ledger.OwnerID{"star-1", "star-2", "star-1"} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.SaveRequest(ctx, withdrawal.Request{
			ID: withdrawal.RequestID(fmt.Sprintf("r%d", i+1)), OwnerID: owner, Amount: dec("1"),
			Flow: withdrawal.FlowAdmin, Status: withdrawal.StatusInitiated,
			Metadata: map[string]string{"i": fmt.Sprint(i)}, CreatedAt: at, UpdatedAt: at,
		}))
	}

	all, err := store.ListRequests(ctx, withdrawal.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, withdrawal.RequestID("r3"), all[0].ID)
	assert.Equal(t, "2", all[0].Metadata["i"])

	mine, err := store.ListRequests(ctx, withdrawal.Filter{OwnerID: "star-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, withdrawal.RequestID("r3"), mine[0].ID)

	none, err := store.ListRequests(ctx, withdrawal.Filter{Status: withdrawal.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// COMMISSION CONFIG
// =============================================================================

func TestSQLite_CommissionConfig(t *testing.T) {
	store := newTestStore(t)
	resolver := commission.NewResolver(store)
	ctx := context.Background()

	_, err := store.LoadCommissionConfig(ctx)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = resolver.Update(ctx, "admin-1", func(c *commission.Config) error {
		return c.SetCountryOverride(commission.ServiceLiveShow, "AR", dec("0.08"))
	})
	require.NoError(t, err)

	cfg, err := store.LoadCommissionConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", cfg.UpdatedBy)
	assert.Equal(t, "0.08", cfg.Rate(commission.ServiceLiveShow, "AR").String())
	assert.Equal(t, "0.08", resolver.EffectiveRate(ctx, commission.ServiceLiveShow, "ar").String())
}

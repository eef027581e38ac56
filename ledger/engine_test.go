package ledger_test

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
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := ledger.NewEngine(mem)

	var seq atomic.Int64
	engine.NewID = func() string { return fmt.Sprintf("entry-%d", seq.Add(1)) }
	engine.Now = func() time.Time { return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC) }
	return engine, mem
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func appointment(ref string) ledger.Cause {
	return ledger.Cause{Kind: ledger.CauseAppointment, Ref: ref}
}

func assertMoney(t *testing.T, expected string, actual decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, dec(expected).Equal(actual), "%s: expected %s, got %s", msg, expected, actual.String())
}

// =============================================================================
// CREDIT ESCROW
// =============================================================================

func TestEngine_CreditEscrow_CreatesWalletAndPendingEntry(t *testing.T) {
	// GIVEN: A star with no wallet yet
	// WHEN: A payment clears for an appointment
	// THEN: Escrow and totalEarned grow, entry is pending/deposit

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.CreditEscrow(ctx, "star-1", dec("100.00"), appointment("appt-1"), "fan-1")
	require.NoError(t, err)

	assertMoney(t, "100", res.Wallet.Escrow, "escrow")
	assertMoney(t, "100", res.Wallet.TotalEarned, "totalEarned")
	assertMoney(t, "0", res.Wallet.Jackpot, "jackpot")
	assert.Equal(t, ledger.KindEarning, res.Entry.Kind)
	assert.Equal(t, ledger.StatusPending, res.Entry.Status)
	assert.Equal(t, ledger.MovementDeposit, res.Entry.Movement)
	assert.Equal(t, "fan-1", res.Entry.CounterpartyID)
	assert.Nil(t, res.Entry.CompletedAt)
}

func TestEngine_CreditEscrow_CommissionCauseKind(t *testing.T) {
	engine, _ := newTestEngine(t)

	res, err := engine.CreditEscrow(context.Background(), "star-1", dec("5.00"),
		ledger.Cause{Kind: ledger.CauseCommission, Ref: "ref-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindCommission, res.Entry.Kind)
}

func TestEngine_CreditEscrow_InvalidInput(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		amount  string
		cause   ledger.Cause
		wantErr error
	}{
		{"zero amount", "0", appointment("a"), ledger.ErrInvalidAmount},
		{"negative amount", "-5", appointment("a"), ledger.ErrInvalidAmount},
		{"sub-cent amount", "1.005", appointment("a"), ledger.ErrInvalidAmount},
		{"empty cause ref", "10", ledger.Cause{Kind: ledger.CauseAppointment}, ledger.ErrInvalidCause},
		{"withdrawal cause", "10", ledger.Cause{Kind: ledger.CauseWithdrawal, Ref: "w"}, ledger.ErrInvalidCause},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CreditEscrow(ctx, "star-1", dec(tt.amount), tt.cause, "")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, ledger.IsClientError(err))
		})
	}

	_, err := engine.Wallet(ctx, "star-1")
	assert.True(t, ledger.IsNotFound(err), "rejected credits must not create a wallet")
}

func TestEngine_CreditEscrow_SecondOpenEntryForCause_Conflict(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("10"), appointment("appt-1"), "")
	require.NoError(t, err)

	_, err = engine.CreditEscrow(ctx, "star-1", dec("10"), appointment("appt-1"), "")
	assert.ErrorIs(t, err, ledger.ErrConflict)
	var conflict *ledger.OpenEntryConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, appointment("appt-1"), conflict.Cause)

	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "10", w.Escrow, "failed credit must roll back")
}

// =============================================================================
// MATURATE
// =============================================================================

func TestEngine_Maturate_Conservation(t *testing.T) {
	// GIVEN: 100 credited to escrow
	// WHEN: The appointment completes
	// THEN: Escrow returns to its prior value, jackpot grows by exactly 100

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("40"), appointment("appt-0"), "")
	require.NoError(t, err)
	before, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)

	_, err = engine.CreditEscrow(ctx, "star-1", dec("100"), appointment("appt-1"), "")
	require.NoError(t, err)
	res, err := engine.Maturate(ctx, "star-1", appointment("appt-1"))
	require.NoError(t, err)

	assert.True(t, before.Escrow.Equal(res.Wallet.Escrow))
	assert.True(t, before.Jackpot.Add(dec("100")).Equal(res.Wallet.Jackpot))
	assertMoney(t, "140", res.Wallet.TotalEarned, "totalEarned")
	assert.Equal(t, ledger.StatusCompleted, res.Entry.Status)
	assert.Equal(t, ledger.MovementRelease, res.Entry.Movement)
	require.NotNil(t, res.Entry.CompletedAt)
}

func TestEngine_Maturate_Twice_SecondIsNotFound(t *testing.T) {
	// GIVEN: A matured appointment
	// WHEN: The completion event is delivered again
	// THEN: NotFound, and the jackpot reflects exactly one transfer

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("100"), appointment("appt-1"), "")
	require.NoError(t, err)
	_, err = engine.Maturate(ctx, "star-1", appointment("appt-1"))
	require.NoError(t, err)

	_, err = engine.Maturate(ctx, "star-1", appointment("appt-1"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "100", w.Jackpot, "jackpot")
	assertMoney(t, "0", w.Escrow, "escrow")
}

func TestEngine_Maturate_ConcurrentDuplicates_ExactlyOnce(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("25"), appointment("appt-1"), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Maturate(ctx, "star-1", appointment("appt-1")); err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, ledger.ErrNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "25", w.Jackpot, "jackpot")
}

func TestEngine_Maturate_EscrowShortfall_InsufficientFunds(t *testing.T) {
	// GIVEN: A wallet whose escrow was corrupted below the open entry amount
	// WHEN: Maturating
	// THEN: InsufficientFunds, nothing changes

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("50"), appointment("appt-1"), "")
	require.NoError(t, err)

	w, err := mem.GetWallet(ctx, "star-1")
	require.NoError(t, err)
	w.Escrow = dec("10")
	require.NoError(t, mem.SaveWallet(ctx, *w))

	_, err = engine.Maturate(ctx, "star-1", appointment("appt-1"))
	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, "escrow", ife.Bucket)

	entry, err := mem.FindOpenEntry(ctx, "star-1", appointment("appt-1"))
	require.NoError(t, err, "entry must stay open")
	assert.Equal(t, ledger.StatusPending, entry.Status)
}

// =============================================================================
// REVERSE ESCROW
// =============================================================================

func TestEngine_ReverseEscrow_RefundsAsIfNeverEarned(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("30"), appointment("appt-1"), "")
	require.NoError(t, err)
	_, err = engine.CreditEscrow(ctx, "star-1", dec("20"), appointment("appt-2"), "")
	require.NoError(t, err)

	res, err := engine.ReverseEscrow(ctx, "star-1", appointment("appt-1"))
	require.NoError(t, err)

	assertMoney(t, "20", res.Wallet.Escrow, "escrow")
	assertMoney(t, "20", res.Wallet.TotalEarned, "totalEarned")
	assert.Equal(t, ledger.StatusRefunded, res.Entry.Status)
	require.NotNil(t, res.Entry.CompletedAt)

	_, err = engine.ReverseEscrow(ctx, "star-1", appointment("appt-1"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = engine.Maturate(ctx, "star-1", appointment("appt-1"))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "a refunded cause cannot mature")
}

func TestEngine_ReverseEscrow_ThenCreditSameCauseAgain(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("30"), appointment("appt-1"), "")
	require.NoError(t, err)
	_, err = engine.ReverseEscrow(ctx, "star-1", appointment("appt-1"))
	require.NoError(t, err)

	_, err = engine.CreditEscrow(ctx, "star-1", dec("30"), appointment("appt-1"), "")
	assert.NoError(t, err, "closed entries do not block a new open entry")
}

// =============================================================================
// DEBIT JACKPOT
// =============================================================================

func fundJackpot(t *testing.T, engine *ledger.Engine, owner ledger.OwnerID, amount string) {
	t.Helper()
	ctx := context.Background()
	cause := appointment("fund-" + string(owner) + "-" + amount)
	_, err := engine.CreditEscrow(ctx, owner, dec(amount), cause, "")
	require.NoError(t, err)
	_, err = engine.Maturate(ctx, owner, cause)
	require.NoError(t, err)
}

func TestEngine_DebitJackpot_Success(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	fundJackpot(t, engine, "star-1", "100")

	res, err := engine.DebitJackpot(ctx, "star-1", dec("30"), "admin-1", ledger.Cause{})
	require.NoError(t, err)

	assertMoney(t, "70", res.Wallet.Jackpot, "jackpot")
	assertMoney(t, "30", res.Wallet.TotalWithdrawn, "totalWithdrawn")
	assert.Equal(t, ledger.KindWithdrawal, res.Entry.Kind)
	assert.Equal(t, ledger.StatusCompleted, res.Entry.Status)
	assert.Equal(t, ledger.MovementRelease, res.Entry.Movement)
	assert.Equal(t, "admin-1", res.Entry.CounterpartyID)
}

func TestEngine_DebitJackpot_Errors(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.DebitJackpot(ctx, "ghost", dec("10"), "admin", ledger.Cause{})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	fundJackpot(t, engine, "star-1", "20")

	_, err = engine.DebitJackpot(ctx, "star-1", dec("0"), "admin", ledger.Cause{})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = engine.DebitJackpot(ctx, "star-1", dec("20.01"), "admin", ledger.Cause{})
	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assertMoney(t, "20", ife.Available, "available")
	assertMoney(t, "20.01", ife.Requested, "requested")
}

func TestEngine_DebitJackpot_ApprovalRace(t *testing.T) {
	// GIVEN: jackpot = 50
	// WHEN: Two debits of 40 race
	// THEN: Exactly one succeeds; jackpot = 10, totalWithdrawn = 40

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	fundJackpot(t, engine, "star-1", "50")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.DebitJackpot(ctx, "star-1", dec("40"), "admin", ledger.Cause{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 1, succeeded)

	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "10", w.Jackpot, "jackpot")
	assertMoney(t, "40", w.TotalWithdrawn, "totalWithdrawn")
}

func TestEngine_NonNegativity_UnderConcurrentLoad(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	fundJackpot(t, engine, "star-1", "100")
	fundJackpot(t, engine, "star-2", "100")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, owner := range []ledger.OwnerID{"star-1", "star-2"} {
			wg.Add(1)
			go func(owner ledger.OwnerID) {
				defer wg.Done()
				_, _ = engine.DebitJackpot(ctx, owner, dec("15"), "admin", ledger.Cause{})
			}(owner)
		}
	}
	wg.Wait()

	for _, owner := range []ledger.OwnerID{"star-1", "star-2"} {
		w, err := engine.Wallet(ctx, owner)
		require.NoError(t, err)
		assert.True(t, w.IsValid())
		assertMoney(t, "10", w.Jackpot, string(owner)+" jackpot")
		assertMoney(t, "90", w.TotalWithdrawn, string(owner)+" totalWithdrawn")
	}
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestEngine_RunOwnerTx_DeadlineIsUnavailable(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.CreditEscrow(ctx, "star-1", dec("10"), appointment("a"), "")
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.True(t, ledger.IsRetryable(err))
}

type transientErr struct{}

func (transientErr) Error() string   { return "serialization failure" }
func (transientErr) Transient() bool { return true }

func TestEngine_RunOwnerTx_TransientIsUnavailable(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.RunOwnerTx(context.Background(), "reserve funds", "star-1", func(ledger.Store) error {
		return transientErr{}
	})
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.ErrorIs(t, err, transientErr{})
}

func TestEngine_GetOrCreateWallet_Idempotent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	w1, err := engine.GetOrCreateWallet(ctx, "star-1")
	require.NoError(t, err)
	w2, err := engine.GetOrCreateWallet(ctx, "star-1")
	require.NoError(t, err)

	assert.Equal(t, w1.CreatedAt, w2.CreatedAt)
	assertMoney(t, "0", w2.Jackpot, "jackpot")

	owners, err := engine.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.OwnerID{"star-1"}, owners)
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

type mapCache struct {
	mu      sync.Mutex
	wallets map[ledger.OwnerID]ledger.Wallet
}

func (c *mapCache) GetWallet(_ context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wallets[owner]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (c *mapCache) SetWallet(_ context.Context, w ledger.Wallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallets[w.OwnerID] = w
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, owner ledger.OwnerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wallets, owner)
	return nil
}

func TestEngine_Cache_RefreshedAfterCommit(t *testing.T) {
	engine, _ := newTestEngine(t)
	cache := &mapCache{wallets: map[ledger.OwnerID]ledger.Wallet{}}
	engine.Cache = cache
	ctx := context.Background()

	fundJackpot(t, engine, "star-1", "50")
	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "50", w.Jackpot, "first read")

	_, err = engine.DebitJackpot(ctx, "star-1", dec("20"), "admin", ledger.Cause{})
	require.NoError(t, err)

	cached, _ := cache.GetWallet(ctx, "star-1")
	require.NotNil(t, cached, "commit publishes the new snapshot")
	assertMoney(t, "30", cached.Jackpot, "cached jackpot")

	w, err = engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "30", w.Jackpot, "fresh read")
}

// gatedCache blocks the first SetWallet after arming until released.
type gatedCache struct {
	*mapCache
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (c *gatedCache) SetWallet(ctx context.Context, w ledger.Wallet) error {
	if c.armed.CompareAndSwap(true, false) {
		close(c.reached)
		<-c.release
	}
	return c.mapCache.SetWallet(ctx, w)
}

func TestEngine_Cache_StaleFillAfterCommitIsRepaired(t *testing.T) {
	// GIVEN: A reader has loaded the wallet and is about to fill the cache
	// WHEN: A debit commits before the reader's fill lands
	// THEN: The cache ends up holding the debited balance, not the old one

	engine, _ := newTestEngine(t)
	cache := &gatedCache{
		mapCache: &mapCache{wallets: map[ledger.OwnerID]ledger.Wallet{}},
		reached:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	engine.Cache = cache
	ctx := context.Background()

	fundJackpot(t, engine, "star-1", "100")
	require.NoError(t, cache.Invalidate(ctx, "star-1"))

	cache.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w, err := engine.Wallet(ctx, "star-1")
		assert.NoError(t, err)
		assertMoney(t, "100", w.Jackpot, "reader saw the pre-debit wallet")
	}()

	<-cache.reached
	_, err := engine.DebitJackpot(ctx, "star-1", dec("40"), "admin", ledger.Cause{})
	require.NoError(t, err)
	close(cache.release)
	<-done

	cached, _ := cache.GetWallet(ctx, "star-1")
	require.NotNil(t, cached)
	assertMoney(t, "60", cached.Jackpot, "cached jackpot")

	w, err := engine.Wallet(ctx, "star-1")
	require.NoError(t, err)
	assertMoney(t, "60", w.Jackpot, "served jackpot")
}

func TestEngine_UnavailableError_NamesOperationOnce(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.RunOwnerTx(context.Background(), "approve withdrawal", "star-1", func(ledger.Store) error {
		return transientErr{}
	})
	require.Error(t, err)
	assert.Equal(t, "approve withdrawal: store unavailable: serialization failure", err.Error())
}

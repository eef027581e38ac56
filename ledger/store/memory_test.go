package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/ledger/store"
	"github.com/warp/star-wallet/withdrawal"
)

var now = time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)

func openEntry(id, ref string) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		OwnerID:   "star-1",
		Cause:     ledger.Cause{Kind: ledger.CauseAppointment, Ref: ref},
		Amount:    decimal.NewFromInt(10),
		Kind:      ledger.KindEarning,
		Status:    ledger.StatusPending,
		Movement:  ledger.MovementDeposit,
		CreatedAt: now,
	}
}

func TestMemory_WithOwnerTx_RollbackDiscardsEverything(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithOwnerTx(ctx, "star-1", func(s ledger.Store) error {
		require.NoError(t, s.SaveWallet(ctx, ledger.NewWallet("star-1", now)))
		require.NoError(t, s.AppendEntry(ctx, openEntry("e1", "a1")))
		require.NoError(t, s.(withdrawal.RequestStore).SaveRequest(ctx, withdrawal.Request{ID: "r1", OwnerID: "star-1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetWallet(ctx, "star-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	entries, err := m.ListEntries(ctx, "star-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = m.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_WithOwnerTx_StagedWritesInvisibleUntilCommit(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.WithOwnerTx(ctx, "star-1", func(s ledger.Store) error {
		require.NoError(t, s.AppendEntry(ctx, openEntry("e1", "a1")))

		inView, err := s.FindOpenEntry(ctx, "star-1", ledger.Cause{Kind: ledger.CauseAppointment, Ref: "a1"})
		require.NoError(t, err)
		assert.Equal(t, ledger.EntryID("e1"), inView.ID)

		committed, err := m.ListEntries(ctx, "star-1")
		require.NoError(t, err)
		assert.Empty(t, committed, "outside readers must not see staged writes")
		return nil
	})
	require.NoError(t, err)

	committed, err := m.ListEntries(ctx, "star-1")
	require.NoError(t, err)
	assert.Len(t, committed, 1)
}

func TestMemory_OpenEntryUniqueness(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendEntry(ctx, openEntry("e1", "a1")))
	err := m.AppendEntry(ctx, openEntry("e2", "a1"))
	assert.ErrorIs(t, err, ledger.ErrConflict)

	closed := openEntry("e1", "a1")
	closed.Status = ledger.StatusCompleted
	closed.Movement = ledger.MovementRelease
	require.NoError(t, m.UpdateEntry(ctx, closed))

	assert.NoError(t, m.AppendEntry(ctx, openEntry("e2", "a1")))
	assert.ErrorIs(t, m.AppendEntry(ctx, openEntry("e2", "a9")), ledger.ErrConflict, "duplicate id")
}

func TestMemory_SinglePendingStarRequest(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	pending := withdrawal.Request{ID: "r1", OwnerID: "star-1", Flow: withdrawal.FlowStar, Status: withdrawal.StatusPending, CreatedAt: now}
	require.NoError(t, m.SaveRequest(ctx, pending))

	second := pending
	second.ID = "r2"
	assert.ErrorIs(t, m.SaveRequest(ctx, second), ledger.ErrConflict)

	pending.Status = withdrawal.StatusRejected
	require.NoError(t, m.SaveRequest(ctx, pending))
	assert.NoError(t, m.SaveRequest(ctx, second))

	found, err := m.FindPending(ctx, "star-1")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.RequestID("r2"), found.ID)
}

func TestMemory_RequestsAreCopied(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	r := withdrawal.Request{ID: "r1", OwnerID: "star-1", Metadata: map[string]string{"k": "v"}}
	require.NoError(t, m.SaveRequest(ctx, r))
	r.Metadata["k"] = "mutated"

	got, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestMemory_DifferentOwnersDoNotBlock(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.WithOwnerTx(ctx, "star-1", func(ledger.Store) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan error, 1)
	go func() {
		done <- m.WithOwnerTx(ctx, "star-2", func(s ledger.Store) error {
			return s.SaveWallet(ctx, ledger.NewWallet("star-2", now))
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unit for star-2 blocked behind star-1")
	}
	close(release)
	wg.Wait()
}

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-wallet/ledger"
)

func TestWalletEncoding_KeepsExactDecimals(t *testing.T) {
	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	w := ledger.Wallet{
		OwnerID:        "star-1",
		Escrow:         decimal.RequireFromString("0.10"),
		Jackpot:        decimal.RequireFromString("1234567.89"),
		TotalEarned:    decimal.RequireFromString("1234567.99"),
		TotalWithdrawn: decimal.Zero,
		CreatedAt:      at,
		UpdatedAt:      at,
	}

	data, err := encodeWallet(w)
	require.NoError(t, err)
	got, err := decodeWallet(data)
	require.NoError(t, err)

	assert.True(t, got.Jackpot.Equal(w.Jackpot))
	assert.True(t, got.Escrow.Equal(w.Escrow))
	assert.True(t, got.TotalEarned.Equal(w.TotalEarned))
	assert.Equal(t, at, got.UpdatedAt)
}

func TestSnapshotVersion_OrdersLikeTime(t *testing.T) {
	earlier := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Microsecond)

	assert.Less(t, snapshotVersion(earlier), snapshotVersion(later))
	assert.Less(t, snapshotVersion(time.Time{}), snapshotVersion(earlier))
	assert.Len(t, snapshotVersion(earlier), 20)
}

func TestWalletEncoding_RejectsGarbage(t *testing.T) {
	_, err := decodeWallet([]byte("not json"))
	assert.Error(t, err)
	_, err = decodeWallet([]byte(`{"jackpot":"1"}`))
	assert.Error(t, err)
}

// Requires a reachable Redis; set REDIS_TEST_ADDR to run.
func TestRedis_ReadThroughEngine(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client := NewRedisClient(RedisConfig{Addr: addr, DB: 15})
	t.Cleanup(func() { client.Close() })
	c := NewRedis(client, time.Minute)
	require.NoError(t, c.Ping(ctx))

	owner := ledger.OwnerID("cache-test-" + time.Now().Format("150405.000000000"))
	t.Cleanup(func() { _ = c.Invalidate(ctx, owner) })

	miss, err := c.GetWallet(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, miss)

	w := ledger.NewWallet(owner, time.Now().UTC())
	w.Jackpot = decimal.RequireFromString("42.50")
	require.NoError(t, c.SetWallet(ctx, w))

	hit, err := c.GetWallet(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "42.5", hit.Jackpot.String())

	older := w
	older.Jackpot = decimal.RequireFromString("99")
	older.UpdatedAt = w.UpdatedAt.Add(-time.Second)
	require.NoError(t, c.SetWallet(ctx, older))
	hit, err = c.GetWallet(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "42.5", hit.Jackpot.String(), "older snapshot must not replace a newer one")

	require.NoError(t, c.Invalidate(ctx, owner))
	miss, err = c.GetWallet(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

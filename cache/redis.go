// Package cache holds read-side caches for committed wallet snapshots.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/ledger"
)

// DefaultTTL bounds how long a snapshot may be served after a missed invalidation.
const DefaultTTL = 5 * time.Minute

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Redis implements ledger.BalanceCache.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: "wallet:snapshot:", ttl: ttl}
}

func (c *Redis) key(owner ledger.OwnerID) string {
	return c.prefix + string(owner)
}

// Snapshots live in a hash: "v" is the fixed-width UpdatedAt version and
// "data" the JSON wallet. setIfNotOlder refuses a snapshot older than the
// cached one, so a slow reader on another instance cannot roll a wallet back.
var setIfNotOlder = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and cur > ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// GetWallet returns (nil, nil) on a miss.
func (c *Redis) GetWallet(ctx context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	val, err := c.client.HGet(ctx, c.key(owner), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", owner, err)
	}
	w, err := decodeWallet(val)
	if err != nil {
		// Unreadable snapshots are dropped and treated as a miss.
		_ = c.client.Del(ctx, c.key(owner)).Err()
		return nil, nil
	}
	return w, nil
}

func (c *Redis) SetWallet(ctx context.Context, w ledger.Wallet) error {
	data, err := encodeWallet(w)
	if err != nil {
		return err
	}
	args := []any{snapshotVersion(w.UpdatedAt), data, c.ttl.Milliseconds()}
	if err := setIfNotOlder.Run(ctx, c.client, []string{c.key(w.OwnerID)}, args...).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", w.OwnerID, err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, owner ledger.OwnerID) error {
	if err := c.client.Del(ctx, c.key(owner)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", owner, err)
	}
	return nil
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// ENCODING
// =============================================================================

type walletSnapshot struct {
	OwnerID        string          `json:"owner_id"`
	Escrow         decimal.Decimal `json:"escrow"`
	Jackpot        decimal.Decimal `json:"jackpot"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func encodeWallet(w ledger.Wallet) ([]byte, error) {
	return json.Marshal(walletSnapshot{
		OwnerID:        string(w.OwnerID),
		Escrow:         w.Escrow,
		Jackpot:        w.Jackpot,
		TotalEarned:    w.TotalEarned,
		TotalWithdrawn: w.TotalWithdrawn,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	})
}

// snapshotVersion renders t so that string order matches time order.
func snapshotVersion(t time.Time) string {
	if t.IsZero() {
		return fmt.Sprintf("%020d", 0)
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

func decodeWallet(data []byte) (*ledger.Wallet, error) {
	var s walletSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.OwnerID == "" {
		return nil, errors.New("snapshot without owner")
	}
	return &ledger.Wallet{
		OwnerID:        ledger.OwnerID(s.OwnerID),
		Escrow:         s.Escrow,
		Jackpot:        s.Jackpot,
		TotalEarned:    s.TotalEarned,
		TotalWithdrawn: s.TotalWithdrawn,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}, nil
}

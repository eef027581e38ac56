package commission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/ledger"
)

// Resolver gives access to the persisted commission configuration.
type Resolver struct {
	Store ConfigStore

	// Fallback is returned by EffectiveRate when the store cannot be read.
	Fallback decimal.Decimal

	Logger *slog.Logger
	Now    func() time.Time

	mu sync.Mutex // serializes Update
}

// NewResolver creates a resolver failing closed to DefaultGlobalRate.
func NewResolver(store ConfigStore) *Resolver {
	return &Resolver{
		Store:    store,
		Fallback: DefaultGlobalRate,
		Logger:   slog.Default(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Quote is a rate resolution plus the split it implies.
type Quote struct {
	Service  ServiceType
	Country  string
	Split    Split
	Fallback bool // rate came from Fallback, not the stored config
}

// Config returns the stored configuration, persisting the default on first
// access.
func (r *Resolver) Config(ctx context.Context) (*Config, error) {
	cfg, err := r.Store.LoadCommissionConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !ledger.IsNotFound(err) {
		return nil, fmt.Errorf("load commission config: %w", err)
	}

	def := DefaultConfig()
	def.UpdatedAt = r.now()
	def.UpdatedBy = "system"
	if err := r.Store.SaveCommissionConfig(ctx, def); err != nil {
		return nil, fmt.Errorf("save default commission config: %w", err)
	}
	return &def, nil
}

// Update applies fn to a copy of the current configuration and persists the
// result if it validates.
func (r *Resolver) Update(ctx context.Context, actor string, fn func(*Config) error) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Config(ctx)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now()
	next.UpdatedBy = actor
	if err := r.Store.SaveCommissionConfig(ctx, next); err != nil {
		return nil, fmt.Errorf("save commission config: %w", err)
	}

	r.logger().Info("commission config updated", slog.String("actor", actor))
	return &next, nil
}

// EffectiveRate resolves the rate for service and country. It never fails:
// when the configuration cannot be read it returns Fallback.
func (r *Resolver) EffectiveRate(ctx context.Context, service ServiceType, country string) decimal.Decimal {
	rate, _ := r.resolve(ctx, service, country)
	return rate
}

// Quote resolves the rate and applies it to amount.
func (r *Resolver) Quote(ctx context.Context, amount decimal.Decimal, service ServiceType, country string) (*Quote, error) {
	if !service.Valid() {
		return nil, fmt.Errorf("%q: %w", service, ErrUnknownService)
	}
	rate, fallback := r.resolve(ctx, service, country)
	split, err := Apply(amount, rate)
	if err != nil {
		return nil, err
	}
	return &Quote{Service: service, Country: country, Split: split, Fallback: fallback}, nil
}

func (r *Resolver) resolve(ctx context.Context, service ServiceType, country string) (decimal.Decimal, bool) {
	cfg, err := r.Config(ctx)
	if err != nil {
		r.logger().Warn("commission config unavailable, using fallback rate",
			slog.String("service", string(service)),
			slog.String("fallback", r.Fallback.String()),
			slog.String("error", err.Error()))
		return r.Fallback, true
	}
	return cfg.Rate(service, country), false
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

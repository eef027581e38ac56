// Package store provides an in-memory implementation of every store
// contract. It backs tests and the "memory" store driver.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/withdrawal"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements ledger.TxStore, withdrawal.RequestStore and
// commission.ConfigStore.
type Memory struct {
	mu       sync.RWMutex
	wallets  map[ledger.OwnerID]ledger.Wallet
	entries  map[ledger.OwnerID][]ledger.Entry
	requests map[withdrawal.RequestID]withdrawal.Request
	config   *commission.Config

	locksMu    sync.Mutex
	ownerLocks map[ledger.OwnerID]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		wallets:    make(map[ledger.OwnerID]ledger.Wallet),
		entries:    make(map[ledger.OwnerID][]ledger.Entry),
		requests:   make(map[withdrawal.RequestID]withdrawal.Request),
		ownerLocks: make(map[ledger.OwnerID]*sync.Mutex),
	}
}

func (m *Memory) GetWallet(_ context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.walletLocked(owner)
}

func (m *Memory) SaveWallet(_ context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.OwnerID] = w
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkAppend(m.entries[e.OwnerID], e); err != nil {
		return err
	}
	m.entries[e.OwnerID] = append(m.entries[e.OwnerID], e)
	return nil
}

func (m *Memory) UpdateEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[e.OwnerID]
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i] = e
			return nil
		}
	}
	return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrNotFound)
}

func (m *Memory) FindOpenEntry(_ context.Context, owner ledger.OwnerID, cause ledger.Cause) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findOpen(m.entries[owner], cause)
}

func (m *Memory) ListEntries(_ context.Context, owner ledger.OwnerID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Entry{}, m.entries[owner]...), nil
}

func (m *Memory) ListOwners(_ context.Context) ([]ledger.OwnerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]ledger.OwnerID, 0, len(m.wallets))
	for owner := range m.wallets {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners, nil
}

func (m *Memory) SaveRequest(_ context.Context, r withdrawal.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkPending(m.requestsLocked(nil), r); err != nil {
		return err
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal request %s: %w", id, ledger.ErrNotFound)
	}
	c := r.Clone()
	return &c, nil
}

func (m *Memory) FindPending(_ context.Context, owner ledger.OwnerID) (*withdrawal.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findPending(m.requestsLocked(nil), owner)
}

func (m *Memory) ListRequests(_ context.Context, f withdrawal.Filter) ([]withdrawal.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listRequests(m.requestsLocked(nil), f), nil
}

func (m *Memory) LoadCommissionConfig(_ context.Context) (*commission.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil, fmt.Errorf("commission config: %w", ledger.ErrNotFound)
	}
	c := m.config.Clone()
	return &c, nil
}

func (m *Memory) SaveCommissionConfig(_ context.Context, cfg commission.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cfg.Clone()
	m.config = &c
	return nil
}

func (m *Memory) walletLocked(owner ledger.OwnerID) (*ledger.Wallet, error) {
	w, ok := m.wallets[owner]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", owner, ledger.ErrNotFound)
	}
	return &w, nil
}

// requestsLocked returns committed requests overlaid with staged ones.
func (m *Memory) requestsLocked(staged map[withdrawal.RequestID]withdrawal.Request) map[withdrawal.RequestID]withdrawal.Request {
	if len(staged) == 0 {
		return m.requests
	}
	merged := make(map[withdrawal.RequestID]withdrawal.Request, len(m.requests)+len(staged))
	for id, r := range m.requests {
		merged[id] = r
	}
	for id, r := range staged {
		merged[id] = r
	}
	return merged
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithOwnerTx runs fn holding owner's lock. Writes are staged in a view and
// applied under the store lock only if fn returns nil, so readers never
// observe a partial unit.
func (m *Memory) WithOwnerTx(ctx context.Context, owner ledger.OwnerID, fn func(ledger.Store) error) error {
	lock := m.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	view := &txView{
		parent:   m,
		wallets:  make(map[ledger.OwnerID]ledger.Wallet),
		updated:  make(map[ledger.EntryID]ledger.Entry),
		requests: make(map[withdrawal.RequestID]withdrawal.Request),
	}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) ownerLock(owner ledger.OwnerID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.ownerLocks[owner]
	if !ok {
		l = &sync.Mutex{}
		m.ownerLocks[owner] = l
	}
	return l
}

func (m *Memory) commit(v *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check constraints against writes committed outside this owner's
	// lock (plain Store calls) before applying anything.
	for _, e := range v.appended {
		if err := checkAppend(m.entries[e.OwnerID], e); err != nil {
			return err
		}
	}
	all := m.requestsLocked(v.requests)
	for _, r := range v.requests {
		if err := checkPending(all, r); err != nil {
			return err
		}
	}

	for owner, w := range v.wallets {
		m.wallets[owner] = w
	}
	for _, e := range v.updatedOrder {
		entries := m.entries[e.OwnerID]
		for i := range entries {
			if entries[i].ID == e.ID {
				entries[i] = v.updated[e.ID]
			}
		}
	}
	for _, e := range v.appended {
		m.entries[e.OwnerID] = append(m.entries[e.OwnerID], e)
	}
	for id, r := range v.requests {
		m.requests[id] = r
	}
	if v.config != nil {
		m.config = v.config
	}
	return nil
}

// txView is the Store passed to a unit of work. Reads see committed state
// overlaid with the unit's own staged writes.
type txView struct {
	parent *Memory

	wallets      map[ledger.OwnerID]ledger.Wallet
	appended     []ledger.Entry
	updated      map[ledger.EntryID]ledger.Entry
	updatedOrder []ledger.Entry
	requests     map[withdrawal.RequestID]withdrawal.Request
	config       *commission.Config
}

func (v *txView) GetWallet(_ context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	if w, ok := v.wallets[owner]; ok {
		return &w, nil
	}
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return v.parent.walletLocked(owner)
}

func (v *txView) SaveWallet(_ context.Context, w ledger.Wallet) error {
	v.wallets[w.OwnerID] = w
	return nil
}

func (v *txView) AppendEntry(ctx context.Context, e ledger.Entry) error {
	entries, _ := v.ListEntries(ctx, e.OwnerID)
	if err := checkAppend(entries, e); err != nil {
		return err
	}
	v.appended = append(v.appended, e)
	return nil
}

func (v *txView) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	for i := range v.appended {
		if v.appended[i].ID == e.ID {
			v.appended[i] = e
			return nil
		}
	}

	v.parent.mu.RLock()
	found := false
	for _, existing := range v.parent.entries[e.OwnerID] {
		if existing.ID == e.ID {
			found = true
			break
		}
	}
	v.parent.mu.RUnlock()
	if !found {
		return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrNotFound)
	}

	if _, staged := v.updated[e.ID]; !staged {
		v.updatedOrder = append(v.updatedOrder, e)
	}
	v.updated[e.ID] = e
	return nil
}

func (v *txView) FindOpenEntry(ctx context.Context, owner ledger.OwnerID, cause ledger.Cause) (*ledger.Entry, error) {
	entries, _ := v.ListEntries(ctx, owner)
	return findOpen(entries, cause)
}

func (v *txView) ListEntries(_ context.Context, owner ledger.OwnerID) ([]ledger.Entry, error) {
	v.parent.mu.RLock()
	committed := v.parent.entries[owner]
	out := make([]ledger.Entry, 0, len(committed)+len(v.appended))
	for _, e := range committed {
		if u, ok := v.updated[e.ID]; ok {
			e = u
		}
		out = append(out, e)
	}
	v.parent.mu.RUnlock()

	for _, e := range v.appended {
		if e.OwnerID == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *txView) SaveRequest(_ context.Context, r withdrawal.Request) error {
	v.parent.mu.RLock()
	all := v.parent.requestsLocked(v.requests)
	err := checkPending(all, r)
	v.parent.mu.RUnlock()
	if err != nil {
		return err
	}
	v.requests[r.ID] = r.Clone()
	return nil
}

func (v *txView) GetRequest(_ context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	if r, ok := v.requests[id]; ok {
		c := r.Clone()
		return &c, nil
	}
	return v.parent.GetRequest(context.Background(), id)
}

func (v *txView) FindPending(_ context.Context, owner ledger.OwnerID) (*withdrawal.Request, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return findPending(v.parent.requestsLocked(v.requests), owner)
}

func (v *txView) ListRequests(_ context.Context, f withdrawal.Filter) ([]withdrawal.Request, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return listRequests(v.parent.requestsLocked(v.requests), f), nil
}

func (v *txView) LoadCommissionConfig(ctx context.Context) (*commission.Config, error) {
	if v.config != nil {
		c := v.config.Clone()
		return &c, nil
	}
	return v.parent.LoadCommissionConfig(ctx)
}

func (v *txView) SaveCommissionConfig(_ context.Context, cfg commission.Config) error {
	c := cfg.Clone()
	v.config = &c
	return nil
}

// =============================================================================
// SHARED CHECKS
// =============================================================================

func checkAppend(existing []ledger.Entry, e ledger.Entry) error {
	for _, cur := range existing {
		if cur.ID == e.ID {
			return fmt.Errorf("entry %s already exists: %w", e.ID, ledger.ErrConflict)
		}
		if e.IsOpen() && cur.IsOpen() && cur.Cause == e.Cause {
			return &ledger.OpenEntryConflictError{OwnerID: e.OwnerID, Cause: e.Cause}
		}
	}
	return nil
}

func findOpen(entries []ledger.Entry, cause ledger.Cause) (*ledger.Entry, error) {
	for _, e := range entries {
		if e.IsOpen() && e.Cause == cause {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("open entry for %s: %w", cause.String(), ledger.ErrNotFound)
}

func checkPending(all map[withdrawal.RequestID]withdrawal.Request, r withdrawal.Request) error {
	if r.Flow != withdrawal.FlowStar || r.Status != withdrawal.StatusPending {
		return nil
	}
	for id, cur := range all {
		if id != r.ID && cur.OwnerID == r.OwnerID && cur.Flow == withdrawal.FlowStar && cur.Status == withdrawal.StatusPending {
			return fmt.Errorf("owner %s already has pending request %s: %w", r.OwnerID, id, ledger.ErrConflict)
		}
	}
	return nil
}

func findPending(all map[withdrawal.RequestID]withdrawal.Request, owner ledger.OwnerID) (*withdrawal.Request, error) {
	for _, r := range all {
		if r.OwnerID == owner && r.Flow == withdrawal.FlowStar && r.Status == withdrawal.StatusPending {
			c := r.Clone()
			return &c, nil
		}
	}
	return nil, fmt.Errorf("pending request for %s: %w", owner, ledger.ErrNotFound)
}

func listRequests(all map[withdrawal.RequestID]withdrawal.Request, f withdrawal.Filter) []withdrawal.Request {
	out := make([]withdrawal.Request, 0)
	for _, r := range all {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

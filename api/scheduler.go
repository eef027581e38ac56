/*
scheduler.go - Automated wallet reconciliation scheduler

PURPOSE:
  Periodically replays every wallet's entry trail and compares it with the
  stored balances. Drift is logged and recorded; nothing is corrected
  automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Visits every owner returned by the engine, one unit of work each
  - Keeps the most recent runs in memory for the admin API

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/reconcile.go: ReplayEntries and Engine.Reconcile
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/star-wallet/ledger"
)

// maxRuns bounds the in-memory run history.
const maxRuns = 20

// ReconciliationRun summarizes one pass over all wallets.
type ReconciliationRun struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Checked     int        `json:"checked"`
	Drifted     []string   `json:"drifted"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReconciliationScheduler handles periodic wallet reconciliation.
type ReconciliationScheduler struct {
	Ledger        *ledger.Engine
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu  sync.Mutex
	runs    []ReconciliationRun
	nextRun time.Time
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *ledger.Engine, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Ledger:        engine,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("Reconciliation scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.setNextRun(time.Now().Add(rs.CheckInterval))
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("Reconciliation scheduler started", slog.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.setNextRun(time.Time{})
		rs.Logger.Info("Reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case tick := <-rs.ticker.C:
			rs.setNextRun(tick.Add(rs.CheckInterval))
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow reconciles every wallet once and records the run.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconciliationRun {
	run := ReconciliationRun{
		ID:        uuid.NewString(),
		Status:    "running",
		Drifted:   []string{},
		StartedAt: time.Now().UTC(),
	}

	owners, err := rs.Ledger.Owners(ctx)
	if err != nil {
		rs.Logger.Error("Reconciliation failed to list owners", slog.String("error", err.Error()))
		run.Status = "failed"
		run.Error = err.Error()
		return rs.finish(run)
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			run.Status = "cancelled"
			run.Error = ctx.Err().Error()
			return rs.finish(run)
		}
		report, err := rs.Ledger.Reconcile(ctx, owner)
		if err != nil {
			run.Failed++
			rs.Logger.Error("Reconciliation failed for owner",
				slog.String("owner_id", string(owner)),
				slog.String("error", err.Error()))
			continue
		}
		run.Checked++
		if !report.Consistent() {
			run.Drifted = append(run.Drifted, string(owner))
		}
	}

	run.Status = "completed"
	if len(run.Drifted) > 0 || run.Failed > 0 {
		rs.Logger.Warn("Reconciliation completed with findings",
			slog.Int("checked", run.Checked),
			slog.Int("drifted", len(run.Drifted)),
			slog.Int("failed", run.Failed))
	} else {
		rs.Logger.Info("Reconciliation completed", slog.Int("checked", run.Checked))
	}
	return rs.finish(run)
}

// Runs returns the recorded runs, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()

	out := make([]ReconciliationRun, len(rs.runs))
	for i, run := range rs.runs {
		out[len(rs.runs)-1-i] = run
	}
	return out
}

// NextRunTime returns when the next scheduled pass will start. ok is false
// while the scheduler is not running.
func (rs *ReconciliationScheduler) NextRunTime() (next time.Time, ok bool) {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	return rs.nextRun, !rs.nextRun.IsZero()
}

func (rs *ReconciliationScheduler) setNextRun(t time.Time) {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	rs.nextRun = t.UTC()
}

func (rs *ReconciliationScheduler) finish(run ReconciliationRun) ReconciliationRun {
	done := time.Now().UTC()
	run.CompletedAt = &done

	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > maxRuns {
		rs.runs = rs.runs[len(rs.runs)-maxRuns:]
	}
	return run
}

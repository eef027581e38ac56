package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Report compares a wallet against the balances implied by its entries.
type Report struct {
	OwnerID  OwnerID
	Actual   Wallet
	Expected Balances
	Drift    []Drift
}

// Balances holds the four money buckets.
type Balances struct {
	Escrow         decimal.Decimal
	Jackpot        decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalWithdrawn decimal.Decimal
}

// Drift is one bucket whose stored value disagrees with the entry trail.
type Drift struct {
	Bucket   string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (r Report) Consistent() bool { return len(r.Drift) == 0 }

// ReplayEntries derives the wallet balances from an entry trail.
//
//	escrow         = Σ pending deposits
//	jackpot        = Σ completed earning/commission releases − Σ completed withdrawals
//	totalEarned    = Σ pending deposits + Σ matured releases
//	totalWithdrawn = Σ completed withdrawals
func ReplayEntries(entries []Entry) Balances {
	b := Balances{
		Escrow:         decimal.Zero,
		Jackpot:        decimal.Zero,
		TotalEarned:    decimal.Zero,
		TotalWithdrawn: decimal.Zero,
	}
	for _, e := range entries {
		switch {
		case e.IsOpen():
			b.Escrow = b.Escrow.Add(e.Amount)
			b.TotalEarned = b.TotalEarned.Add(e.Amount)
		case e.Status != StatusCompleted:
			// refunded and cancelled entries never happened
		case e.Kind == KindWithdrawal:
			b.Jackpot = b.Jackpot.Sub(e.Amount)
			b.TotalWithdrawn = b.TotalWithdrawn.Add(e.Amount)
		case e.Movement == MovementRelease:
			b.Jackpot = b.Jackpot.Add(e.Amount)
			b.TotalEarned = b.TotalEarned.Add(e.Amount)
		}
	}
	return b
}

// Reconcile replays the owner's entries inside one unit of work and reports
// any bucket that drifted from the stored wallet.
func (e *Engine) Reconcile(ctx context.Context, owner OwnerID) (*Report, error) {
	var report *Report
	err := e.RunOwnerTx(ctx, "reconcile", owner, func(s Store) error {
		w, err := s.GetWallet(ctx, owner)
		if err != nil {
			return err
		}
		entries, err := s.ListEntries(ctx, owner)
		if err != nil {
			return err
		}
		report = buildReport(*w, ReplayEntries(entries))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.Consistent() {
		e.logger().Warn("wallet drift detected",
			"owner_id", string(owner),
			"buckets", fmt.Sprint(report.Drift))
	}
	return report, nil
}

// Owners lists every owner holding a wallet.
func (e *Engine) Owners(ctx context.Context) ([]OwnerID, error) {
	owners, err := e.Store.ListOwners(ctx)
	if err != nil {
		return nil, Classify("list owners", err)
	}
	return owners, nil
}

func buildReport(w Wallet, expected Balances) *Report {
	r := &Report{OwnerID: w.OwnerID, Actual: w, Expected: expected}
	check := func(bucket string, exp, act decimal.Decimal) {
		if !exp.Equal(act) {
			r.Drift = append(r.Drift, Drift{Bucket: bucket, Expected: exp, Actual: act})
		}
	}
	check("escrow", expected.Escrow, w.Escrow)
	check("jackpot", expected.Jackpot, w.Jackpot)
	check("totalEarned", expected.TotalEarned, w.TotalEarned)
	check("totalWithdrawn", expected.TotalWithdrawn, w.TotalWithdrawn)
	return r
}

/*
Package ledger provides the star wallet transaction engine.

PURPOSE:
  Moves money between the balance buckets of a star's wallet and keeps an
  auditable trail of every movement. The Engine is the only legitimate
  writer of wallet balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: four non-negative balances per earning user
  - Entry: a ledger record linked to the event that caused it
  - Cause: the appointment, dedication or withdrawal behind an entry
  - Money helpers: 2-digit cent precision on decimal.Decimal

BALANCE BUCKETS:
  escrow          funds held for paid but unfulfilled work
  jackpot         matured funds, eligible for withdrawal
  totalEarned     lifetime sum moved into escrow (net of refunds)
  totalWithdrawn  lifetime sum paid out

  creditEscrow ──▶ escrow ──maturate──▶ jackpot ──debitJackpot──▶ paid out
                     │
                     └──reverseEscrow──▶ refunded (never happened)

SEE ALSO:
  - engine.go: the four atomic primitives
  - store.go: persistence contracts
  - reconcile.go: entry trail vs wallet balances
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - decimal amounts with cent precision
// =============================================================================

// CentPlaces is the number of decimal places every amount carries.
const CentPlaces = 2

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentPlaces)
}

// ValidateAmount reports ErrInvalidAmount unless amount is positive and has
// no more than two decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &AmountError{Amount: amount, Reason: "amount must be greater than zero"}
	}
	if !amount.Equal(Round2(amount)) {
		return &AmountError{Amount: amount, Reason: "amount must have at most 2 decimal places"}
	}
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type EntryID string

// =============================================================================
// CAUSE - the external entity that justifies an entry
// =============================================================================

type CauseKind string

const (
	CauseAppointment CauseKind = "appointment"
	CauseDedication  CauseKind = "dedication"
	CauseCommission  CauseKind = "commission"
	CauseWithdrawal  CauseKind = "withdrawal"
)

// Cause references the appointment, dedication or withdrawal request behind
// a ledger entry. Refs are opaque.
type Cause struct {
	Kind CauseKind
	Ref  string
}

func (c Cause) IsZero() bool { return c.Kind == "" && c.Ref == "" }

func (c Cause) String() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Kind) + ":" + c.Ref
}

// EntryKind derives the ledger kind from the cause.
func (c Cause) EntryKind() EntryKind {
	switch c.Kind {
	case CauseCommission:
		return KindCommission
	case CauseWithdrawal:
		return KindWithdrawal
	default:
		return KindEarning
	}
}

// validateEscrowCause accepts only causes that can hold escrow.
func validateEscrowCause(c Cause) error {
	if c.Ref == "" {
		return &CauseError{Cause: c, Reason: "cause reference is required"}
	}
	switch c.Kind {
	case CauseAppointment, CauseDedication, CauseCommission:
		return nil
	default:
		return &CauseError{Cause: c, Reason: "cause kind cannot hold escrow"}
	}
}

// =============================================================================
// WALLET
// =============================================================================

// Wallet is the per-owner record of spendable funds.
// INVARIANT: Escrow and Jackpot are never negative once committed.
type Wallet struct {
	OwnerID        OwnerID
	Escrow         decimal.Decimal
	Jackpot        decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalWithdrawn decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewWallet returns an empty wallet for owner.
func NewWallet(owner OwnerID, now time.Time) Wallet {
	return Wallet{
		OwnerID:        owner,
		Escrow:         decimal.Zero,
		Jackpot:        decimal.Zero,
		TotalEarned:    decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsValid reports whether every money field is non-negative.
func (w Wallet) IsValid() bool {
	return !w.Escrow.IsNegative() &&
		!w.Jackpot.IsNegative() &&
		!w.TotalEarned.IsNegative() &&
		!w.TotalWithdrawn.IsNegative()
}

// =============================================================================
// ENTRY - a single balance-affecting event
// =============================================================================

type EntryKind string

const (
	KindEarning    EntryKind = "earning"
	KindCommission EntryKind = "commission"
	KindWithdrawal EntryKind = "withdrawal"
)

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusCancelled EntryStatus = "cancelled"
	StatusRefunded  EntryStatus = "refunded"
)

type EscrowMovement string

const (
	MovementDeposit EscrowMovement = "deposit"
	MovementRelease EscrowMovement = "release"
)

// Entry records one balance-affecting event. Entries are immutable once
// they leave the pending status.
type Entry struct {
	ID             EntryID
	OwnerID        OwnerID
	CounterpartyID string
	Cause          Cause
	Amount         decimal.Decimal
	Kind           EntryKind
	Status         EntryStatus
	Movement       EscrowMovement
	Note           string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// IsOpen reports whether the entry still holds escrow.
func (e Entry) IsOpen() bool {
	return e.Status == StatusPending && e.Movement == MovementDeposit
}

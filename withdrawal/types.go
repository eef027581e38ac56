/*
Package withdrawal turns payout requests into jackpot debits.

FLOWS:
  Star flow (star asks, admin decides):

    pending ──approve──▶ approved
       │                    ▲
       └──reject──▶ rejected ┘ retry

  Admin flow (admin initiates and executes):

    initiated ──approve──▶ approved ──complete──▶ completed
       │  │                   │
       │  └────complete───────┼──────────────────▶ completed | failed
       │                      └──reject──▶ rejected
       └──reject──▶ rejected
    failed ──retry──▶ completed | failed

GUARANTEES:
  Every decision runs inside the owner's ledger unit of work: the status
  check, the balance check, the debit and the status write commit together.
  A failed payout always ends in a terminal, retriable status with the
  error captured in Metadata.

SEE ALSO:
  - service.go: star flow
  - payout.go: admin flow
  - status.go: presentation labels
*/
package withdrawal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/ledger"
)

type RequestID string

type Flow string

const (
	FlowStar  Flow = "star"
	FlowAdmin Flow = "admin"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInitiated Status = "initiated"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Role is the caller's role as supplied by the routing layer.
type Role string

const (
	RoleStar  Role = "star"
	RoleAdmin Role = "admin"
)

// Metadata keys.
const (
	MetaError                   = "error"
	MetaRetryError              = "retry_error"
	MetaPreviousRejectionReason = "previous_rejection_reason"
	MetaRetryCount              = "retry_count"
	MetaLedgerEntryID           = "ledger_entry_id"
	MetaAvailable               = "available"
	MetaRequested               = "requested"
)

// ReasonInsufficientAtApproval is recorded when the jackpot shrank between
// request and approval.
const ReasonInsufficientAtApproval = "Payment failed - Insufficient jackpot balance at approval time"

// Request is a withdrawal request in either flow.
type Request struct {
	ID              RequestID
	OwnerID         ledger.OwnerID
	Amount          decimal.Decimal
	Flow            Flow
	Status          Status
	DecidedBy       string
	DecidedAt       *time.Time
	RejectionReason string
	Note            string
	Metadata        map[string]string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a copy that shares no maps or pointers with r.
func (r Request) Clone() Request {
	out := r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		out.DecidedAt = &t
	}
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Filter selects requests for listing. Zero fields match everything.
type Filter struct {
	OwnerID ledger.OwnerID
	Status  Status
	Flow    Flow
	Limit   int
}

func (f Filter) Matches(r Request) bool {
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Flow != "" && r.Flow != f.Flow {
		return false
	}
	return true
}

// RequestStore persists withdrawal requests. Stores passed to a ledger
// unit of work must implement it for the workflow to run.
type RequestStore interface {
	// SaveRequest inserts or replaces. A second pending star request for
	// the same owner fails with ledger.ErrConflict.
	SaveRequest(ctx context.Context, r Request) error

	// GetRequest returns ledger.ErrNotFound when absent.
	GetRequest(ctx context.Context, id RequestID) (*Request, error)

	// FindPending returns the owner's pending star request or ledger.ErrNotFound.
	FindPending(ctx context.Context, owner ledger.OwnerID) (*Request, error)

	// ListRequests returns matching requests, newest first.
	ListRequests(ctx context.Context, f Filter) ([]Request, error)
}

// Balance is the wallet view returned to request owners.
type Balance struct {
	OwnerID        ledger.OwnerID
	Escrow         decimal.Decimal
	Jackpot        decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalWithdrawn decimal.Decimal
}

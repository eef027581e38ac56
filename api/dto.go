/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  and workflow types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("84.00"). Responses always carry two
  decimal places; requests accept at most two.

VALIDATION:
  Request types carry `validate` tags checked by go-playground/validator
  before any domain call. Domain rules (positive amount, cent precision)
  are enforced again by the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse mapping
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/withdrawal"
)

// =============================================================================
// LEDGER
// =============================================================================

type WalletDTO struct {
	OwnerID        string `json:"owner_id"`
	Escrow         string `json:"escrow"`
	Jackpot        string `json:"jackpot"`
	TotalEarned    string `json:"total_earned"`
	TotalWithdrawn string `json:"total_withdrawn"`
}

type EntryDTO struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	CounterpartyID string  `json:"counterparty_id,omitempty"`
	CauseKind      string  `json:"cause_kind,omitempty"`
	CauseRef       string  `json:"cause_ref,omitempty"`
	Amount         string  `json:"amount"`
	Kind           string  `json:"kind"`
	Status         string  `json:"status"`
	Movement       string  `json:"movement"`
	Note           string  `json:"note,omitempty"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// ResultDTO is returned by every money-moving endpoint.
type ResultDTO struct {
	Wallet WalletDTO `json:"wallet"`
	Entry  EntryDTO  `json:"entry"`
}

type CreditEscrowRequest struct {
	Amount         string `json:"amount" validate:"required"`
	CauseKind      string `json:"cause_kind" validate:"required,oneof=appointment dedication commission"`
	CauseRef       string `json:"cause_ref" validate:"required"`
	CounterpartyID string `json:"counterparty_id"`
}

// CauseRequest identifies the open entry to maturate or reverse.
type CauseRequest struct {
	CauseKind string `json:"cause_kind" validate:"required,oneof=appointment dedication commission"`
	CauseRef  string `json:"cause_ref" validate:"required"`
}

type DebitRequest struct {
	Amount    string `json:"amount" validate:"required"`
	CauseKind string `json:"cause_kind" validate:"omitempty,oneof=withdrawal"`
	CauseRef  string `json:"cause_ref"`
}

type ReconciliationDTO struct {
	OwnerID    string     `json:"owner_id"`
	Consistent bool       `json:"consistent"`
	Actual     WalletDTO  `json:"actual"`
	Expected   WalletDTO  `json:"expected"`
	Drift      []DriftDTO `json:"drift"`
}

type DriftDTO struct {
	Bucket   string `json:"bucket"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type ReconciliationRunsDTO struct {
	Runs      []ReconciliationRun `json:"runs"`
	NextRunAt *string             `json:"next_run_at,omitempty"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalDTO struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Amount          string            `json:"amount"`
	Flow            string            `json:"flow"`
	Status          string            `json:"status"`
	DisplayStatus   string            `json:"display_status"`
	DecidedBy       string            `json:"decided_by,omitempty"`
	DecidedAt       *string           `json:"decided_at,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	Note            string            `json:"note,omitempty"`
	Metadata        map[string]string `json:"metadata"`
	CreatedBy       string            `json:"created_by,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

type CreateWithdrawalRequest struct {
	Amount string `json:"amount" validate:"required"`
	Note   string `json:"note" validate:"max=500"`
}

type InitiatePayoutRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
	Amount  string `json:"amount" validate:"required"`
	Note    string `json:"note" validate:"max=500"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// =============================================================================
// COMMISSION
// =============================================================================

type CommissionConfigDTO struct {
	GlobalDefault    string                       `json:"global_default" validate:"required"`
	ServiceDefaults  map[string]string            `json:"service_defaults"`
	CountryOverrides map[string]map[string]string `json:"country_overrides"`
	UpdatedAt        string                       `json:"updated_at,omitempty"`
	UpdatedBy        string                       `json:"updated_by,omitempty"`
}

type QuoteDTO struct {
	Service    string `json:"service"`
	Country    string `json:"country,omitempty"`
	Amount     string `json:"amount"`
	Rate       string `json:"rate"`
	Commission string `json:"commission"`
	Net        string `json:"net"`
	Fallback   bool   `json:"fallback"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.CentPlaces)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		OwnerID:        string(w.OwnerID),
		Escrow:         money(w.Escrow),
		Jackpot:        money(w.Jackpot),
		TotalEarned:    money(w.TotalEarned),
		TotalWithdrawn: money(w.TotalWithdrawn),
	}
}

func toBalanceDTO(b withdrawal.Balance) WalletDTO {
	return WalletDTO{
		OwnerID:        string(b.OwnerID),
		Escrow:         money(b.Escrow),
		Jackpot:        money(b.Jackpot),
		TotalEarned:    money(b.TotalEarned),
		TotalWithdrawn: money(b.TotalWithdrawn),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		OwnerID:        string(e.OwnerID),
		CounterpartyID: e.CounterpartyID,
		CauseKind:      string(e.Cause.Kind),
		CauseRef:       e.Cause.Ref,
		Amount:         money(e.Amount),
		Kind:           string(e.Kind),
		Status:         string(e.Status),
		Movement:       string(e.Movement),
		Note:           e.Note,
		CreatedAt:      timestamp(e.CreatedAt),
		CompletedAt:    optionalTimestamp(e.CompletedAt),
	}
}

func toResultDTO(r *ledger.Result) ResultDTO {
	return ResultDTO{Wallet: toWalletDTO(r.Wallet), Entry: toEntryDTO(r.Entry)}
}

func toReconciliationDTO(r *ledger.Report) ReconciliationDTO {
	dto := ReconciliationDTO{
		OwnerID:    string(r.OwnerID),
		Consistent: r.Consistent(),
		Actual:     toWalletDTO(r.Actual),
		Expected: WalletDTO{
			OwnerID:        string(r.OwnerID),
			Escrow:         money(r.Expected.Escrow),
			Jackpot:        money(r.Expected.Jackpot),
			TotalEarned:    money(r.Expected.TotalEarned),
			TotalWithdrawn: money(r.Expected.TotalWithdrawn),
		},
		Drift: make([]DriftDTO, 0, len(r.Drift)),
	}
	for _, d := range r.Drift {
		dto.Drift = append(dto.Drift, DriftDTO{Bucket: d.Bucket, Expected: money(d.Expected), Actual: money(d.Actual)})
	}
	return dto
}

func toWithdrawalDTO(r *withdrawal.Request) WithdrawalDTO {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return WithdrawalDTO{
		ID:              string(r.ID),
		OwnerID:         string(r.OwnerID),
		Amount:          money(r.Amount),
		Flow:            string(r.Flow),
		Status:          string(r.Status),
		DisplayStatus:   withdrawal.DisplayStatus(r.Flow, r.Status),
		DecidedBy:       r.DecidedBy,
		DecidedAt:       optionalTimestamp(r.DecidedAt),
		RejectionReason: r.RejectionReason,
		Note:            r.Note,
		Metadata:        meta,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       timestamp(r.CreatedAt),
		UpdatedAt:       timestamp(r.UpdatedAt),
	}
}

func toCommissionConfigDTO(c *commission.Config) CommissionConfigDTO {
	dto := CommissionConfigDTO{
		GlobalDefault:    c.GlobalDefault.String(),
		ServiceDefaults:  make(map[string]string, len(c.ServiceDefaults)),
		CountryOverrides: make(map[string]map[string]string, len(c.CountryOverrides)),
		UpdatedBy:        c.UpdatedBy,
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = timestamp(c.UpdatedAt)
	}
	for svc, rate := range c.ServiceDefaults {
		dto.ServiceDefaults[string(svc)] = rate.String()
	}
	for svc, byCountry := range c.CountryOverrides {
		m := make(map[string]string, len(byCountry))
		for country, rate := range byCountry {
			m[country] = rate.String()
		}
		dto.CountryOverrides[string(svc)] = m
	}
	return dto
}

func toQuoteDTO(q *commission.Quote) QuoteDTO {
	return QuoteDTO{
		Service:    string(q.Service),
		Country:    q.Country,
		Amount:     money(q.Split.Amount),
		Rate:       q.Split.Rate.String(),
		Commission: money(q.Split.Commission),
		Net:        money(q.Split.Net),
		Fallback:   q.Fallback,
	}
}

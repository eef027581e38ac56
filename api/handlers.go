/*
handlers.go - HTTP API handlers for the star wallet

PURPOSE:
  Exposes the ledger engine, the withdrawal workflow and the commission
  configuration over REST. Handles HTTP request/response and JSON, and
  delegates every rule to the domain packages.

ENDPOINTS:
  Wallets:
    GET    /api/wallets/{owner}                        Balance view (zero if no wallet)
    GET    /api/wallets/{owner}/entries                Entry history
    GET    /api/wallets/{owner}/reconciliation         Entry trail vs balances (admin)
    POST   /api/wallets/{owner}/escrow                 creditEscrow (admin)
    POST   /api/wallets/{owner}/escrow/maturations     maturate (admin)
    POST   /api/wallets/{owner}/escrow/refunds         reverseEscrow (admin)
    POST   /api/wallets/{owner}/debits                 debitJackpot (admin)

  Withdrawals (star flow):
    POST   /api/withdrawals                            Star requests a withdrawal
    GET    /api/withdrawals                            List (stars see their own)
    GET    /api/withdrawals/{id}
    POST   /api/withdrawals/{id}/approve|reject|retry  (admin)

  Payouts (admin flow):
    POST   /api/payouts
    POST   /api/payouts/{id}/approve|complete|reject|retry

  Commission:
    GET    /api/commission/config
    PUT    /api/commission/config                      (admin)
    GET    /api/commission/quote?amount=&service=&country=

  Reconciliation:
    GET    /api/reconciliation/runs
    POST   /api/reconciliation/run                     (admin)

IDENTITY:
  X-Actor-ID and X-Actor-Role are trusted as sent. Authentication belongs
  to the routing layer in front of this service.

ERROR HANDLING:
  See errors.go for the status mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/withdrawal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Engine
	Withdrawals *withdrawal.Service
	Commission  *commission.Resolver

	// Scheduler is optional; without it the reconciliation routes return 404.
	Scheduler *ReconciliationScheduler

	// Ping reports backend health for /healthz. Optional.
	Ping func(ctx context.Context) error

	validate *validator.Validate
}

// NewHandler creates a handler over the given services.
func NewHandler(engine *ledger.Engine, withdrawals *withdrawal.Service, resolver *commission.Resolver) *Handler {
	return &Handler{
		Ledger:      engine,
		Withdrawals: withdrawals,
		Commission:  resolver,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the owner's balances.
// GET /api/wallets/{owner}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerParam(w, r)
	if !ok {
		return
	}
	balance, err := h.Withdrawals.GetBalance(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*balance))
}

// GetEntries returns the owner's ledger entries, oldest first.
// GET /api/wallets/{owner}/entries
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerParam(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.Entries(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, "Failed to list entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliation replays the owner's entries against the wallet.
// GET /api/wallets/{owner}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "owner"))
	report, err := h.Ledger.Reconcile(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, "Failed to reconcile wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// CreditEscrow holds a paid amount in escrow.
// POST /api/wallets/{owner}/escrow
func (h *Handler) CreditEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreditEscrowRequest
	if err := h.decode(r, &req); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, "Invalid amount", err)
		return
	}

	owner := ledger.OwnerID(chi.URLParam(r, "owner"))
	cause := ledger.Cause{Kind: ledger.CauseKind(req.CauseKind), Ref: req.CauseRef}
	result, err := h.Ledger.CreditEscrow(r.Context(), owner, amount, cause, req.CounterpartyID)
	if err != nil {
		writeDomainError(w, r, "Failed to credit escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(result))
}

// Maturate releases an open escrow entry to the jackpot.
// POST /api/wallets/{owner}/escrow/maturations
func (h *Handler) Maturate(w http.ResponseWriter, r *http.Request) {
	h.closeEscrow(w, r, "Failed to maturate escrow", h.Ledger.Maturate)
}

// ReverseEscrow refunds an open escrow entry.
// POST /api/wallets/{owner}/escrow/refunds
func (h *Handler) ReverseEscrow(w http.ResponseWriter, r *http.Request) {
	h.closeEscrow(w, r, "Failed to reverse escrow", h.Ledger.ReverseEscrow)
}

func (h *Handler) closeEscrow(w http.ResponseWriter, r *http.Request, failure string,
	op func(context.Context, ledger.OwnerID, ledger.Cause) (*ledger.Result, error)) {
	var req CauseRequest
	if err := h.decode(r, &req); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}
	owner := ledger.OwnerID(chi.URLParam(r, "owner"))
	result, err := op(r.Context(), owner, ledger.Cause{Kind: ledger.CauseKind(req.CauseKind), Ref: req.CauseRef})
	if err != nil {
		writeDomainError(w, r, failure, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// DebitJackpot pays out directly from the jackpot.
// POST /api/wallets/{owner}/debits
func (h *Handler) DebitJackpot(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if err := h.decode(r, &req); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, "Invalid amount", err)
		return
	}

	owner := ledger.OwnerID(chi.URLParam(r, "owner"))
	var cause ledger.Cause
	if req.CauseRef != "" {
		cause = ledger.Cause{Kind: ledger.CauseWithdrawal, Ref: req.CauseRef}
	}
	result, err := h.Ledger.DebitJackpot(r.Context(), owner, amount, actorFrom(r.Context()).ID, cause)
	if err != nil {
		writeDomainError(w, r, "Failed to debit jackpot", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// =============================================================================
// WITHDRAWAL HANDLERS (star flow)
// =============================================================================

// CreateWithdrawal records a star's withdrawal request.
// POST /api/withdrawals
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if err := h.decode(r, &req); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, "Invalid amount", err)
		return
	}

	actor := actorFrom(r.Context())
	if actor.ID == "" {
		writeError(w, http.StatusForbidden, "Missing actor identity", nil)
		return
	}
	created, err := h.Withdrawals.Create(r.Context(), ledger.OwnerID(actor.ID), actor.Role, amount, req.Note)
	if err != nil {
		writeDomainError(w, r, "Failed to create withdrawal request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(created))
}

// ListWithdrawals lists requests of both flows, newest first.
// GET /api/withdrawals?owner_id=&status=&flow=&limit=
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := withdrawal.Filter{
		OwnerID: ledger.OwnerID(q.Get("owner_id")),
		Status:  withdrawal.Status(q.Get("status")),
		Flow:    withdrawal.Flow(q.Get("flow")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	actor := actorFrom(r.Context())
	if actor.Role != withdrawal.RoleAdmin {
		if actor.ID == "" {
			writeError(w, http.StatusForbidden, "Missing actor identity", nil)
			return
		}
		filter.OwnerID = ledger.OwnerID(actor.ID)
	}

	reqs, err := h.Withdrawals.ListRequests(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, "Failed to list withdrawal requests", err)
		return
	}
	dtos := make([]WithdrawalDTO, len(reqs))
	for i := range reqs {
		dtos[i] = toWithdrawalDTO(&reqs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWithdrawal returns one request.
// GET /api/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := h.Withdrawals.Get(r.Context(), withdrawal.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, "Failed to get withdrawal request", err)
		return
	}
	actor := actorFrom(r.Context())
	if actor.Role != withdrawal.RoleAdmin && ledger.OwnerID(actor.ID) != req.OwnerID {
		// Foreign requests are indistinguishable from missing ones.
		writeError(w, http.StatusNotFound, "Withdrawal request not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// ApproveWithdrawal approves a pending request. An insufficient jackpot
// yields 200 with the request auto-rejected.
// POST /api/withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, "Failed to approve withdrawal request", h.Withdrawals.Approve)
}

// RetryWithdrawal re-attempts a rejected request.
// POST /api/withdrawals/{id}/retry
func (h *Handler) RetryWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, "Failed to retry withdrawal request", h.Withdrawals.Retry)
}

// RejectWithdrawal rejects a pending request with a reason.
// POST /api/withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.rejectWith(w, r, "Failed to reject withdrawal request", h.Withdrawals.Reject)
}

// =============================================================================
// PAYOUT HANDLERS (admin flow)
// =============================================================================

// InitiatePayout opens an admin payout for a star.
// POST /api/payouts
func (h *Handler) InitiatePayout(w http.ResponseWriter, r *http.Request) {
	var req InitiatePayoutRequest
	if err := h.decode(r, &req); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, "Invalid amount", err)
		return
	}
	payout, err := h.Withdrawals.Initiate(r.Context(), ledger.OwnerID(req.OwnerID), amount, actorFrom(r.Context()).ID, req.Note)
	if err != nil {
		writeDomainError(w, r, "Failed to initiate payout", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(payout))
}

// POST /api/payouts/{id}/approve
func (h *Handler) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, "Failed to approve payout", h.Withdrawals.ApprovePayout)
}

// POST /api/payouts/{id}/complete
func (h *Handler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, "Failed to complete payout", h.Withdrawals.CompletePayout)
}

// POST /api/payouts/{id}/retry
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	h.decideWithdrawal(w, r, "Failed to retry payout", h.Withdrawals.RetryPayout)
}

// POST /api/payouts/{id}/reject
func (h *Handler) RejectPayout(w http.ResponseWriter, r *http.Request) {
	h.rejectWith(w, r, "Failed to reject payout", h.Withdrawals.RejectPayout)
}

func (h *Handler) decideWithdrawal(w http.ResponseWriter, r *http.Request, failure string,
	op func(context.Context, withdrawal.RequestID, string) (*withdrawal.Request, error)) {
	id := withdrawal.RequestID(chi.URLParam(r, "id"))
	req, err := op(r.Context(), id, actorFrom(r.Context()).ID)
	if err != nil {
		writeDomainError(w, r, failure, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

func (h *Handler) rejectWith(w http.ResponseWriter, r *http.Request, failure string,
	op func(context.Context, withdrawal.RequestID, string, string) (*withdrawal.Request, error)) {
	var body RejectRequest
	if err := h.decode(r, &body); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}
	id := withdrawal.RequestID(chi.URLParam(r, "id"))
	req, err := op(r.Context(), id, actorFrom(r.Context()).ID, body.Reason)
	if err != nil {
		writeDomainError(w, r, failure, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// GetCommissionConfig returns the stored configuration, creating the
// default on first access.
// GET /api/commission/config
func (h *Handler) GetCommissionConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Commission.Config(r.Context())
	if err != nil {
		writeDomainError(w, r, "Failed to load commission config", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionConfigDTO(cfg))
}

// PutCommissionConfig replaces the configuration document.
// PUT /api/commission/config
func (h *Handler) PutCommissionConfig(w http.ResponseWriter, r *http.Request) {
	var body CommissionConfigDTO
	if err := h.decode(r, &body); err != nil {
		writeDomainError(w, r, "Invalid request body", err)
		return
	}

	cfg, err := h.Commission.Update(r.Context(), actorFrom(r.Context()).ID, func(c *commission.Config) error {
		global, err := parseRate(body.GlobalDefault)
		if err != nil {
			return err
		}
		if err := c.SetGlobalDefault(global); err != nil {
			return err
		}
		c.ServiceDefaults = nil
		c.CountryOverrides = nil
		for service, raw := range body.ServiceDefaults {
			rate, err := parseRate(raw)
			if err != nil {
				return err
			}
			if err := c.SetServiceDefault(commission.ServiceType(service), rate); err != nil {
				return err
			}
		}
		for service, byCountry := range body.CountryOverrides {
			for country, raw := range byCountry {
				rate, err := parseRate(raw)
				if err != nil {
					return err
				}
				if err := c.SetCountryOverride(commission.ServiceType(service), country, rate); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, r, "Failed to update commission config", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionConfigDTO(cfg))
}

// QuoteCommission splits an amount at the effective rate.
// GET /api/commission/quote?amount=100.00&service=video_call&country=AR
func (h *Handler) QuoteCommission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	quote, err := h.Commission.Quote(r.Context(), amount, commission.ServiceType(q.Get("service")), q.Get("country"))
	if err != nil {
		writeDomainError(w, r, "Failed to quote commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(quote))
}

// =============================================================================
// RECONCILIATION & HEALTH
// =============================================================================

// ListReconciliationRuns returns recent scheduler runs, newest first, and
// the next scheduled pass when the scheduler is running.
// GET /api/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Reconciliation scheduler not configured", nil)
		return
	}
	resp := ReconciliationRunsDTO{Runs: h.Scheduler.Runs()}
	if next, ok := h.Scheduler.NextRunTime(); ok {
		resp.NextRunAt = optionalTimestamp(&next)
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerReconciliation runs a reconciliation pass synchronously.
// POST /api/reconciliation/run
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Reconciliation scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.RunNow(r.Context()))
}

// Health reports liveness and backend reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return h.validate.Struct(dst)
}

// ownerParam reads {owner} and hides other owners' wallets from stars.
func (h *Handler) ownerParam(w http.ResponseWriter, r *http.Request) (ledger.OwnerID, bool) {
	owner := ledger.OwnerID(chi.URLParam(r, "owner"))
	actor := actorFrom(r.Context())
	if actor.Role != withdrawal.RoleAdmin && ledger.OwnerID(actor.ID) != owner {
		writeError(w, http.StatusForbidden, "Cannot access another owner's wallet", nil)
		return "", false
	}
	return owner, true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, ledger.ErrInvalidAmount)
	}
	return amount, nil
}

func parseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate %q: %w", raw, commission.ErrInvalidRate)
	}
	return rate, nil
}

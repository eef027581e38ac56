package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/ledger"
)

// ReasonProcessingFailed is recorded when the debit itself failed. The
// underlying error is kept in Metadata[MetaError].
const ReasonProcessingFailed = "Payment failed - processing error"

// settleTimeout bounds the unit that records the outcome of a failed
// decision. It runs detached from the caller, whose context may be the
// reason the decision failed.
const settleTimeout = 5 * time.Second

// Service runs both withdrawal flows on top of the ledger engine.
type Service struct {
	Ledger   *ledger.Engine
	Requests RequestStore

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// NewService creates a workflow service. requests is used for reads
// outside a unit of work; inside one the unit's store is used.
func NewService(engine *ledger.Engine, requests RequestStore) *Service {
	return &Service{
		Ledger:   engine,
		Requests: requests,
		Logger:   slog.Default(),
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
	}
}

// =============================================================================
// STAR FLOW
// =============================================================================

// Create records a pending request. The jackpot check here is advisory; it
// is repeated at approval.
func (s *Service) Create(ctx context.Context, owner ledger.OwnerID, role Role, amount decimal.Decimal, note string) (*Request, error) {
	if role != RoleStar {
		return nil, fmt.Errorf("role %q cannot request withdrawals: %w", role, ErrForbidden)
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var out *Request
	err := s.Ledger.RunOwnerTx(ctx, "create withdrawal request", owner, func(ls ledger.Store) error {
		rs, err := requestsIn(ls)
		if err != nil {
			return err
		}

		existing, err := rs.FindPending(ctx, owner)
		if err == nil {
			return fmt.Errorf("owner %s already has pending withdrawal request %s: %w", owner, existing.ID, ledger.ErrConflict)
		}
		if !ledger.IsNotFound(err) {
			return err
		}

		available, err := jackpotIn(ctx, ls, owner)
		if err != nil {
			return err
		}
		if available.LessThan(amount) {
			return &ledger.InsufficientFundsError{OwnerID: owner, Bucket: "jackpot", Available: available, Requested: amount}
		}

		now := s.now()
		req := Request{
			ID:        RequestID(s.NewID()),
			OwnerID:   owner,
			Amount:    amount,
			Flow:      FlowStar,
			Status:    StatusPending,
			Note:      note,
			Metadata:  map[string]string{},
			CreatedBy: string(owner),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := rs.SaveRequest(ctx, req); err != nil {
			return err
		}
		out = &req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("withdrawal requested",
		slog.String("request_id", string(out.ID)),
		slog.String("owner_id", string(owner)),
		slog.String("amount", amount.StringFixed(ledger.CentPlaces)))
	return out, nil
}

// Approve re-checks the jackpot and debits it. An insufficient jackpot
// rejects the request instead of failing. If the unit of work fails for any
// other reason, a second unit settles the request: approved if the first
// one committed after all, rejected with the error otherwise.
func (s *Service) Approve(ctx context.Context, id RequestID, actor string) (*Request, error) {
	req, err := s.transition(ctx, "approve withdrawal", id, func(ls ledger.Store, req *Request, now time.Time) (bool, error) {
		if req.Flow != FlowStar || req.Status != StatusPending {
			return false, &TransitionError{ID: id, From: req.Status, Action: "approve"}
		}

		available, err := jackpotIn(ctx, ls, req.OwnerID)
		if err != nil {
			return false, err
		}
		if available.LessThan(req.Amount) {
			decide(req, StatusRejected, actor, now)
			req.RejectionReason = ReasonInsufficientAtApproval
			setMeta(req, MetaAvailable, available.StringFixed(ledger.CentPlaces))
			setMeta(req, MetaRequested, req.Amount.StringFixed(ledger.CentPlaces))
			return true, nil
		}

		res, err := s.Ledger.DebitJackpotIn(ctx, ls, req.OwnerID, req.Amount, actor, causeOf(req.ID))
		if err != nil {
			return false, err
		}
		decide(req, StatusApproved, actor, now)
		setMeta(req, MetaLedgerEntryID, string(res.Entry.ID))
		return true, nil
	})
	if err == nil {
		s.logDecision(req, actor)
		return req, nil
	}
	if !needsSettling(err) {
		return nil, err
	}

	s.logger().Warn("withdrawal approval failed, settling request",
		slog.String("request_id", string(id)),
		slog.String("error", err.Error()))

	sctx, cancel := settleContext(ctx)
	defer cancel()
	settled, serr := s.transition(sctx, "settle withdrawal approval", id, func(_ ledger.Store, req *Request, now time.Time) (bool, error) {
		switch req.Status {
		case StatusApproved:
			return false, nil
		case StatusPending:
			decide(req, StatusRejected, actor, now)
			req.RejectionReason = ReasonProcessingFailed
			setMeta(req, MetaError, err.Error())
			return true, nil
		default:
			return false, &TransitionError{ID: id, From: req.Status, Action: "settle"}
		}
	})
	if serr != nil {
		return nil, fmt.Errorf("%w (settling request failed: %v)", err, serr)
	}
	s.logDecision(settled, actor)
	return settled, nil
}

// Reject declines a pending request. The jackpot is untouched.
func (s *Service) Reject(ctx context.Context, id RequestID, actor, reason string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	req, err := s.transition(ctx, "reject withdrawal", id, func(_ ledger.Store, req *Request, now time.Time) (bool, error) {
		if req.Flow != FlowStar || req.Status != StatusPending {
			return false, &TransitionError{ID: id, From: req.Status, Action: "reject"}
		}
		decide(req, StatusRejected, actor, now)
		req.RejectionReason = reason
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(req, actor)
	return req, nil
}

// Retry pays out a rejected request. An insufficient jackpot fails without
// changing the request. Any other failure leaves it rejected with
// Metadata[MetaRetryError] set.
func (s *Service) Retry(ctx context.Context, id RequestID, actor string) (*Request, error) {
	req, err := s.transition(ctx, "retry withdrawal", id, func(ls ledger.Store, req *Request, now time.Time) (bool, error) {
		if req.Flow != FlowStar || req.Status != StatusRejected {
			return false, &TransitionError{ID: id, From: req.Status, Action: "retry"}
		}

		available, err := jackpotIn(ctx, ls, req.OwnerID)
		if err != nil {
			return false, err
		}
		if available.LessThan(req.Amount) {
			return false, &ledger.InsufficientFundsError{OwnerID: req.OwnerID, Bucket: "jackpot", Available: available, Requested: req.Amount}
		}

		res, err := s.Ledger.DebitJackpotIn(ctx, ls, req.OwnerID, req.Amount, actor, causeOf(req.ID))
		if err != nil {
			return false, err
		}
		setMeta(req, MetaPreviousRejectionReason, req.RejectionReason)
		setMeta(req, MetaLedgerEntryID, string(res.Entry.ID))
		bumpRetryCount(req)
		req.RejectionReason = ""
		decide(req, StatusApproved, actor, now)
		return true, nil
	})
	if err == nil {
		s.logDecision(req, actor)
		return req, nil
	}
	if !needsSettling(err) || ledger.IsClientError(err) {
		return nil, err
	}

	sctx, cancel := settleContext(ctx)
	defer cancel()
	settled, serr := s.transition(sctx, "settle withdrawal retry", id, func(_ ledger.Store, req *Request, now time.Time) (bool, error) {
		switch req.Status {
		case StatusApproved:
			return false, nil
		case StatusRejected:
			setMeta(req, MetaRetryError, err.Error())
			return true, nil
		default:
			return false, &TransitionError{ID: id, From: req.Status, Action: "settle"}
		}
	})
	if serr != nil {
		return nil, fmt.Errorf("%w (settling request failed: %v)", err, serr)
	}
	if settled.Status == StatusApproved {
		return settled, nil
	}
	return nil, err
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the owner's balances; a missing wallet reads as zero.
func (s *Service) GetBalance(ctx context.Context, owner ledger.OwnerID) (*Balance, error) {
	w, err := s.Ledger.Wallet(ctx, owner)
	if ledger.IsNotFound(err) {
		return &Balance{OwnerID: owner, Escrow: decimal.Zero, Jackpot: decimal.Zero, TotalEarned: decimal.Zero, TotalWithdrawn: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Balance{
		OwnerID:        owner,
		Escrow:         w.Escrow,
		Jackpot:        w.Jackpot,
		TotalEarned:    w.TotalEarned,
		TotalWithdrawn: w.TotalWithdrawn,
	}, nil
}

func (s *Service) Get(ctx context.Context, id RequestID) (*Request, error) {
	req, err := s.Requests.GetRequest(ctx, id)
	if err != nil {
		return nil, ledger.Classify("get withdrawal request", err)
	}
	return req, nil
}

// ListRequests returns matching requests, newest first.
func (s *Service) ListRequests(ctx context.Context, f Filter) ([]Request, error) {
	reqs, err := s.Requests.ListRequests(ctx, f)
	if err != nil {
		return nil, ledger.Classify("list withdrawal requests", err)
	}
	return reqs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// transition loads request id inside its owner's unit of work, lets fn
// mutate it, and saves it when fn reports a change.
func (s *Service) transition(ctx context.Context, op string, id RequestID, fn func(ls ledger.Store, req *Request, now time.Time) (bool, error)) (*Request, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *Request
	err = s.Ledger.RunOwnerTx(ctx, op, current.OwnerID, func(ls ledger.Store) error {
		rs, err := requestsIn(ls)
		if err != nil {
			return err
		}
		req, err := rs.GetRequest(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		changed, err := fn(ls, req, now)
		if err != nil {
			return err
		}
		if changed {
			req.UpdatedAt = now
			if err := rs.SaveRequest(ctx, *req); err != nil {
				return err
			}
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// requestsIn returns the request view of a unit-of-work store.
func requestsIn(ls ledger.Store) (RequestStore, error) {
	rs, ok := ls.(RequestStore)
	if !ok {
		return nil, ledger.ErrStoreRequired
	}
	return rs, nil
}

// jackpotIn reads the owner's jackpot inside a unit; no wallet means zero.
func jackpotIn(ctx context.Context, ls ledger.Store, owner ledger.OwnerID) (decimal.Decimal, error) {
	w, err := ls.GetWallet(ctx, owner)
	if ledger.IsNotFound(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Jackpot, nil
}

// needsSettling reports whether a failed decision may have left the
// request in need of a terminal status.
func needsSettling(err error) bool {
	return !errors.Is(err, ErrInvalidTransition) &&
		!ledger.IsNotFound(err) &&
		!errors.Is(err, ledger.ErrStoreRequired)
}

func causeOf(id RequestID) ledger.Cause {
	return ledger.Cause{Kind: ledger.CauseWithdrawal, Ref: string(id)}
}

func decide(req *Request, status Status, actor string, now time.Time) {
	req.Status = status
	req.DecidedBy = actor
	req.DecidedAt = &now
}

func setMeta(req *Request, key, value string) {
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata[key] = value
}

func bumpRetryCount(req *Request) {
	n, _ := strconv.Atoi(req.Metadata[MetaRetryCount])
	setMeta(req, MetaRetryCount, strconv.Itoa(n+1))
}

func (s *Service) logDecision(req *Request, actor string) {
	level := slog.LevelInfo
	if req.Status == StatusRejected || req.Status == StatusFailed {
		level = slog.LevelWarn
	}
	s.logger().Log(context.Background(), level, "withdrawal request decided",
		slog.String("request_id", string(req.ID)),
		slog.String("owner_id", string(req.OwnerID)),
		slog.String("flow", string(req.Flow)),
		slog.String("status", string(req.Status)),
		slog.String("actor", actor),
		slog.String("reason", req.RejectionReason))
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

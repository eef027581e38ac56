package withdrawal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/ledger"
)

// =============================================================================
// ADMIN FLOW
// =============================================================================

// Initiate opens an admin payout. Unlike Create, the jackpot check here is
// strict: an admin cannot queue a payout the wallet cannot cover today.
func (s *Service) Initiate(ctx context.Context, owner ledger.OwnerID, amount decimal.Decimal, actor, note string) (*Request, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var out *Request
	err := s.Ledger.RunOwnerTx(ctx, "initiate payout", owner, func(ls ledger.Store) error {
		rs, err := requestsIn(ls)
		if err != nil {
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
			Flow:      FlowAdmin,
			Status:    StatusInitiated,
			Note:      note,
			Metadata:  map[string]string{},
			CreatedBy: actor,
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

	s.logger().Info("payout initiated",
		slog.String("request_id", string(out.ID)),
		slog.String("owner_id", string(owner)),
		slog.String("actor", actor),
		slog.String("amount", amount.StringFixed(ledger.CentPlaces)))
	return out, nil
}

// ApprovePayout records the decision to pay. No money moves.
func (s *Service) ApprovePayout(ctx context.Context, id RequestID, actor string) (*Request, error) {
	req, err := s.transition(ctx, "approve payout", id, func(_ ledger.Store, req *Request, now time.Time) (bool, error) {
		if req.Flow != FlowAdmin || req.Status != StatusInitiated {
			return false, &TransitionError{ID: id, From: req.Status, Action: "approve"}
		}
		decide(req, StatusApproved, actor, now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(req, actor)
	return req, nil
}

// CompletePayout debits the jackpot. Insufficient funds or a failed debit
// moves the payout to failed, from where RetryPayout can complete it.
func (s *Service) CompletePayout(ctx context.Context, id RequestID, actor string) (*Request, error) {
	return s.pay(ctx, "complete payout", id, actor, func(req *Request) bool {
		return req.Flow == FlowAdmin && (req.Status == StatusInitiated || req.Status == StatusApproved)
	}, MetaError)
}

// RetryPayout re-attempts a failed payout.
func (s *Service) RetryPayout(ctx context.Context, id RequestID, actor string) (*Request, error) {
	return s.pay(ctx, "retry payout", id, actor, func(req *Request) bool {
		return req.Flow == FlowAdmin && req.Status == StatusFailed
	}, MetaRetryError)
}

// RejectPayout cancels a payout that has not been paid.
func (s *Service) RejectPayout(ctx context.Context, id RequestID, actor, reason string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	req, err := s.transition(ctx, "reject payout", id, func(_ ledger.Store, req *Request, now time.Time) (bool, error) {
		if req.Flow != FlowAdmin || (req.Status != StatusInitiated && req.Status != StatusApproved) {
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

// pay moves an admin payout to completed or failed. errKey is the metadata
// key the failure is recorded under.
func (s *Service) pay(ctx context.Context, op string, id RequestID, actor string, allowed func(*Request) bool, errKey string) (*Request, error) {
	retrying := errKey == MetaRetryError
	action := "complete"
	if retrying {
		action = "retry"
	}

	req, err := s.transition(ctx, op, id, func(ls ledger.Store, req *Request, now time.Time) (bool, error) {
		if !allowed(req) {
			return false, &TransitionError{ID: id, From: req.Status, Action: action}
		}
		if retrying {
			bumpRetryCount(req)
		}

		available, err := jackpotIn(ctx, ls, req.OwnerID)
		if err != nil {
			return false, err
		}
		if available.LessThan(req.Amount) {
			shortage := &ledger.InsufficientFundsError{OwnerID: req.OwnerID, Bucket: "jackpot", Available: available, Requested: req.Amount}
			decide(req, StatusFailed, actor, now)
			setMeta(req, errKey, shortage.Error())
			setMeta(req, MetaAvailable, available.StringFixed(ledger.CentPlaces))
			setMeta(req, MetaRequested, req.Amount.StringFixed(ledger.CentPlaces))
			return true, nil
		}

		res, err := s.Ledger.DebitJackpotIn(ctx, ls, req.OwnerID, req.Amount, actor, causeOf(req.ID))
		if err != nil {
			return false, err
		}
		decide(req, StatusCompleted, actor, now)
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

	sctx, cancel := settleContext(ctx)
	defer cancel()
	settled, serr := s.transition(sctx, "settle "+op, id, func(_ ledger.Store, req *Request, now time.Time) (bool, error) {
		if req.Status == StatusCompleted {
			return false, nil
		}
		if !allowed(req) {
			return false, &TransitionError{ID: id, From: req.Status, Action: "settle"}
		}
		if retrying {
			bumpRetryCount(req)
		}
		decide(req, StatusFailed, actor, now)
		setMeta(req, errKey, err.Error())
		return true, nil
	})
	if serr != nil {
		return nil, fmt.Errorf("%w (settling payout failed: %v)", err, serr)
	}
	s.logDecision(settled, actor)
	return settled, nil
}

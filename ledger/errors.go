/*
errors.go - Error taxonomy for the ledger engine

ERROR CATEGORIES:
  InvalidAmount      caller error, never retried automatically
  InvalidCause       caller error
  NotFound           wallet or open entry absent, propagated as-is
  Conflict           a second open entry for the same cause
  InsufficientFunds  balance check failed, carries available vs requested
  Unavailable        store deadline or transient backend failure; the
                     outcome is unknown and callers must re-check state

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var ife *ledger.InsufficientFundsError
      errors.As(err, &ife)
  }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidCause      = errors.New("invalid cause")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnavailable       = errors.New("store unavailable")

	// ErrStoreRequired is returned when an operation requires a store
	// capability the configured store does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AmountError names the violated amount constraint.
type AmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount.String(), e.Reason)
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

// CauseError names the violated cause constraint.
type CauseError struct {
	Cause  Cause
	Reason string
}

func (e *CauseError) Error() string {
	return fmt.Sprintf("invalid cause %q: %s", e.Cause.String(), e.Reason)
}

func (e *CauseError) Unwrap() error { return ErrInvalidCause }

// InsufficientFundsError reports a balance shortage.
type InsufficientFundsError struct {
	OwnerID   OwnerID
	Bucket    string // "escrow" or "jackpot"
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: available %s, requested %s",
		e.Bucket, e.OwnerID, e.Available.StringFixed(CentPlaces), e.Requested.StringFixed(CentPlaces))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// OpenEntryConflictError is returned when a cause already holds escrow.
type OpenEntryConflictError struct {
	OwnerID OwnerID
	Cause   Cause
}

func (e *OpenEntryConflictError) Error() string {
	return fmt.Sprintf("cause %s already has an open escrow entry for %s", e.Cause.String(), e.OwnerID)
}

func (e *OpenEntryConflictError) Unwrap() error { return ErrConflict }

// UnavailableError wraps a store failure whose outcome is unknown.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Transient is implemented by backend errors that are safe to retry
// (serialization failures, lock timeouts).
type Transient interface {
	Transient() bool
}

// Classify converts deadline and transient backend failures into
// ErrUnavailable. Domain errors pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &UnavailableError{Op: op, Err: err}
	}
	var t Transient
	if errors.As(err, &t) && t.Transient() {
		return &UnavailableError{Op: op, Err: err}
	}
	return err
}

// IsRetryable returns true if the outcome is unknown and the caller may retry
// after re-checking state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCause) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsNotFound returns true if the error indicates a missing wallet or entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDomainError returns true for every error in the ledger taxonomy except
// ErrUnavailable.
func IsDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err)
}

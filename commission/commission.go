/*
Package commission splits a gross payment into platform commission and the
star's net earning, and resolves which rate applies.

KEY CONCEPTS:
  - Apply: pure (amount, rate) -> (commission, net) with cent rounding
  - Config: the commission configuration document (global, per service,
    per service+country)
  - Resolver: get-or-create-default access to the persisted Config, with a
    fail-closed fallback rate for display and reporting

ROUNDING:
  commission = round2(amount * rate), half away from zero
  net        = amount - commission

  net is derived by subtraction so commission + net == amount to the cent.

The resolver is advisory. Nothing in the ledger calls it inside a
money-mutating unit of work.
*/
package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/star-wallet/ledger"
)

var (
	ErrInvalidRate    = errors.New("invalid commission rate")
	ErrInvalidCountry = errors.New("invalid country code")
	ErrUnknownService = errors.New("unknown service type")
)

// ServiceType is the kind of paid interaction a commission applies to.
type ServiceType string

const (
	ServiceVideoCall  ServiceType = "video_call"
	ServiceLiveShow   ServiceType = "live_show"
	ServiceDedication ServiceType = "dedication"
)

// ServiceTypes lists every known service type.
var ServiceTypes = []ServiceType{ServiceVideoCall, ServiceLiveShow, ServiceDedication}

func (s ServiceType) Valid() bool {
	for _, st := range ServiceTypes {
		if s == st {
			return true
		}
	}
	return false
}

// RateError names a rate outside [0, 1].
type RateError struct {
	Rate decimal.Decimal
}

func (e *RateError) Error() string {
	return fmt.Sprintf("commission rate %s must be between 0 and 1", e.Rate.String())
}

func (e *RateError) Unwrap() error { return ErrInvalidRate }

// Split is the result of applying a rate to a gross amount.
type Split struct {
	Amount     decimal.Decimal
	Rate       decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
}

// Apply computes the commission and net for amount at rate.
func Apply(amount, rate decimal.Decimal) (Split, error) {
	if amount.IsNegative() {
		return Split{}, &ledger.AmountError{Amount: amount, Reason: "amount must not be negative"}
	}
	if err := ValidateRate(rate); err != nil {
		return Split{}, err
	}

	commission := ledger.Round2(amount.Mul(rate))
	return Split{
		Amount:     amount,
		Rate:       rate,
		Commission: commission,
		Net:        amount.Sub(commission),
	}, nil
}

// ValidateRate rejects rates outside [0, 1].
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return &RateError{Rate: rate}
	}
	return nil
}

// Package fees splits a gross UGX amount into the provider fee and the net
// amount that moves across the bridge.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxBasisPoints is 100%.
const MaxBasisPoints = 10000

// MaxAmountScale is the number of decimal places accepted on UGX input amounts.
const MaxAmountScale = 2

var (
	ErrNegativeAmount    = errors.New("amount must not be negative")
	ErrInvalidBasisPoint = fmt.Errorf("fee basis points must be within [0, %d]", MaxBasisPoints)
	ErrAmountPrecision   = fmt.Errorf("amount has more than %d decimal places", MaxAmountScale)
)

// Split is the result of applying the provider fee.
type Split struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Apply computes fee = amount * bps / 10000 and net = amount - fee. The fee is
// exact (a power-of-ten shift) so Fee + Net always equals Gross.
func Apply(amount decimal.Decimal, bps int) (Split, error) {
	if amount.IsNegative() {
		return Split{}, ErrNegativeAmount
	}
	if bps < 0 || bps > MaxBasisPoints {
		return Split{}, ErrInvalidBasisPoint
	}
	fee := amount.Mul(decimal.NewFromInt(int64(bps))).Shift(-4)
	return Split{Gross: amount, Fee: fee, Net: amount.Sub(fee)}, nil
}

// ParseAmount parses a user-supplied amount, rejecting anything that is not a
// positive number with at most MaxAmountScale decimals.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, ValidateAmount(amount)
}

// ValidateAmount enforces amount > 0 and the decimal scale limit.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(MaxAmountScale)) {
		return ErrAmountPrecision
	}
	return nil
}

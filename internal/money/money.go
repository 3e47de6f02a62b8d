// Package money parses and validates exact fixed-point monetary amounts.
package money

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

// Scale is the number of fractional digits a wallet amount may carry.
const Scale = 2

// Parse converts a decimal string such as "40.00" into an exact amount.
// Scientific notation and more than Scale fractional digits are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errs.Errorf(errs.KindInvalidAmount, "money.Parse", "amount is required")
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, errs.Errorf(errs.KindInvalidAmount, "money.Parse", "malformed amount %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.Errorf(errs.KindInvalidAmount, "money.Parse", "malformed amount %q", s)
	}
	return d, nil
}

// ValidateTransfer rejects non-positive amounts and amounts finer than Scale.
func ValidateTransfer(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.Errorf(errs.KindInvalidAmount, "money.ValidateTransfer", "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return errs.Errorf(errs.KindInvalidAmount, "money.ValidateTransfer", "amount %s has more than %d decimals", amount, Scale)
	}
	return nil
}

// MustParse is a test helper that panics on malformed input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

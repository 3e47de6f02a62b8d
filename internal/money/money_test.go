package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

func TestParse(t *testing.T) {
	d, err := Parse(" 40.00 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !d.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected 40, got %s", d)
	}

	for _, in := range []string{"", "abc", "1e3", "4O.00"} {
		if _, err := Parse(in); !errors.Is(err, errs.ErrInvalidAmount) {
			t.Fatalf("parse %q: expected invalid amount, got %v", in, err)
		}
	}
}

func TestValidateTransfer(t *testing.T) {
	cases := map[string]bool{
		"0.01":   true,
		"100":    true,
		"0":      false,
		"-5.00":  false,
		"1.005":  false,
		"12.340": true,
	}
	for in, ok := range cases {
		err := ValidateTransfer(MustParse(in))
		if ok && err != nil {
			t.Fatalf("%s: unexpected error %v", in, err)
		}
		if !ok && !errors.Is(err, errs.ErrInvalidAmount) {
			t.Fatalf("%s: expected invalid amount, got %v", in, err)
		}
	}
}

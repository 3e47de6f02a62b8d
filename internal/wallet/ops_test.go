package wallet

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDebitRespectsSpendableBalance(t *testing.T) {
	w := Wallet{ID: "a", Status: StatusActive, Balance: dec("100.00"), FrozenBalance: dec("30.00"), Version: 3}

	next, err := Debit(w, dec("70.00"))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !next.Balance.Equal(dec("30.00")) {
		t.Fatalf("expected balance 30.00, got %s", next.Balance)
	}
	if next.Version != 3 {
		t.Fatalf("pure debit must not touch version, got %d", next.Version)
	}
	if !w.Balance.Equal(dec("100.00")) {
		t.Fatalf("input wallet mutated: %s", w.Balance)
	}

	if _, err := Debit(w, dec("70.01")); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestDebitRejectsFrozenAndNonPositive(t *testing.T) {
	frozen := Wallet{ID: "a", Status: StatusFrozen, Balance: dec("100")}
	if _, err := Debit(frozen, dec("1")); !errors.Is(err, errs.ErrWalletFrozen) {
		t.Fatalf("expected frozen, got %v", err)
	}
	active := Wallet{ID: "a", Status: StatusActive, Balance: dec("100")}
	if _, err := Debit(active, decimal.Zero); !errors.Is(err, errs.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestHoldReleaseAndDrop(t *testing.T) {
	w := Wallet{ID: "b", Status: StatusActive, Balance: dec("5.00")}

	held, err := Hold(w, dec("40.00"))
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !held.Balance.Equal(dec("5.00")) || !held.UnreleasedBalance.Equal(dec("40.00")) {
		t.Fatalf("unexpected held state: %+v", held)
	}

	released, err := ReleaseHeld(held, dec("40.00"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Balance.Equal(dec("45.00")) || !released.UnreleasedBalance.IsZero() {
		t.Fatalf("unexpected released state: %+v", released)
	}

	dropped, err := DropHeld(held, dec("40.00"))
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if !dropped.Balance.Equal(dec("5.00")) || !dropped.UnreleasedBalance.IsZero() {
		t.Fatalf("unexpected dropped state: %+v", dropped)
	}

	if _, err := DropHeld(w, dec("1")); err == nil {
		t.Fatal("expected error dropping more than held")
	}
}

func TestFreezeAndRelease(t *testing.T) {
	w := Wallet{ID: "a", Status: StatusActive, Balance: dec("50")}

	frozen, err := Freeze(w, dec("20"))
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !frozen.Spendable().Equal(dec("30")) {
		t.Fatalf("expected spendable 30, got %s", frozen.Spendable())
	}
	if _, err := Freeze(frozen, dec("31")); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := Debit(frozen, dec("31")); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("frozen funds must not be spendable, got %v", err)
	}

	released, err := Release(frozen, dec("20"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.FrozenBalance.IsZero() {
		t.Fatalf("expected zero frozen, got %s", released.FrozenBalance)
	}
	if _, err := Release(released, dec("1")); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestRefundIgnoresFrozenStatus(t *testing.T) {
	w := Wallet{ID: "a", Status: StatusFrozen, Balance: dec("10")}
	next, err := Refund(w, dec("40"))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !next.Balance.Equal(dec("50")) {
		t.Fatalf("expected 50, got %s", next.Balance)
	}
}

func TestCheckInvariants(t *testing.T) {
	if err := CheckInvariants(Wallet{Balance: dec("10"), FrozenBalance: dec("10")}); err != nil {
		t.Fatalf("valid wallet rejected: %v", err)
	}
	if err := CheckInvariants(Wallet{Balance: dec("10"), FrozenBalance: dec("11")}); err == nil {
		t.Fatal("expected spendable violation")
	}
	if err := CheckInvariants(Wallet{Balance: dec("-1")}); err == nil {
		t.Fatal("expected negative balance violation")
	}
}

package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

// Pure balance functions. Each takes the state that was read and returns the
// state to write; none of them touch Version; the store increments it when
// the conditional update succeeds.

// Debit removes amount from balance if the spendable balance covers it.
func Debit(w Wallet, amount decimal.Decimal) (Wallet, error) {
	const op = "wallet.Debit"
	if err := checkMutable(w, amount, op); err != nil {
		return w, err
	}
	if w.Spendable().LessThan(amount) {
		return w, errs.Errorf(errs.KindInsufficientFunds, op, "wallet %s spendable %s < %s", w.ID, w.Spendable().StringFixed(2), amount.StringFixed(2))
	}
	w.Balance = w.Balance.Sub(amount)
	return w, nil
}

// Hold parks an inbound credit in the unreleased balance until the transfer
// that produced it is confirmed.
func Hold(w Wallet, amount decimal.Decimal) (Wallet, error) {
	if err := checkMutable(w, amount, "wallet.Hold"); err != nil {
		return w, err
	}
	w.UnreleasedBalance = w.UnreleasedBalance.Add(amount)
	return w, nil
}

// ReleaseHeld merges a held inbound credit into balance.
func ReleaseHeld(w Wallet, amount decimal.Decimal) (Wallet, error) {
	const op = "wallet.ReleaseHeld"
	if err := checkPositive(amount, op); err != nil {
		return w, err
	}
	if w.UnreleasedBalance.LessThan(amount) {
		return w, errs.Errorf(errs.KindInternal, op, "wallet %s unreleased %s < %s", w.ID, w.UnreleasedBalance, amount)
	}
	w.UnreleasedBalance = w.UnreleasedBalance.Sub(amount)
	w.Balance = w.Balance.Add(amount)
	return w, nil
}

// DropHeld removes a held inbound credit, reversing Hold.
func DropHeld(w Wallet, amount decimal.Decimal) (Wallet, error) {
	const op = "wallet.DropHeld"
	if err := checkPositive(amount, op); err != nil {
		return w, err
	}
	if w.UnreleasedBalance.LessThan(amount) {
		return w, errs.Errorf(errs.KindInternal, op, "wallet %s unreleased %s < %s", w.ID, w.UnreleasedBalance, amount)
	}
	w.UnreleasedBalance = w.UnreleasedBalance.Sub(amount)
	return w, nil
}

// Refund re-credits balance for a reversed debit. It is allowed on frozen
// wallets: compensation must never be blocked by status.
func Refund(w Wallet, amount decimal.Decimal) (Wallet, error) {
	if err := checkPositive(amount, "wallet.Refund"); err != nil {
		return w, err
	}
	w.Balance = w.Balance.Add(amount)
	return w, nil
}

// Freeze reserves part of the spendable balance.
func Freeze(w Wallet, amount decimal.Decimal) (Wallet, error) {
	const op = "wallet.Freeze"
	if err := checkMutable(w, amount, op); err != nil {
		return w, err
	}
	if w.Spendable().LessThan(amount) {
		return w, errs.Errorf(errs.KindInsufficientFunds, op, "wallet %s spendable %s < %s", w.ID, w.Spendable().StringFixed(2), amount.StringFixed(2))
	}
	w.FrozenBalance = w.FrozenBalance.Add(amount)
	return w, nil
}

// Release returns a reservation made by Freeze to the spendable balance.
func Release(w Wallet, amount decimal.Decimal) (Wallet, error) {
	const op = "wallet.Release"
	if err := checkPositive(amount, op); err != nil {
		return w, err
	}
	if w.FrozenBalance.LessThan(amount) {
		return w, errs.Errorf(errs.KindInvalidRequest, op, "wallet %s frozen %s < %s", w.ID, w.FrozenBalance, amount)
	}
	w.FrozenBalance = w.FrozenBalance.Sub(amount)
	return w, nil
}

// CheckInvariants verifies the non-negativity rules of a wallet state.
func CheckInvariants(w Wallet) error {
	switch {
	case w.Balance.IsNegative():
		return errs.Errorf(errs.KindInternal, "wallet.CheckInvariants", "wallet %s balance negative", w.ID)
	case w.FrozenBalance.IsNegative():
		return errs.Errorf(errs.KindInternal, "wallet.CheckInvariants", "wallet %s frozen balance negative", w.ID)
	case w.UnreleasedBalance.IsNegative():
		return errs.Errorf(errs.KindInternal, "wallet.CheckInvariants", "wallet %s unreleased balance negative", w.ID)
	case w.Spendable().IsNegative():
		return errs.Errorf(errs.KindInternal, "wallet.CheckInvariants", "wallet %s spendable balance negative", w.ID)
	}
	return nil
}

func checkMutable(w Wallet, amount decimal.Decimal, op string) error {
	if err := checkPositive(amount, op); err != nil {
		return err
	}
	if w.IsFrozen() {
		return errs.Errorf(errs.KindWalletFrozen, op, "wallet %s is frozen", w.ID)
	}
	return nil
}

func checkPositive(amount decimal.Decimal, op string) error {
	if !amount.IsPositive() {
		return errs.Errorf(errs.KindInvalidAmount, op, "amount must be positive")
	}
	return nil
}

// Package transfer holds the saga record of a wallet-to-wallet transfer and
// the rules for moving it between states.
package transfer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

// Status is the saga state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRolledBack
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// transitions lists every forward move. Nothing moves a saga backward.
var transitions = map[Status][]Status{
	StatusPending: {StatusConfirmed, StatusFailed, StatusRolledBack},
	StatusFailed:  {StatusRolledBack},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction is one saga instance, keyed by its idempotency key.
type Transaction struct {
	ID           string
	FromWalletID string
	ToWalletID   string
	Amount       decimal.Decimal
	Status       Status
	CancelReason string
	// FailureKind is the error kind that triggered compensation.
	FailureKind errs.Kind
	// Debited and Credited record which ledger steps have committed, so a
	// redelivered request resumes instead of repeating them.
	Debited   bool
	Credited  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns a PENDING transaction.
func New(id, from, to string, amount decimal.Decimal, now time.Time) Transaction {
	return Transaction{
		ID:           id,
		FromWalletID: from,
		ToWalletID:   to,
		Amount:       amount,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition returns t moved to next, or InvalidTransition.
func Transition(t Transaction, next Status, now time.Time) (Transaction, error) {
	if !CanTransition(t.Status, next) {
		return t, errs.Errorf(errs.KindInvalidTransition, "transfer.Transition", "transaction %s: %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	return t, nil
}

// AwaitsOperator reports whether a compensation of t failed. Such a saga is
// left for manual reconciliation: nothing resumes or reaps it.
func (t Transaction) AwaitsOperator() bool {
	return !t.Status.Terminal() && t.FailureKind == errs.KindCompensationFailed
}

// PublicReason is the cancel reason as it may be shown to wallet owners.
// Diagnostics of non-business failures are replaced by a generic message.
func (t Transaction) PublicReason() string {
	if t.CancelReason == "" || t.FailureKind.Business() {
		return t.CancelReason
	}
	return errs.InternalMessage
}

// SameRequest reports whether t was created for the same parameters.
func (t Transaction) SameRequest(from, to string, amount decimal.Decimal) bool {
	return t.FromWalletID == from && t.ToWalletID == to && t.Amount.Equal(amount)
}

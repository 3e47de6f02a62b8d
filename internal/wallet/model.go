package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusActive = "active"
	StatusFrozen = "frozen"
)

// Wallet is the ledger row for one owner. It is a value: mutations go through
// the pure functions in ops.go, which return the next state and leave the
// version bump to the store's conditional update.
type Wallet struct {
	ID                string
	OwnerID           string
	Currency          string
	Status            string
	Balance           decimal.Decimal
	FrozenBalance     decimal.Decimal
	UnreleasedBalance decimal.Decimal
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Spendable is the amount available for new outbound transfers.
func (w Wallet) Spendable() decimal.Decimal {
	return w.Balance.Sub(w.FrozenBalance)
}

// IsFrozen reports whether the wallet status blocks mutations.
func (w Wallet) IsFrozen() bool {
	return w.Status == StatusFrozen
}

// Balance encapsulates the funds view of a wallet.
type Balance struct {
	WalletID   string
	Balance    decimal.Decimal
	Frozen     decimal.Decimal
	Unreleased decimal.Decimal
	Spendable  decimal.Decimal
	Version    int64
	AsOf       time.Time
}

package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// SeedWallet is a test helper that creates an active wallet with the given
// balance in the in-memory store.
func SeedWallet(s *InMemory, id string, balance decimal.Decimal) wallet.Wallet {
	now := s.now()
	w := wallet.Wallet{
		ID:        id,
		OwnerID:   uuid.NewString(),
		Currency:  "XAF",
		Status:    wallet.StatusActive,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[id] = w
	s.owners[w.OwnerID] = id
	return w
}

// SeedBalance is a test helper that overwrites the balance of an existing
// wallet and bumps its version.
func SeedBalance(s *InMemory, id string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[id]; ok {
		w.Balance = amount
		w.Version++
		s.wallets[id] = w
	}
}

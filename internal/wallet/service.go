package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

const defaultCurrency = "XAF"

// Service provisions wallets and exposes read access to them.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService builds a wallet service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	OwnerID  string
	Currency string
}

// Create provisions the single wallet of an owner, starting at zero balance
// and version zero.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if _, err := uuid.Parse(input.OwnerID); err != nil {
		return Wallet{}, errs.Errorf(errs.KindInvalidRequest, "wallet.Create", "owner id %q is not a uuid", input.OwnerID)
	}

	currency := input.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	now := s.now()
	wallet := Wallet{
		ID:                uuid.NewString(),
		OwnerID:           input.OwnerID,
		Currency:          currency,
		Status:            StatusActive,
		Balance:           decimal.Zero,
		FrozenBalance:     decimal.Zero,
		UnreleasedBalance: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.CreateWallet(ctx, wallet); err != nil {
		return Wallet{}, err
	}

	return wallet, nil
}

// Get retrieves a wallet by id.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.GetWallet(ctx, id)
}

// GetByOwner retrieves the wallet owned by ownerID.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	return s.repo.GetWalletByOwner(ctx, ownerID)
}

// Balance returns the funds view of the wallet.
func (s *Service) Balance(ctx context.Context, id string) (Balance, error) {
	w, err := s.repo.GetWallet(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WalletID:   w.ID,
		Balance:    w.Balance,
		Frozen:     w.FrozenBalance,
		Unreleased: w.UnreleasedBalance,
		Spendable:  w.Spendable(),
		Version:    w.Version,
		AsOf:       s.now(),
	}, nil
}

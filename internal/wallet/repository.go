package wallet

import "context"

// Repository persists wallet rows. Balance mutation is not part of this
// contract; it goes through the ledger's conditional updates.
type Repository interface {
	CreateWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, id string) (Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (Wallet, error)
}

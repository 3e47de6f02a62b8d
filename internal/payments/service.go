package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/ledger"
	"github.com/congo-pay/transfer-saga/internal/money"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

const maxTransactionIDLen = 64

// Intake is the part of the ledger service that accepts and reports sagas.
type Intake interface {
	Accept(ctx context.Context, req ledger.Request, publish bool) (transfer.Transaction, bool, error)
	Transaction(ctx context.Context, id string) (transfer.Transaction, error)
}

// Service accepts transfer requests. Acceptance only records the PENDING
// saga and stages its request event; the saga itself runs asynchronously.
type Service struct {
	intake  Intake
	wallets *wallet.Service
}

// NewService constructs a payment service.
func NewService(intake Intake, wallets *wallet.Service) *Service {
	return &Service{intake: intake, wallets: wallets}
}

// TransferInput captures the data needed to move funds between wallets.
type TransferInput struct {
	PrincipalID   string
	ToWalletID    string
	Amount        string
	TransactionID string
}

// TransferResult describes an accepted transfer.
type TransferResult struct {
	Transaction transfer.Transaction
	// Created is false when the transaction id was already known.
	Created bool
}

// RequestTransfer validates input and records a new transfer saga for the
// principal's wallet. The source wallet is always the caller's own.
func (s *Service) RequestTransfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	const op = "payments.RequestTransfer"

	amount, err := money.Parse(input.Amount)
	if err != nil {
		return TransferResult{}, err
	}
	if err := money.ValidateTransfer(amount); err != nil {
		return TransferResult{}, err
	}
	if strings.TrimSpace(input.PrincipalID) == "" {
		return TransferResult{}, errs.Errorf(errs.KindInvalidRequest, op, "missing principal")
	}
	if strings.TrimSpace(input.ToWalletID) == "" {
		return TransferResult{}, errs.Errorf(errs.KindInvalidRequest, op, "to_wallet_id is required")
	}

	txID := strings.TrimSpace(input.TransactionID)
	if txID == "" {
		txID = uuid.NewString()
	}
	if len(txID) > maxTransactionIDLen {
		return TransferResult{}, errs.Errorf(errs.KindInvalidRequest, op, "transaction_id longer than %d characters", maxTransactionIDLen)
	}

	from, err := s.wallets.GetByOwner(ctx, input.PrincipalID)
	if err != nil {
		return TransferResult{}, err
	}
	if from.ID == input.ToWalletID {
		return TransferResult{}, errs.Errorf(errs.KindInvalidRequest, op, "cannot transfer to the source wallet")
	}
	if _, err := s.wallets.Get(ctx, input.ToWalletID); err != nil {
		return TransferResult{}, err
	}

	t, created, err := s.intake.Accept(ctx, ledger.Request{
		TransactionID: txID,
		FromWalletID:  from.ID,
		ToWalletID:    input.ToWalletID,
		Amount:        amount,
	}, true)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Transaction: t, Created: created}, nil
}

// Status returns the saga record of a transfer the principal takes part in.
func (s *Service) Status(ctx context.Context, principalID, transactionID string) (transfer.Transaction, error) {
	t, err := s.intake.Transaction(ctx, transactionID)
	if err != nil {
		return transfer.Transaction{}, err
	}
	w, err := s.wallets.GetByOwner(ctx, principalID)
	if err != nil {
		if errors.Is(err, errs.ErrWalletNotFound) {
			return transfer.Transaction{}, errs.Errorf(errs.KindTransactionNotFound, "payments.Status", "transaction %s not found", transactionID)
		}
		return transfer.Transaction{}, err
	}
	if w.ID != t.FromWalletID && w.ID != t.ToWalletID {
		return transfer.Transaction{}, errs.Errorf(errs.KindTransactionNotFound, "payments.Status", "transaction %s not found", transactionID)
	}
	return t, nil
}

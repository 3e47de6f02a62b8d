package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/money"
	"github.com/congo-pay/transfer-saga/internal/retry"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// Request identifies one transfer saga.
type Request struct {
	TransactionID string
	FromWalletID  string
	ToWalletID    string
	Amount        decimal.Decimal
}

// Service is the only mutator of wallet balances. Each operation is one unit
// of work; an optimistic-lock conflict re-runs the whole unit, re-reading
// every row, under the configured retry policy.
type Service struct {
	store  Store
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a ledger service over store.
func NewService(store Store, policy retry.Policy, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func retryableTx(err error) bool {
	return errors.Is(err, errs.ErrConcurrentModification) || errors.Is(err, errs.ErrDuplicate)
}

func (s *Service) run(ctx context.Context, op string, fn func(tx Tx) error) error {
	err := retry.Do(ctx, s.policy, retryableTx, func(ctx context.Context) error {
		return s.store.InTx(ctx, fn)
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		s.logger.Warn("optimistic lock retries exhausted", slog.String("op", op), slog.Int("attempts", exhausted.Attempts))
		return errs.E(errs.KindConcurrentModification, op, err)
	}
	return err
}

// Accept records a new PENDING saga. When publish is set the transfer.request
// event is written to the outbox in the same commit. A known id returns the
// stored record with created=false; reusing an id for different parameters is
// rejected.
func (s *Service) Accept(ctx context.Context, req Request, publish bool) (t transfer.Transaction, created bool, err error) {
	const op = "ledger.Accept"
	if req.TransactionID == "" {
		return t, false, errs.Errorf(errs.KindInvalidRequest, op, "transaction id is required")
	}
	if req.FromWalletID == req.ToWalletID {
		return t, false, errs.Errorf(errs.KindInvalidRequest, op, "source and destination wallet are the same")
	}
	if err := money.ValidateTransfer(req.Amount); err != nil {
		return t, false, err
	}

	err = s.run(ctx, op, func(tx Tx) error {
		created = false
		existing, err := tx.Transfer(ctx, req.TransactionID)
		if err == nil {
			if !existing.SameRequest(req.FromWalletID, req.ToWalletID, req.Amount) {
				return errs.Errorf(errs.KindInvalidRequest, op, "transaction id %s reused with different parameters", req.TransactionID)
			}
			t = existing
			return nil
		}
		if !errors.Is(err, errs.ErrTransactionNotFound) {
			return err
		}

		now := s.now()
		t = transfer.New(req.TransactionID, req.FromWalletID, req.ToWalletID, req.Amount, now)
		if err := tx.InsertTransfer(ctx, t); err != nil {
			return err
		}
		if publish {
			env, err := events.NewRequest(events.Request{
				TransactionID: req.TransactionID,
				FromWalletID:  req.FromWalletID,
				ToWalletID:    req.ToWalletID,
				Amount:        req.Amount,
			}, now)
			if err != nil {
				return errs.E(errs.KindInternal, op, err)
			}
			if err := tx.Enqueue(ctx, env); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	return t, created, err
}

// Transaction returns the saga record for id.
func (s *Service) Transaction(ctx context.Context, id string) (transfer.Transaction, error) {
	return s.store.GetTransfer(ctx, id)
}

// Stale lists PENDING sagas untouched for longer than age.
func (s *Service) Stale(ctx context.Context, age time.Duration, limit int) ([]transfer.Transaction, error) {
	return s.store.StalePending(ctx, s.now().Add(-age), limit)
}

// pendingStep loads the saga record a step belongs to and checks that the
// step parameters match it.
func pendingStep(ctx context.Context, tx Tx, op, txID, walletID string, fromSide bool, amount decimal.Decimal) (transfer.Transaction, error) {
	t, err := tx.Transfer(ctx, txID)
	if err != nil {
		return t, err
	}
	side := t.ToWalletID
	if fromSide {
		side = t.FromWalletID
	}
	if side != walletID || !t.Amount.Equal(amount) {
		return t, errs.Errorf(errs.KindInvalidRequest, op, "transaction %s does not match wallet %s amount %s", txID, walletID, amount)
	}
	if t.Status != transfer.StatusPending {
		return t, errs.Errorf(errs.KindInvalidTransition, op, "transaction %s is %s", txID, t.Status)
	}
	return t, nil
}

// TransferOut debits the source wallet of a pending saga. It is a no-op if the
// debit for txID already committed.
func (s *Service) TransferOut(ctx context.Context, fromWalletID string, amount decimal.Decimal, txID string) error {
	const op = "ledger.TransferOut"
	applied := false
	err := s.run(ctx, op, func(tx Tx) error {
		applied = false
		t, err := pendingStep(ctx, tx, op, txID, fromWalletID, true, amount)
		if err != nil {
			return err
		}
		if t.Debited {
			return nil
		}
		w, err := tx.Wallet(ctx, fromWalletID)
		if err != nil {
			return err
		}
		next, err := wallet.Debit(w, amount)
		if err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, next); err != nil {
			return err
		}
		t.Debited = true
		t.UpdatedAt = s.now()
		applied = true
		return tx.UpdateTransfer(ctx, t)
	})
	if err == nil && applied {
		s.logger.Debug("wallet debited", slog.String("wallet_id", fromWalletID), slog.String("transaction_id", txID), slog.String("amount", amount.StringFixed(money.Scale)))
	}
	return err
}

// TransferIn credits the destination wallet of a pending saga. The credit is
// held in the unreleased balance until ConfirmTransfer. It requires the debit
// to have committed and is a no-op if the credit already did.
func (s *Service) TransferIn(ctx context.Context, toWalletID string, amount decimal.Decimal, txID string) error {
	const op = "ledger.TransferIn"
	applied := false
	err := s.run(ctx, op, func(tx Tx) error {
		applied = false
		t, err := pendingStep(ctx, tx, op, txID, toWalletID, false, amount)
		if err != nil {
			return err
		}
		if t.Credited {
			return nil
		}
		if !t.Debited {
			return errs.Errorf(errs.KindInvalidTransition, op, "transaction %s credited before debit", txID)
		}
		w, err := tx.Wallet(ctx, toWalletID)
		if err != nil {
			return err
		}
		next, err := wallet.Hold(w, amount)
		if err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, next); err != nil {
			return err
		}
		t.Credited = true
		t.UpdatedAt = s.now()
		applied = true
		return tx.UpdateTransfer(ctx, t)
	})
	if err == nil && applied {
		s.logger.Debug("wallet credit held", slog.String("wallet_id", toWalletID), slog.String("transaction_id", txID), slog.String("amount", amount.StringFixed(money.Scale)))
	}
	return err
}

// ConfirmTransfer releases the held credit, marks the saga CONFIRMED and
// stages transfer.success, all in one commit. Confirming a CONFIRMED saga
// returns it unchanged.
func (s *Service) ConfirmTransfer(ctx context.Context, txID string) (transfer.Transaction, error) {
	const op = "ledger.ConfirmTransfer"
	var out transfer.Transaction
	err := s.run(ctx, op, func(tx Tx) error {
		t, err := tx.Transfer(ctx, txID)
		if err != nil {
			return err
		}
		out = t
		switch t.Status {
		case transfer.StatusConfirmed:
			return nil
		case transfer.StatusPending:
		default:
			return errs.Errorf(errs.KindInvalidTransition, op, "transaction %s is %s", txID, t.Status)
		}
		if !t.Debited || !t.Credited {
			return errs.Errorf(errs.KindInvalidTransition, op, "transaction %s has not completed both ledger steps", txID)
		}

		w, err := tx.Wallet(ctx, t.ToWalletID)
		if err != nil {
			return err
		}
		next, err := wallet.ReleaseHeld(w, t.Amount)
		if err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, next); err != nil {
			return err
		}

		now := s.now()
		confirmed, err := transfer.Transition(t, transfer.StatusConfirmed, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, confirmed); err != nil {
			return err
		}
		env, err := events.NewSuccess(t.ID, t.FromWalletID, t.ToWalletID, t.Amount, now)
		if err != nil {
			return errs.E(errs.KindInternal, op, err)
		}
		if err := tx.Enqueue(ctx, env); err != nil {
			return err
		}
		confirmed.Version++
		out = confirmed
		return nil
	})
	return out, err
}

// CancelTransfer is the compensating action. It refunds the source if the
// debit committed, drops the held credit if the credit committed, moves the
// saga to ROLLED_BACK (through FAILED when cause is a business kind) and
// stages transfer.failed then transfer.rollback, all in one commit. Cancelling
// a ROLLED_BACK saga returns it unchanged; a CONFIRMED saga cannot be
// cancelled.
func (s *Service) CancelTransfer(ctx context.Context, txID, reason string, cause errs.Kind) (transfer.Transaction, error) {
	const op = "ledger.CancelTransfer"
	var out transfer.Transaction
	refunded := false
	err := s.run(ctx, op, func(tx Tx) error {
		refunded = false
		t, err := tx.Transfer(ctx, txID)
		if err != nil {
			return err
		}
		out = t
		switch t.Status {
		case transfer.StatusRolledBack:
			return nil
		case transfer.StatusConfirmed:
			return errs.Errorf(errs.KindInvalidTransition, op, "transaction %s is already confirmed", txID)
		}

		if t.Debited {
			w, err := tx.Wallet(ctx, t.FromWalletID)
			if err != nil {
				return err
			}
			next, err := wallet.Refund(w, t.Amount)
			if err != nil {
				return err
			}
			if err := tx.UpdateWallet(ctx, next); err != nil {
				return err
			}
			refunded = true
		}
		if t.Credited {
			w, err := tx.Wallet(ctx, t.ToWalletID)
			if err != nil {
				return err
			}
			next, err := wallet.DropHeld(w, t.Amount)
			if err != nil {
				return err
			}
			if err := tx.UpdateWallet(ctx, next); err != nil {
				return err
			}
		}

		now := s.now()
		next := t
		if cause.Business() && next.Status == transfer.StatusPending {
			if next, err = transfer.Transition(next, transfer.StatusFailed, now); err != nil {
				return err
			}
		}
		if next, err = transfer.Transition(next, transfer.StatusRolledBack, now); err != nil {
			return err
		}
		next.CancelReason = reason
		next.FailureKind = cause
		if err := tx.UpdateTransfer(ctx, next); err != nil {
			return err
		}

		failed, err := events.NewFailed(txID, reason, now)
		if err != nil {
			return errs.E(errs.KindInternal, op, err)
		}
		rollback, err := events.NewRollback(txID, reason, now)
		if err != nil {
			return errs.E(errs.KindInternal, op, err)
		}
		if err := tx.Enqueue(ctx, failed); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, rollback); err != nil {
			return err
		}
		next.Version++
		out = next
		return nil
	})
	if err == nil && refunded {
		s.logger.Info("debit reversed", slog.String("wallet_id", out.FromWalletID), slog.String("transaction_id", txID), slog.String("amount", out.Amount.StringFixed(money.Scale)))
	}
	return out, err
}

// MarkCompensationFailed flags a pending saga whose compensation did not
// commit. The flag takes it out of automatic processing: resumption refuses
// it and the stale-saga reaper skips it until an operator cancels it.
func (s *Service) MarkCompensationFailed(ctx context.Context, txID, reason string) (transfer.Transaction, error) {
	const op = "ledger.MarkCompensationFailed"
	var out transfer.Transaction
	err := s.run(ctx, op, func(tx Tx) error {
		t, err := tx.Transfer(ctx, txID)
		if err != nil {
			return err
		}
		out = t
		if t.Status.Terminal() {
			return errs.Errorf(errs.KindInvalidTransition, op, "transaction %s is %s", txID, t.Status)
		}
		next := t
		next.FailureKind = errs.KindCompensationFailed
		next.CancelReason = reason
		next.UpdatedAt = s.now()
		if err := tx.UpdateTransfer(ctx, next); err != nil {
			return err
		}
		next.Version++
		out = next
		return nil
	})
	return out, err
}

// Freeze reserves amount of the wallet's spendable balance.
func (s *Service) Freeze(ctx context.Context, walletID string, amount decimal.Decimal, ref string) (wallet.Wallet, error) {
	return s.mutateWallet(ctx, "ledger.Freeze", walletID, ref, func(w wallet.Wallet) (wallet.Wallet, error) {
		return wallet.Freeze(w, amount)
	})
}

// Release returns a reservation made by Freeze.
func (s *Service) Release(ctx context.Context, walletID string, amount decimal.Decimal, ref string) (wallet.Wallet, error) {
	return s.mutateWallet(ctx, "ledger.Release", walletID, ref, func(w wallet.Wallet) (wallet.Wallet, error) {
		return wallet.Release(w, amount)
	})
}

// SetFrozen toggles the frozen status flag of a wallet.
func (s *Service) SetFrozen(ctx context.Context, walletID string, frozen bool) (wallet.Wallet, error) {
	return s.mutateWallet(ctx, "ledger.SetFrozen", walletID, "", func(w wallet.Wallet) (wallet.Wallet, error) {
		w.Status = wallet.StatusActive
		if frozen {
			w.Status = wallet.StatusFrozen
		}
		return w, nil
	})
}

func (s *Service) mutateWallet(ctx context.Context, op, walletID, ref string, apply func(wallet.Wallet) (wallet.Wallet, error)) (wallet.Wallet, error) {
	var out wallet.Wallet
	err := s.run(ctx, op, func(tx Tx) error {
		w, err := tx.Wallet(ctx, walletID)
		if err != nil {
			return err
		}
		next, err := apply(w)
		if err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, next); err != nil {
			return err
		}
		next.Version++
		out = next
		return nil
	})
	if err == nil {
		s.logger.Info("wallet updated", slog.String("op", op), slog.String("wallet_id", walletID), slog.String("ref", ref))
	}
	return out, err
}

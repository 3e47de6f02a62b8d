// Package saga drives transfer sagas through the ledger: debit, credit,
// confirm, and compensation when any of those fail.
package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/audit"
	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/ledger"
	"github.com/congo-pay/transfer-saga/internal/logging"
	"github.com/congo-pay/transfer-saga/internal/transfer"
)

const (
	// executeTimeout bounds the ledger steps of one saga once it is accepted.
	executeTimeout      = 30 * time.Second
	compensationTimeout = 30 * time.Second
)

// Ledger is the part of the ledger service the orchestrator drives.
type Ledger interface {
	Accept(ctx context.Context, req ledger.Request, publish bool) (transfer.Transaction, bool, error)
	Transaction(ctx context.Context, id string) (transfer.Transaction, error)
	TransferOut(ctx context.Context, fromWalletID string, amount decimal.Decimal, txID string) error
	TransferIn(ctx context.Context, toWalletID string, amount decimal.Decimal, txID string) error
	ConfirmTransfer(ctx context.Context, txID string) (transfer.Transaction, error)
	CancelTransfer(ctx context.Context, txID, reason string, cause errs.Kind) (transfer.Transaction, error)
	MarkCompensationFailed(ctx context.Context, txID, reason string) (transfer.Transaction, error)
}

// Outcome is what a saga execution ended in.
type Outcome struct {
	TransactionID string
	Status        transfer.Status
	Reason        string
	// Replayed is set when the saga had already finished and nothing ran.
	Replayed bool
}

// Orchestrator owns the state transitions of every transfer saga. The
// outcome events are staged by the ledger in the same commit as the
// transition that produces them, so the orchestrator never publishes.
type Orchestrator struct {
	ledger Ledger
	audit  audit.Sink
	logger *slog.Logger
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(l Ledger, sink audit.Sink, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{ledger: l, audit: sink, logger: logger}
}

// Execute runs the saga for req to a terminal state. A saga that already
// finished is not run again; its recorded outcome is returned. Business
// failures are returned as they are after compensation; anything else comes
// back as an internal error wrapping the cause.
//
// Once accepted, the ledger steps run detached from ctx cancellation under
// executeTimeout, so a shutdown does not roll back a saga midway.
func (o *Orchestrator) Execute(ctx context.Context, req ledger.Request) (Outcome, error) {
	const op = "saga.Execute"
	logger := o.logger.With(slog.String("transaction_id", req.TransactionID))

	t, created, err := o.ledger.Accept(ctx, req, false)
	if err != nil {
		out := Outcome{TransactionID: req.TransactionID}
		if errs.IsBusiness(err) {
			logger.Warn("transfer request rejected", slog.Any("error", err))
			return out, err
		}
		logger.Error("accept transfer failed", slog.Any("error", err))
		return out, errs.E(errs.KindInternal, op, err)
	}

	switch {
	case t.Status.Terminal():
		logger.Info("transfer already finished; replaying outcome", slog.String("status", string(t.Status)))
		return replay(t)
	case t.AwaitsOperator():
		logger.Warn("transfer awaits manual reconciliation; not resuming")
		return Outcome{TransactionID: t.ID, Status: t.Status, Reason: t.PublicReason()},
			errs.Errorf(errs.KindCompensationFailed, op, "transaction %s awaits manual reconciliation", t.ID)
	case created:
		o.record(ctx, t, audit.ActionTransferInitiated, audit.SeverityLow, "transfer initiated")
	default:
		logger.Info("resuming pending transfer", slog.Bool("debited", t.Debited), slog.Bool("credited", t.Credited))
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), executeTimeout)
	defer cancel()

	if err := o.ledger.TransferOut(sctx, t.FromWalletID, t.Amount, t.ID); err != nil {
		return o.Compensate(sctx, t, err)
	}
	if err := o.ledger.TransferIn(sctx, t.ToWalletID, t.Amount, t.ID); err != nil {
		return o.Compensate(sctx, t, err)
	}
	confirmed, err := o.ledger.ConfirmTransfer(sctx, t.ID)
	if err != nil {
		return o.Compensate(sctx, t, err)
	}

	logger.Info("transfer confirmed", slog.String("amount", confirmed.Amount.StringFixed(2)))
	o.record(sctx, confirmed, audit.ActionTransferSuccess, audit.SeverityLow, "transfer confirmed")
	return Outcome{TransactionID: confirmed.ID, Status: confirmed.Status}, nil
}

// Compensate reverses whatever part of t committed and rolls the saga back.
// It runs detached from ctx cancellation: a started compensation always
// finishes. If the compensation itself fails the ledger may be
// inconsistent: that is alerted, the saga is flagged for manual
// reconciliation and CompensationFailed is returned. Nothing retries it.
//
// Only business failures keep their reason on the saga record and in the
// outcome events; other causes are recorded there as InternalMessage and
// kept in full in the logs and the audit trail.
func (o *Orchestrator) Compensate(ctx context.Context, t transfer.Transaction, cause error) (Outcome, error) {
	const op = "saga.Compensate"
	logger := o.logger.With(slog.String("transaction_id", t.ID))

	kind := errs.KindOf(cause)
	if kind == errs.KindUnknown {
		kind = errs.KindInternal
	}
	business := kind.Business()
	reason := reasonFor(cause)
	public := errs.InternalMessage
	if business {
		public = reason
		logger.Warn("transfer failed business rule; compensating", slog.String("kind", kind.String()), slog.String("reason", reason))
	} else {
		logger.Error("transfer failed unexpectedly; compensating", slog.String("kind", kind.String()), slog.Any("error", cause))
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	rolled, err := o.ledger.CancelTransfer(cctx, t.ID, public, kind)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidTransition) {
			// The saga may have been confirmed by a step that reported an
			// error after committing.
			if cur, rerr := o.ledger.Transaction(cctx, t.ID); rerr == nil && cur.Status == transfer.StatusConfirmed {
				logger.Warn("transfer confirmed despite step error", slog.Any("error", cause))
				return Outcome{TransactionID: cur.ID, Status: cur.Status}, nil
			}
		}
		logging.Alert(ctx, logger, "compensation failed; ledger may be inconsistent",
			slog.String("from_wallet_id", t.FromWalletID),
			slog.String("to_wallet_id", t.ToWalletID),
			slog.String("amount", t.Amount.StringFixed(2)),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		o.record(cctx, t, audit.ActionCompensationFailed, audit.SeverityCritical, "compensation failed: "+reason+": "+err.Error())
		if _, merr := o.ledger.MarkCompensationFailed(cctx, t.ID, public); merr != nil {
			logging.Alert(ctx, logger, "could not flag transfer for manual reconciliation", slog.Any("error", merr))
		}
		return Outcome{TransactionID: t.ID, Status: t.Status, Reason: public}, errs.E(errs.KindCompensationFailed, op, errors.Join(cause, err))
	}

	severity := audit.SeverityHigh
	if business {
		severity = audit.SeverityMedium
	}
	o.record(cctx, rolled, audit.ActionTransferFailed, severity, reason)
	o.record(cctx, rolled, audit.ActionTransferRollback, audit.SeverityHigh, "transfer rolled back: "+reason)
	logger.Info("transfer rolled back", slog.String("reason", reason))

	out := Outcome{TransactionID: rolled.ID, Status: rolled.Status, Reason: rolled.CancelReason}
	if business {
		return out, cause
	}
	return out, errs.E(errs.KindInternal, op, cause)
}

func replay(t transfer.Transaction) (Outcome, error) {
	const op = "saga.replay"
	out := Outcome{TransactionID: t.ID, Status: t.Status, Reason: t.CancelReason, Replayed: true}
	if t.Status != transfer.StatusRolledBack {
		return out, nil
	}
	if t.FailureKind.Business() {
		return out, errs.Errorf(t.FailureKind, op, "%s", t.CancelReason)
	}
	return out, errs.Errorf(errs.KindInternal, op, "%s", t.CancelReason)
}

// reasonFor extracts the diagnostic carried by the outermost tagged error.
func reasonFor(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func (o *Orchestrator) record(ctx context.Context, t transfer.Transaction, action audit.Action, severity audit.Severity, description string) {
	err := o.audit.Record(ctx, audit.Entry{
		Action:        action,
		TransactionID: t.ID,
		FromWalletID:  t.FromWalletID,
		ToWalletID:    t.ToWalletID,
		Amount:        t.Amount,
		Status:        string(t.Status),
		Severity:      severity,
		Description:   description,
	})
	if err != nil {
		o.logger.Error("audit record failed", slog.String("transaction_id", t.ID), slog.String("action", string(action)), slog.Any("error", err))
	}
}

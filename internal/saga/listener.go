package saga

import (
	"context"
	"errors"
	"log/slog"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/ledger"
)

// Listener consumes transfer.request and runs one saga per message.
type Listener struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewListener builds a request listener.
func NewListener(o *Orchestrator, logger *slog.Logger) *Listener {
	return &Listener{orchestrator: o, logger: logger}
}

// Run subscribes to transfer.request until ctx is done.
func (l *Listener) Run(ctx context.Context, sub events.Subscriber, group, consumer string, workers int) error {
	l.logger.Info("transfer request listener started", slog.String("group", group), slog.String("consumer", consumer), slog.Int("workers", workers))
	return sub.Subscribe(ctx, events.Subscription{
		Topic:    events.TopicRequest,
		Group:    group,
		Consumer: consumer,
		Workers:  workers,
	}, l.Handle)
}

// Handle runs the saga of one request. It returns an error, asking for
// redelivery, only when the saga did not get past a retryable failure
// before touching the ledger. Every other outcome is acknowledged.
func (l *Listener) Handle(ctx context.Context, env events.Envelope) error {
	req, err := events.Decode[events.Request](env)
	if err != nil {
		l.logger.Error("dropping malformed transfer request", slog.String("event_id", env.ID), slog.Any("error", err))
		return nil
	}
	if req.TransactionID == "" {
		req.TransactionID = env.Key
	}

	outcome, err := l.orchestrator.Execute(ctx, ledger.Request{
		TransactionID: req.TransactionID,
		FromWalletID:  req.FromWalletID,
		ToWalletID:    req.ToWalletID,
		Amount:        req.Amount,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrCompensationFailed):
		return nil
	case outcome.Status.Terminal():
		return nil
	case errs.IsBusiness(err):
		return nil
	case errors.Is(err, errs.ErrInfrastructure) || errors.Is(err, errs.ErrConcurrentModification):
		l.logger.Warn("transfer request will be redelivered", slog.String("transaction_id", req.TransactionID), slog.Any("error", err))
		return err
	default:
		l.logger.Error("transfer request abandoned", slog.String("transaction_id", req.TransactionID), slog.Any("error", err))
		return nil
	}
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// Group is the consumer group the notification listener reads under.
const Group = "notification"

const unknownReason = "unknown"

// Transactions resolves saga records by id.
type Transactions interface {
	Transaction(ctx context.Context, id string) (transfer.Transaction, error)
}

// Wallets resolves wallets by id.
type Wallets interface {
	Get(ctx context.Context, walletID string) (wallet.Wallet, error)
}

// Listener tells wallet owners how their transfers ended. Outcome events may
// arrive in any order relative to each other, so every event is resolved
// against the stored saga record rather than against earlier events.
type Listener struct {
	transactions Transactions
	wallets      Wallets
	notifier     Notifier
	logger       *slog.Logger
}

// NewListener builds an outcome listener.
func NewListener(transactions Transactions, wallets Wallets, notifier Notifier, logger *slog.Logger) *Listener {
	return &Listener{transactions: transactions, wallets: wallets, notifier: notifier, logger: logger}
}

// Run subscribes to every outcome topic until ctx is done.
func (l *Listener) Run(ctx context.Context, sub events.Subscriber, consumer string, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range events.OutcomeTopics {
		topic := topic
		g.Go(func() error {
			return sub.Subscribe(ctx, events.Subscription{
				Topic:    topic,
				Group:    Group,
				Consumer: consumer,
				Workers:  workers,
			}, l.Handle)
		})
	}
	return g.Wait()
}

// Handle notifies the parties of one outcome event. Lookup failures other
// than a missing record are returned so the event is redelivered; delivery
// failures are logged and dropped.
func (l *Listener) Handle(ctx context.Context, env events.Envelope) error {
	switch env.Topic {
	case events.TopicSuccess:
		p, err := events.Decode[events.Success](env)
		if err != nil {
			return l.malformed(env, err)
		}
		from, to, err := l.owners(ctx, p.FromWalletID, p.ToWalletID)
		if err != nil {
			return err
		}
		amount := p.Amount.StringFixed(2)
		l.send(ctx, Message{Kind: KindTransferSent, Destination: from, TransactionID: p.TransactionID,
			Body: fmt.Sprintf("You sent %s to wallet %s", amount, p.ToWalletID)})
		l.send(ctx, Message{Kind: KindTransferReceived, Destination: to, TransactionID: p.TransactionID,
			Body: fmt.Sprintf("You received %s from wallet %s", amount, p.FromWalletID)})
		return nil

	case events.TopicFailed:
		p, err := events.Decode[events.Failed](env)
		if err != nil {
			return l.malformed(env, err)
		}
		return l.notifyFailure(ctx, KindTransferFailed, p.TransactionID, p.Reason, "Your transfer of %s failed: %s")

	case events.TopicRollback:
		p, err := events.Decode[events.Rollback](env)
		if err != nil {
			return l.malformed(env, err)
		}
		return l.notifyFailure(ctx, KindTransferReversed, p.TransactionID, p.Reason, "Your transfer of %s was reversed: %s")

	default:
		l.logger.Warn("ignoring event on unexpected topic", slog.String("topic", env.Topic), slog.String("event_id", env.ID))
		return nil
	}
}

func (l *Listener) notifyFailure(ctx context.Context, kind, txID, reason, format string) error {
	if reason == "" {
		reason = unknownReason
	}
	t, err := l.transactions.Transaction(ctx, txID)
	if err != nil {
		if !errors.Is(err, errs.ErrTransactionNotFound) {
			return err
		}
		l.logger.Warn("outcome for unknown transaction", slog.String("transaction_id", txID), slog.String("kind", kind))
		l.send(ctx, Message{Kind: kind, TransactionID: txID, Body: fmt.Sprintf(format, "transaction "+txID, unknownReason)})
		return nil
	}
	if public := t.PublicReason(); public != "" {
		reason = public
	}
	from, _, err := l.owners(ctx, t.FromWalletID, t.ToWalletID)
	if err != nil {
		return err
	}
	l.send(ctx, Message{Kind: kind, Destination: from, TransactionID: txID,
		Body: fmt.Sprintf(format, t.Amount.StringFixed(2), reason)})
	return nil
}

// owners resolves the owner ids of both wallets. A wallet that no longer
// exists resolves to an empty destination.
func (l *Listener) owners(ctx context.Context, fromID, toID string) (string, string, error) {
	var ids [2]string
	for i, id := range []string{fromID, toID} {
		w, err := l.wallets.Get(ctx, id)
		switch {
		case err == nil:
			ids[i] = w.OwnerID
		case errors.Is(err, errs.ErrWalletNotFound):
		default:
			return "", "", err
		}
	}
	return ids[0], ids[1], nil
}

func (l *Listener) send(ctx context.Context, msg Message) {
	if err := l.notifier.Send(ctx, msg); err != nil {
		l.logger.Warn("notification delivery failed",
			slog.String("transaction_id", msg.TransactionID),
			slog.String("kind", msg.Kind),
			slog.Any("error", err),
		)
	}
}

func (l *Listener) malformed(env events.Envelope, err error) error {
	l.logger.Error("dropping malformed outcome event", slog.String("topic", env.Topic), slog.String("event_id", env.ID), slog.Any("error", err))
	return nil
}

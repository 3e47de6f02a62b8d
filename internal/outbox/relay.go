// Package outbox drains events committed by the ledger to the event channel.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/ledger"
	"github.com/congo-pay/transfer-saga/internal/logging"
	"github.com/congo-pay/transfer-saga/internal/retry"
)

// Options tunes the relay.
type Options struct {
	Interval       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	// Lease is how long a claimed row stays invisible to other relays.
	Lease time.Duration
	Retry retry.Policy
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	return o
}

// Relay publishes outbox rows at least once. A row that keeps failing is
// retried with the policy's backoff and marked DEAD when the attempts run out.
type Relay struct {
	store     ledger.Outbox
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay wires a relay between an outbox and a publisher.
func NewRelay(store ledger.Outbox, publisher events.Publisher, opts Options, logger *slog.Logger) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run drains the outbox every Interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", slog.Duration("interval", r.opts.Interval))
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				r.logger.Error("outbox drain failed", slog.Any("error", err))
				break
			}
			// A full batch means more rows are probably due.
			if n < r.opts.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain makes one pass over due rows and returns how many were claimed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	rows, err := r.store.ClaimOutbox(ctx, r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		return 0, err
	}
	for _, rec := range rows {
		if ctx.Err() != nil {
			break
		}
		r.publish(ctx, rec)
	}
	return len(rows), nil
}

func (r *Relay) publish(ctx context.Context, rec ledger.OutboxRecord) {
	env := rec.Envelope
	pctx, cancel := context.WithTimeout(ctx, r.opts.PublishTimeout)
	err := r.publisher.Publish(pctx, env)
	cancel()

	if err == nil {
		if err := r.store.MarkPublished(ctx, env.ID); err != nil {
			r.logger.Error("mark outbox row published", slog.String("event_id", env.ID), slog.Any("error", err))
		}
		return
	}

	attempts := rec.Attempts + 1
	attrs := []slog.Attr{
		slog.String("event_id", env.ID),
		slog.String("topic", env.Topic),
		slog.String("transaction_id", env.Key),
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	}
	if attempts >= r.opts.Retry.Attempts() {
		if markErr := r.store.MarkDead(ctx, env.ID, attempts, err.Error()); markErr != nil {
			r.logger.Error("mark outbox row dead", slog.String("event_id", env.ID), slog.Any("error", markErr))
		}
		logging.Alert(ctx, r.logger, "outbox event dead-lettered", attrs...)
		return
	}

	next := r.now().Add(r.opts.Retry.Backoff(attempts))
	if schedErr := r.store.Reschedule(ctx, env.ID, attempts, next, err.Error()); schedErr != nil {
		r.logger.Error("reschedule outbox row", slog.String("event_id", env.ID), slog.Any("error", schedErr))
	}
	r.logger.LogAttrs(ctx, slog.LevelWarn, "outbox publish failed; rescheduled", append(attrs, slog.Time("next_run_at", next))...)
}

package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/transfer"
)

const timedOutReason = "saga timed out"

// StaleLister finds sagas stuck in PENDING.
type StaleLister interface {
	Stale(ctx context.Context, age time.Duration, limit int) ([]transfer.Transaction, error)
}

// Reaper rolls back sagas that stayed PENDING for longer than StaleAfter,
// for instance because their request event was never delivered. Sagas whose
// compensation already failed are left to an operator.
type Reaper struct {
	orchestrator *Orchestrator
	lister       StaleLister
	logger       *slog.Logger
	StaleAfter   time.Duration
	Interval     time.Duration
	BatchSize    int
}

// NewReaper builds a reaper.
func NewReaper(o *Orchestrator, lister StaleLister, staleAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		orchestrator: o,
		lister:       lister,
		logger:       logger,
		StaleAfter:   staleAfter,
		Interval:     interval,
		BatchSize:    100,
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("saga reaper sweep failed", slog.Any("error", err))
			} else if n > 0 {
				r.logger.Info("stale sagas rolled back", slog.Int("count", n))
			}
		}
	}
}

// Sweep compensates one batch of stale sagas and returns how many reached
// ROLLED_BACK.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.lister.Stale(ctx, r.StaleAfter, r.BatchSize)
	if err != nil {
		return 0, err
	}
	rolled := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			break
		}
		if t.AwaitsOperator() {
			continue
		}
		cause := errs.Errorf(errs.KindInfrastructure, "saga.Reaper", timedOutReason)
		out, _ := r.orchestrator.Compensate(ctx, t, cause)
		if out.Status == transfer.StatusRolledBack {
			rolled++
		}
	}
	return rolled, nil
}

package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/transfer-saga/internal/audit"
	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/ledger"
	"github.com/congo-pay/transfer-saga/internal/logging"
	"github.com/congo-pay/transfer-saga/internal/transfer"
)

type staleFunc func(ctx context.Context, age time.Duration, limit int) ([]transfer.Transaction, error)

func (f staleFunc) Stale(ctx context.Context, age time.Duration, limit int) ([]transfer.Transaction, error) {
	return f(ctx, age, limit)
}

func TestReaperRollsBackStuckSagas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedWallet(f.store, "A", dec("100"))
	ledger.SeedWallet(f.store, "B", dec("0"))

	// Debited, then the worker disappeared.
	_, _, err := f.ledger.Service.Accept(ctx, req("stuck", "A", "B", "40"), false)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Service.TransferOut(ctx, "A", dec("40"), "stuck"))
	_, err = f.orch.Execute(ctx, req("done", "A", "B", "10"))
	require.NoError(t, err)

	var gotAge time.Duration
	lister := staleFunc(func(ctx context.Context, age time.Duration, limit int) ([]transfer.Transaction, error) {
		gotAge = age
		stuck, err := f.store.GetTransfer(ctx, "stuck")
		if err != nil {
			return nil, err
		}
		return []transfer.Transaction{stuck}, nil
	})
	r := NewReaper(f.orch, lister, 5*time.Minute, time.Minute, logging.Discard())

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5*time.Minute, gotAge)

	stored, err := f.store.GetTransfer(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusRolledBack, stored.Status)
	assert.Equal(t, errs.InternalMessage, stored.CancelReason)
	assert.Equal(t, errs.KindInfrastructure, stored.FailureKind)
	assert.True(t, f.balance(t, "A").Equal(dec("90")))
	// Accepted outside the orchestrator, so there is no initiated entry.
	assert.Equal(t, []audit.Action{audit.ActionTransferFailed, audit.ActionTransferRollback}, f.audit.Actions("stuck"))
	for _, e := range f.audit.Entries() {
		if e.TransactionID == "stuck" && e.Action == audit.ActionTransferFailed {
			assert.Equal(t, timedOutReason, e.Description)
		}
	}

	var topics []string
	for _, rec := range f.store.OutboxSnapshot() {
		if rec.Envelope.Key == "stuck" {
			topics = append(topics, rec.Envelope.Topic)
		}
	}
	assert.Equal(t, []string{events.TopicFailed, events.TopicRollback}, topics)
}

func TestReaperLeavesFailedCompensationToOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedWallet(f.store, "A", dec("100"))
	ledger.SeedWallet(f.store, "B", dec("0"))
	f.ledger.failIn = errs.Errorf(errs.KindInfrastructure, "ledger.TransferIn", "disk full")
	f.ledger.failCancel = errs.Errorf(errs.KindInfrastructure, "ledger.CancelTransfer", "disk full")

	_, err := f.orch.Execute(ctx, req("t1", "A", "B", "40"))
	require.ErrorIs(t, err, errs.ErrCompensationFailed)
	f.ledger.failIn = nil
	f.ledger.failCancel = nil
	time.Sleep(5 * time.Millisecond)

	r := NewReaper(f.orch, f.ledger.Service, time.Millisecond, time.Minute, logging.Discard())
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Even when handed the saga directly, the reaper does not touch it.
	stored, err := f.store.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	direct := NewReaper(f.orch, staleFunc(func(context.Context, time.Duration, int) ([]transfer.Transaction, error) {
		return []transfer.Transaction{stored}, nil
	}), time.Millisecond, time.Minute, logging.Discard())
	n, err = direct.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err = f.store.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPending, stored.Status)
	assert.Equal(t, errs.KindCompensationFailed, stored.FailureKind)
	assert.True(t, f.balance(t, "A").Equal(dec("60")))
	assert.Equal(t, audit.ActionCompensationFailed, f.audit.Entries()[len(f.audit.Entries())-1].Action)
}

func TestReaperReportsListerFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	r := NewReaper(f.orch, staleFunc(func(context.Context, time.Duration, int) ([]transfer.Transaction, error) {
		return nil, boom
	}), time.Minute, time.Minute, logging.Discard())

	n, err := r.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(f.orch, f.ledger.Service, time.Hour, 5*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/transfer-saga/internal/logging"
)

func TestRecorderNormalizesEntries(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Record(context.Background(), Entry{Action: ActionTransferInitiated, TransactionID: "t1"}))
	require.NoError(t, r.Record(context.Background(), Entry{Action: ActionTransferSuccess, TransactionID: "t1"}))
	require.NoError(t, r.Record(context.Background(), Entry{Action: ActionTransferInitiated, TransactionID: "t2"}))

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, SeverityLow, entries[0].Severity)
	assert.Equal(t, []Action{ActionTransferInitiated, ActionTransferSuccess}, r.Actions("t1"))
}

func TestLoggerSinkEscalatesCritical(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sink := NewLoggerSink(logger)

	require.NoError(t, sink.Record(context.Background(), Entry{Action: ActionTransferSuccess, Severity: SeverityLow}))
	assert.Zero(t, buf.Len(), "low severity is below warn")

	require.NoError(t, sink.Record(context.Background(), Entry{
		Action:        ActionCompensationFailed,
		TransactionID: "t1",
		Amount:        decimal.RequireFromString("40"),
		Severity:      SeverityCritical,
	}))
	assert.Contains(t, buf.String(), `"action":"TRANSFER_COMPENSATION_FAILED"`)
	assert.Contains(t, buf.String(), `"amount":"40.00"`)
}

type failingSink struct{}

func (failingSink) Record(context.Context, Entry) error { return errors.New("db down") }

func TestTeeJoinsErrorsAndSharesID(t *testing.T) {
	var a, b Recorder
	err := Tee{&a, failingSink{}, &b}.Record(context.Background(), Entry{Action: ActionTransferFailed})
	assert.ErrorContains(t, err, "db down")
	require.Len(t, a.Entries(), 1)
	require.Len(t, b.Entries(), 1)
	assert.Equal(t, a.Entries()[0].ID, b.Entries()[0].ID)
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Entry
}

func (s *blockingSink) Record(_ context.Context, e Entry) error {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestAsyncNeverBlocksCaller(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{})}
	async := NewAsync(slow, 1, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- async.Run(ctx) }()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, async.Record(context.Background(), Entry{Action: ActionTransferInitiated}))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, async.Dropped())

	close(slow.release)
	require.Eventually(t, func() bool { return slow.count() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("async sink did not stop")
	}
	assert.Equal(t, int64(10), async.Dropped()+int64(slow.count()))
}

func TestAsyncFlushesOnShutdown(t *testing.T) {
	var rec Recorder
	async := NewAsync(&rec, 16, logging.Discard())
	for i := 0; i < 5; i++ {
		require.NoError(t, async.Record(context.Background(), Entry{Action: ActionTransferRollback}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, async.Run(ctx))
	assert.Len(t, rec.Entries(), 5)
}

package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Async hands entries to a background goroutine so that the caller never
// waits on the underlying sink. When the buffer is full the entry is dropped
// and counted.
type Async struct {
	next    Sink
	queue   chan Entry
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAsync wraps next with a buffer of size entries.
func NewAsync(next Sink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	return &Async{next: next, queue: make(chan Entry, size), logger: logger}
}

// Record enqueues e without blocking.
func (a *Async) Record(_ context.Context, e Entry) error {
	select {
	case a.queue <- e.normalize():
	default:
		a.dropped.Add(1)
		a.logger.Warn("audit buffer full; entry dropped",
			slog.String("action", string(e.Action)),
			slog.String("transaction_id", e.TransactionID),
		)
	}
	return nil
}

// Dropped reports how many entries were lost to a full buffer.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run writes queued entries until ctx is done, then flushes what is left
// within a short grace period.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case e := <-a.queue:
			a.write(ctx, e)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case e := <-a.queue:
					a.write(flushCtx, e)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) write(ctx context.Context, e Entry) {
	if err := a.next.Record(ctx, e); err != nil {
		a.logger.Error("audit write failed",
			slog.String("action", string(e.Action)),
			slog.String("transaction_id", e.TransactionID),
			slog.Any("error", err),
		)
	}
}

// Package audit records one append-only entry per saga transition. The saga
// produces entries and never reads them back.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/logging"
)

// Action names a saga transition.
type Action string

const (
	ActionTransferInitiated  Action = "TRANSFER_INITIATED"
	ActionTransferSuccess    Action = "TRANSFER_SUCCESS"
	ActionTransferFailed     Action = "TRANSFER_FAILED"
	ActionTransferRollback   Action = "TRANSFER_ROLLBACK"
	ActionCompensationFailed Action = "TRANSFER_COMPENSATION_FAILED"
)

// Severity grades an entry for compliance review.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is one audit record.
type Entry struct {
	ID            string
	Action        Action
	TransactionID string
	FromWalletID  string
	ToWalletID    string
	Amount        decimal.Decimal
	Status        string
	Severity      Severity
	Description   string
	Timestamp     time.Time
}

// normalize fills the id, timestamp and default severity.
func (e Entry) normalize() Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	return e
}

// Sink stores audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// LoggerSink writes entries to a structured logger. CRITICAL entries are
// logged at the alert level.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink builds a sink over logger.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Record(ctx context.Context, e Entry) error {
	e = e.normalize()
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityHigh:
		level = slog.LevelWarn
	case SeverityCritical:
		level = logging.LevelAlert
	}
	s.logger.LogAttrs(ctx, level, "audit",
		slog.String("audit_id", e.ID),
		slog.String("action", string(e.Action)),
		slog.String("transaction_id", e.TransactionID),
		slog.String("from_wallet_id", e.FromWalletID),
		slog.String("to_wallet_id", e.ToWalletID),
		slog.String("amount", e.Amount.StringFixed(2)),
		slog.String("status", e.Status),
		slog.String("severity", string(e.Severity)),
		slog.String("description", e.Description),
		slog.Time("timestamp", e.Timestamp),
	)
	return nil
}

// Tee records to every sink and joins their errors.
type Tee []Sink

func (t Tee) Record(ctx context.Context, e Entry) error {
	e = e.normalize()
	var errs []error
	for _, s := range t {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps entries in memory. It is meant for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Record(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e.normalize())
	return nil
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Actions returns the recorded actions for txID in order.
func (r *Recorder) Actions(txID string) []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, e := range r.entries {
		if e.TransactionID == txID {
			out = append(out, e.Action)
		}
	}
	return out
}

// Package ledger owns wallet balances, saga records and the transactional
// outbox. All three are written through one unit of work so that a balance
// change, the saga step it belongs to and the events it produces commit or
// abort together.
package ledger

import (
	"context"
	"time"

	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// Outbox row statuses.
const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
	OutboxDead      = "DEAD"
)

// Tx is the view of the store inside a unit of work. Reads see the writes
// staged earlier in the same unit. Updates are conditional on the Version
// carried by the value passed in, which must be the version that was read.
type Tx interface {
	Wallet(ctx context.Context, id string) (wallet.Wallet, error)
	UpdateWallet(ctx context.Context, w wallet.Wallet) error
	Transfer(ctx context.Context, id string) (transfer.Transaction, error)
	InsertTransfer(ctx context.Context, t transfer.Transaction) error
	UpdateTransfer(ctx context.Context, t transfer.Transaction) error
	Enqueue(ctx context.Context, env events.Envelope) error
}

// OutboxRecord is one staged event waiting for the relay.
type OutboxRecord struct {
	Envelope  events.Envelope
	Status    string
	Attempts  int
	NextRunAt time.Time
	LastError string
}

// Outbox is the relay side of the transactional outbox.
type Outbox interface {
	// ClaimOutbox leases up to limit due rows for lease so that concurrent
	// relays do not publish the same row at the same time.
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
}

// Store is implemented by the in-memory and Postgres backends.
type Store interface {
	wallet.Repository
	Outbox

	// InTx runs fn in a unit of work. Nothing fn staged is visible to others
	// unless fn returns nil and the commit succeeds.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetTransfer(ctx context.Context, id string) (transfer.Transaction, error)
	// StalePending lists PENDING sagas not updated since before.
	StalePending(ctx context.Context, before time.Time, limit int) ([]transfer.Transaction, error)
}

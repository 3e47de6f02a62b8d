// Package events is the event channel between request producers, the saga
// orchestrator and downstream consumers. Delivery is at-least-once; every
// consumer must be idempotent by transaction id.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topics.
const (
	TopicRequest  = "transfer.request"
	TopicSuccess  = "transfer.success"
	TopicFailed   = "transfer.failed"
	TopicRollback = "transfer.rollback"
)

// OutcomeTopics are the streams a saga emits once it leaves PENDING.
var OutcomeTopics = []string{TopicSuccess, TopicFailed, TopicRollback}

// Envelope is the unit carried by the channel. Key is the transaction id and
// decides which worker handles the message.
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Request is the payload of transfer.request.
type Request struct {
	TransactionID string          `json:"transactionId"`
	FromWalletID  string          `json:"fromWalletId"`
	ToWalletID    string          `json:"toWalletId"`
	Amount        decimal.Decimal `json:"amount"`
}

// Success is the payload of transfer.success.
type Success struct {
	EventID       string          `json:"eventId"`
	TransactionID string          `json:"transactionId"`
	FromWalletID  string          `json:"fromWalletId"`
	ToWalletID    string          `json:"toWalletId"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Failed is the payload of transfer.failed.
type Failed struct {
	EventID       string    `json:"eventId"`
	TransactionID string    `json:"transactionId"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Rollback is the payload of transfer.rollback.
type Rollback struct {
	EventID       string    `json:"eventId"`
	TransactionID string    `json:"transactionId"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

func newEnvelope(topic, key string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Envelope{ID: uuid.NewString(), Topic: topic, Key: key, Payload: raw, OccurredAt: at.UTC()}, nil
}

// NewRequest wraps a transfer request.
func NewRequest(r Request, at time.Time) (Envelope, error) {
	return newEnvelope(TopicRequest, r.TransactionID, r, at)
}

// NewSuccess builds the success event of a confirmed transfer.
func NewSuccess(txID, from, to string, amount decimal.Decimal, at time.Time) (Envelope, error) {
	return newEnvelope(TopicSuccess, txID, Success{
		EventID:       uuid.NewString(),
		TransactionID: txID,
		FromWalletID:  from,
		ToWalletID:    to,
		Amount:        amount,
		Timestamp:     at.UTC(),
	}, at)
}

// NewFailed builds the failed event of a compensated transfer.
func NewFailed(txID, reason string, at time.Time) (Envelope, error) {
	return newEnvelope(TopicFailed, txID, Failed{EventID: uuid.NewString(), TransactionID: txID, Reason: reason, Timestamp: at.UTC()}, at)
}

// NewRollback builds the rollback event of a compensated transfer.
func NewRollback(txID, reason string, at time.Time) (Envelope, error) {
	return newEnvelope(TopicRollback, txID, Rollback{EventID: uuid.NewString(), TransactionID: txID, Reason: reason, Timestamp: at.UTC()}, at)
}

// Decode unmarshals the payload of env into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload %s: %w", env.Topic, env.ID, err)
	}
	return v, nil
}

// Handler processes one delivery. A nil return acknowledges it; an error
// leaves it for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Publisher appends an envelope to its topic.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Subscription names a consumer group on one topic.
type Subscription struct {
	Topic    string
	Group    string
	Consumer string
	// Workers is the number of key shards handled in parallel.
	Workers int
}

func (s Subscription) workers() int {
	if s.Workers <= 0 {
		return 1
	}
	return s.Workers
}

// Subscriber runs a consumer loop until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, sub Subscription, h Handler) error
}

// Bus is a Publisher and a Subscriber.
type Bus interface {
	Publisher
	Subscriber
}

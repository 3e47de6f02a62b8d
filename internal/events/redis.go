package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

const (
	streamPrefix     = "stream:"
	defaultMaxLen    = 100_000
	defaultBlock     = 2 * time.Second
	defaultBatch     = 32
	defaultClaimIdle = 30 * time.Second
)

// RedisBus carries envelopes over Redis Streams. Each topic is one stream,
// each subscription a consumer group. Entries are acknowledged only after the
// handler returns nil; entries left pending by a crashed or failing consumer
// are reclaimed with XAUTOCLAIM once idle for ClaimIdle.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	MaxLen    int64
	Block     time.Duration
	Batch     int64
	ClaimIdle time.Duration
}

// NewRedisBus wires a bus on top of an existing client.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:    client,
		logger:    logger,
		MaxLen:    defaultMaxLen,
		Block:     defaultBlock,
		Batch:     defaultBatch,
		ClaimIdle: defaultClaimIdle,
	}
}

// StreamName returns the Redis key backing topic.
func StreamName(topic string) string {
	return streamPrefix + topic
}

// Publish appends env to its stream.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(env.Topic),
		MaxLen: b.MaxLen,
		Approx: true,
		Values: map[string]any{
			"id":          env.ID,
			"key":         env.Key,
			"payload":     string(env.Payload),
			"occurred_at": env.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return errs.E(errs.KindInfrastructure, "events.Publish", fmt.Errorf("xadd %s: %w", env.Topic, err))
	}
	return nil
}

type redisDelivery struct {
	msgID string
	env   Envelope
}

// Subscribe reads sub.Topic as sub.Group until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	stream := StreamName(sub.Topic)
	if sub.Consumer == "" {
		sub.Consumer = sub.Group + "-1"
	}
	if err := b.ensureGroup(ctx, stream, sub.Group); err != nil {
		return err
	}

	workers := newShards(sub.workers(), func(d redisDelivery) {
		b.handle(ctx, stream, sub, h, d)
	})
	defer workers.close()

	lastClaim := time.Time{}
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= b.ClaimIdle/2 {
			lastClaim = time.Now()
			if !b.reclaim(ctx, stream, sub, workers) {
				return nil
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.Group,
			Consumer: sub.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.Batch,
			Block:    b.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("xreadgroup failed", slog.String("stream", stream), slog.String("group", sub.Group), slog.Any("error", err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if !b.dispatch(ctx, workers, stream, sub, msg) {
					return nil
				}
			}
		}
	}
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errs.E(errs.KindInfrastructure, "events.Subscribe", fmt.Errorf("create group %s on %s: %w", group, stream, err))
	}
	return nil
}

// reclaim takes over entries another consumer left pending for too long.
func (b *RedisBus) reclaim(ctx context.Context, stream string, sub Subscription, workers *shards[redisDelivery]) bool {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    sub.Group,
			Consumer: sub.Consumer,
			MinIdle:  b.ClaimIdle,
			Start:    start,
			Count:    b.Batch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("xautoclaim failed", slog.String("stream", stream), slog.String("group", sub.Group), slog.Any("error", err))
			}
			return ctx.Err() == nil
		}
		for _, msg := range msgs {
			if !b.dispatch(ctx, workers, stream, sub, msg) {
				return false
			}
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return true
		}
		start = next
	}
}

func (b *RedisBus) dispatch(ctx context.Context, workers *shards[redisDelivery], stream string, sub Subscription, msg redis.XMessage) bool {
	env, err := decodeMessage(sub.Topic, msg)
	if err != nil {
		// An entry that cannot be decoded never will be; ack it so it stops
		// coming back.
		b.logger.Error("malformed stream entry", slog.String("stream", stream), slog.String("msg_id", msg.ID), slog.Any("error", err))
		b.ack(ctx, stream, sub.Group, msg.ID)
		return true
	}
	return workers.dispatch(ctx, env.Key, redisDelivery{msgID: msg.ID, env: env})
}

func (b *RedisBus) handle(ctx context.Context, stream string, sub Subscription, h Handler, d redisDelivery) {
	if err := h(ctx, d.env); err != nil {
		b.logger.Warn("event handler failed; left pending",
			slog.String("topic", sub.Topic),
			slog.String("group", sub.Group),
			slog.String("msg_id", d.msgID),
			slog.String("transaction_id", d.env.Key),
			slog.Any("error", err),
		)
		return
	}
	b.ack(ctx, stream, sub.Group, d.msgID)
}

func (b *RedisBus) ack(ctx context.Context, stream, group, msgID string) {
	if err := b.client.XAck(ctx, stream, group, msgID).Err(); err != nil {
		b.logger.Warn("xack failed", slog.String("stream", stream), slog.String("msg_id", msgID), slog.Any("error", err))
	}
}

func decodeMessage(topic string, msg redis.XMessage) (Envelope, error) {
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}
	env := Envelope{
		ID:      field("id"),
		Topic:   topic,
		Key:     field("key"),
		Payload: json.RawMessage(field("payload")),
	}
	if env.ID == "" || len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("entry %s missing id or payload", msg.ID)
	}
	if !json.Valid(env.Payload) {
		return Envelope{}, fmt.Errorf("entry %s payload is not json", msg.ID)
	}
	if ts := field("occurred_at"); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Envelope{}, fmt.Errorf("entry %s occurred_at: %w", msg.ID, err)
		}
		env.OccurredAt = at
	}
	return env, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

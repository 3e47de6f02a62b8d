package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	memoryMaxDeliveries   = 5
	memoryRedeliveryDelay = 10 * time.Millisecond
	memoryPollInterval    = 50 * time.Millisecond
)

// MemoryBus is an in-process Bus. Each topic is an append-only log and every
// consumer group keeps its own offset, so a late subscriber still sees earlier
// messages. A failed handler is retried in place a bounded number of times.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	logs   map[string][]Envelope
	groups map[string]*memoryGroup
}

type memoryGroup struct {
	topic  string
	offset int
	wake   chan struct{}
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger,
		logs:   make(map[string][]Envelope),
		groups: make(map[string]*memoryGroup),
	}
}

// Publish appends env to its topic log.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[env.Topic] = append(b.logs[env.Topic], env)
	for _, g := range b.groups {
		if g.topic != env.Topic {
			continue
		}
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Published returns a copy of every envelope published on topic.
func (b *MemoryBus) Published(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.logs[topic]...)
}

// Subscribe consumes sub.Topic as sub.Group until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	g := b.group(sub)
	workers := newShards(sub.workers(), func(env Envelope) {
		b.deliver(ctx, sub, h, env)
	})
	defer workers.close()

	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()

	for {
		for _, env := range b.next(g) {
			if !workers.dispatch(ctx, env.Key, env) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-g.wake:
		case <-ticker.C:
		}
	}
}

func (b *MemoryBus) group(sub Subscription) *memoryGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sub.Topic + "/" + sub.Group
	g, ok := b.groups[key]
	if !ok {
		g = &memoryGroup{topic: sub.Topic, wake: make(chan struct{}, 1)}
		b.groups[key] = g
	}
	return g
}

func (b *MemoryBus) next(g *memoryGroup) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.logs[g.topic]
	if g.offset >= len(log) {
		return nil
	}
	batch := append([]Envelope(nil), log[g.offset:]...)
	g.offset = len(log)
	return batch
}

func (b *MemoryBus) deliver(ctx context.Context, sub Subscription, h Handler, env Envelope) {
	for attempt := 1; attempt <= memoryMaxDeliveries; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return
		}
		b.logger.Warn("event handler failed",
			slog.String("topic", sub.Topic),
			slog.String("group", sub.Group),
			slog.String("event_id", env.ID),
			slog.String("transaction_id", env.Key),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(memoryRedeliveryDelay):
		}
	}
	b.logger.Error("event dropped after max deliveries",
		slog.String("topic", sub.Topic),
		slog.String("group", sub.Group),
		slog.String("event_id", env.ID),
		slog.String("transaction_id", env.Key),
	)
}

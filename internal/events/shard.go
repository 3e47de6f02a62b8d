package events

import (
	"context"
	"hash/fnv"
	"sync"
)

// shards fans items out to a fixed set of workers so that items with the same
// key are processed in order by a single goroutine.
type shards[T any] struct {
	queues []chan T
	wg     sync.WaitGroup
}

func newShards[T any](n int, handle func(T)) *shards[T] {
	s := &shards[T]{queues: make([]chan T, n)}
	for i := range s.queues {
		q := make(chan T, 16)
		s.queues[i] = q
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for item := range q {
				handle(item)
			}
		}()
	}
	return s
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// dispatch queues item on the shard for key. It returns false if ctx ended first.
func (s *shards[T]) dispatch(ctx context.Context, key string, item T) bool {
	select {
	case s.queues[shardFor(key, len(s.queues))] <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// close stops accepting items and waits for queued ones to drain.
func (s *shards[T]) close() {
	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()
}

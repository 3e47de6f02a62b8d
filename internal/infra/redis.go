package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func redisOptions(url string, poolSize int) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}
	return opt, nil
}

// NewRedisClient builds the client used by the event bus, idempotency and
// rate limiting, and verifies connectivity. A poolSize of zero keeps the
// go-redis default.
func NewRedisClient(ctx context.Context, url string, poolSize int) (*redis.Client, error) {
	opt, err := redisOptions(url, poolSize)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

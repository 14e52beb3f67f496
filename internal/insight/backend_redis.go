package insight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps cached insights in Redis with native TTL expiry.
// Enabled when REDIS_URL is set.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects to the given Redis URL and verifies the
// connection.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

func key(tenantID int64, kind, period string) string {
	return fmt.Sprintf("insight:%d:%s:%s", tenantID, kind, period)
}

func (b *RedisBackend) Get(ctx context.Context, tenantID int64, kind, period string) ([]byte, bool, error) {
	payload, err := b.rdb.Get(ctx, key(tenantID, kind, period)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, tenantID int64, kind, period string, payload []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key(tenantID, kind, period), payload, ttl).Err()
}

// InvalidateTenant scans for the tenant's keys and deletes them. SCAN keeps
// this incremental so a large keyspace never blocks Redis.
func (b *RedisBackend) InvalidateTenant(ctx context.Context, tenantID int64) error {
	iter := b.rdb.Scan(ctx, 0, fmt.Sprintf("insight:%d:*", tenantID), 100).Iterator()
	for iter.Next(ctx) {
		if err := b.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the client connection pool.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisMedium stores each collection blob as a plain Redis string.
type RedisMedium struct {
	client *redis.Client
	prefix string
}

// NewRedisMedium connects to Redis at addr. Keys are namespaced by prefix.
func NewRedisMedium(addr, password, prefix string) *RedisMedium {
	return NewRedisMediumFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix)
}

// NewRedisMediumFromClient wraps an existing client.
func NewRedisMediumFromClient(client *redis.Client, prefix string) *RedisMedium {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "examprep"
	}
	return &RedisMedium{client: client, prefix: prefix}
}

// Ping verifies connectivity.
func (m *RedisMedium) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return m.client.Ping(ctx).Err()
}

func (m *RedisMedium) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	val, err := m.client.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (m *RedisMedium) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return m.client.Set(ctx, m.key(key), value, 0).Err()
}

func (m *RedisMedium) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return m.client.Del(ctx, m.key(key)).Err()
}

// Close releases the underlying client.
func (m *RedisMedium) Close() error {
	return m.client.Close()
}

func (m *RedisMedium) key(k string) string {
	return m.prefix + ":" + k
}

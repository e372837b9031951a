package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by OpenMedium.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a medium.
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	SQLitePath    string
	DatabaseURL   string
}

// OpenMedium constructs the medium named by opts.Backend. The returned
// close func is never nil.
func OpenMedium(ctx context.Context, opts Options) (Medium, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryMedium(), noop, nil
	case BackendRedis:
		m := NewRedisMedium(opts.RedisAddr, opts.RedisPassword, opts.RedisPrefix)
		if err := m.Ping(ctx); err != nil {
			_ = m.Close()
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		return m, m.Close, nil
	case BackendSQLite:
		m, err := NewSQLiteMedium(opts.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return m, m.Close, nil
	case BackendPostgres:
		m, err := NewPostgresMedium(opts.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		return m, m.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

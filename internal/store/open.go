package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpenSessionStore returns the Postgres store when dsn is set and an
// in-process store otherwise. The in-process store is not shared between
// the API and worker binaries.
func OpenSessionStore(ctx context.Context, dsn string) (SessionStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemorySessionStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresSessionStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// ResultStoreOptions selects and sizes a ResultStore.
type ResultStoreOptions struct {
	Backend       string
	CapacityBytes int
	MaxEntryBytes int
	KeyPrefix     string
	TTL           time.Duration
}

// OpenResultStore builds the configured backend. client is only used by
// the redis backend.
func OpenResultStore(opts ResultStoreOptions, client redis.UniversalClient) (ResultStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "memory":
		return NewMemoryResultStore(opts.CapacityBytes), nil
	case "redis":
		return NewRedisResultStore(client, opts.KeyPrefix, opts.MaxEntryBytes, opts.TTL)
	default:
		return nil, fmt.Errorf("unsupported result store backend %q", opts.Backend)
	}
}

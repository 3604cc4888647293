package store

import (
	"context"
	"testing"
)

func TestOpenResultStoreBackends(t *testing.T) {
	rs, err := OpenResultStore(ResultStoreOptions{Backend: "", CapacityBytes: 1024}, nil)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := rs.(*MemoryResultStore); !ok {
		t.Fatalf("expected memory store, got %T", rs)
	}

	if _, err := OpenResultStore(ResultStoreOptions{Backend: "redis"}, nil); err == nil {
		t.Fatal("redis backend without a client should fail")
	}
	if _, err := OpenResultStore(ResultStoreOptions{Backend: "etcd"}, nil); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestOpenSessionStoreWithoutDSN(t *testing.T) {
	sessions, closeFn, err := OpenSessionStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()
	if _, ok := sessions.(*MemorySessionStore); !ok {
		t.Fatalf("expected memory store, got %T", sessions)
	}
}

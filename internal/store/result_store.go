package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/printarea"
)

// ErrCapacityExceeded is returned by a ResultStore when a write does not fit.
// Callers degrade the entry instead of failing.
var ErrCapacityExceeded = errors.New("result store capacity exceeded")

// ResultStore is a capacity-bounded key-value store for the latest
// composited or enhanced image of a session or image identity.
type ResultStore interface {
	Put(ctx context.Context, key string, entry Entry) error
	Get(ctx context.Context, key string) (Entry, bool, error)
	Delete(ctx context.Context, key string) error
}

// ProductContext is the minimum product information needed to re-render
// a stored result.
type ProductContext struct {
	Product   *domain.ProductSelection `json:"product,omitempty"`
	PrintArea *printarea.Spec          `json:"print_area,omitempty"`
}

// Entry is one stored result. Primary holds PNG bytes. Alternates and Cached
// are optional and are the first to go under capacity pressure.
type Entry struct {
	Primary     []byte                    `json:"primary,omitempty"`
	PrimaryRef  string                    `json:"primary_ref,omitempty"`
	Alternates  map[string][]byte         `json:"alternates,omitempty"`
	Cached      map[string][]byte         `json:"cached,omitempty"`
	Enhancement *domain.EnhancementRecord `json:"enhancement,omitempty"`
	Product     *ProductContext           `json:"product,omitempty"`
	Settings    *domain.ToolSettings      `json:"settings,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// entryOverhead approximates the non-payload cost of an entry.
const entryOverhead = 512

// Size is the byte footprint the memory store charges for an entry.
func (e Entry) Size() int {
	n := entryOverhead + len(e.Primary) + len(e.PrimaryRef)
	for k, v := range e.Alternates {
		n += len(k) + len(v)
	}
	for k, v := range e.Cached {
		n += len(k) + len(v)
	}
	return n
}

// MemoryResultStore bounds the total size of stored entries in bytes.
type MemoryResultStore struct {
	mu       sync.Mutex
	capacity int
	used     int
	entries  map[string]Entry
}

// NewMemoryResultStore returns a store holding at most capacity bytes.
// capacity <= 0 means unbounded.
func NewMemoryResultStore(capacity int) *MemoryResultStore {
	return &MemoryResultStore{
		capacity: capacity,
		entries:  make(map[string]Entry),
	}
}

func (s *MemoryResultStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used
	if prev, ok := s.entries[key]; ok {
		used -= prev.Size()
	}
	size := entry.Size()
	if s.capacity > 0 && used+size > s.capacity {
		return ErrCapacityExceeded
	}

	s.entries[key] = entry
	s.used = used + size
	return nil
}

func (s *MemoryResultStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *MemoryResultStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[key]; ok {
		s.used -= prev.Size()
		delete(s.entries, key)
	}
	return nil
}

// Used reports the bytes currently charged.
func (s *MemoryResultStore) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

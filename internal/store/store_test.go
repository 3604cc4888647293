package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/redis/go-redis/v9"
)

func sampleEntry() Entry {
	return Entry{
		Primary:    bytes.Repeat([]byte{1}, 1000),
		PrimaryRef: "enhanced/ses/a.png",
		Alternates: map[string][]byte{"thumbnail": bytes.Repeat([]byte{2}, 2000)},
		Cached:     map[string][]byte{"preview": bytes.Repeat([]byte{3}, 3000)},
		Enhancement: &domain.EnhancementRecord{
			Identity: "ses",
			State:    domain.EnhancementSucceeded,
		},
		Product: &ProductContext{Product: &domain.ProductSelection{Name: "Kiss-Cut Sticker"}},
	}
}

func TestPersistWithFallbackFullWhenItFits(t *testing.T) {
	s := NewMemoryResultStore(0)
	report, err := PersistWithFallback(context.Background(), s, "k", sampleEntry())
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if report.Level != PersistFull || report.Degraded() || report.Attempts != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestPersistWithFallbackDropsAlternatesFirst(t *testing.T) {
	entry := sampleEntry()
	s := NewMemoryResultStore(entry.Size() - 1000)

	report, err := PersistWithFallback(context.Background(), s, "k", entry)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if report.Level != PersistPrimaryOnly {
		t.Fatalf("expected primary_only, got %s", report.Level)
	}
	if report.Attempts != 3 {
		t.Fatalf("expected two full attempts then one success, got %d", report.Attempts)
	}

	stored, ok, _ := s.Get(context.Background(), "k")
	if !ok || stored.Alternates != nil || stored.Cached == nil {
		t.Fatalf("primary_only should keep cached fields and drop alternates, got %+v", stored)
	}
}

func TestPersistWithFallbackMinimal(t *testing.T) {
	entry := sampleEntry()
	s := NewMemoryResultStore(entry.Size() - 4000)

	report, err := PersistWithFallback(context.Background(), s, "k", entry)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if report.Level != PersistMinimal {
		t.Fatalf("expected minimal, got %s", report.Level)
	}

	stored, _, _ := s.Get(context.Background(), "k")
	if stored.Cached != nil || stored.Alternates != nil {
		t.Fatal("minimal entry must not carry cached or alternate fields")
	}
	if !bytes.Equal(stored.Primary, entry.Primary) || stored.Enhancement == nil || stored.Product == nil {
		t.Fatal("minimal entry must keep primary, enhancement marker and product context")
	}
}

func TestPersistWithFallbackSessionOnlyIsNotAnError(t *testing.T) {
	s := NewMemoryResultStore(10)
	report, err := PersistWithFallback(context.Background(), s, "k", sampleEntry())
	if err != nil {
		t.Fatalf("capacity failures must be absorbed, got %v", err)
	}
	if report.Level != PersistSessionOnly {
		t.Fatalf("expected session_only, got %s", report.Level)
	}
	if report.Attempts != 6 {
		t.Fatalf("expected three rungs with one retry each, got %d", report.Attempts)
	}
	if _, ok, _ := s.Get(context.Background(), "k"); ok {
		t.Fatal("nothing should have been stored")
	}
}

func TestPersistWithFallbackRetriesOnce(t *testing.T) {
	s := &flakyStore{ResultStore: NewMemoryResultStore(0), failures: 1, err: ErrCapacityExceeded}
	report, err := PersistWithFallback(context.Background(), s, "k", sampleEntry())
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if report.Level != PersistFull || report.Attempts != 2 {
		t.Fatalf("a single transient capacity failure should be retried at the same level, got %+v", report)
	}
}

func TestPersistWithFallbackSurfacesOtherErrors(t *testing.T) {
	boom := errors.New("connection refused")
	s := &flakyStore{ResultStore: NewMemoryResultStore(0), failures: 10, err: boom}
	_, err := PersistWithFallback(context.Background(), s, "k", sampleEntry())
	if !errors.Is(err, boom) {
		t.Fatalf("expected the store error, got %v", err)
	}
}

func TestMemoryResultStoreAccounting(t *testing.T) {
	s := NewMemoryResultStore(0)
	ctx := context.Background()

	entry := Entry{Primary: make([]byte, 100)}
	_ = s.Put(ctx, "a", entry)
	_ = s.Put(ctx, "a", entry)
	if got := s.Used(); got != entry.Size() {
		t.Fatalf("overwrite must not double count, used=%d", got)
	}
	_ = s.Delete(ctx, "a")
	if got := s.Used(); got != 0 {
		t.Fatalf("expected 0 after delete, got %d", got)
	}
}

func TestMemorySessionStoreUpdate(t *testing.T) {
	s := NewMemorySessionStore()
	ctx := context.Background()

	if err := s.Create(ctx, domain.Session{ID: "ses-1", Status: domain.SessionStatusCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, domain.Session{ID: "ses-1"}); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	updated, err := UpdateStatus(ctx, s, "ses-1", domain.SessionStatusQueued)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.SessionStatusQueued || updated.UpdatedAt.IsZero() {
		t.Fatalf("unexpected session %+v", updated)
	}

	if _, err := UpdateStatus(ctx, s, "missing", domain.SessionStatusQueued); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	failing := errors.New("rejected")
	if _, err := s.Update(ctx, "ses-1", func(*domain.Session) error { return failing }); !errors.Is(err, failing) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	got, _, _ := s.Get(ctx, "ses-1")
	if got.Status != domain.SessionStatusQueued {
		t.Fatal("failed update must not change the stored session")
	}
}

func TestRedisResultStoreCodec(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	s, err := NewRedisResultStore(client, "", 0, time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	entry := sampleEntry()
	payload, err := s.encode(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) >= entry.Size() {
		t.Fatalf("expected repetitive payload to compress, got %d bytes", len(payload))
	}

	decoded, err := s.decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Primary, entry.Primary) || decoded.Enhancement.State != domain.EnhancementSucceeded {
		t.Fatalf("decoded entry differs: %+v", decoded.Enhancement)
	}
	if s.redisKey("x") != "printforge:results:x" {
		t.Fatalf("unexpected key %s", s.redisKey("x"))
	}
}

func TestRedisResultStoreEntryLimit(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	s, err := NewRedisResultStore(client, "test", 8, time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Put(context.Background(), "k", sampleEntry()); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded before any network call, got %v", err)
	}

	if !isOOM(errors.New("OOM command not allowed when used memory > 'maxmemory'.")) {
		t.Fatal("expected OOM reply to be recognised")
	}
	if isOOM(errors.New("ERR wrong number of arguments")) {
		t.Fatal("non-OOM reply misclassified")
	}
}

type flakyStore struct {
	ResultStore
	failures int
	err      error
}

func (f *flakyStore) Put(ctx context.Context, key string, entry Entry) error {
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.ResultStore.Put(ctx, key, entry)
}

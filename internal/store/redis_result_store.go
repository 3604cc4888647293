package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// RedisResultStore keeps entries as zstd-compressed JSON. Capacity is
// enforced per entry by maxEntryBytes and globally by Redis maxmemory, whose
// OOM rejections map to ErrCapacityExceeded.
type RedisResultStore struct {
	client        redis.UniversalClient
	keyPrefix     string
	maxEntryBytes int
	ttl           time.Duration
	encoder       *zstd.Encoder
	decoder       *zstd.Decoder
}

func NewRedisResultStore(client redis.UniversalClient, keyPrefix string, maxEntryBytes int, ttl time.Duration) (*RedisResultStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "printforge:results"
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &RedisResultStore{
		client:        client,
		keyPrefix:     keyPrefix,
		maxEntryBytes: maxEntryBytes,
		ttl:           ttl,
		encoder:       encoder,
		decoder:       decoder,
	}, nil
}

func (s *RedisResultStore) Put(ctx context.Context, key string, entry Entry) error {
	payload, err := s.encode(entry)
	if err != nil {
		return err
	}
	if s.maxEntryBytes > 0 && len(payload) > s.maxEntryBytes {
		return fmt.Errorf("%w: entry %s is %d bytes, limit %d", ErrCapacityExceeded, key, len(payload), s.maxEntryBytes)
	}

	if err := s.client.Set(ctx, s.redisKey(key), payload, s.ttl).Err(); err != nil {
		if isOOM(err) {
			return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
		}
		return fmt.Errorf("write result %s: %w", key, err)
	}
	return nil
}

func (s *RedisResultStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	payload, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read result %s: %w", key, err)
	}

	entry, err := s.decode(payload)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode result %s: %w", key, err)
	}
	return entry, true, nil
}

func (s *RedisResultStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete result %s: %w", key, err)
	}
	return nil
}

func (s *RedisResultStore) redisKey(key string) string {
	return s.keyPrefix + ":" + key
}

func (s *RedisResultStore) encode(entry Entry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal result entry: %w", err)
	}
	return s.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (s *RedisResultStore) decode(payload []byte) (Entry, error) {
	raw, err := s.decoder.DecodeAll(payload, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("zstd decode: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal result entry: %w", err)
	}
	return entry, nil
}

func isOOM(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "OOM ")
}

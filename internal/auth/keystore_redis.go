package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentland/a2a-gateway/internal/infra"
)

// RedisClient is the part of infra.GoRedisAdapter the key store uses.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisKeyStore stores one JSON value per key hash plus an index set.
type RedisKeyStore struct {
	client RedisClient
	prefix string
}

func NewRedisKeyStore(client RedisClient, prefix string) *RedisKeyStore {
	if prefix == "" {
		prefix = "a2a"
	}
	return &RedisKeyStore{client: client, prefix: prefix}
}

func (s *RedisKeyStore) indexKey() string { return s.prefix + ":apikeys" }
func (s *RedisKeyStore) recordKey(hash string) string { return s.prefix + ":apikey:" + hash }

func (s *RedisKeyStore) Load(ctx context.Context) ([]*APIKeyRecord, error) {
	hashes, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	records := make([]*APIKeyRecord, 0, len(hashes))
	for _, h := range hashes {
		data, err := s.client.Get(ctx, s.recordKey(h))
		if errors.Is(err, infra.ErrKeyNotFound) {
			slog.Warn("[KeyStore] indexed api key has no record", "key_hash", h)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get api key %s: %w", h, err)
		}
		var rec APIKeyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptKeyStore, s.recordKey(h), err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (s *RedisKeyStore) Save(ctx context.Context, records []*APIKeyRecord) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode api key: %w", err)
		}
		if err := s.client.Set(ctx, s.recordKey(rec.KeyHash), data, 0); err != nil {
			return fmt.Errorf("store api key: %w", err)
		}
		if err := s.client.SAdd(ctx, s.indexKey(), rec.KeyHash); err != nil {
			return fmt.Errorf("index api key: %w", err)
		}
	}
	return nil
}

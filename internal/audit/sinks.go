package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// =============================================================================
// FILE SINK
// =============================================================================

// FileSink appends events as JSON lines.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("audit file sink: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("audit file sink: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("audit file sink: %w", err)
		}
	}
	return nil
}

// =============================================================================
// REDIS SINK
// =============================================================================

// RedisClient is the subset of the Redis adapter the sink needs.
type RedisClient interface {
	AppendCapped(ctx context.Context, key string, max int64, values ...string) error
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisSink keeps a capped list of recent events and publishes each batch
// on a channel for live consumers.
type RedisSink struct {
	client  RedisClient
	listKey string
	channel string
	maxLen  int64
}

func NewRedisSink(client RedisClient, listKey, channel string, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{client: client, listKey: listKey, channel: channel, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, events []Event) error {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit redis sink: %w", err)
		}
		lines = append(lines, string(b))
	}
	if err := s.client.AppendCapped(ctx, s.listKey, s.maxLen, lines...); err != nil {
		return fmt.Errorf("audit redis sink: %w", err)
	}
	if s.channel == "" {
		return nil
	}
	batch, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("audit redis sink: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, batch); err != nil {
		return fmt.Errorf("audit redis sink publish: %w", err)
	}
	return nil
}

// Package redis writes aggregated results to Redis: the latest result per
// group as a JSON string with a TTL, and live results as pub/sub messages.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Client is the subset of redis.UniversalClient the sink uses
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Sink implements voltstream.CacheWriter and voltstream.Broadcaster
type Sink struct {
	client    Client
	keyPrefix string
	logger    *zap.SugaredLogger
}

// Option configures a Sink
type Option func(*Sink)

// WithKeyPrefix namespaces every cache key and channel
func WithKeyPrefix(prefix string) Option {
	return func(s *Sink) {
		s.keyPrefix = prefix
	}
}

// WithLogger sets the sink logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sink) {
		s.logger = l
	}
}

// New wraps an existing client
func New(client Client, opts ...Option) *Sink {
	s := &Sink{client: client, logger: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewUniversal connects to the comma separated addrs and returns the
// sink together with the client so the caller can close it.
func NewUniversal(addrs string, opts ...Option) (*Sink, redis.UniversalClient) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: strings.Split(addrs, ","),
	})
	return New(client, opts...), client
}

func (s *Sink) key(k string) string {
	if s.keyPrefix == "" {
		return k
	}
	return s.keyPrefix + ":" + k
}

// WriteCache stores value as JSON at key, expiring after ttl when ttl > 0
func (s *Sink) WriteCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", s.key(key), err)
	}
	s.logger.Debugw("Cache written", "key", s.key(key), "ttl", ttl)
	return nil
}

// Broadcast publishes value as JSON on channel
func (s *Sink) Broadcast(ctx context.Context, channel string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast value: %w", err)
	}
	receivers, err := s.client.Publish(ctx, s.key(channel), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish on %s: %w", s.key(channel), err)
	}
	s.logger.Debugw("Result broadcast", "channel", s.key(channel), "receivers", receivers)
	return nil
}

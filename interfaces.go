package voltstream

import (
	"context"
	"time"
)

// StreamAppender re-publishes a result payload onto a stream
type StreamAppender interface {
	// AppendToStream publishes payload to streamID
	AppendToStream(ctx context.Context, streamID string, payload map[string]interface{}) error
}

// CacheWriter stores the latest result under a key for a limited time
type CacheWriter interface {
	// WriteCache stores value at key, expiring after ttl when ttl > 0
	WriteCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Persister hands results to durable storage
type Persister interface {
	// Persist stores value in collection
	Persist(ctx context.Context, collection string, value interface{}) error
}

// Broadcaster pushes results to live subscribers such as dashboards
type Broadcaster interface {
	// Broadcast sends value on channel
	Broadcast(ctx context.Context, channel string, value interface{}) error
}

// Alerter raises alerts from results
type Alerter interface {
	// RaiseAlert sends value as an alert on channel
	RaiseAlert(ctx context.Context, channel string, value interface{}) error
}

// Publisher is the ingestion side of the engine used by sources
type Publisher interface {
	// Publish validates payload and appends it to streamID
	Publish(ctx context.Context, streamID string, payload map[string]interface{}, opts ...PublishOption) (Event, error)
}

// Source produces events into a Publisher until stopped
type Source interface {
	// Start begins producing events
	Start(ctx context.Context, pub Publisher) error

	// Stop halts the flow of events
	Stop() error
}

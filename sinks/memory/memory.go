// Package memory records routed results in process. It implements every
// sink interface of the engine and backs the demo and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/voltgrid/voltstream"
)

// Record is one call received by the sink
type Record struct {
	Kind   voltstream.SinkKind
	Target string
	Value  interface{}
	TTL    time.Duration
	At     time.Time
}

// Sink is a thread-safe in-memory sink. A non-nil Err makes every call fail.
type Sink struct {
	mu      sync.Mutex
	records []Record
	cache   map[string]Record
	now     func() time.Time
	err     error
}

// New creates an empty sink
func New() *Sink {
	return &Sink{
		cache: make(map[string]Record),
		now:   time.Now,
	}
}

// WithClock timestamps records from c
func (s *Sink) WithClock(c voltstream.Clock) *Sink {
	s.now = c.Now
	return s
}

// FailWith makes subsequent calls return err; nil restores success
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

// Registry returns a SinkRegistry with s bound to every kind. The stream
// kind is left to the engine.
func (s *Sink) Registry() voltstream.SinkRegistry {
	return voltstream.SinkRegistry{
		Cache:     s,
		Store:     s,
		Broadcast: s,
		Alert:     s,
	}
}

func (s *Sink) record(ctx context.Context, kind voltstream.SinkKind, target string, value interface{}, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	r := Record{Kind: kind, Target: target, Value: value, TTL: ttl, At: s.now()}
	s.records = append(s.records, r)
	if kind == voltstream.SinkCache {
		s.cache[target] = r
	}
	return nil
}

// AppendToStream records a stream append
func (s *Sink) AppendToStream(ctx context.Context, streamID string, payload map[string]interface{}) error {
	return s.record(ctx, voltstream.SinkStream, streamID, payload, 0)
}

// WriteCache records a cache write and keeps the latest value per key
func (s *Sink) WriteCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.record(ctx, voltstream.SinkCache, key, value, ttl)
}

// Persist records a store write
func (s *Sink) Persist(ctx context.Context, collection string, value interface{}) error {
	return s.record(ctx, voltstream.SinkStore, collection, value, 0)
}

// Broadcast records a broadcast
func (s *Sink) Broadcast(ctx context.Context, channel string, value interface{}) error {
	return s.record(ctx, voltstream.SinkBroadcast, channel, value, 0)
}

// RaiseAlert records an alert
func (s *Sink) RaiseAlert(ctx context.Context, channel string, value interface{}) error {
	return s.record(ctx, voltstream.SinkAlert, channel, value, 0)
}

// Records returns a copy of every record in arrival order
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Record(nil), s.records...)
}

// RecordsOf returns the records of one kind
func (s *Sink) RecordsOf(kind voltstream.SinkKind) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Results returns the aggregated results received by any kind
func (s *Sink) Results() []voltstream.AggregatedResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]voltstream.AggregatedResult, 0)
	for _, r := range s.records {
		if res, ok := r.Value.(voltstream.AggregatedResult); ok {
			out = append(out, res)
		}
	}
	return out
}

// Cached returns the live cache entry at key, honouring its TTL
func (s *Sink) Cached(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if r.TTL > 0 && s.now().Sub(r.At) >= r.TTL {
		delete(s.cache, key)
		return nil, false
	}
	return r.Value, true
}

// Reset drops every record
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.cache = make(map[string]Record)
}

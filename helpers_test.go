package voltstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Unix(1700000000, 0).UTC()

// recordingSink captures every routed value by kind
type recordingSink struct {
	mu      sync.Mutex
	values  map[SinkKind][]interface{}
	targets map[SinkKind][]string
	err     error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		values:  make(map[SinkKind][]interface{}),
		targets: make(map[SinkKind][]string),
	}
}

func (s *recordingSink) record(kind SinkKind, target string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.values[kind] = append(s.values[kind], v)
	s.targets[kind] = append(s.targets[kind], target)
	return nil
}

func (s *recordingSink) WriteCache(_ context.Context, key string, v interface{}, _ time.Duration) error {
	return s.record(SinkCache, key, v)
}

func (s *recordingSink) Persist(_ context.Context, collection string, v interface{}) error {
	return s.record(SinkStore, collection, v)
}

func (s *recordingSink) Broadcast(_ context.Context, channel string, v interface{}) error {
	return s.record(SinkBroadcast, channel, v)
}

func (s *recordingSink) RaiseAlert(_ context.Context, channel string, v interface{}) error {
	return s.record(SinkAlert, channel, v)
}

func (s *recordingSink) registry() SinkRegistry {
	return SinkRegistry{Cache: s, Store: s, Broadcast: s, Alert: s}
}

func (s *recordingSink) results(kind SinkKind) []AggregatedResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AggregatedResult, 0, len(s.values[kind]))
	for _, v := range s.values[kind] {
		if r, ok := v.(AggregatedResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *recordingSink) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func newTestEngine(t *testing.T, cfg Config, sink *recordingSink) (*Engine, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(t0)
	opts := []Option{WithClock(clock), WithLogger(zaptest.NewLogger(t).Sugar())}
	if sink != nil {
		opts = append(opts, WithSinks(sink.registry()))
	}
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	return e, clock
}

func meterStream(id string) StreamSpec {
	return StreamSpec{ID: id, Type: "telemetry", GroupingKeys: []string{"meter"}}
}

func publish(t *testing.T, e *Engine, streamID string, payload map[string]interface{}, opts ...PublishOption) Event {
	t.Helper()
	ev, err := e.Publish(context.Background(), streamID, payload, opts...)
	require.NoError(t, err)
	return ev
}

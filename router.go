package voltstream

import (
	"context"
	"fmt"
	"time"
)

// SinkKind selects the destination of a rule's results
type SinkKind string

const (
	SinkStream    SinkKind = "stream"
	SinkCache     SinkKind = "cache"
	SinkStore     SinkKind = "store"
	SinkBroadcast SinkKind = "broadcast"
	SinkAlert     SinkKind = "alert"
)

// Threshold gates alert sinks: the alert is raised only when the value of
// Alias compares to Value with Op: greater_than (the default), less_than
// or equals.
type Threshold struct {
	Alias string   `yaml:"alias"`
	Op    Operator `yaml:"op"`
	Value float64  `yaml:"value"`
}

func (t *Threshold) validate() error {
	if t == nil {
		return nil
	}
	if t.Alias == "" {
		return fmt.Errorf("threshold alias is required")
	}
	switch t.Op {
	case "", OpGreaterThan, OpLessThan, OpEquals:
		return nil
	default:
		return fmt.Errorf("unsupported threshold operator %q", t.Op)
	}
}

func (t *Threshold) exceeded(r AggregatedResult) bool {
	if t == nil {
		return true
	}
	v, ok := r.Value(t.Alias)
	if !ok {
		return false
	}
	switch t.Op {
	case OpLessThan:
		return v < t.Value
	case OpEquals:
		return v == t.Value
	case "", OpGreaterThan:
		return v > t.Value
	default:
		return false
	}
}

// SinkSpec names where a rule's results go. Target is the stream id, cache
// key prefix, collection or channel depending on Kind.
type SinkSpec struct {
	Kind      SinkKind      `yaml:"kind"`
	Target    string        `yaml:"target"`
	TTL       time.Duration `yaml:"ttl"`
	Threshold *Threshold    `yaml:"threshold"`
}

// SinkRegistry holds one implementation per sink kind. A nil Stream
// appender routes stream results back into the engine itself.
type SinkRegistry struct {
	Stream    StreamAppender
	Cache     CacheWriter
	Store     Persister
	Broadcast Broadcaster
	Alert     Alerter
}

type outputRouter struct {
	sinks   SinkRegistry
	timeout time.Duration
}

func (r *outputRouter) supports(kind SinkKind) bool {
	switch kind {
	case SinkStream:
		return r.sinks.Stream != nil
	case SinkCache:
		return r.sinks.Cache != nil
	case SinkStore:
		return r.sinks.Store != nil
	case SinkBroadcast:
		return r.sinks.Broadcast != nil
	case SinkAlert:
		return r.sinks.Alert != nil
	default:
		return false
	}
}

// route dispatches result to the sink named by spec. Failures are
// returned as *SinkError and never retried here.
func (r *outputRouter) route(ctx context.Context, result AggregatedResult, spec SinkSpec) error {
	if !r.supports(spec.Kind) {
		return &SinkError{Kind: spec.Kind, Target: spec.Target, Err: ErrUnknownSink}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var err error
	switch spec.Kind {
	case SinkStream:
		err = r.sinks.Stream.AppendToStream(ctx, spec.Target, result.Payload())
	case SinkCache:
		err = r.sinks.Cache.WriteCache(ctx, cacheKey(spec, result), result, spec.TTL)
	case SinkStore:
		err = r.sinks.Store.Persist(ctx, collectionName(spec, result), result)
	case SinkBroadcast:
		err = r.sinks.Broadcast.Broadcast(ctx, channelName(spec, result), result)
	case SinkAlert:
		if !spec.Threshold.exceeded(result) {
			return nil
		}
		err = r.sinks.Alert.RaiseAlert(ctx, channelName(spec, result), result)
	}
	if err != nil {
		return &SinkError{Kind: spec.Kind, Target: spec.Target, Err: err}
	}
	return nil
}

// cacheKey addresses the latest result of a rule per group
func cacheKey(spec SinkSpec, r AggregatedResult) string {
	prefix := spec.Target
	if prefix == "" {
		prefix = "voltstream:" + r.RuleID
	}
	return fmt.Sprintf("%s:%s", prefix, groupKey(sortedKeys(r.GroupBy), r.GroupBy))
}

func collectionName(spec SinkSpec, r AggregatedResult) string {
	if spec.Target != "" {
		return spec.Target
	}
	return "aggregations"
}

func channelName(spec SinkSpec, r AggregatedResult) string {
	if spec.Target != "" {
		return spec.Target
	}
	return "voltstream." + r.RuleID
}

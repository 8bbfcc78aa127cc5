// Package voltstream is the event-stream manager and real-time windowed
// aggregator of a smart-energy monitoring platform. An Engine validates and
// buffers events per stream, notifies subscriptions and projections, and
// aggregates the windows of its rules into results routed to sinks.
package voltstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Version of the voltstream package
const Version = "0.3.0"

// Option configures an Engine at construction
type Option func(*Engine)

// WithClock replaces the wall clock, typically with a FakeClock in tests
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the engine logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithSinks registers the sink implementations results are routed to
func WithSinks(s SinkRegistry) Option {
	return func(e *Engine) {
		e.sinks = s
	}
}

// WithMetrics sets the prometheus collectors the engine records into
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine ties the registries, the processing queue and the rule engine
// together. Engines share no state; many may run in one process.
type Engine struct {
	cfg     Config
	clock   Clock
	logger  *zap.SugaredLogger
	metrics *Metrics
	sinks   SinkRegistry

	schemas     *schemaRegistry
	streams     *streamRegistry
	queue       *eventQueue
	subs        *subscriptionManager
	projections *projectionManager
	rules       *ruleEngine
	router      *outputRouter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	tickMu      sync.Mutex
	lastCleanup time.Time
	counters    engineCounters
}

type engineCounters struct {
	sync.Mutex
	processed        int64
	processingErrors int64
	sinkFailures     int64
	ticks            int64
	lateEvents       int64
	evicted          int64
	windowsSwept     int64
}

// New creates an engine from cfg. Schemas, streams and rules declared in
// cfg are registered in that order.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = RealClock()
	}
	if e.logger == nil {
		e.logger = zap.NewNop().Sugar()
	}
	if e.sinks.Stream == nil {
		e.sinks.Stream = e
	}

	e.schemas = newSchemaRegistry()
	e.streams = newStreamRegistry()
	e.queue = newEventQueue(cfg.QueueCapacity, cfg.OverflowPolicy)
	e.subs = newSubscriptionManager(e.logger, e.metrics)
	e.projections = newProjectionManager(e.logger)
	e.router = &outputRouter{sinks: e.sinks, timeout: cfg.SinkTimeout}
	e.rules = newRuleEngine(cfg.WindowRetention, e.router, e.logger, e.metrics)
	e.started = e.clock.Now()

	for _, s := range cfg.Schemas {
		if err := e.RegisterSchema(s); err != nil {
			return nil, err
		}
	}
	for _, s := range cfg.Streams {
		if _, err := e.CreateStream(s); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.Rules {
		if _, err := e.CreateRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Clock returns the clock the engine timestamps events with
func (e *Engine) Clock() Clock {
	return e.clock
}

// RegisterSchema adds an immutable schema. A new version needs a new id.
func (e *Engine) RegisterSchema(s Schema) error {
	if err := e.schemas.register(s); err != nil {
		return err
	}
	e.logger.Infow("Schema registered", "schema", s.ID, "fields", len(s.Fields))
	return nil
}

// Schema returns a registered schema
func (e *Engine) Schema(id string) (Schema, bool) {
	cs, ok := e.schemas.get(id)
	if !ok {
		return Schema{}, false
	}
	return cs.schema, true
}

// Validate checks payload against a registered schema without publishing it
func (e *Engine) Validate(schemaID string, payload map[string]interface{}) error {
	cs, ok := e.schemas.get(schemaID)
	if !ok {
		return configErr("schema", schemaID, ErrUnknownSchema)
	}
	if violations := cs.validate(payload); len(violations) > 0 {
		return &ValidationError{SchemaID: schemaID, Violations: violations}
	}
	return nil
}

// CreateStream registers a stream. Zero retention fields take the
// engine's default retention.
func (e *Engine) CreateStream(spec StreamSpec) (*StreamInfo, error) {
	if spec.SchemaID != "" {
		if _, ok := e.schemas.get(spec.SchemaID); !ok {
			return nil, configErr("stream", spec.ID, fmt.Errorf("schema %q: %w", spec.SchemaID, ErrUnknownSchema))
		}
	}
	if spec.Retention.MaxAge <= 0 {
		spec.Retention.MaxAge = e.cfg.DefaultRetention.MaxAge
	}
	if spec.Retention.MaxEvents <= 0 {
		spec.Retention.MaxEvents = e.cfg.DefaultRetention.MaxEvents
	}

	info, err := e.streams.create(spec, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Stream created", "stream", spec.ID, "schema", spec.SchemaID,
		"maxAge", spec.Retention.MaxAge, "maxEvents", spec.Retention.MaxEvents)
	return info, nil
}

// SetStreamStatus activates, deactivates or archives a stream. Only active
// streams accept events.
func (e *Engine) SetStreamStatus(id string, status StreamStatus) error {
	return e.streams.setStatus(id, status)
}

// Stream returns a snapshot of a stream
func (e *Engine) Stream(id string) (*StreamInfo, bool) {
	return e.streams.get(id)
}

// Streams returns every stream ordered by id
func (e *Engine) Streams() []*StreamInfo {
	return e.streams.list()
}

// Publish validates payload, appends it to the stream buffer and enqueues
// it for processing. It never blocks on processing. A rejected event
// leaves the stream untouched apart from its error count.
func (e *Engine) Publish(ctx context.Context, streamID string, payload map[string]interface{}, opts ...PublishOption) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	o := publishOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	ev, evicted, err := e.streams.publish(streamID, payload, o, e.clock.Now(), e.schemas, e.queue)
	if err != nil {
		e.metrics.eventRejected(streamID, rejectReason(err))
		return Event{}, err
	}
	if evicted != nil {
		e.metrics.eventDropped(evicted.StreamID())
		e.logger.Warnw("Processing queue full, dropped oldest event",
			"stream", evicted.StreamID(), "event", evicted.ID())
	}
	e.metrics.eventPublished(streamID)
	e.metrics.setQueueDepth(e.queue.len())
	return ev, nil
}

func rejectReason(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrStreamInactive):
		return "inactive"
	case errors.Is(err, ErrUnknownStream):
		return "unknown_stream"
	default:
		return "error"
	}
}

// AppendToStream re-publishes an aggregated payload. It makes the engine
// its own default stream sink.
func (e *Engine) AppendToStream(ctx context.Context, streamID string, payload map[string]interface{}) error {
	_, err := e.Publish(ctx, streamID, payload, WithEventType("aggregation"))
	return err
}

// GetEvents returns the retained events of a stream matching q in publish order
func (e *Engine) GetEvents(streamID string, q Query) ([]Event, error) {
	return e.streams.events(streamID, q, e.clock.Now())
}

// Replay re-enqueues the retained events of a stream published at or after
// since, so windows, subscriptions and projections see them again. The
// stream buffer and its statistics are not touched.
func (e *Engine) Replay(ctx context.Context, streamID string, since time.Time) (int, error) {
	events, err := e.streams.events(streamID, Query{StartTime: since}, e.clock.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		evicted, err := e.queue.push(ev)
		if err != nil {
			return n, fmt.Errorf("replay of %s stopped after %d events: %w", streamID, n, err)
		}
		if evicted != nil {
			e.metrics.eventDropped(evicted.StreamID())
		}
		n++
	}
	e.metrics.setQueueDepth(e.queue.len())
	e.logger.Infow("Stream replayed", "stream", streamID, "since", since, "events", n)
	return n, nil
}

// Subscribe registers handler for events of streamID, or of every stream
// when streamID is AllStreams. A nil filter matches every event.
func (e *Engine) Subscribe(streamID string, filter *Filter, handler Handler) (string, error) {
	if streamID != AllStreams && !e.streams.exists(streamID) {
		return "", configErr("stream", streamID, ErrUnknownStream)
	}
	id, err := e.subs.add(streamID, filter, handler)
	if err != nil {
		return "", configErr("subscription", streamID, err)
	}
	e.logger.Infow("Subscription created", "subscription", id, "stream", streamID)
	return id, nil
}

// Unsubscribe removes a subscription and reports whether it existed
func (e *Engine) Unsubscribe(id string) bool {
	return e.subs.remove(id)
}

// SetSubscriptionActive pauses or resumes deliveries to a subscription
func (e *Engine) SetSubscriptionActive(id string, active bool) bool {
	return e.subs.setActive(id, active)
}

// Subscription returns a snapshot of a subscription
func (e *Engine) Subscription(id string) (SubscriptionInfo, bool) {
	return e.subs.get(id)
}

// CreateProjection registers a read-model folded from a stream, or from
// every stream when StreamID is AllStreams or empty.
func (e *Engine) CreateProjection(spec ProjectionSpec) error {
	if spec.StreamID != "" && spec.StreamID != AllStreams && !e.streams.exists(spec.StreamID) {
		return configErr("projection", spec.ID, fmt.Errorf("stream %q: %w", spec.StreamID, ErrUnknownStream))
	}
	return e.projections.create(spec)
}

// Projection returns a copy of a projection's state
func (e *Engine) Projection(id string) (ProjectionSnapshot, bool) {
	return e.projections.snapshot(id)
}

// DeleteProjection removes a projection and reports whether it existed
func (e *Engine) DeleteProjection(id string) bool {
	return e.projections.remove(id)
}

// CreateRule validates and registers an aggregation rule
func (e *Engine) CreateRule(spec RuleSpec) (*RuleInfo, error) {
	info, err := e.rules.create(spec, e.clock.Now(), e.streams.exists)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Rule created", "rule", spec.ID, "source", spec.Source,
		"window", spec.Window.Type, "output", spec.Output.Kind)
	return info, nil
}

// SetRuleActive toggles a rule. An inactive rule opens no new windows and
// aggregates nothing from the next event on.
func (e *Engine) SetRuleActive(id string, active bool) error {
	if err := e.rules.setActive(id, active); err != nil {
		return err
	}
	e.logger.Infow("Rule state changed", "rule", id, "active", active)
	return nil
}

// DeleteRule removes a rule with its windows
func (e *Engine) DeleteRule(id string) bool {
	return e.rules.remove(id)
}

// Rule returns a snapshot of a rule
func (e *Engine) Rule(id string) (*RuleInfo, bool) {
	return e.rules.get(id)
}

// Rules returns every rule by descending priority
func (e *Engine) Rules() []*RuleInfo {
	return e.rules.list()
}

// Windows returns the live windows of a rule
func (e *Engine) Windows(ruleID string) ([]WindowInfo, error) {
	return e.rules.windowsOf(ruleID)
}

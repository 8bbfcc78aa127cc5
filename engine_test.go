package voltstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func energyConfig() Config {
	zero := 0.0
	cfg := DefaultConfig()
	cfg.Schemas = []Schema{{
		ID: "energy-reading-v1",
		Fields: map[string]FieldDef{
			"meter":       {Type: FieldString, Required: true},
			"consumption": {Type: FieldNumber, Required: true, Min: &zero},
		},
	}}
	cfg.Streams = []StreamSpec{
		{ID: "ENERGY_EVENTS", Type: "telemetry", SchemaID: "energy-reading-v1", GroupingKeys: []string{"meter"}},
		{ID: "ENERGY_SUMMARY", Type: "aggregate"},
	}
	return cfg
}

func consumptionRule(output SinkSpec) RuleSpec {
	return RuleSpec{
		ID:      "consumption",
		Source:  "ENERGY_EVENTS",
		Window:  WindowSpec{Type: WindowTumbling, Duration: 5 * time.Second},
		GroupBy: []string{"meter"},
		Calculations: []Calculation{
			{Field: "consumption", Function: FuncSum},
			{Field: "consumption", Function: FuncAverage},
			{Field: "consumption", Function: FuncMax},
		},
		Output: output,
	}
}

func TestGetEventsUntilRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams = []StreamSpec{{ID: "s", Retention: RetentionPolicy{MaxAge: time.Minute}}}
	e, clock := newTestEngine(t, cfg, nil)

	publish(t, e, "s", map[string]interface{}{"v": 1})
	clock.Advance(10 * time.Second)
	publish(t, e, "s", map[string]interface{}{"v": 2}, WithEventType("reading"))

	events, err := e.GetEvents("s", Query{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Field("v"))

	typed, err := e.GetEvents("s", Query{Type: "reading"})
	require.NoError(t, err)
	require.Len(t, typed, 1)

	clock.Advance(55 * time.Second)
	events, err = e.GetEvents("s", Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Field("v"))

	clock.Advance(time.Minute)
	events, err = e.GetEvents("s", Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetEventsLimitAndOffset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams = []StreamSpec{{ID: "s"}}
	e, clock := newTestEngine(t, cfg, nil)

	for i := 0; i < 5; i++ {
		publish(t, e, "s", map[string]interface{}{"i": i})
		clock.Advance(time.Second)
	}
	events, err := e.GetEvents("s", Query{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Field("i"))
	assert.Equal(t, 2, events[1].Field("i"))
}

func TestMaxEventsEvictsOldestCopies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams = []StreamSpec{{ID: "s", Retention: RetentionPolicy{MaxEvents: 3}}}
	e, _ := newTestEngine(t, cfg, nil)

	for i := 0; i < 5; i++ {
		publish(t, e, "s", map[string]interface{}{"i": i})
	}
	info, ok := e.Stream("s")
	require.True(t, ok)
	assert.Equal(t, int64(5), info.Stats.EventCount)
	assert.Equal(t, 3, info.Stats.BufferedEvents)
	assert.Equal(t, int64(2), info.Stats.EvictedEvents)
}

func TestPublishUnknownStream(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)

	_, err := e.Publish(context.Background(), "NOPE", map[string]interface{}{"meter": "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStream)
	assert.True(t, IsConfiguration(err))

	st := e.Stats()
	assert.Zero(t, st.TotalEvents)
	assert.Zero(t, st.QueueDepth)
	for _, s := range e.Streams() {
		assert.Zero(t, s.Stats.ErrorCount)
	}
}

func TestPublishValidationFailure(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)

	_, err := e.Publish(context.Background(), "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": -1})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, "consumption", ve.Violations[0].Field)

	info, _ := e.Stream("ENERGY_EVENTS")
	assert.Zero(t, info.Stats.EventCount)
	assert.Equal(t, int64(1), info.Stats.ErrorCount)
	assert.Zero(t, e.Stats().QueueDepth)
}

func TestPublishInactiveStream(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	require.NoError(t, e.SetStreamStatus("ENERGY_SUMMARY", StreamInactive))

	_, err := e.Publish(context.Background(), "ENERGY_SUMMARY", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, ErrStreamInactive)
}

func TestPublishCancelledContext(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Publish(ctx, "ENERGY_SUMMARY", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueFullRejectsWithoutAppending(t *testing.T) {
	cfg := energyConfig()
	cfg.QueueCapacity = 2
	e, _ := newTestEngine(t, cfg, nil)

	publish(t, e, "ENERGY_SUMMARY", map[string]interface{}{"i": 1})
	publish(t, e, "ENERGY_SUMMARY", map[string]interface{}{"i": 2})
	_, err := e.Publish(context.Background(), "ENERGY_SUMMARY", map[string]interface{}{"i": 3})
	assert.ErrorIs(t, err, ErrQueueFull)

	info, _ := e.Stream("ENERGY_SUMMARY")
	assert.Equal(t, int64(2), info.Stats.EventCount)
	assert.Equal(t, int64(1), e.Stats().Rejected)
}

func TestTumblingWindowReadyOnlyAtEnd(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	cfg.Rules = []RuleSpec{consumptionRule(SinkSpec{Kind: SinkStore, Target: "consumption"})}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	for _, v := range []float64{2, 3, 5} {
		publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": v})
		clock.Advance(time.Second)
	}

	report := e.Tick(ctx)
	assert.Equal(t, 3, report.Processed)
	assert.Zero(t, report.Aggregations)

	clock.Set(t0.Add(5*time.Second - time.Millisecond))
	assert.Zero(t, e.Tick(ctx).Aggregations)

	clock.Set(t0.Add(5 * time.Second))
	report = e.Tick(ctx)
	assert.Equal(t, 1, report.Aggregations)

	results := sink.results(SinkStore)
	require.Len(t, results, 1)
	r := results[0]
	assert.True(t, r.WindowStart.Equal(t0))
	assert.True(t, r.WindowEnd.Equal(t0.Add(5*time.Second)))
	assert.Equal(t, "m1", r.GroupBy["meter"])
	assert.Equal(t, 3, r.Metadata.RecordCount)
	sum, _ := r.Value("sum_consumption")
	avg, _ := r.Value("average_consumption")
	max, _ := r.Value("max_consumption")
	assert.Equal(t, 10.0, sum)
	assert.InDelta(t, 10.0/3, avg, 1e-9)
	assert.Equal(t, 5.0, max)

	clock.Advance(5 * time.Second)
	assert.Zero(t, e.Tick(ctx).Aggregations)
	assert.Len(t, sink.results(SinkStore), 1)
}

func TestTumblingWindowOneResultPerBucketAndKey(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	cfg.Rules = []RuleSpec{consumptionRule(SinkSpec{Kind: SinkStore})}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m2", "consumption": 4})
	e.Tick(ctx)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, e.Tick(ctx).Aggregations)

	// replayed events belong to buckets that already produced a result
	n, err := e.Replay(ctx, "ENERGY_EVENTS", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, e.Tick(ctx).LateEvents)
	clock.Advance(5 * time.Second)
	e.Tick(ctx)

	info, ok := e.Rule("consumption")
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Stats.LateEvents)
	assert.Equal(t, int64(2), e.Stats().LateEvents)

	results := sink.results(SinkStore)
	require.Len(t, results, 2)
	meters := []interface{}{results[0].GroupBy["meter"], results[1].GroupBy["meter"]}
	assert.ElementsMatch(t, []interface{}{"m1", "m2"}, meters)
	assert.Equal(t, "aggregations", sink.targets[SinkStore][0])
}

func TestBucketWaitsForQueuedEvents(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	cfg.BatchSize = 100
	cfg.QueueCapacity = 1000
	rule := consumptionRule(SinkSpec{Kind: SinkStore})
	rule.GroupBy = nil
	cfg.Rules = []RuleSpec{rule}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	}
	clock.Advance(5 * time.Second)

	first := e.Tick(ctx)
	assert.Equal(t, 100, first.Processed)
	assert.Zero(t, first.Aggregations)

	second := e.Tick(ctx)
	assert.Equal(t, 50, second.Processed)
	assert.Equal(t, 1, second.Aggregations)
	e.Tick(ctx)

	results := sink.results(SinkStore)
	require.Len(t, results, 1)
	assert.Equal(t, 150, results[0].Metadata.RecordCount)
	total, ok := results[0].Value("sum_consumption")
	require.True(t, ok)
	assert.Equal(t, 150.0, total)

	info, ok := e.Rule("consumption")
	require.True(t, ok)
	assert.Equal(t, int64(150), info.Stats.EventsMatched)
	assert.Zero(t, info.Stats.LateEvents)
	assert.Zero(t, e.Stats().LateEvents)
}

func TestFixedWindowsReleasedAfterEmit(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	rule := consumptionRule(SinkSpec{Kind: SinkStore})
	rule.Window = WindowSpec{Type: WindowFixed, Duration: time.Second}
	cfg.Rules = []RuleSpec{rule}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
		e.Tick(ctx)
		clock.Advance(time.Second)
		e.Tick(ctx)
	}

	assert.Len(t, sink.results(SinkStore), 20)
	assert.Zero(t, e.Stats().ActiveWindows)
	windows, err := e.Windows("consumption")
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestDeactivatedRuleCreatesNoWindows(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	cfg.Rules = []RuleSpec{consumptionRule(SinkSpec{Kind: SinkStore})}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	require.NoError(t, e.SetRuleActive("consumption", false))
	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	e.Tick(ctx)

	windows, err := e.Windows("consumption")
	require.NoError(t, err)
	assert.Empty(t, windows)
	info, ok := e.Rule("consumption")
	require.True(t, ok)
	assert.False(t, info.Active)
	assert.Zero(t, info.Stats.WindowsCreated)

	clock.Advance(5 * time.Second)
	e.Tick(ctx)
	assert.Empty(t, sink.results(SinkStore))

	require.NoError(t, e.SetRuleActive("consumption", true))
	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	e.Tick(ctx)
	windows, err = e.Windows("consumption")
	require.NoError(t, err)
	assert.Len(t, windows, 1)
}

func TestEnergyEventsEndToEnd(t *testing.T) {
	cfg := energyConfig()
	cfg.Rules = []RuleSpec{consumptionRule(SinkSpec{Kind: SinkStream, Target: "ENERGY_SUMMARY"})}
	e, clock := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	var summaries []Event
	_, err := e.Subscribe("ENERGY_SUMMARY", nil, func(_ context.Context, ev Event) error {
		summaries = append(summaries, ev)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, e.CreateProjection(ProjectionSpec{ID: "by-type", StreamID: "ENERGY_EVENTS", Reducer: CountByTypeReducer}))

	readings := []struct {
		meter string
		value float64
	}{{"m1", 2}, {"m2", 7}, {"m1", 3}, {"m1", 5}, {"m2", 1}}
	for _, r := range readings {
		publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": r.meter, "consumption": r.value}, WithEventType("consumption"))
		clock.Advance(500 * time.Millisecond)
	}
	e.Tick(ctx)

	clock.Set(t0.Add(5 * time.Second))
	report := e.Tick(ctx)
	assert.Equal(t, 2, report.Aggregations)
	assert.Empty(t, summaries)

	clock.Advance(time.Second)
	report = e.Tick(ctx)
	assert.Equal(t, 2, report.Processed)
	require.Len(t, summaries, 2)

	byMeter := map[interface{}]Event{}
	for _, s := range summaries {
		assert.Equal(t, "aggregation", s.Type())
		byMeter[s.Field("meter")] = s
	}
	assert.Equal(t, 10.0, byMeter["m1"].Field("sum_consumption"))
	assert.Equal(t, 5.0, byMeter["m1"].Field("max_consumption"))
	assert.Equal(t, 8.0, byMeter["m2"].Field("sum_consumption"))
	assert.Equal(t, 4.0, byMeter["m2"].Field("average_consumption"))

	snap, ok := e.Projection("by-type")
	require.True(t, ok)
	assert.Equal(t, int64(5), snap.State["consumption"])
	assert.Equal(t, int64(5), snap.Version)

	st := e.Stats()
	assert.Equal(t, int64(7), st.TotalEvents)
	assert.Equal(t, int64(7), st.Processed)
	assert.Zero(t, st.ProcessingErrors)
	assert.Zero(t, st.ErrorRate)
	assert.Equal(t, int64(2), st.RuleStats["consumption"].Aggregations)
}

func TestSinkFailureIsRecordedNotFatal(t *testing.T) {
	sink := newRecordingSink()
	sink.failWith(errors.New("store down"))
	cfg := energyConfig()
	cfg.Rules = []RuleSpec{consumptionRule(SinkSpec{Kind: SinkStore})}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	e.Tick(ctx)
	clock.Advance(5 * time.Second)
	report := e.Tick(ctx)
	assert.Equal(t, 1, report.Aggregations)
	assert.Equal(t, 1, report.Failures)

	st := e.Stats()
	assert.Equal(t, int64(1), st.SinkFailures)
	rs := st.RuleStats["consumption"]
	assert.Equal(t, int64(1), rs.SinkFailures)
	assert.Contains(t, rs.LastError, "store down")
}

func TestHandlerFailureIsolated(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	ctx := context.Background()

	failing, err := e.Subscribe("ENERGY_SUMMARY", nil, func(context.Context, Event) error {
		return errors.New("handler broke")
	})
	require.NoError(t, err)
	panicking, err := e.Subscribe(AllStreams, nil, func(context.Context, Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	received := 0
	healthy, err := e.Subscribe("ENERGY_SUMMARY", nil, func(context.Context, Event) error {
		received++
		return nil
	})
	require.NoError(t, err)

	publish(t, e, "ENERGY_SUMMARY", map[string]interface{}{"x": 1})
	report := e.Tick(ctx)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 1, received)

	info, _ := e.Subscription(failing)
	assert.Equal(t, int64(1), info.Stats.Failed)
	info, _ = e.Subscription(panicking)
	assert.Contains(t, info.Stats.LastError, "boom")
	info, _ = e.Subscription(healthy)
	assert.Equal(t, int64(1), info.Stats.Processed)
	assert.Zero(t, info.Stats.Failed)

	assert.InDelta(t, 2.0, e.Stats().ErrorRate, 1e-9)
}

func TestSubscribeUnknownStream(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	_, err := e.Subscribe("NOPE", nil, func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestCreateRuleValidation(t *testing.T) {
	sink := newRecordingSink()
	e, _ := newTestEngine(t, energyConfig(), sink)

	tests := []struct {
		name string
		mut  func(*RuleSpec)
		want error
	}{
		{"unknown source", func(r *RuleSpec) { r.Source = "NOPE" }, ErrUnknownStream},
		{"no calculations", func(r *RuleSpec) { r.Calculations = nil }, ErrInvalidRule},
		{"bad window", func(r *RuleSpec) { r.Window = WindowSpec{Type: WindowTumbling} }, ErrInvalidRule},
		{"duplicate alias", func(r *RuleSpec) {
			r.Calculations = []Calculation{{Field: "a", Function: FuncSum}, {Field: "a", Function: FuncSum}}
		}, ErrInvalidRule},
		{"unknown output stream", func(r *RuleSpec) { r.Output = SinkSpec{Kind: SinkStream, Target: "NOPE"} }, ErrUnknownStream},
		{"unknown sink kind", func(r *RuleSpec) { r.Output = SinkSpec{Kind: "carrier-pigeon"} }, ErrUnknownSink},
		{"bad filter", func(r *RuleSpec) { r.Filter = Where(Condition{Target: TargetPayload, Op: OpEquals}) }, ErrInvalidFilter},
		{"misspelled threshold operator", func(r *RuleSpec) {
			r.Output = SinkSpec{Kind: SinkAlert, Threshold: &Threshold{Alias: "total", Op: "greater_then", Value: 1}}
		}, ErrInvalidRule},
		{"threshold without alias", func(r *RuleSpec) {
			r.Output = SinkSpec{Kind: SinkAlert, Threshold: &Threshold{Op: OpLessThan, Value: 1}}
		}, ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := consumptionRule(SinkSpec{Kind: SinkStore})
			tt.mut(&spec)
			_, err := e.CreateRule(spec)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsConfiguration(err))
		})
	}

	_, err := e.CreateRule(consumptionRule(SinkSpec{Kind: SinkStore}))
	require.NoError(t, err)
	_, err = e.CreateRule(consumptionRule(SinkSpec{Kind: SinkStore}))
	assert.ErrorIs(t, err, ErrDuplicateRule)

	assert.True(t, e.DeleteRule("consumption"))
	assert.False(t, e.DeleteRule("consumption"))
	_, ok := e.Rule("consumption")
	assert.False(t, ok)
}

func TestRulesOrderedByPriority(t *testing.T) {
	sink := newRecordingSink()
	e, _ := newTestEngine(t, energyConfig(), sink)

	for _, p := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 10}, {"mid", 5}} {
		spec := consumptionRule(SinkSpec{Kind: SinkStore})
		spec.ID = p.id
		spec.Priority = p.priority
		_, err := e.CreateRule(spec)
		require.NoError(t, err)
	}
	rules := e.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "high", rules[0].Spec.ID)
	assert.Equal(t, "mid", rules[1].Spec.ID)
	assert.Equal(t, "low", rules[2].Spec.ID)
}

func TestRetentionSweepRunsOnCleanupInterval(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	cfg.CleanupInterval = time.Second
	cfg.WindowRetention = 10 * time.Second
	cfg.Streams[0].Retention = RetentionPolicy{MaxAge: 10 * time.Second}
	cfg.Rules = []RuleSpec{{
		ID:           "sessions",
		Source:       "ENERGY_EVENTS",
		Window:       WindowSpec{Type: WindowSession, Duration: time.Hour},
		Calculations: []Calculation{{Function: FuncCount}},
		Output:       SinkSpec{Kind: SinkStore},
	}}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	e.Tick(ctx)
	windows, _ := e.Windows("sessions")
	require.Len(t, windows, 1)

	clock.Advance(11 * time.Second)
	report := e.Tick(ctx)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 1, report.WindowsSwept)

	windows, _ = e.Windows("sessions")
	assert.Empty(t, windows)
	info, _ := e.Stream("ENERGY_EVENTS")
	assert.Zero(t, info.Stats.BufferedEvents)
	assert.Equal(t, int64(1), info.Stats.EventCount)
}

func TestDropOldestShedsQueuedEvents(t *testing.T) {
	cfg := energyConfig()
	cfg.QueueCapacity = 2
	cfg.OverflowPolicy = OverflowDropOldest
	e, _ := newTestEngine(t, cfg, nil)

	var seen []interface{}
	_, err := e.Subscribe("ENERGY_SUMMARY", nil, func(_ context.Context, ev Event) error {
		seen = append(seen, ev.Field("i"))
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		publish(t, e, "ENERGY_SUMMARY", map[string]interface{}{"i": i})
	}
	e.Tick(context.Background())
	assert.Equal(t, []interface{}{2, 3}, seen)
	assert.Equal(t, int64(1), e.Stats().Dropped)
}

func TestBatchSizeBoundsTick(t *testing.T) {
	cfg := energyConfig()
	cfg.BatchSize = 2
	e, _ := newTestEngine(t, cfg, nil)

	for i := 0; i < 5; i++ {
		publish(t, e, "ENERGY_SUMMARY", map[string]interface{}{"i": i})
	}
	ctx := context.Background()
	assert.Equal(t, 2, e.Tick(ctx).Processed)
	assert.Equal(t, 3, e.Stats().QueueDepth)
	assert.Equal(t, 2, e.Tick(ctx).Processed)
	assert.Equal(t, 1, e.Tick(ctx).Processed)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := newRecordingSink()
	cfg := energyConfig()
	cfg.Rules = []RuleSpec{consumptionRule(SinkSpec{Kind: SinkStore})}
	clock := NewFakeClock(t0)
	e, err := New(cfg, WithClock(clock), WithMetrics(m), WithSinks(sink.registry()))
	require.NoError(t, err)
	ctx := context.Background()

	publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": 1})
	_, err = e.Publish(ctx, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1"})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("ENERGY_EVENTS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsRejected.WithLabelValues("ENERGY_EVENTS", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth))

	e.Tick(ctx)
	clock.Advance(5 * time.Second)
	e.Tick(ctx)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsProcessed.WithLabelValues("ENERGY_EVENTS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Aggregations.WithLabelValues("consumption")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
}

func TestStartStop(t *testing.T) {
	cfg := energyConfig()
	e, clock := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	assert.True(t, e.Running())
	assert.ErrorIs(t, e.Start(ctx), ErrAlreadyRunning)

	publish(t, e, "ENERGY_SUMMARY", map[string]interface{}{"x": 1})
	clock.Advance(cfg.TickInterval)
	require.Eventually(t, func() bool {
		return e.Stats().Processed == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, e.Running())
}

func TestEnginesShareNoState(t *testing.T) {
	a, _ := newTestEngine(t, energyConfig(), nil)
	b, _ := newTestEngine(t, energyConfig(), nil)

	publish(t, a, "ENERGY_SUMMARY", map[string]interface{}{"x": 1})
	assert.Equal(t, int64(1), a.Stats().TotalEvents)
	assert.Zero(t, b.Stats().TotalEvents)
}

func TestEnergyEventsScenario(t *testing.T) {
	sink := newRecordingSink()
	cfg := energyConfig()
	rule := consumptionRule(SinkSpec{Kind: SinkStore, Target: "energy_rollups"})
	rule.GroupBy = nil
	rule.Filter = Where(TypeIs("consumption"))
	cfg.Rules = []RuleSpec{rule}
	e, clock := newTestEngine(t, cfg, sink)
	ctx := context.Background()

	for i, v := range []float64{1, 2, 3} {
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		publish(t, e, "ENERGY_EVENTS", map[string]interface{}{"meter": "m1", "consumption": v}, WithEventType("consumption"))
		e.Tick(ctx)
	}
	clock.Set(t0.Add(4 * time.Second))
	e.Tick(ctx)
	assert.Empty(t, sink.results(SinkStore))

	clock.Set(t0.Add(5 * time.Second))
	e.Tick(ctx)
	results := sink.results(SinkStore)
	require.Len(t, results, 1)

	r := results[0]
	sum, _ := r.Value("sum_consumption")
	avg, _ := r.Value("average_consumption")
	max, _ := r.Value("max_consumption")
	assert.Equal(t, 6.0, sum)
	assert.Equal(t, 2.0, avg)
	assert.Equal(t, 3.0, max)
	assert.Equal(t, 3, r.Metadata.RecordCount)
	assert.Equal(t, QualityHigh, r.Metadata.DataQuality.Level)
	assert.Equal(t, []string{"energy_rollups"}, sink.targets[SinkStore])
}

package voltstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuleSpec configures an aggregation rule. Rules with a higher Priority
// are aggregated first within a tick.
type RuleSpec struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Source       string        `yaml:"source"`
	Window       WindowSpec    `yaml:"window"`
	GroupBy      []string      `yaml:"groupBy"`
	Filter       *Filter       `yaml:"filter"`
	Calculations []Calculation `yaml:"calculations"`
	Output       SinkSpec      `yaml:"output"`
	Disabled     bool          `yaml:"disabled"`
	Priority     int           `yaml:"priority"`
}

// RuleStats count the work done for a rule
type RuleStats struct {
	EventsMatched      int64
	LateEvents         int64
	MatchFailures      int64
	WindowsCreated     int64
	Aggregations       int64
	FailedAggregations int64
	SinkFailures       int64
	LastAggregationAt  time.Time
	LastError          string
}

// RuleInfo is a read-only snapshot of a rule
type RuleInfo struct {
	Spec        RuleSpec
	Active      bool
	CreatedAt   time.Time
	OpenWindows int
	Stats       RuleStats
}

type rule struct {
	spec      RuleSpec
	filter    *compiledFilter
	active    bool
	createdAt time.Time
	stats     RuleStats
}

// requiredFields are the payload fields a window's events are expected to carry
func (r *rule) requiredFields() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(r.spec.Calculations)+len(r.spec.GroupBy))
	add := func(f string) {
		if f == "" || f == "*" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	for _, c := range r.spec.Calculations {
		add(c.Field)
	}
	for _, g := range r.spec.GroupBy {
		add(g)
	}
	return out
}

// ruleEngine owns the rules and their windows. One mutex guards both so
// that windows of a rule and group key are only ever aggregated serially.
type ruleEngine struct {
	mu      sync.Mutex
	rules   map[string]*rule
	windows *windowManager
	router  *outputRouter
	logger  *zap.SugaredLogger
	metrics *Metrics
}

func newRuleEngine(retention time.Duration, router *outputRouter, logger *zap.SugaredLogger, metrics *Metrics) *ruleEngine {
	return &ruleEngine{
		rules:   make(map[string]*rule),
		windows: newWindowManager(retention),
		router:  router,
		logger:  logger,
		metrics: metrics,
	}
}

// create validates spec and registers the rule. streamExists resolves the
// rule's source against the stream registry.
func (re *ruleEngine) create(spec RuleSpec, now time.Time, streamExists func(string) bool) (*RuleInfo, error) {
	if spec.ID == "" {
		return nil, configErr("rule", spec.ID, fmt.Errorf("%w: rule id is required", ErrInvalidRule))
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if !streamExists(spec.Source) {
		return nil, configErr("rule", spec.ID, fmt.Errorf("source %q: %w", spec.Source, ErrUnknownStream))
	}
	if err := spec.Window.validate(); err != nil {
		return nil, configErr("rule", spec.ID, fmt.Errorf("%w: %v", ErrInvalidRule, err))
	}
	if len(spec.Calculations) == 0 {
		return nil, configErr("rule", spec.ID, fmt.Errorf("%w: at least one calculation is required", ErrInvalidRule))
	}
	aliases := make(map[string]struct{}, len(spec.Calculations))
	for _, c := range spec.Calculations {
		if err := c.validate(); err != nil {
			return nil, configErr("rule", spec.ID, fmt.Errorf("%w: %v", ErrInvalidRule, err))
		}
		if _, dup := aliases[c.alias()]; dup {
			return nil, configErr("rule", spec.ID, fmt.Errorf("%w: duplicate alias %q", ErrInvalidRule, c.alias()))
		}
		aliases[c.alias()] = struct{}{}
	}
	if !re.router.supports(spec.Output.Kind) {
		return nil, configErr("rule", spec.ID, fmt.Errorf("%s: %w", spec.Output.Kind, ErrUnknownSink))
	}
	if err := spec.Output.Threshold.validate(); err != nil {
		return nil, configErr("rule", spec.ID, fmt.Errorf("%w: %v", ErrInvalidRule, err))
	}
	if spec.Output.Kind == SinkStream && !streamExists(spec.Output.Target) {
		return nil, configErr("rule", spec.ID, fmt.Errorf("output stream %q: %w", spec.Output.Target, ErrUnknownStream))
	}
	cf, err := compileFilter(spec.Filter)
	if err != nil {
		return nil, configErr("rule", spec.ID, err)
	}

	re.mu.Lock()
	defer re.mu.Unlock()

	if _, exists := re.rules[spec.ID]; exists {
		return nil, configErr("rule", spec.ID, ErrDuplicateRule)
	}
	r := &rule{
		spec:      spec,
		filter:    cf,
		active:    !spec.Disabled,
		createdAt: now,
	}
	re.rules[spec.ID] = r
	return re.info(r), nil
}

// info snapshots r. Callers hold mu.
func (re *ruleEngine) info(r *rule) *RuleInfo {
	return &RuleInfo{
		Spec:        r.spec,
		Active:      r.active,
		CreatedAt:   r.createdAt,
		OpenWindows: len(re.windows.byRule[r.spec.ID]),
		Stats:       r.stats,
	}
}

func (re *ruleEngine) setActive(id string, active bool) error {
	re.mu.Lock()
	defer re.mu.Unlock()

	r, ok := re.rules[id]
	if !ok {
		return configErr("rule", id, ErrUnknownRule)
	}
	r.active = active
	return nil
}

func (re *ruleEngine) remove(id string) bool {
	re.mu.Lock()
	defer re.mu.Unlock()

	if _, ok := re.rules[id]; !ok {
		return false
	}
	delete(re.rules, id)
	re.windows.removeRule(id)
	return true
}

func (re *ruleEngine) get(id string) (*RuleInfo, bool) {
	re.mu.Lock()
	defer re.mu.Unlock()

	r, ok := re.rules[id]
	if !ok {
		return nil, false
	}
	return re.info(r), true
}

func (re *ruleEngine) list() []*RuleInfo {
	re.mu.Lock()
	defer re.mu.Unlock()

	out := make([]*RuleInfo, 0, len(re.rules))
	for _, r := range re.ordered() {
		out = append(out, re.info(r))
	}
	return out
}

func (re *ruleEngine) windowsOf(ruleID string) ([]WindowInfo, error) {
	re.mu.Lock()
	defer re.mu.Unlock()

	if _, ok := re.rules[ruleID]; !ok {
		return nil, configErr("rule", ruleID, ErrUnknownRule)
	}
	return re.windows.snapshot(ruleID), nil
}

// ordered returns rules by descending priority then id. Callers hold mu.
func (re *ruleEngine) ordered() []*rule {
	out := make([]*rule, 0, len(re.rules))
	for _, r := range re.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].spec.Priority != out[j].spec.Priority {
			return out[i].spec.Priority > out[j].spec.Priority
		}
		return out[i].spec.ID < out[j].spec.ID
	})
	return out
}

// match assigns e to a window of every active rule sourced from its stream
// whose filter accepts it. It returns the number of filter failures and of
// rules that refused e as late.
func (re *ruleEngine) match(e Event, now time.Time) (failures, late int) {
	re.mu.Lock()
	defer re.mu.Unlock()

	for _, r := range re.ordered() {
		if !r.active || r.spec.Source != e.StreamID() {
			continue
		}
		ok, err := r.filter.match(e)
		if err != nil {
			failures++
			r.stats.MatchFailures++
			r.stats.LastError = err.Error()
			re.logger.Warnw("Rule filter failed", "rule", r.spec.ID, "event", e.ID(), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		gv := make(map[string]interface{}, len(r.spec.GroupBy))
		for _, f := range r.spec.GroupBy {
			gv[f] = e.Field(f)
		}
		created, accepted := re.windows.assign(r.spec.ID, r.spec.Window, groupKey(r.spec.GroupBy, gv), gv, e, now)
		if created {
			r.stats.WindowsCreated++
		}
		if !accepted {
			late++
			r.stats.LateEvents++
			re.metrics.lateEvent(r.spec.ID)
			re.logger.Warnw("Late event dropped, its window already emitted", "rule", r.spec.ID,
				"event", e.ID(), "timestamp", e.Timestamp())
			continue
		}
		r.stats.EventsMatched++
	}
	return failures, late
}

type pendingResult struct {
	ruleID string
	output SinkSpec
	result AggregatedResult
}

// evaluate advances sliding windows and aggregates every ready window of the
// active rules. pending holds the oldest queued timestamp per stream; buckets
// ending after it wait for the queue to drain. Windows of inactive rules stay
// tracked until swept.
func (re *ruleEngine) evaluate(now time.Time, pending map[string]time.Time) ([]pendingResult, int) {
	re.mu.Lock()
	defer re.mu.Unlock()

	re.windows.advance(now)

	results := make([]pendingResult, 0)
	failures := 0
	for _, r := range re.ordered() {
		if !r.active {
			continue
		}
		for _, w := range re.windows.ready(r.spec.ID, now, pending[r.spec.Source]) {
			result, err := aggregateSafely(r, w, now)
			re.windows.complete(w, now)
			if err != nil {
				failures++
				r.stats.FailedAggregations++
				r.stats.LastError = err.Error()
				re.metrics.aggregationFailed(r.spec.ID)
				re.logger.Errorw("Aggregation failed", "rule", r.spec.ID, "window", w.id, zap.Error(err))
				continue
			}
			r.stats.Aggregations++
			r.stats.LastAggregationAt = now
			re.metrics.aggregationCompleted(r.spec.ID)
			results = append(results, pendingResult{ruleID: r.spec.ID, output: r.spec.Output, result: result})
		}
	}
	re.metrics.setActiveWindows(re.windows.count())
	return results, failures
}

// dispatch routes results outside the rule lock. A rule deactivated or
// deleted since aggregation does not dispatch.
func (re *ruleEngine) dispatch(ctx context.Context, pending []pendingResult) int {
	failures := 0
	for _, p := range pending {
		re.mu.Lock()
		r, ok := re.rules[p.ruleID]
		active := ok && r.active
		re.mu.Unlock()
		if !active {
			continue
		}

		err := re.router.route(ctx, p.result, p.output)
		if err == nil {
			continue
		}
		failures++
		re.mu.Lock()
		r.stats.SinkFailures++
		r.stats.LastError = err.Error()
		re.mu.Unlock()
		re.metrics.sinkFailed(p.output.Kind)
		re.logger.Warnw("Sink dispatch failed", "rule", p.ruleID, "sink", p.output.Kind, "target", p.output.Target, zap.Error(err))
	}
	return failures
}

func (re *ruleEngine) sweep(now time.Time) int {
	re.mu.Lock()
	defer re.mu.Unlock()

	removed := re.windows.sweep(now)
	re.metrics.setActiveWindows(re.windows.count())
	return removed
}

func (re *ruleEngine) windowCount() int {
	re.mu.Lock()
	defer re.mu.Unlock()

	return re.windows.count()
}

// aggregateSafely runs aggregate and converts a panic into a ProcessingError
func aggregateSafely(r *rule, w *window, now time.Time) (result AggregatedResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ProcessingError{Stage: "aggregate", RuleID: r.spec.ID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	result, err = aggregate(r, w, now)
	if err != nil {
		err = &ProcessingError{Stage: "aggregate", RuleID: r.spec.ID, Err: err}
	}
	return result, err
}

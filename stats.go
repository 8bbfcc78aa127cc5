package voltstream

import "time"

// EngineStats is a point-in-time view of the whole engine
type EngineStats struct {
	Streams           int
	Rules             int
	Subscriptions     int
	TotalEvents       int64
	Processed         int64
	QueueDepth        int
	Dropped           int64
	Rejected          int64
	ProcessingErrors  int64
	SinkFailures      int64
	LateEvents        int64
	ErrorRate         float64
	ActiveWindows     int
	Evicted           int64
	WindowsSwept      int64
	Ticks             int64
	Uptime            time.Duration
	RuleStats         map[string]RuleStats
	SubscriptionStats map[string]SubscriptionStats
}

// Stats collects the engine-wide statistics. ErrorRate is the number of
// processing errors per processed event.
func (e *Engine) Stats() EngineStats {
	streams := e.streams.list()
	rules := e.rules.list()
	subs := e.subs.list()
	dropped, rejected := e.queue.counters()

	st := EngineStats{
		Streams:           len(streams),
		Rules:             len(rules),
		Subscriptions:     len(subs),
		QueueDepth:        e.queue.len(),
		Dropped:           dropped,
		Rejected:          rejected,
		ActiveWindows:     e.rules.windowCount(),
		Uptime:            e.clock.Now().Sub(e.started),
		RuleStats:         make(map[string]RuleStats, len(rules)),
		SubscriptionStats: make(map[string]SubscriptionStats, len(subs)),
	}
	for _, s := range streams {
		st.TotalEvents += s.Stats.EventCount
	}
	for _, r := range rules {
		st.RuleStats[r.Spec.ID] = r.Stats
	}
	for _, s := range subs {
		st.SubscriptionStats[s.ID] = s.Stats
	}

	e.counters.Lock()
	st.Processed = e.counters.processed
	st.ProcessingErrors = e.counters.processingErrors
	st.SinkFailures = e.counters.sinkFailures
	st.LateEvents = e.counters.lateEvents
	st.Evicted = e.counters.evicted
	st.WindowsSwept = e.counters.windowsSwept
	st.Ticks = e.counters.ticks
	e.counters.Unlock()

	if st.Processed > 0 {
		st.ErrorRate = float64(st.ProcessingErrors) / float64(st.Processed)
	}
	return st
}

// StreamStats returns the live statistics of one stream
func (e *Engine) StreamStats(id string) (StreamStats, error) {
	info, ok := e.streams.get(id)
	if !ok {
		return StreamStats{}, configErr("stream", id, ErrUnknownStream)
	}
	return info.Stats, nil
}

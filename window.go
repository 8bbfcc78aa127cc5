package voltstream

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// WindowType selects window boundaries and readiness semantics
type WindowType string

const (
	// WindowTumbling windows are bucket-aligned, non-overlapping and ready at their end
	WindowTumbling WindowType = "tumbling"
	// WindowSliding windows hold a moving count-bounded set of recent events
	WindowSliding WindowType = "sliding"
	// WindowFixed windows are bucket-aligned and emit once; the bucket is
	// then closed for good and later events for it are rejected as late
	WindowFixed WindowType = "fixed"
	// WindowSession windows close after Duration of inactivity
	WindowSession WindowType = "session"
)

// WindowState is the lifecycle state of a window
type WindowState string

const (
	WindowOpen   WindowState = "OPEN"
	WindowReady  WindowState = "READY"
	WindowClosed WindowState = "CLOSED"
)

// WindowSpec configures the windows of a rule. Size is the event count a
// sliding window needs before it is ready; Step throttles sliding emission.
type WindowSpec struct {
	Type     WindowType    `yaml:"type"`
	Duration time.Duration `yaml:"duration"`
	Size     int           `yaml:"size"`
	Step     time.Duration `yaml:"step"`
}

func (s WindowSpec) validate() error {
	switch s.Type {
	case WindowTumbling, WindowFixed, WindowSession:
		if s.Duration <= 0 {
			return fmt.Errorf("%s window requires a positive duration", s.Type)
		}
	case WindowSliding:
		if s.Size <= 0 {
			return fmt.Errorf("sliding window requires a positive size")
		}
		if s.Duration < 0 || s.Step < 0 {
			return fmt.Errorf("sliding window duration and step must not be negative")
		}
	default:
		return fmt.Errorf("unsupported window type %q", s.Type)
	}
	return nil
}

// WindowInfo is a read-only snapshot of a live window
type WindowInfo struct {
	ID          string
	RuleID      string
	Type        WindowType
	Start       time.Time
	End         time.Time
	GroupValues map[string]interface{}
	EventCount  int
	State       WindowState
	Version     int
	LastEventAt time.Time
}

type window struct {
	id          string
	ruleID      string
	groupKey    string
	spec        WindowSpec
	start       time.Time
	end         time.Time
	groupValues map[string]interface{}
	events      []Event
	state       WindowState
	version     int
	createdAt   time.Time
	lastEventAt time.Time
	lastEmitAt  time.Time
}

func (w *window) info() WindowInfo {
	return WindowInfo{
		ID:          w.id,
		RuleID:      w.ruleID,
		Type:        w.spec.Type,
		Start:       w.start,
		End:         w.end,
		GroupValues: copyMap(w.groupValues),
		EventCount:  len(w.events),
		State:       w.state,
		Version:     w.version,
		LastEventAt: w.lastEventAt,
	}
}

// isReady evaluates the type-specific readiness predicate at now.
// pendingFrom is the oldest event of the rule's source still queued, zero
// when none is; a bucket stays open while such events could still fall in it.
func (w *window) isReady(now, pendingFrom time.Time) bool {
	if w.state == WindowClosed {
		return false
	}
	switch w.spec.Type {
	case WindowTumbling, WindowFixed:
		if !pendingFrom.IsZero() && pendingFrom.Before(w.end) {
			return false
		}
		return !now.Before(w.end)
	case WindowSliding:
		if len(w.events) < w.spec.Size {
			return false
		}
		return w.spec.Step <= 0 || w.lastEmitAt.IsZero() || now.Sub(w.lastEmitAt) >= w.spec.Step
	case WindowSession:
		return len(w.events) > 0 && now.Sub(w.lastEventAt) >= w.spec.Duration
	default:
		return false
	}
}

// windowID hashes the identity of a window: rule, group values and bucket
func windowID(ruleID, groupKey, bucket string) string {
	h := xxhash.New()
	_, _ = h.WriteString(ruleID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(groupKey)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(bucket)
	return strconv.FormatUint(h.Sum64(), 16)
}

// alignStart floors ts to a multiple of d since the Unix epoch
func alignStart(ts time.Time, d time.Duration) time.Time {
	ns := ts.UnixNano()
	step := d.Nanoseconds()
	mod := ns % step
	if mod < 0 {
		mod += step
	}
	return time.Unix(0, ns-mod).UTC()
}

func bucketLabel(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// windowManager owns every live window, indexed by rule. It is not
// safe for concurrent use; the rule engine serialises access.
type windowManager struct {
	byRule    map[string]map[string]*window
	emitted   map[string]map[string]time.Time
	retention time.Duration
}

func newWindowManager(retention time.Duration) *windowManager {
	return &windowManager{
		byRule:    make(map[string]map[string]*window),
		emitted:   make(map[string]map[string]time.Time),
		retention: retention,
	}
}

// assign appends e to the window its rule and group key map to, creating
// the window when absent. It reports whether a window was created and
// whether the event was accepted; a refused event belongs to a bucket that
// already produced its result.
func (m *windowManager) assign(ruleID string, spec WindowSpec, gk string, gv map[string]interface{}, e Event, now time.Time) (created, accepted bool) {
	var id string
	var start, end time.Time
	ts := e.Timestamp()

	switch spec.Type {
	case WindowTumbling, WindowFixed:
		start = alignStart(ts, spec.Duration)
		end = start.Add(spec.Duration)
		id = windowID(ruleID, gk, bucketLabel(start))
		if _, done := m.emitted[ruleID][id]; done {
			// late event for a bucket that already produced its result
			return false, false
		}
	case WindowSliding:
		id = windowID(ruleID, gk, string(WindowSliding))
		start, end = now, now
		if spec.Duration > 0 {
			start = now.Add(-spec.Duration)
		}
	case WindowSession:
		id = windowID(ruleID, gk, string(WindowSession))
		start, end = ts, ts.Add(spec.Duration)
	default:
		return false, false
	}

	windows := m.byRule[ruleID]
	if windows == nil {
		windows = make(map[string]*window)
		m.byRule[ruleID] = windows
	}

	w, ok := windows[id]
	if !ok {
		w = &window{
			id:          id,
			ruleID:      ruleID,
			groupKey:    gk,
			spec:        spec,
			start:       start,
			end:         end,
			groupValues: copyMap(gv),
			state:       WindowOpen,
			version:     1,
			createdAt:   now,
		}
		windows[id] = w
		created = true
	}

	w.events = append(w.events, e)
	if ts.After(w.lastEventAt) {
		w.lastEventAt = ts
	}
	if spec.Type == WindowSession {
		w.end = w.lastEventAt.Add(spec.Duration)
	}
	return created, true
}

// advance keeps sliding windows bounded to [now-duration, now]
func (m *windowManager) advance(now time.Time) {
	for ruleID, windows := range m.byRule {
		for id, w := range windows {
			if w.spec.Type != WindowSliding {
				continue
			}
			w.end = now
			if w.spec.Duration <= 0 {
				continue
			}
			w.start = now.Add(-w.spec.Duration)
			kept := w.events[:0:0]
			for _, e := range w.events {
				if !e.Timestamp().Before(w.start) {
					kept = append(kept, e)
				}
			}
			w.events = kept
			if len(w.events) == 0 {
				delete(windows, id)
			}
		}
		if len(windows) == 0 {
			delete(m.byRule, ruleID)
		}
	}
}

// ready returns the ready windows of a rule ordered by start then id, and
// drops tumbling windows that became due without receiving any events.
func (m *windowManager) ready(ruleID string, now, pendingFrom time.Time) []*window {
	windows := m.byRule[ruleID]
	out := make([]*window, 0)
	for id, w := range windows {
		if !w.isReady(now, pendingFrom) {
			continue
		}
		if len(w.events) == 0 {
			delete(windows, id)
			continue
		}
		w.state = WindowReady
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].start.Equal(out[j].start) {
			return out[i].start.Before(out[j].start)
		}
		return out[i].id < out[j].id
	})
	return out
}

// complete applies the post-aggregation transition of w
func (m *windowManager) complete(w *window, now time.Time) {
	windows := m.byRule[w.ruleID]
	switch w.spec.Type {
	case WindowTumbling:
		nextStart := w.end
		nextID := windowID(w.ruleID, w.groupKey, bucketLabel(nextStart))
		delete(windows, w.id)
		m.markEmitted(w)
		if _, exists := windows[nextID]; exists {
			return
		}
		w.id = nextID
		w.events = nil
		w.start = nextStart
		w.end = nextStart.Add(w.spec.Duration)
		w.version++
		w.state = WindowOpen
		w.createdAt = now
		windows[nextID] = w
	case WindowSliding:
		if len(w.events) > 0 {
			w.events = append(w.events[:0:0], w.events[1:]...)
		}
		w.lastEmitAt = now
		w.version++
		w.state = WindowOpen
	case WindowFixed:
		delete(windows, w.id)
		m.markEmitted(w)
		w.events = nil
		w.state = WindowClosed
	case WindowSession:
		w.state = WindowClosed
		delete(windows, w.id)
	}
}

// markEmitted closes the bucket of w to later events until it ages out
func (m *windowManager) markEmitted(w *window) {
	if m.emitted[w.ruleID] == nil {
		m.emitted[w.ruleID] = make(map[string]time.Time)
	}
	m.emitted[w.ruleID][w.id] = w.end
}

// sweep drops windows created before the global retention ceiling
func (m *windowManager) sweep(now time.Time) int {
	if m.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.retention)
	removed := 0
	for ruleID, windows := range m.byRule {
		for id, w := range windows {
			if w.createdAt.Before(cutoff) {
				delete(windows, id)
				removed++
			}
		}
		if len(windows) == 0 {
			delete(m.byRule, ruleID)
		}
	}
	for ruleID, buckets := range m.emitted {
		for id, end := range buckets {
			if end.Before(cutoff) {
				delete(buckets, id)
			}
		}
		if len(buckets) == 0 {
			delete(m.emitted, ruleID)
		}
	}
	return removed
}

func (m *windowManager) removeRule(ruleID string) {
	delete(m.byRule, ruleID)
	delete(m.emitted, ruleID)
}

func (m *windowManager) count() int {
	n := 0
	for _, windows := range m.byRule {
		n += len(windows)
	}
	return n
}

func (m *windowManager) snapshot(ruleID string) []WindowInfo {
	windows := m.byRule[ruleID]
	out := make([]WindowInfo, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

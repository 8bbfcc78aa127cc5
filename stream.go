package voltstream

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StreamStatus is the lifecycle state of a stream
type StreamStatus string

const (
	StreamActive   StreamStatus = "active"
	StreamInactive StreamStatus = "inactive"
	StreamArchived StreamStatus = "archived"
)

// RetentionPolicy bounds how long and how many events a stream buffers.
// Zero values fall back to the engine defaults.
type RetentionPolicy struct {
	MaxAge    time.Duration `yaml:"maxAge"`
	MaxEvents int           `yaml:"maxEvents"`
}

// StreamSpec configures a new stream
type StreamSpec struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Type         string          `yaml:"type"`
	SchemaID     string          `yaml:"schema"`
	GroupingKeys []string        `yaml:"groupingKeys"`
	Retention    RetentionPolicy `yaml:"retention"`
}

// StreamStats are the live statistics of a stream. EventCount is the
// logical count and never decreases when buffered copies are evicted.
type StreamStats struct {
	EventCount     int64
	BufferedEvents int
	EvictedEvents  int64
	ErrorCount     int64
	ApproxBytes    int64
	LastEventAt    time.Time
}

// StreamInfo is a read-only snapshot of a stream
type StreamInfo struct {
	ID           string
	Name         string
	Type         string
	Status       StreamStatus
	SchemaID     string
	GroupingKeys []string
	Retention    RetentionPolicy
	CreatedAt    time.Time
	Stats        StreamStats
}

type stream struct {
	spec      StreamSpec
	status    StreamStatus
	createdAt time.Time
	events    []Event
	stats     StreamStats
}

func (s *stream) info() *StreamInfo {
	stats := s.stats
	stats.BufferedEvents = len(s.events)
	return &StreamInfo{
		ID:           s.spec.ID,
		Name:         s.spec.Name,
		Type:         s.spec.Type,
		Status:       s.status,
		SchemaID:     s.spec.SchemaID,
		GroupingKeys: append([]string(nil), s.spec.GroupingKeys...),
		Retention:    s.spec.Retention,
		CreatedAt:    s.createdAt,
		Stats:        stats,
	}
}

// append stores e and updates the stream statistics
func (s *stream) append(e Event) {
	s.events = append(s.events, e)
	s.stats.EventCount++
	s.stats.LastEventAt = e.Timestamp()
	s.stats.ApproxBytes += e.approxSize()
	if limit := s.spec.Retention.MaxEvents; limit > 0 && len(s.events) > limit {
		s.evict(len(s.events) - limit)
	}
}

func (s *stream) evict(n int) {
	for _, e := range s.events[:n] {
		s.stats.ApproxBytes -= e.approxSize()
	}
	s.events = append(s.events[:0:0], s.events[n:]...)
	s.stats.EvictedEvents += int64(n)
}

// sweep drops events outside the retention horizon or past their TTL
func (s *stream) sweep(now time.Time) int {
	cutoff := time.Time{}
	if s.spec.Retention.MaxAge > 0 {
		cutoff = now.Add(-s.spec.Retention.MaxAge)
	}

	kept := s.events[:0:0]
	removed := 0
	for _, e := range s.events {
		if (!cutoff.IsZero() && e.Timestamp().Before(cutoff)) || e.Expired(now) {
			s.stats.ApproxBytes -= e.approxSize()
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		s.events = kept
		s.stats.EvictedEvents += int64(removed)
	}
	return removed
}

type streamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[string]*stream)}
}

func (r *streamRegistry) create(spec StreamSpec, now time.Time) (*StreamInfo, error) {
	if spec.ID == "" {
		return nil, configErr("stream", spec.ID, fmt.Errorf("stream id is required"))
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[spec.ID]; exists {
		return nil, configErr("stream", spec.ID, ErrDuplicateStream)
	}
	s := &stream{
		spec:      spec,
		status:    StreamActive,
		createdAt: now,
	}
	r.streams[spec.ID] = s
	return s.info(), nil
}

func (r *streamRegistry) exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.streams[id]
	return ok
}

func (r *streamRegistry) get(id string) (*StreamInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	return s.info(), true
}

func (r *streamRegistry) list() []*StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*StreamInfo, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *streamRegistry) setStatus(id string, status StreamStatus) error {
	switch status {
	case StreamActive, StreamInactive, StreamArchived:
	default:
		return configErr("stream", id, fmt.Errorf("unsupported status %q", status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return configErr("stream", id, ErrUnknownStream)
	}
	s.status = status
	return nil
}

// sweep applies retention to every stream and returns the evicted count
func (r *streamRegistry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, s := range r.streams {
		total += s.sweep(now)
	}
	return total
}

// Query filters the events returned by GetEvents
type Query struct {
	Limit     int
	Offset    int
	StartTime time.Time
	EndTime   time.Time
	Type      string
}

func (r *streamRegistry) events(id string, q Query, now time.Time) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return nil, configErr("stream", id, ErrUnknownStream)
	}

	cutoff := time.Time{}
	if s.spec.Retention.MaxAge > 0 {
		cutoff = now.Add(-s.spec.Retention.MaxAge)
	}

	matched := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Expired(now) || (!cutoff.IsZero() && e.Timestamp().Before(cutoff)) {
			continue
		}
		if q.Type != "" && e.Type() != q.Type {
			continue
		}
		if !q.StartTime.IsZero() && e.Timestamp().Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && !e.Timestamp().Before(q.EndTime) {
			continue
		}
		matched = append(matched, e)
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// publish validates payload against the stream's schema, enqueues the new
// event and appends it to the buffer. Everything happens under the registry
// lock so a rejected event mutates nothing but the stream's ErrorCount.
func (r *streamRegistry) publish(id string, payload map[string]interface{}, o publishOptions, now time.Time, schemas *schemaRegistry, q *eventQueue) (Event, *Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return Event{}, nil, configErr("stream", id, ErrUnknownStream)
	}
	if s.status != StreamActive {
		return Event{}, nil, fmt.Errorf("stream %q is %s: %w", id, s.status, ErrStreamInactive)
	}
	if s.spec.SchemaID != "" {
		cs, ok := schemas.get(s.spec.SchemaID)
		if !ok {
			return Event{}, nil, configErr("schema", s.spec.SchemaID, ErrUnknownSchema)
		}
		if violations := cs.validate(payload); len(violations) > 0 {
			s.stats.ErrorCount++
			return Event{}, nil, &ValidationError{StreamID: id, SchemaID: s.spec.SchemaID, Violations: violations}
		}
	}

	e := newEvent(id, now, payload, o)
	evicted, err := q.push(e)
	if err != nil {
		return Event{}, nil, err
	}
	s.append(e)
	return e, evicted, nil
}

package voltstream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders events for consumers that care about urgency
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is an immutable record appended to a stream. Accessors return
// copies so handlers cannot mutate what other consumers see.
type Event struct {
	id        string
	eventType string
	streamID  string
	timestamp time.Time
	payload   map[string]interface{}
	metadata  map[string]interface{}
	priority  Priority
	ttl       time.Duration
	version   int
}

// NewEvent creates an event for streamID with a fresh id
func NewEvent(streamID, eventType string, timestamp time.Time, payload map[string]interface{}, opts ...PublishOption) Event {
	o := publishOptions{eventType: eventType, priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	return newEvent(streamID, timestamp, payload, o)
}

func newEvent(streamID string, timestamp time.Time, payload map[string]interface{}, o publishOptions) Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	eventType := o.eventType
	if eventType == "" {
		eventType = "event"
	}
	return Event{
		id:        uuid.NewString(),
		eventType: eventType,
		streamID:  streamID,
		timestamp: timestamp,
		payload:   copyMap(payload),
		metadata:  copyMap(o.metadata),
		priority:  o.priority,
		ttl:       o.ttl,
		version:   1,
	}
}

// ID returns the event's unique identifier
func (e Event) ID() string {
	return e.id
}

// Type returns the event type
func (e Event) Type() string {
	return e.eventType
}

// StreamID returns the stream the event was published to
func (e Event) StreamID() string {
	return e.streamID
}

// Timestamp returns when the event was accepted
func (e Event) Timestamp() time.Time {
	return e.timestamp
}

// Priority returns the event priority
func (e Event) Priority() Priority {
	return e.priority
}

// TTL returns the event's time-to-live, zero when unset
func (e Event) TTL() time.Duration {
	return e.ttl
}

// Version returns the event schema version
func (e Event) Version() int {
	return e.version
}

// Field returns a payload field, nil when absent
func (e Event) Field(name string) interface{} {
	return copyValue(e.payload[name])
}

// HasField reports whether the payload carries name
func (e Event) HasField(name string) bool {
	_, ok := e.payload[name]
	return ok
}

// Meta returns a metadata field, nil when absent
func (e Event) Meta(name string) interface{} {
	return copyValue(e.metadata[name])
}

// Payload returns a copy of the payload
func (e Event) Payload() map[string]interface{} {
	return copyMap(e.payload)
}

// Metadata returns a copy of the metadata
func (e Event) Metadata() map[string]interface{} {
	return copyMap(e.metadata)
}

// Expired reports whether the event TTL has elapsed at now
func (e Event) Expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.timestamp) >= e.ttl
}

type eventJSON struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	StreamID  string                 `json:"streamId"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Priority  string                 `json:"priority"`
	TTL       string                 `json:"ttl,omitempty"`
	Version   int                    `json:"version"`
}

// MarshalJSON encodes the event for sinks and logs
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:        e.id,
		Type:      e.eventType,
		StreamID:  e.streamID,
		Timestamp: e.timestamp,
		Payload:   e.payload,
		Metadata:  e.metadata,
		Priority:  e.priority.String(),
		Version:   e.version,
	}
	if e.ttl > 0 {
		out.TTL = e.ttl.String()
	}
	return json.Marshal(out)
}

// approxSize estimates the stored size of the event
func (e Event) approxSize() int64 {
	data, err := json.Marshal(e.payload)
	if err != nil {
		return 0
	}
	return int64(len(data) + len(e.id) + len(e.eventType))
}

// PublishOption customises an event at publish time
type PublishOption func(*publishOptions)

type publishOptions struct {
	eventType string
	metadata  map[string]interface{}
	priority  Priority
	ttl       time.Duration
}

// WithEventType sets the event type
func WithEventType(t string) PublishOption {
	return func(o *publishOptions) {
		o.eventType = t
	}
}

// WithMetadata attaches metadata to the event
func WithMetadata(md map[string]interface{}) PublishOption {
	return func(o *publishOptions) {
		o.metadata = md
	}
}

// WithPriority sets the event priority
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) {
		o.priority = p
	}
}

// WithTTL expires the event from its stream buffer after ttl
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.ttl = ttl
	}
}

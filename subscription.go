package voltstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AllStreams subscribes to, or projects, every stream
const AllStreams = "*"

// Handler consumes events delivered to a subscription
type Handler func(ctx context.Context, event Event) error

// SubscriptionStats count deliveries to a subscriber, whatever their outcome
type SubscriptionStats struct {
	Received        int64
	Processed       int64
	Failed          int64
	LastReceivedAt  time.Time
	LastProcessedAt time.Time
	LastError       string
}

// SubscriptionInfo is a read-only snapshot of a subscription
type SubscriptionInfo struct {
	ID       string
	StreamID string
	Active   bool
	Position string
	Stats    SubscriptionStats
}

type subscription struct {
	id       string
	streamID string
	filter   *compiledFilter
	handler  Handler
	active   bool
	position string
	stats    SubscriptionStats
	created  int64
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:       s.id,
		StreamID: s.streamID,
		Active:   s.active,
		Position: s.position,
		Stats:    s.stats,
	}
}

func (s *subscription) targets(streamID string) bool {
	return s.streamID == AllStreams || s.streamID == streamID
}

type subscriptionManager struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	seq     int64
	logger  *zap.SugaredLogger
	metrics *Metrics
}

func newSubscriptionManager(logger *zap.SugaredLogger, metrics *Metrics) *subscriptionManager {
	return &subscriptionManager{
		subs:    make(map[string]*subscription),
		logger:  logger,
		metrics: metrics,
	}
}

func (m *subscriptionManager) add(streamID string, filter *Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("subscription handler is required")
	}
	cf, err := compileFilter(filter)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	sub := &subscription{
		id:       uuid.NewString(),
		streamID: streamID,
		filter:   cf,
		handler:  handler,
		active:   true,
		created:  m.seq,
	}
	m.subs[sub.id] = sub
	return sub.id, nil
}

func (m *subscriptionManager) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return false
	}
	delete(m.subs, id)
	return true
}

func (m *subscriptionManager) setActive(id string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	sub.active = active
	return true
}

func (m *subscriptionManager) get(id string) (SubscriptionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return SubscriptionInfo{}, false
	}
	return sub.info(), true
}

func (m *subscriptionManager) list() []SubscriptionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.ordered()
	out := make([]SubscriptionInfo, len(subs))
	for i, s := range subs {
		out[i] = s.info()
	}
	return out
}

// ordered returns subscriptions in registration order. Callers hold mu.
func (m *subscriptionManager) ordered() []*subscription {
	out := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].created < out[j].created })
	return out
}

// dispatch notifies every active subscription whose stream and filter match e.
// A failing handler is recorded against its own subscription only.
func (m *subscriptionManager) dispatch(ctx context.Context, e Event, now time.Time) int {
	m.mu.RLock()
	candidates := make([]*subscription, 0)
	for _, s := range m.ordered() {
		if s.targets(e.StreamID()) {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	failures := 0
	for _, s := range candidates {
		m.mu.RLock()
		active, filter, handler := s.active, s.filter, s.handler
		m.mu.RUnlock()
		if !active {
			continue
		}

		matched, err := filter.match(e)
		if err != nil {
			failures++
			m.record(s, e, now, &ProcessingError{Stage: "filter", SubscriptionID: s.id, Err: err}, false)
			continue
		}
		if !matched {
			continue
		}

		err = invokeHandler(ctx, handler, e)
		if err != nil {
			failures++
			err = &ProcessingError{Stage: "handler", SubscriptionID: s.id, Err: err}
		}
		m.record(s, e, now, err, true)
	}
	return failures
}

func (m *subscriptionManager) record(s *subscription, e Event, now time.Time, err error, delivered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delivered {
		s.stats.Received++
		s.stats.LastReceivedAt = now
	}
	if err != nil {
		s.stats.Failed++
		s.stats.LastError = err.Error()
		m.logger.Warnw("Subscription failed", "subscription", s.id, "event", e.ID(), zap.Error(err))
		m.metrics.subscriptionFailed(s.id)
		return
	}
	s.stats.Processed++
	s.stats.LastProcessedAt = now
	s.position = e.ID()
}

// invokeHandler runs h and converts a panic into an error
func invokeHandler(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

package voltstream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reducer folds an event into projection state and returns the new state
type Reducer func(state map[string]interface{}, event Event) (map[string]interface{}, error)

// ProjectionSpec configures an incrementally maintained read-model
type ProjectionSpec struct {
	ID       string
	Name     string
	StreamID string
	Initial  map[string]interface{}
	Reducer  Reducer
}

// ProjectionSnapshot is a copy of a projection's current state
type ProjectionSnapshot struct {
	ID        string
	Name      string
	StreamID  string
	State     map[string]interface{}
	Version   int64
	Position  string
	UpdatedAt time.Time
	Failed    int64
}

// LatestReducer keeps the last payload per event type and a running count
func LatestReducer(state map[string]interface{}, e Event) (map[string]interface{}, error) {
	count, _ := toFloat(state["count"])
	state["count"] = int64(count) + 1
	state[e.Type()] = e.Payload()
	state["lastEventAt"] = e.Timestamp()
	return state, nil
}

// CountByTypeReducer counts events per event type
func CountByTypeReducer(state map[string]interface{}, e Event) (map[string]interface{}, error) {
	n, _ := toFloat(state[e.Type()])
	state[e.Type()] = int64(n) + 1
	return state, nil
}

type projection struct {
	spec      ProjectionSpec
	state     map[string]interface{}
	version   int64
	position  string
	updatedAt time.Time
	failed    int64
}

type projectionManager struct {
	mu          sync.RWMutex
	projections map[string]*projection
	logger      *zap.SugaredLogger
}

func newProjectionManager(logger *zap.SugaredLogger) *projectionManager {
	return &projectionManager{
		projections: make(map[string]*projection),
		logger:      logger,
	}
}

func (m *projectionManager) create(spec ProjectionSpec) error {
	if spec.ID == "" {
		return configErr("projection", spec.ID, fmt.Errorf("projection id is required"))
	}
	if spec.Reducer == nil {
		spec.Reducer = LatestReducer
	}
	if spec.StreamID == "" {
		spec.StreamID = AllStreams
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projections[spec.ID]; exists {
		return configErr("projection", spec.ID, fmt.Errorf("projection already exists"))
	}
	state := copyMap(spec.Initial)
	if state == nil {
		state = make(map[string]interface{})
	}
	m.projections[spec.ID] = &projection{spec: spec, state: state}
	return nil
}

func (m *projectionManager) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projections[id]; !ok {
		return false
	}
	delete(m.projections, id)
	return true
}

func (m *projectionManager) snapshot(id string) (ProjectionSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projections[id]
	if !ok {
		return ProjectionSnapshot{}, false
	}
	return ProjectionSnapshot{
		ID:        p.spec.ID,
		Name:      p.spec.Name,
		StreamID:  p.spec.StreamID,
		State:     copyMap(p.state),
		Version:   p.version,
		Position:  p.position,
		UpdatedAt: p.updatedAt,
		Failed:    p.failed,
	}, true
}

// apply folds e into every projection on its stream, ignoring filters.
// Reducers run without the lock held, so they may read other projections.
// A reducer error leaves that projection's state untouched.
func (m *projectionManager) apply(e Event, now time.Time) int {
	type fold struct {
		id      string
		p       *projection
		reducer Reducer
		state   map[string]interface{}
		version int64
	}

	m.mu.RLock()
	folds := make([]fold, 0, len(m.projections))
	for id, p := range m.projections {
		if p.spec.StreamID != AllStreams && p.spec.StreamID != e.StreamID() {
			continue
		}
		folds = append(folds, fold{id: id, p: p, reducer: p.spec.Reducer, state: copyMap(p.state), version: p.version})
	}
	m.mu.RUnlock()
	sort.Slice(folds, func(i, j int) bool { return folds[i].id < folds[j].id })

	failures := 0
	for _, f := range folds {
		next, err := reduceSafely(f.reducer, f.state, e)

		m.mu.Lock()
		if m.projections[f.id] != f.p || f.p.version != f.version {
			// removed or recreated while reducing
			m.mu.Unlock()
			continue
		}
		if err != nil {
			failures++
			f.p.failed++
			m.mu.Unlock()
			m.logger.Warnw("Projection reducer failed", "projection", f.id, "event", e.ID(), zap.Error(err))
			continue
		}
		if next == nil {
			next = make(map[string]interface{})
		}
		f.p.state = next
		f.p.version++
		f.p.position = e.ID()
		f.p.updatedAt = now
		m.mu.Unlock()
	}
	return failures
}

func reduceSafely(r Reducer, state map[string]interface{}, e Event) (next map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reducer panic: %v", rec)
		}
	}()
	return r(state, e)
}

package voltstream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultCheckpointCollection receives window checkpoints when no
// collection is given
const DefaultCheckpointCollection = "window_checkpoints"

// WindowCheckpoint is the durable image of an open window: its stable
// composite key, the id of the last event it absorbed and the partial
// aggregate over the events buffered so far. The source stream replays
// everything after Position within its retention.
type WindowCheckpoint struct {
	Key         string                 `json:"key"`
	RuleID      string                 `json:"ruleId"`
	WindowType  WindowType             `json:"windowType"`
	Start       time.Time              `json:"start"`
	End         time.Time              `json:"end"`
	GroupValues map[string]interface{} `json:"groupValues"`
	Version     int                    `json:"version"`
	EventCount  int                    `json:"eventCount"`
	Position    string                 `json:"position"`
	Partial     []CalculationResult    `json:"partial"`
	TakenAt     time.Time              `json:"takenAt"`
}

// checkpoints snapshots every window holding events, in rule order
func (re *ruleEngine) checkpoints(now time.Time) []WindowCheckpoint {
	re.mu.Lock()
	defer re.mu.Unlock()

	out := make([]WindowCheckpoint, 0)
	for _, r := range re.ordered() {
		for _, info := range re.windows.snapshot(r.spec.ID) {
			w := re.windows.byRule[r.spec.ID][info.ID]
			if len(w.events) == 0 {
				continue
			}
			cp := WindowCheckpoint{
				Key:         w.id,
				RuleID:      r.spec.ID,
				WindowType:  w.spec.Type,
				Start:       w.start,
				End:         w.end,
				GroupValues: copyMap(w.groupValues),
				Version:     w.version,
				EventCount:  len(w.events),
				Position:    w.events[len(w.events)-1].ID(),
				TakenAt:     now,
			}
			if result, err := aggregateSafely(r, w, now); err == nil {
				cp.Partial = result.Values
			} else {
				re.logger.Warnw("Partial aggregate failed", "rule", r.spec.ID, "window", w.id, zap.Error(err))
			}
			out = append(out, cp)
		}
	}
	return out
}

// Checkpoint persists an image of every open window to p. All windows are
// attempted; the failures are combined into the returned error.
func (e *Engine) Checkpoint(ctx context.Context, p Persister, collection string) (int, error) {
	if p == nil {
		return 0, &SinkError{Kind: SinkStore, Target: collection, Err: ErrUnknownSink}
	}
	if collection == "" {
		collection = DefaultCheckpointCollection
	}

	var errs error
	written := 0
	for _, cp := range e.rules.checkpoints(e.clock.Now()) {
		if err := p.Persist(ctx, collection, cp); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("checkpoint %s: %w", cp.Key, err))
			continue
		}
		written++
	}
	if errs != nil {
		e.logger.Warnw("Checkpoint incomplete", "written", written, zap.Error(errs))
	}
	return written, errs
}

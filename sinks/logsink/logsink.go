// Package logsink raises alerts and broadcasts as structured log entries
package logsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/voltgrid/voltstream"
)

// Sink implements voltstream.Alerter and voltstream.Broadcaster on a zap logger
type Sink struct {
	logger *zap.SugaredLogger
}

// New returns a sink writing to logger
func New(logger *zap.SugaredLogger) *Sink {
	return &Sink{logger: logger}
}

func fields(channel string, value interface{}) []interface{} {
	kv := []interface{}{"channel", channel}
	if r, ok := value.(voltstream.AggregatedResult); ok {
		kv = append(kv,
			"rule", r.RuleID,
			"window", r.WindowID,
			"windowStart", r.WindowStart,
			"windowEnd", r.WindowEnd,
			"groupBy", r.GroupBy,
			"records", r.Metadata.RecordCount,
			"quality", r.Metadata.DataQuality.Level,
		)
		for _, v := range r.Values {
			kv = append(kv, v.Alias, v.Value)
		}
		return kv
	}
	return append(kv, "value", value)
}

// RaiseAlert logs value at warn level
func (s *Sink) RaiseAlert(_ context.Context, channel string, value interface{}) error {
	s.logger.Warnw("Alert raised", fields(channel, value)...)
	return nil
}

// Broadcast logs value at info level
func (s *Sink) Broadcast(_ context.Context, channel string, value interface{}) error {
	s.logger.Infow("Result broadcast", fields(channel, value)...)
	return nil
}

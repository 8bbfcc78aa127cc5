// Package nats broadcasts results and raises alerts as JSON messages on
// NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/voltgrid/voltstream"
)

// Header names set on every message
const (
	HeaderKind = "Voltstream-Kind"
	HeaderRule = "Voltstream-Rule"
)

// DefaultFlushTimeout bounds an alert flush when the caller's context has no deadline
const DefaultFlushTimeout = 2 * time.Second

// Conn is the subset of *nats.Conn the sink uses
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Sink implements voltstream.Broadcaster and voltstream.Alerter
type Sink struct {
	conn         Conn
	prefix       string
	flush        bool
	flushTimeout time.Duration
	logger       *zap.SugaredLogger
}

// Option configures a Sink
type Option func(*Sink)

// WithSubjectPrefix prefixes every subject
func WithSubjectPrefix(prefix string) Option {
	return func(s *Sink) {
		s.prefix = prefix
	}
}

// WithFlush waits for the server to acknowledge each alert
func WithFlush() Option {
	return func(s *Sink) {
		s.flush = true
	}
}

// WithFlushTimeout bounds each flush that is not already bounded by its context
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.flushTimeout = d
		}
	}
}

// WithLogger sets the sink logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sink) {
		s.logger = l
	}
}

// New wraps an established connection
func New(conn Conn, opts ...Option) *Sink {
	s := &Sink{conn: conn, flushTimeout: DefaultFlushTimeout, logger: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect dials url and returns the sink with its connection
func Connect(url string, opts ...Option) (*Sink, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("voltstream"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return New(nc, opts...), nc, nil
}

func (s *Sink) subject(channel string) string {
	if s.prefix == "" {
		return channel
	}
	return s.prefix + "." + channel
}

func (s *Sink) publish(ctx context.Context, kind voltstream.SinkKind, channel string, value interface{}, flush bool) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	msg := nats.NewMsg(s.subject(channel))
	msg.Data = data
	msg.Header.Set(HeaderKind, string(kind))
	if r, ok := value.(voltstream.AggregatedResult); ok {
		msg.Header.Set(HeaderRule, r.RuleID)
	}

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", msg.Subject, err)
	}
	if flush {
		if err := s.flushConn(ctx); err != nil {
			return fmt.Errorf("failed to flush %s: %w", msg.Subject, err)
		}
	}
	s.logger.Debugw("Message published", "subject", msg.Subject, "kind", kind)
	return nil
}

// flushConn waits for the server round trip. FlushWithContext refuses a
// context without a deadline, so one is derived from flushTimeout.
func (s *Sink) flushConn(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.flushTimeout)
		defer cancel()
	}
	return s.conn.FlushWithContext(ctx)
}

// Broadcast publishes value on channel
func (s *Sink) Broadcast(ctx context.Context, channel string, value interface{}) error {
	return s.publish(ctx, voltstream.SinkBroadcast, channel, value, false)
}

// RaiseAlert publishes value on channel, flushing when configured to
func (s *Sink) RaiseAlert(ctx context.Context, channel string, value interface{}) error {
	return s.publish(ctx, voltstream.SinkAlert, channel, value, s.flush)
}

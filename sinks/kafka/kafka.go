// Package kafka persists aggregated results as JSON records on Kafka
// topics, one topic per collection.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/voltgrid/voltstream"
)

// Producer is the subset of *kafka.Producer the sink uses
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Sink implements voltstream.Persister
type Sink struct {
	producer    Producer
	topicPrefix string
	logger      *zap.SugaredLogger
}

// Option configures a Sink
type Option func(*Sink)

// WithTopicPrefix prefixes every topic name
func WithTopicPrefix(prefix string) Option {
	return func(s *Sink) {
		s.topicPrefix = prefix
	}
}

// WithLogger sets the sink logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sink) {
		s.logger = l
	}
}

// New wraps an existing producer
func New(p Producer, opts ...Option) *Sink {
	s := &Sink{producer: p, logger: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial creates a producer for brokers
func Dial(brokers []string, opts ...Option) (*Sink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return New(p, opts...), nil
}

func (s *Sink) topic(collection string) string {
	if s.topicPrefix == "" {
		return collection
	}
	return s.topicPrefix + "." + collection
}

// Persist produces value as JSON to the collection's topic and waits for
// the delivery report or ctx.
func (s *Sink) Persist(ctx context.Context, collection string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	topic := s.topic(collection)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            recordKey(value),
		Value:          data,
	}

	delivery := make(chan kafka.Event, 1)
	if err := s.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
	}
	s.logger.Debugw("Record persisted", "topic", topic, "bytes", len(data))
	return nil
}

// Close flushes outstanding messages and closes the producer
func (s *Sink) Close() error {
	if left := s.producer.Flush(5000); left > 0 {
		s.logger.Warnw("Unflushed kafka messages on close", "count", left)
	}
	s.producer.Close()
	return nil
}

// recordKey keeps the records of one window on one partition
func recordKey(value interface{}) []byte {
	switch v := value.(type) {
	case voltstream.AggregatedResult:
		return []byte(v.RuleID + "/" + v.WindowID)
	case voltstream.WindowCheckpoint:
		return []byte(v.RuleID + "/" + v.Key)
	default:
		return nil
	}
}

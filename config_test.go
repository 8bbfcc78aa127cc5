package voltstream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
tick_interval: 500ms
batch_size: 50
overflow_policy: drop_oldest
schemas:
  - id: energy-reading-v1
    fields:
      meter: {type: string, required: true}
      consumption: {type: number, required: true, min: 0}
streams:
  - id: ENERGY_EVENTS
    schema: energy-reading-v1
    groupingKeys: [meter]
    retention:
      maxAge: 1h
rules:
  - id: consumption
    source: ENERGY_EVENTS
    window: {type: tumbling, duration: 5m}
    groupBy: [meter]
    filter:
      conditions:
        - {target: payload, field: meter, op: in, values: [m1, m2]}
    calculations:
      - {field: consumption, function: sum}
      - {field: consumption, function: percentile, param: 95, alias: p95}
    output: {kind: alert, target: ops, threshold: {alias: p95, op: greater_than, value: 10}}
sinks:
  nats_url: nats://localhost:4222
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voltstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, DefaultQueueCapacity, cfg.QueueCapacity)
	assert.Equal(t, OverflowDropOldest, cfg.OverflowPolicy)
	assert.Equal(t, DefaultCleanupInterval, cfg.CleanupInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.Sinks.NATSURL)

	require.Len(t, cfg.Streams, 1)
	assert.Equal(t, time.Hour, cfg.Streams[0].Retention.MaxAge)
	require.Len(t, cfg.Rules, 1)
	rule := cfg.Rules[0]
	assert.Equal(t, 5*time.Minute, rule.Window.Duration)
	assert.Equal(t, SinkAlert, rule.Output.Kind)
	require.NotNil(t, rule.Output.Threshold)
	assert.Equal(t, 10.0, rule.Output.Threshold.Value)
	require.NotNil(t, rule.Filter)
	assert.Len(t, rule.Filter.Conditions[0].Values, 2)
	require.NotNil(t, cfg.Schemas[0].Fields["consumption"].Min)

	sink := newRecordingSink()
	e, err := New(cfg, WithSinks(sink.registry()))
	require.NoError(t, err)
	assert.Len(t, e.Rules(), 1)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("VOLTSTREAM_TICK_INTERVAL", "2s")
	t.Setenv("VOLTSTREAM_QUEUE_CAPACITY", "64")
	t.Setenv("VOLTSTREAM_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("VOLTSTREAM_REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Sinks.KafkaBrokers)
	assert.Equal(t, "redis:6379", cfg.Sinks.RedisAddr)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "tick_interval: [\n"))
	assert.Error(t, err)

	t.Setenv("VOLTSTREAM_BATCH_SIZE", "lots")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.OverflowPolicy = "block"
	assert.Error(t, bad.Validate())

	dup := DefaultConfig()
	dup.Streams = []StreamSpec{{ID: "a"}, {ID: "a"}}
	assert.Error(t, dup.Validate())

	orphan := DefaultConfig()
	orphan.Rules = []RuleSpec{{ID: "r", Source: "missing"}}
	assert.Error(t, orphan.Validate())
}

package voltstream

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine defaults
const (
	DefaultTickInterval    = time.Second
	DefaultBatchSize       = 100
	DefaultQueueCapacity   = 10000
	DefaultWindowRetention = 24 * time.Hour
	DefaultCleanupInterval = time.Minute
	DefaultStreamMaxAge    = 24 * time.Hour
	DefaultStreamMaxEvents = 10000
)

// SinkConfig addresses the external sinks wired by the daemon. Empty
// values leave the matching sink unregistered.
type SinkConfig struct {
	RedisAddr    string   `yaml:"redis_addr"`
	NATSURL      string   `yaml:"nats_url"`
	NATSPrefix   string   `yaml:"nats_prefix"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	PostgresDSN  string   `yaml:"postgres_dsn"`
}

// Config defines engine configuration
type Config struct {
	TickInterval     time.Duration   `yaml:"tick_interval"`
	BatchSize        int             `yaml:"batch_size"`
	QueueCapacity    int             `yaml:"queue_capacity"`
	OverflowPolicy   OverflowPolicy  `yaml:"overflow_policy"`
	WindowRetention  time.Duration   `yaml:"window_retention"`
	CleanupInterval  time.Duration   `yaml:"cleanup_interval"`
	SinkTimeout      time.Duration   `yaml:"sink_timeout"`
	DefaultRetention RetentionPolicy `yaml:"default_retention"`

	Schemas []Schema     `yaml:"schemas"`
	Streams []StreamSpec `yaml:"streams"`
	Rules   []RuleSpec   `yaml:"rules"`
	Sinks   SinkConfig   `yaml:"sinks"`
}

// DefaultConfig returns a config with every default applied
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowReject
	}
	if c.WindowRetention <= 0 {
		c.WindowRetention = DefaultWindowRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.DefaultRetention.MaxAge <= 0 {
		c.DefaultRetention.MaxAge = DefaultStreamMaxAge
	}
	if c.DefaultRetention.MaxEvents <= 0 {
		c.DefaultRetention.MaxEvents = DefaultStreamMaxEvents
	}
}

// LoadConfig reads a yaml config from path, then applies environment
// overrides and defaults. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("VOLTSTREAM_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VOLTSTREAM_TICK_INTERVAL: %w", err)
		}
		c.TickInterval = d
	}
	if v := os.Getenv("VOLTSTREAM_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VOLTSTREAM_BATCH_SIZE: %w", err)
		}
		c.BatchSize = n
	}
	if v := os.Getenv("VOLTSTREAM_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VOLTSTREAM_QUEUE_CAPACITY: %w", err)
		}
		c.QueueCapacity = n
	}
	if v := os.Getenv("VOLTSTREAM_OVERFLOW_POLICY"); v != "" {
		c.OverflowPolicy = OverflowPolicy(v)
	}
	if v := os.Getenv("VOLTSTREAM_REDIS_ADDR"); v != "" {
		c.Sinks.RedisAddr = v
	}
	if v := os.Getenv("VOLTSTREAM_NATS_URL"); v != "" {
		c.Sinks.NATSURL = v
	}
	if v := os.Getenv("VOLTSTREAM_KAFKA_BROKERS"); v != "" {
		c.Sinks.KafkaBrokers = splitCSV(v)
	}
	if v := os.Getenv("VOLTSTREAM_POSTGRES_DSN"); v != "" {
		c.Sinks.PostgresDSN = v
	}
	return nil
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	switch c.OverflowPolicy {
	case "", OverflowReject, OverflowDropOldest:
	default:
		return fmt.Errorf("unsupported overflow policy %q", c.OverflowPolicy)
	}
	if c.TickInterval < 0 || c.WindowRetention < 0 || c.CleanupInterval < 0 || c.SinkTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.BatchSize < 0 || c.QueueCapacity < 0 {
		return errors.New("batch size and queue capacity must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Streams))
	for _, s := range c.Streams {
		if s.ID == "" {
			return errors.New("stream id is required")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("stream %q: %w", s.ID, ErrDuplicateStream)
		}
		seen[s.ID] = struct{}{}
	}
	for _, r := range c.Rules {
		if _, ok := seen[r.Source]; !ok {
			return fmt.Errorf("rule %q source %q: %w", r.ID, r.Source, ErrUnknownStream)
		}
	}
	return nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

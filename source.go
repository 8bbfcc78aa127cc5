package voltstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// baseSource provides the lifecycle shared by source implementations
type baseSource struct {
	name      string
	logger    *zap.SugaredLogger
	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	published int64
	failed    int64
}

func newBaseSource(name string) baseSource {
	return baseSource{name: name, logger: zap.NewNop().Sugar()}
}

// begin marks the source running and returns the context its goroutine uses
func (bs *baseSource) begin(ctx context.Context) (context.Context, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.isRunning {
		return nil, errors.New("source already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	bs.cancel = cancel
	bs.isRunning = true
	return runCtx, nil
}

// Stop halts the flow of events
func (bs *baseSource) Stop() error {
	bs.mu.Lock()
	if !bs.isRunning {
		bs.mu.Unlock()
		return errors.New("source not running")
	}
	if bs.cancel != nil {
		bs.cancel()
	}
	bs.isRunning = false
	bs.mu.Unlock()

	bs.wg.Wait()

	bs.logger.Infow("Source stopped", "source", bs.name,
		"published", atomic.LoadInt64(&bs.published), "failed", atomic.LoadInt64(&bs.failed))
	return nil
}

// Wait blocks until the source goroutine has exited
func (bs *baseSource) Wait() {
	bs.wg.Wait()
}

// Published returns the number of events accepted by the publisher
func (bs *baseSource) Published() int64 {
	return atomic.LoadInt64(&bs.published)
}

// Failed returns the number of events the publisher refused
func (bs *baseSource) Failed() int64 {
	return atomic.LoadInt64(&bs.failed)
}

func (bs *baseSource) publish(ctx context.Context, pub Publisher, streamID string, payload map[string]interface{}, opts ...PublishOption) {
	if _, err := pub.Publish(ctx, streamID, payload, opts...); err != nil {
		atomic.AddInt64(&bs.failed, 1)
		bs.logger.Warnw("Source publish failed", "source", bs.name, "stream", streamID, zap.Error(err))
		return
	}
	atomic.AddInt64(&bs.published, 1)
}

// GeneratorSource publishes a generated payload on every tick of its
// interval, simulating a meter or sensor.
type GeneratorSource struct {
	baseSource
	streamID  string
	eventType string
	interval  time.Duration
	clock     Clock
	generator func(now time.Time) map[string]interface{}
}

// NewGeneratorSource creates a source that publishes generator's payloads
// to streamID every interval
func NewGeneratorSource(streamID string, generator func(now time.Time) map[string]interface{}, interval time.Duration) *GeneratorSource {
	return &GeneratorSource{
		baseSource: newBaseSource("generator:" + streamID),
		streamID:   streamID,
		interval:   interval,
		clock:      RealClock(),
		generator:  generator,
	}
}

// WithClock drives the generator from c instead of the wall clock
func (s *GeneratorSource) WithClock(c Clock) *GeneratorSource {
	s.clock = c
	return s
}

// WithEventType sets the type of generated events
func (s *GeneratorSource) WithEventType(t string) *GeneratorSource {
	s.eventType = t
	return s
}

// WithLogger sets the source logger
func (s *GeneratorSource) WithLogger(l *zap.SugaredLogger) *GeneratorSource {
	s.logger = l
	return s
}

// Start begins generating events into pub
func (s *GeneratorSource) Start(ctx context.Context, pub Publisher) error {
	if s.interval <= 0 {
		return fmt.Errorf("generator interval must be positive, got %v", s.interval)
	}
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	ticker := s.clock.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C():
				payload := s.generator(now)
				if payload == nil {
					continue
				}
				var opts []PublishOption
				if s.eventType != "" {
					opts = append(opts, WithEventType(s.eventType))
				}
				s.publish(runCtx, pub, s.streamID, payload, opts...)
			}
		}
	}()

	s.logger.Infow("Generator source started", "stream", s.streamID, "interval", s.interval)
	return nil
}

// fileRecord is one line of a JSON-lines event file
type fileRecord struct {
	Stream   string                 `json:"stream"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata map[string]interface{} `json:"metadata"`
}

// FileSource replays a JSON-lines file into the engine, one event per line:
// {"stream": "...", "type": "...", "payload": {...}, "metadata": {...}}
type FileSource struct {
	baseSource
	filePath      string
	defaultStream string
	interval      time.Duration
}

// NewFileSource creates a source that reads events from filePath
func NewFileSource(filePath string) *FileSource {
	return &FileSource{
		baseSource: newBaseSource("file:" + filePath),
		filePath:   filePath,
	}
}

// WithStream sets the stream used by lines that do not name one
func (s *FileSource) WithStream(streamID string) *FileSource {
	s.defaultStream = streamID
	return s
}

// WithInterval paces the replay with a pause between lines
func (s *FileSource) WithInterval(d time.Duration) *FileSource {
	s.interval = d
	return s
}

// WithLogger sets the source logger
func (s *FileSource) WithLogger(l *zap.SugaredLogger) *FileSource {
	s.logger = l
	return s
}

// Start begins reading events from the file into pub
func (s *FileSource) Start(ctx context.Context, pub Publisher) error {
	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", s.filePath, err)
	}
	runCtx, err := s.begin(ctx)
	if err != nil {
		file.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer file.Close()

		lineNumber := 0
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if runCtx.Err() != nil {
				return
			}
			lineNumber++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var rec fileRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				atomic.AddInt64(&s.failed, 1)
				s.logger.Warnw("Skipping malformed line", "file", s.filePath, "line", lineNumber, zap.Error(err))
				continue
			}
			streamID := rec.Stream
			if streamID == "" {
				streamID = s.defaultStream
			}
			opts := []PublishOption{WithMetadata(rec.Metadata)}
			if rec.Type != "" {
				opts = append(opts, WithEventType(rec.Type))
			}
			s.publish(runCtx, pub, streamID, rec.Payload, opts...)

			if s.interval > 0 {
				select {
				case <-runCtx.Done():
					return
				case <-time.After(s.interval):
				}
			}
		}
		if err := scanner.Err(); err != nil {
			s.logger.Errorw("Error reading file", "file", s.filePath, zap.Error(err))
		}
		s.logger.Infow("Finished reading file", "file", s.filePath, "lines", lineNumber)
	}()

	s.logger.Infow("File source started", "file", s.filePath)
	return nil
}

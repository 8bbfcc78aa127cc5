package voltstream

import (
	"context"
	"errors"
	"time"
)

// TickReport summarises one pass of the processing loop
type TickReport struct {
	At           time.Time
	Processed    int
	Aggregations int
	Failures     int
	LateEvents   int
	Evicted      int
	WindowsSwept int
}

// Start runs the processing loop, calling Tick on every tick of the
// engine clock until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.loop(loopCtx, ticker, e.done)

	e.logger.Infow("Engine started", "tickInterval", e.cfg.TickInterval,
		"batchSize", e.cfg.BatchSize, "queueCapacity", e.cfg.QueueCapacity,
		"overflowPolicy", e.cfg.OverflowPolicy)
	return nil
}

// Stop halts the processing loop and waits for the running tick to finish.
// Queued events stay queued and are processed by the next Start or Tick.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn("Timeout waiting for the processing loop to stop")
	}

	e.logger.Infow("Engine stopped", "queued", e.queue.len())
	return nil
}

// Run starts the engine and blocks until ctx is done, then stops it
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Running reports whether the processing loop is active
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.running
}

func (e *Engine) loop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Tick(ctx)
		}
	}
}

// Tick runs one pass of the loop at the clock's current time: it drains
// up to BatchSize queued events in FIFO order, feeding each to the rules,
// then the subscriptions, then the projections; it aggregates and routes
// every ready window, holding back buckets that still have events queued;
// and every CleanupInterval it applies retention to streams and windows.
// Errors are isolated per unit of work and only
// surface through stats and logs.
func (e *Engine) Tick(ctx context.Context) TickReport {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	began := time.Now()
	now := e.clock.Now()
	report := TickReport{At: now}

	for _, ev := range e.queue.drain(e.cfg.BatchSize) {
		failed, late := e.rules.match(ev, now)
		report.Failures += failed
		report.LateEvents += late
		report.Failures += e.subs.dispatch(ctx, ev, now)
		report.Failures += e.projections.apply(ev, now)
		report.Processed++
		e.metrics.eventProcessed(ev.StreamID())
	}

	pending, failed := e.rules.evaluate(now, e.queue.oldestPending())
	report.Failures += failed
	report.Aggregations = len(pending)
	sinkFailures := e.rules.dispatch(ctx, pending)
	report.Failures += sinkFailures

	if e.lastCleanup.IsZero() || now.Sub(e.lastCleanup) >= e.cfg.CleanupInterval {
		report.Evicted = e.streams.sweep(now)
		report.WindowsSwept = e.rules.sweep(now)
		e.lastCleanup = now
		if report.Evicted > 0 || report.WindowsSwept > 0 {
			e.logger.Debugw("Retention sweep", "events", report.Evicted, "windows", report.WindowsSwept)
		}
	}

	e.counters.Lock()
	e.counters.ticks++
	e.counters.processed += int64(report.Processed)
	e.counters.processingErrors += int64(report.Failures)
	e.counters.sinkFailures += int64(sinkFailures)
	e.counters.lateEvents += int64(report.LateEvents)
	e.counters.evicted += int64(report.Evicted)
	e.counters.windowsSwept += int64(report.WindowsSwept)
	e.counters.Unlock()

	e.metrics.setQueueDepth(e.queue.len())
	e.metrics.observeTick(time.Since(began))
	return report
}

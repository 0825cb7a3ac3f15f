// Package collector feeds monitor events into an aggregator.
package collector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/smazurov/procwatch/internal/aggregator"
	"github.com/smazurov/procwatch/internal/events"
	"github.com/smazurov/procwatch/internal/logging"
	"github.com/smazurov/procwatch/internal/metrics"
)

const queueSize = 1024

// progress tracks whether every entry of a process has been ingested.
type progress struct {
	received int
	expected int
	terminal bool
	// recorded is set once the aggregator holds metadata for the process.
	recorded bool
}

func (p *progress) settled() bool {
	return p.terminal && p.recorded && p.received >= p.expected
}

// Collector is the single writer of an aggregator. Events from the bus are
// queued and applied by one goroutine so AddLog order equals delivery order.
type Collector struct {
	agg    *aggregator.Aggregator
	logger *slog.Logger
	queue  chan events.ProcessEvent
	stop   chan struct{}
	done   chan struct{}
	unsub  func()
	once   sync.Once

	onEntry func(aggregator.Entry)

	// pending holds terminal marks that arrived before the aggregator knew
	// the process. Owned by the ingest goroutine.
	pending map[string]func()

	mu       sync.Mutex
	progress map[string]*progress
	changed  chan struct{}
}

// Option configures a Collector.
type Option func(*Collector)

// OnEntry calls fn with every stored entry, in sequence order, from the ingest
// goroutine. WaitFor returns only after fn has seen every entry of the
// processes waited on.
func OnEntry(fn func(aggregator.Entry)) Option {
	return func(c *Collector) {
		c.onEntry = fn
	}
}

// New subscribes to bus and starts ingesting into agg.
func New(bus *events.Bus, agg *aggregator.Aggregator, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = logging.GetLogger("collector")
	}
	c := &Collector{
		agg:      agg,
		logger:   logger,
		queue:    make(chan events.ProcessEvent, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]func()),
		progress: make(map[string]*progress),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsub = bus.SubscribeAll(c.enqueue)
	go c.run()
	return c
}

func (c *Collector) enqueue(e events.ProcessEvent) {
	switch e.(type) {
	case events.LogBatchEvent, events.BufferWarningEvent:
		// Batches repeat entries already delivered one by one.
		return
	}
	select {
	case c.queue <- e:
	case <-c.stop:
	}
}

func (c *Collector) run() {
	defer close(c.done)
	for {
		select {
		case e := <-c.queue:
			c.apply(e)
		case <-c.stop:
			return
		}
	}
}

// apply runs on the ingest goroutine. The bus delivers each event type on
// its own goroutine, so a terminal notice can overtake the start and the
// entries of the same process.
func (c *Collector) apply(e events.ProcessEvent) {
	id := e.Process()

	switch ev := e.(type) {
	case events.MonitoringStartedEvent:
		c.agg.TrackProcess(id, ev.StartTime)
		c.recorded(id, nil)
	case events.LogEntryEvent:
		stored := c.agg.AddLog(id, ev.Entry)
		if c.onEntry != nil {
			c.onEntry(stored)
		}
		c.recorded(id, func(p *progress) { p.received++ })
	case events.ProcessExitedEvent:
		if ev.Requested || ev.Signal != "" {
			c.markOrDefer(id, func() { c.agg.MarkProcessStopped(id) })
		} else {
			code := ev.Code
			c.markOrDefer(id, func() { c.agg.MarkProcessComplete(id, code) })
		}
		c.finish(id, ev.Entries)
	case events.ProcessCrashedEvent:
		code := ev.Code
		if code == 0 {
			code = -1
		}
		c.markOrDefer(id, func() { c.agg.MarkProcessComplete(id, code) })
		c.finish(id, ev.Entries)
	case events.ProcessErrorEvent:
		c.markOrDefer(id, func() { c.agg.MarkProcessCrashed(id) })
		c.finish(id, ev.Entries)
	case events.MonitoringErrorEvent:
		c.agg.TrackProcess(id, ev.Time)
		c.agg.MarkProcessCrashed(id)
		c.recorded(id, nil)
		c.finish(id, 0)
	case events.MonitoringStoppedEvent:
		c.markOrDefer(id, func() { c.agg.MarkProcessStopped(id) })
	case events.StreamErrorEvent:
		c.logger.Warn("Stream error", "process_id", id, "source", ev.Source, "error", ev.Error)
		return
	default:
		return
	}

	c.publishStats()
}

// markOrDefer applies a terminal mark now when the aggregator knows id, and
// otherwise keeps the first one until the process is recorded.
func (c *Collector) markOrDefer(id string, mark func()) {
	if _, ok := c.agg.Metadata(id); ok {
		mark()
		return
	}
	if _, ok := c.pending[id]; !ok {
		c.pending[id] = mark
	}
}

// recorded is called once the aggregator holds metadata for id. A terminal
// mark that arrived first is applied before waiters can observe the process.
func (c *Collector) recorded(id string, update func(*progress)) {
	if mark, ok := c.pending[id]; ok {
		delete(c.pending, id)
		mark()
	}
	c.track(id, func(p *progress) {
		p.recorded = true
		if update != nil {
			update(p)
		}
	})
}

func (c *Collector) publishStats() {
	s := c.agg.Statistics()
	metrics.SetAggregatorStats(s.TotalLogs, map[string]int{
		string(aggregator.StatusRunning):   s.RunningProcesses,
		string(aggregator.StatusCompleted): s.CompletedProcesses,
		string(aggregator.StatusCrashed):   s.CrashedProcesses,
		string(aggregator.StatusStopped):   s.StoppedProcesses,
	})
}

func (c *Collector) track(id string, update func(*progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.progress[id]
	if !ok {
		p = &progress{}
		c.progress[id] = p
	}
	if update != nil {
		update(p)
	}
	c.notifyLocked()
}

func (c *Collector) finish(id string, expected int) {
	c.track(id, func(p *progress) {
		p.terminal = true
		p.expected = expected
	})
}

func (c *Collector) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// WaitFor blocks until each process has ended and every entry it emitted has
// been ingested.
func (c *Collector) WaitFor(ctx context.Context, ids ...string) error {
	for {
		c.mu.Lock()
		settled := true
		for _, id := range ids {
			if p, ok := c.progress[id]; !ok || !p.settled() {
				settled = false
				break
			}
		}
		changed := c.changed
		c.mu.Unlock()

		if settled {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close unsubscribes from the bus and stops the ingest goroutine. Queued
// events that were not applied yet are dropped.
func (c *Collector) Close() {
	c.once.Do(func() {
		c.unsub()
		close(c.stop)
		<-c.done
	})
}

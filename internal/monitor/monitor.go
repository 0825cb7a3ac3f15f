// Package monitor runs many child processes concurrently, each with its own
// controller and log parser, and republishes their output and lifecycle on an
// event bus tagged with a generated handle.
package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/smazurov/procwatch/internal/events"
	"github.com/smazurov/procwatch/internal/logging"
	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/process"
)

// Defaults applied when an Options field is zero.
const (
	DefaultDrainTimeout = 2 * time.Second
	DefaultCrashLogs    = 10
)

// ErrNotFound is returned for handles that are unknown or already terminated.
// Callers should treat it as "already gone".
var ErrNotFound = errors.New("process not found")

// Status is the lifecycle state of a monitored process.
type Status string

// Process states. stopped and crashed are terminal.
const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Record describes one monitored process.
type Record struct {
	Handle    string            `json:"process_id" example:"proc-1718000000000-1a2b3c4d" doc:"Process handle"`
	Command   string            `json:"command" doc:"Command as given"`
	Status    Status            `json:"status" enum:"starting,running,stopped,crashed" doc:"Lifecycle state"`
	PID       int               `json:"pid,omitempty" doc:"OS process id"`
	StartTime time.Time         `json:"start_time" doc:"Time monitoring was requested"`
	EndTime   *time.Time        `json:"end_time,omitempty" doc:"Time the process ended"`
	Filter    []logstream.Level `json:"filter,omitempty" doc:"Active level allow-list"`
}

// Snapshot is a point-in-time view of the process table.
type Snapshot struct {
	ActiveProcesses int      `json:"active_processes" doc:"Processes in the running state"`
	Processes       []Record `json:"processes" doc:"Live processes ordered by start time"`
}

// StartOptions configure one monitored process.
type StartOptions struct {
	process.SpawnOptions
	// Filter is the initial level allow-list. Nil defers to the filter policy.
	Filter []logstream.Level
}

// StopResult reports how a stop request completed.
type StopResult struct {
	// Forced is true when the process had to be killed.
	Forced bool `json:"forced"`
}

// Options configure a Monitor.
type Options struct {
	// Bus receives every event. A private bus is created when nil.
	Bus    *events.Bus
	Logger *slog.Logger
	// GracePeriod bounds the wait between SIGTERM and SIGKILL on Stop.
	GracePeriod time.Duration
	// DrainTimeout bounds the wait for output to close after the process exits.
	// Descendants holding the pipes open are cut off when it expires.
	DrainTimeout time.Duration
	// RecentLogs is the per-process ring of recent entries.
	RecentLogs int
	// CrashLogs is how many recent entries a crash event carries.
	CrashLogs      int
	HighWaterMark  int
	BatchThreshold int
	Policy         FilterPolicy
	Clock          func() time.Time
}

type managed struct {
	record   Record
	ctrl     *process.Controller
	parser   *logstream.Parser
	logger   *slog.Logger
	stopping bool
	// exited is set as soon as the OS process is gone; the handle is no
	// longer valid even while output is still draining.
	exited bool
	// explicit is set once a caller chose the filter; policy updates skip it.
	explicit bool
	started  chan struct{}
	done     chan struct{}
}

// Monitor owns a table of live processes keyed by handle.
type Monitor struct {
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	procs  map[string]*managed
	policy FilterPolicy
	wg     sync.WaitGroup

	// ownsBus is set when New created the bus; Close releases it.
	ownsBus bool
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	ownsBus := opts.Bus == nil
	if ownsBus {
		opts.Bus = events.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("monitor")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = process.DefaultGracePeriod
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.CrashLogs <= 0 {
		opts.CrashLogs = DefaultCrashLogs
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Monitor{
		opts:    opts,
		bus:     opts.Bus,
		logger:  opts.Logger,
		procs:   make(map[string]*managed),
		policy:  opts.Policy,
		ownsBus: ownsBus,
	}
}

// Close releases the private bus created when Options.Bus was nil. Stop or
// wait for every process first; a bus passed in is left to its owner.
func (m *Monitor) Close() error {
	if !m.ownsBus {
		return nil
	}
	return m.bus.Close()
}

// Bus returns the bus events are published on.
func (m *Monitor) Bus() *events.Bus {
	return m.bus
}

func (m *Monitor) newHandle() string {
	return fmt.Sprintf("proc-%d-%s", m.opts.Clock().UnixMilli(), uuid.NewString()[:8])
}

// Start spawns command and begins capturing its output. The handle is
// returned even when spawning fails, in which case a MonitoringErrorEvent
// carrying it has been published.
func (m *Monitor) Start(ctx context.Context, command string, opts StartOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle := m.newHandle()
	logger := m.logger.With("process_id", handle)

	filter, explicit := opts.Filter, opts.Filter != nil
	if !explicit {
		m.mu.RLock()
		filter, _ = m.policy.LevelsFor(command)
		m.mu.RUnlock()
	}

	parser, err := logstream.NewParser(logstream.Options{
		HighWaterMark:  m.opts.HighWaterMark,
		RecentSize:     m.opts.RecentLogs,
		BatchThreshold: m.opts.BatchThreshold,
		Filter:         filter,
		Clock:          m.opts.Clock,
		Logger:         logger,
	}, publisher{bus: m.bus, handle: handle})
	if err != nil {
		return "", fmt.Errorf("start %q: %w", command, err)
	}

	mp := &managed{
		record: Record{
			Handle:    handle,
			Command:   command,
			Status:    StatusStarting,
			StartTime: m.opts.Clock(),
		},
		ctrl: process.NewController(
			process.WithGracePeriod(m.opts.GracePeriod),
			process.WithLogger(logger),
		),
		parser:   parser,
		logger:   logger,
		explicit: explicit,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[handle] = mp
	m.mu.Unlock()
	defer close(mp.started)

	if err := mp.ctrl.Spawn(command, opts.SpawnOptions); err != nil {
		m.failStart(mp, err)
		return handle, fmt.Errorf("start %s: %w", handle, err)
	}

	m.mu.Lock()
	mp.record.Status = StatusRunning
	mp.record.PID = mp.ctrl.PID()
	record := mp.record
	m.mu.Unlock()

	m.bus.Publish(events.MonitoringStartedEvent{
		ProcessID: handle,
		Command:   command,
		PID:       record.PID,
		StartTime: record.StartTime,
	})

	parser.Attach(mp.ctrl.Stdout(), mp.ctrl.Stderr())

	m.wg.Add(1)
	go m.supervise(mp)

	return handle, nil
}

func (m *Monitor) failStart(mp *managed, err error) {
	now := m.opts.Clock()
	mp.logger.Error("Failed to start monitoring", "command", mp.record.Command, "error", err)

	m.mu.Lock()
	mp.record.Status = StatusCrashed
	mp.record.EndTime = &now
	delete(m.procs, mp.record.Handle)
	m.mu.Unlock()

	mp.parser.Cleanup()
	close(mp.done)

	m.bus.Publish(events.MonitoringErrorEvent{
		ProcessID: mp.record.Handle,
		Command:   mp.record.Command,
		Error:     err.Error(),
		Time:      now,
	})
}

// supervise waits for exit, lets the parser flush, publishes exactly one
// terminal event and removes the record.
func (m *Monitor) supervise(mp *managed) {
	defer m.wg.Done()
	defer close(mp.done)

	<-mp.ctrl.Done()
	exit := mp.ctrl.Exit()

	m.mu.Lock()
	mp.exited = true
	m.mu.Unlock()

	timer := time.NewTimer(m.opts.DrainTimeout)
	select {
	case <-mp.parser.Done():
	case <-timer.C:
		mp.logger.Warn("Output still open after exit, closing", "drain_timeout", m.opts.DrainTimeout)
		mp.ctrl.CloseOutput()
		<-mp.parser.Done()
	}
	timer.Stop()
	mp.ctrl.CloseOutput()

	end := m.opts.Clock()
	emitted := mp.parser.Emitted()

	m.mu.Lock()
	requested := mp.stopping
	m.mu.Unlock()

	var (
		status Status
		ev     events.Event
	)
	switch {
	case exit.Err != nil:
		status = StatusCrashed
		ev = events.ProcessErrorEvent{ProcessID: mp.record.Handle, Error: exit.Err.Error(), EndTime: end, Entries: emitted}
	case requested || exit.Success():
		status = StatusStopped
		ev = events.ProcessExitedEvent{
			ProcessID: mp.record.Handle,
			Code:      exit.Code,
			Signal:    exit.Signal,
			EndTime:   end,
			Requested: requested,
			Entries:   emitted,
		}
	default:
		status = StatusCrashed
		ev = events.ProcessCrashedEvent{
			ProcessID: mp.record.Handle,
			Code:      exit.Code,
			Signal:    exit.Signal,
			EndTime:   end,
			LastLogs:  mp.parser.RecentLogs(m.opts.CrashLogs),
			Entries:   emitted,
		}
	}

	mp.logger.Info("Process finished", "status", status, "code", exit.Code, "signal", exit.Signal)
	m.bus.Publish(ev)
	mp.parser.Cleanup()

	m.mu.Lock()
	mp.record.Status = status
	mp.record.EndTime = &end
	delete(m.procs, mp.record.Handle)
	m.mu.Unlock()
}

// lookup returns the live entry for handle (must hold lock). Processes
// that already exited are not live.
func (m *Monitor) lookup(handle string) (*managed, error) {
	mp, ok := m.procs[handle]
	if !ok || mp.exited {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return mp, nil
}

// Stop terminates a process gracefully, falling back to a forced kill.
// A second or concurrent Stop for the same handle returns ErrNotFound.
func (m *Monitor) Stop(ctx context.Context, handle string) (StopResult, error) {
	m.mu.RLock()
	mp, err := m.lookup(handle)
	m.mu.RUnlock()
	if err != nil {
		return StopResult{}, err
	}

	select {
	case <-mp.started:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}

	m.mu.Lock()
	if _, err := m.lookup(handle); err != nil || mp.stopping {
		m.mu.Unlock()
		return StopResult{}, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	mp.stopping = true
	m.mu.Unlock()

	mp.logger.Info("Stopping process")

	res, err := mp.ctrl.Terminate(ctx, unix.SIGTERM)
	forced := res.Forced
	if err != nil && !errors.Is(err, process.ErrNoProcess) {
		mp.logger.Warn("Graceful stop failed, forcing kill", "error", err)
		forced = true
		if _, kerr := mp.ctrl.ForceKill(ctx, unix.SIGKILL); kerr != nil && !errors.Is(kerr, process.ErrNoProcess) {
			m.announceStopped(mp, true)
			return StopResult{Forced: true}, fmt.Errorf("stop %s: %w", handle, errors.Join(err, kerr))
		}
	}

	// The signal is out; the stop is announced even if ctx ends first.
	announced := m.announceStopped(mp, forced)
	select {
	case <-announced:
	case <-ctx.Done():
		return StopResult{Forced: forced}, fmt.Errorf("stop %s: %w", handle, ctx.Err())
	}
	return StopResult{Forced: forced}, nil
}

// announceStopped publishes MonitoringStoppedEvent once the process has been
// fully handled. The returned channel closes after publishing.
func (m *Monitor) announceStopped(mp *managed, forced bool) <-chan struct{} {
	announced := make(chan struct{})
	go func() {
		defer close(announced)
		<-mp.done
		m.bus.Publish(events.MonitoringStoppedEvent{
			ProcessID: mp.record.Handle,
			EndTime:   m.opts.Clock(),
			Forced:    forced,
		})
	}()
	return announced
}

// StopAll stops every live process concurrently. One failure does not abort
// the others; failures are joined. Processes that exit on their own in the
// meantime are not errors.
func (m *Monitor) StopAll(ctx context.Context) error {
	m.mu.RLock()
	handles := make([]string, 0, len(m.procs))
	for h, mp := range m.procs {
		if !mp.stopping && !mp.exited {
			handles = append(handles, h)
		}
	}
	m.mu.RUnlock()

	m.logger.Info("Stopping all processes", "count", len(handles))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Stop(ctx, h); err != nil && !errors.Is(err, ErrNotFound) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Wait blocks until every process started so far has finished.
func (m *Monitor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetLevelFilter replaces the allow-list of a live process. Empty removes it.
func (m *Monitor) SetLevelFilter(handle string, levels []logstream.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, err := m.lookup(handle)
	if err != nil {
		return err
	}
	if err := mp.parser.SetLevelFilter(levels); err != nil {
		return fmt.Errorf("set filter on %s: %w", handle, err)
	}
	mp.explicit = true
	return nil
}

// LevelFilter returns the allow-list of a live process, nil when unfiltered.
func (m *Monitor) LevelFilter(handle string) ([]logstream.Level, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, err := m.lookup(handle)
	if err != nil {
		return nil, err
	}
	return mp.parser.LevelFilter(), nil
}

// RecentLogs returns up to n recent post-filter entries of a live process.
func (m *Monitor) RecentLogs(handle string, n int) ([]logstream.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, err := m.lookup(handle)
	if err != nil {
		return nil, err
	}
	return mp.parser.RecentLogs(n), nil
}

// Get returns the record of a live process.
func (m *Monitor) Get(handle string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, err := m.lookup(handle)
	if err != nil {
		return Record{}, err
	}
	return m.snapshotRecord(mp), nil
}

func (m *Monitor) snapshotRecord(mp *managed) Record {
	r := mp.record
	r.Filter = mp.parser.LevelFilter()
	return r
}

// Status returns the live processes ordered by start time. Terminated
// processes never appear.
func (m *Monitor) Status() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Processes: make([]Record, 0, len(m.procs))}
	for _, mp := range m.procs {
		if mp.exited {
			continue
		}
		if mp.record.Status == StatusRunning {
			snap.ActiveProcesses++
		}
		snap.Processes = append(snap.Processes, m.snapshotRecord(mp))
	}
	slices.SortFunc(snap.Processes, func(a, b Record) int {
		return cmp.Or(a.StartTime.Compare(b.StartTime), cmp.Compare(a.Handle, b.Handle))
	})
	return snap
}

// ApplyPolicy replaces the filter policy and re-applies it to every live
// process whose filter was not set explicitly. It returns how many processes
// were updated.
func (m *Monitor) ApplyPolicy(policy FilterPolicy) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policy = policy
	applied := 0
	for h, mp := range m.procs {
		if mp.explicit || mp.exited {
			continue
		}
		levels, ok := policy.LevelsFor(mp.record.Command)
		if !ok {
			levels = nil
		}
		if err := mp.parser.SetLevelFilter(levels); err != nil {
			mp.logger.Warn("Policy filter rejected", "error", err)
			continue
		}
		if ok {
			applied++
			m.logger.Debug("Applied filter policy", "process_id", h, "levels", levels)
		}
	}
	return applied
}

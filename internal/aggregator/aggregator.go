// Package aggregator merges the log streams of many processes into one
// in-memory store with a single global sequence.
package aggregator

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/procwatch/internal/logstream"
)

// ProcessStatus is the aggregator's view of a process lifecycle.
type ProcessStatus string

// Aggregator statuses. Everything except running is terminal.
const (
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusCrashed   ProcessStatus = "crashed"
	StatusStopped   ProcessStatus = "stopped"
)

// Entry is a log entry tagged with its process and global sequence number.
type Entry struct {
	logstream.Entry
	ProcessID string `json:"process_id" doc:"Process handle"`
	Sequence  uint64 `json:"sequence" doc:"Global ingestion order, starting at 0"`
}

// Metadata tracks one process as seen through its logs and lifecycle notices.
type Metadata struct {
	ProcessID string        `json:"process_id" doc:"Process handle"`
	StartTime time.Time     `json:"start_time" doc:"Time of first sighting"`
	EndTime   *time.Time    `json:"end_time,omitempty" doc:"Time a terminal status was recorded"`
	Status    ProcessStatus `json:"status" enum:"running,completed,crashed,stopped" doc:"Lifecycle status"`
	LogCount  int           `json:"log_count" doc:"Entries stored for the process"`
}

// Statistics summarizes the store.
type Statistics struct {
	TotalLogs          int `json:"total_logs"`
	TotalProcesses     int `json:"total_processes"`
	RunningProcesses   int `json:"running_processes"`
	CompletedProcesses int `json:"completed_processes"`
	CrashedProcesses   int `json:"crashed_processes"`
	StoppedProcesses   int `json:"stopped_processes"`
}

// Query selects entries. Zero values leave a dimension unrestricted; Since and
// Until are inclusive.
type Query struct {
	ProcessIDs []string
	Levels     []logstream.Level
	Since      time.Time
	Until      time.Time
	Offset     int
	Limit      int
}

func (q Query) matches(e Entry) bool {
	if len(q.ProcessIDs) > 0 && !slices.Contains(q.ProcessIDs, e.ProcessID) {
		return false
	}
	if len(q.Levels) > 0 && !slices.Contains(q.Levels, e.Level) {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Aggregator is safe for concurrent use. Sequence numbers follow AddLog call
// order across all processes.
type Aggregator struct {
	mu        sync.RWMutex
	entries   []Entry
	byProcess map[string][]Entry
	metadata  map[string]*Metadata
	next      uint64
	clock     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source for metadata timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// New creates an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		byProcess: make(map[string][]Entry),
		metadata:  make(map[string]*Metadata),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddLog stores entry for processID and returns it with its sequence number.
// The first entry of an unseen process creates its metadata as running.
func (a *Aggregator) AddLog(processID string, entry logstream.Entry) Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	md, ok := a.metadata[processID]
	if !ok {
		start := entry.Timestamp
		if start.IsZero() {
			start = a.clock()
		}
		md = &Metadata{ProcessID: processID, StartTime: start, Status: StatusRunning}
		a.metadata[processID] = md
	}

	stored := Entry{Entry: entry, ProcessID: processID, Sequence: a.next}
	a.next++
	a.entries = append(a.entries, stored)
	a.byProcess[processID] = append(a.byProcess[processID], stored)
	md.LogCount++
	return stored
}

// TrackProcess registers a process before its first entry so processes that
// never log still appear in metadata and statistics. Known ids are left as is.
func (a *Aggregator) TrackProcess(processID string, startTime time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.metadata[processID]; ok {
		return
	}
	a.metadata[processID] = &Metadata{ProcessID: processID, StartTime: startTime, Status: StatusRunning}
}

// MarkProcessComplete records an exit: code 0 is completed, anything else crashed.
// Unknown processes are ignored.
func (a *Aggregator) MarkProcessComplete(processID string, exitCode int) {
	status := StatusCompleted
	if exitCode != 0 {
		status = StatusCrashed
	}
	a.mark(processID, status)
}

// MarkProcessCrashed records a failure that has no exit code.
func (a *Aggregator) MarkProcessCrashed(processID string) {
	a.mark(processID, StatusCrashed)
}

// MarkProcessStopped records a caller-initiated stop. Unknown processes are ignored.
func (a *Aggregator) MarkProcessStopped(processID string) {
	a.mark(processID, StatusStopped)
}

// mark sets a terminal status once. Later marks are ignored so a late or
// duplicate lifecycle notice cannot rewrite how a process ended.
func (a *Aggregator) mark(processID string, status ProcessStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	md, ok := a.metadata[processID]
	if !ok || md.Status != StatusRunning {
		return
	}
	now := a.clock()
	md.Status = status
	md.EndTime = &now
}

// Logs returns the entries matching q in sequence order.
func (a *Aggregator) Logs(q Query) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Entry
	skipped := 0
	for _, e := range a.entries {
		if !q.matches(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// ProcessLogs returns one process's entries in insertion order. Unknown ids
// return an empty result.
func (a *Aggregator) ProcessLogs(processID string) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.byProcess[processID])
}

// Metadata returns a copy of one process's metadata.
func (a *Aggregator) Metadata(processID string) (Metadata, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	md, ok := a.metadata[processID]
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}

// AllMetadata returns every process ordered by start time.
func (a *Aggregator) AllMetadata() []Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Metadata, 0, len(a.metadata))
	for _, md := range a.metadata {
		out = append(out, *md)
	}
	slices.SortFunc(out, func(x, y Metadata) int {
		return cmp.Or(x.StartTime.Compare(y.StartTime), cmp.Compare(x.ProcessID, y.ProcessID))
	})
	return out
}

// Statistics derives totals in one pass over the metadata.
func (a *Aggregator) Statistics() Statistics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Statistics{TotalLogs: len(a.entries), TotalProcesses: len(a.metadata)}
	for _, md := range a.metadata {
		switch md.Status {
		case StatusRunning:
			s.RunningProcesses++
		case StatusCompleted:
			s.CompletedProcesses++
		case StatusCrashed:
			s.CrashedProcesses++
		case StatusStopped:
			s.StoppedProcesses++
		}
	}
	return s
}

// Clear drops everything and restarts sequence numbers at 0.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = nil
	a.byProcess = make(map[string][]Entry)
	a.metadata = make(map[string]*Metadata)
	a.next = 0
}

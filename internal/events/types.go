package events

import (
	"time"

	"github.com/smazurov/procwatch/internal/logstream"
)

// Event type constants for kelindar/event.
const (
	TypeMonitoringStarted uint32 = iota + 1
	TypeProcessExited
	TypeProcessCrashed
	TypeProcessError
	TypeMonitoringError
	TypeMonitoringStopped
	TypeLogEntry
	TypeLogBatch
	TypeBufferWarning
	TypeStreamError
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ProcessEvent is an event scoped to one monitored process.
type ProcessEvent interface {
	Event
	// Name is the wire name, e.g. "process-exited".
	Name() string
	// Process returns the handle the event belongs to.
	Process() string
}

// MonitoringStartedEvent is published once a process has been spawned.
type MonitoringStartedEvent struct {
	ProcessID string    `json:"process_id" example:"proc-1718000000000-1a2b3c4d" doc:"Process handle"`
	Command   string    `json:"command" example:"make test" doc:"Command as given"`
	PID       int       `json:"pid" example:"4242" doc:"OS process id"`
	StartTime time.Time `json:"start_time" doc:"Spawn time"`
}

func (e MonitoringStartedEvent) Type() uint32    { return TypeMonitoringStarted }
func (e MonitoringStartedEvent) Name() string    { return "monitoring-started" }
func (e MonitoringStartedEvent) Process() string { return e.ProcessID }

// ProcessExitedEvent is published when a process ends cleanly or was stopped
// on request.
type ProcessExitedEvent struct {
	ProcessID string    `json:"process_id" doc:"Process handle"`
	Code      int       `json:"code" example:"0" doc:"Exit code, -1 when killed by a signal"`
	Signal    string    `json:"signal,omitempty" example:"SIGTERM" doc:"Terminating signal"`
	EndTime   time.Time `json:"end_time" doc:"Exit time"`
	Requested bool      `json:"requested" doc:"Whether the exit followed a stop request"`
	Entries   int       `json:"entries" doc:"Log entries emitted for the process"`
}

func (e ProcessExitedEvent) Type() uint32    { return TypeProcessExited }
func (e ProcessExitedEvent) Name() string    { return "process-exited" }
func (e ProcessExitedEvent) Process() string { return e.ProcessID }

// ProcessCrashedEvent is published for a non-zero exit or unrequested signal death.
type ProcessCrashedEvent struct {
	ProcessID string            `json:"process_id" doc:"Process handle"`
	Code      int               `json:"code" example:"1" doc:"Exit code, -1 when killed by a signal"`
	Signal    string            `json:"signal,omitempty" example:"SIGSEGV" doc:"Terminating signal"`
	EndTime   time.Time         `json:"end_time" doc:"Exit time"`
	LastLogs  []logstream.Entry `json:"last_logs" doc:"Most recent captured entries"`
	Entries   int               `json:"entries" doc:"Log entries emitted for the process"`
}

func (e ProcessCrashedEvent) Type() uint32    { return TypeProcessCrashed }
func (e ProcessCrashedEvent) Name() string    { return "process-crashed" }
func (e ProcessCrashedEvent) Process() string { return e.ProcessID }

// ProcessErrorEvent is published when waiting on a running process failed.
type ProcessErrorEvent struct {
	ProcessID string    `json:"process_id" doc:"Process handle"`
	Error     string    `json:"error" doc:"Error description"`
	EndTime   time.Time `json:"end_time" doc:"Time the error was observed"`
	Entries   int       `json:"entries" doc:"Log entries emitted for the process"`
}

func (e ProcessErrorEvent) Type() uint32    { return TypeProcessError }
func (e ProcessErrorEvent) Name() string    { return "process-error" }
func (e ProcessErrorEvent) Process() string { return e.ProcessID }

// MonitoringErrorEvent is published when a process could not be spawned.
type MonitoringErrorEvent struct {
	ProcessID string    `json:"process_id" doc:"Process handle"`
	Command   string    `json:"command" doc:"Command as given"`
	Error     string    `json:"error" example:"exec: \"nope\": executable file not found in $PATH" doc:"Spawn failure"`
	Time      time.Time `json:"time" doc:"Failure time"`
}

func (e MonitoringErrorEvent) Type() uint32    { return TypeMonitoringError }
func (e MonitoringErrorEvent) Name() string    { return "monitoring-error" }
func (e MonitoringErrorEvent) Process() string { return e.ProcessID }

// MonitoringStoppedEvent is published by a successful stop request.
type MonitoringStoppedEvent struct {
	ProcessID string    `json:"process_id" doc:"Process handle"`
	EndTime   time.Time `json:"end_time" doc:"Stop time"`
	Forced    bool      `json:"forced" doc:"Whether SIGKILL was needed"`
}

func (e MonitoringStoppedEvent) Type() uint32    { return TypeMonitoringStopped }
func (e MonitoringStoppedEvent) Name() string    { return "monitoring-stopped" }
func (e MonitoringStoppedEvent) Process() string { return e.ProcessID }

// LogEntryEvent carries one captured line tagged with its process.
type LogEntryEvent struct {
	ProcessID string `json:"process_id" doc:"Process handle"`
	logstream.Entry
}

func (e LogEntryEvent) Type() uint32    { return TypeLogEntry }
func (e LogEntryEvent) Name() string    { return "log-entry" }
func (e LogEntryEvent) Process() string { return e.ProcessID }

// LogBatchEvent repeats a burst of entries that arrived in one chunk.
type LogBatchEvent struct {
	ProcessID string            `json:"process_id" doc:"Process handle"`
	Entries   []logstream.Entry `json:"entries" doc:"Entries in emission order"`
}

func (e LogBatchEvent) Type() uint32    { return TypeLogBatch }
func (e LogBatchEvent) Name() string    { return "log-batch" }
func (e LogBatchEvent) Process() string { return e.ProcessID }

// BufferWarningEvent reports an unterminated line growing past the high-water mark.
type BufferWarningEvent struct {
	ProcessID string `json:"process_id" doc:"Process handle"`
	logstream.BufferWarning
}

func (e BufferWarningEvent) Type() uint32    { return TypeBufferWarning }
func (e BufferWarningEvent) Name() string    { return "buffer-warning" }
func (e BufferWarningEvent) Process() string { return e.ProcessID }

// StreamErrorEvent reports an I/O failure on one output stream.
type StreamErrorEvent struct {
	ProcessID string           `json:"process_id" doc:"Process handle"`
	Source    logstream.Source `json:"source" enum:"stdout,stderr" doc:"Failed stream"`
	Error     string           `json:"error" doc:"Read error"`
}

func (e StreamErrorEvent) Type() uint32    { return TypeStreamError }
func (e StreamErrorEvent) Name() string    { return "stream-error" }
func (e StreamErrorEvent) Process() string { return e.ProcessID }

// Catalog maps every wire name to a zero value of its event type.
func Catalog() map[string]any {
	return map[string]any{
		MonitoringStartedEvent{}.Name(): MonitoringStartedEvent{},
		ProcessExitedEvent{}.Name():     ProcessExitedEvent{},
		ProcessCrashedEvent{}.Name():    ProcessCrashedEvent{},
		ProcessErrorEvent{}.Name():      ProcessErrorEvent{},
		MonitoringErrorEvent{}.Name():   MonitoringErrorEvent{},
		MonitoringStoppedEvent{}.Name(): MonitoringStoppedEvent{},
		LogEntryEvent{}.Name():          LogEntryEvent{},
		LogBatchEvent{}.Name():          LogBatchEvent{},
		BufferWarningEvent{}.Name():     BufferWarningEvent{},
		StreamErrorEvent{}.Name():       StreamErrorEvent{},
	}
}

package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smazurov/procwatch/internal/events"
)

// Subject prefixes for NATS topics.
const (
	SubjectProcessesPrefix = "procwatch.processes"
	SubjectControlPrefix   = "procwatch.control"
)

// Control actions.
const (
	ActionStop   = "stop"
	ActionFilter = "filter"
)

// SubjectProcessLogs returns the subject carrying log entries of a process.
func SubjectProcessLogs(processID string) string {
	return fmt.Sprintf("%s.%s.logs", SubjectProcessesPrefix, processID)
}

// SubjectProcessLifecycle returns the subject carrying lifecycle notices of a process.
func SubjectProcessLifecycle(processID string) string {
	return fmt.Sprintf("%s.%s.lifecycle", SubjectProcessesPrefix, processID)
}

// SubjectControl returns the request subject for a control action on a process.
func SubjectControl(processID, action string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectControlPrefix, processID, action)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// LogMessage is one classified output line.
type LogMessage struct {
	ProcessID string `json:"process_id"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // error, warn, info, debug
	Message   string `json:"message"`
	Source    string `json:"source"` // stdout, stderr
}

// Marshal serializes the message to JSON.
func (m LogMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// LifecycleMessage reports a change in a process's monitoring state. Event is
// the bus event name, e.g. "process-crashed".
type LifecycleMessage struct {
	ProcessID string         `json:"process_id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Marshal serializes the message to JSON.
func (m LifecycleMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ControlMessage is the request body on a control subject.
type ControlMessage struct {
	Action    string   `json:"action"`
	ProcessID string   `json:"process_id"`
	Levels    []string `json:"levels,omitempty"` // filter only; empty clears
	Reason    string   `json:"reason,omitempty"`
}

// Marshal serializes the message to JSON.
func (m ControlMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ControlReply answers a ControlMessage.
type ControlReply struct {
	OK     bool   `json:"ok"`
	Forced bool   `json:"forced,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Marshal serializes the message to JSON.
func (m ControlReply) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalLog deserializes a LogMessage from JSON.
func UnmarshalLog(data []byte) (LogMessage, error) {
	var m LogMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalLifecycle deserializes a LifecycleMessage from JSON.
func UnmarshalLifecycle(data []byte) (LifecycleMessage, error) {
	var m LifecycleMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalControl deserializes a ControlMessage from JSON.
func UnmarshalControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalControlReply deserializes a ControlReply from JSON.
func UnmarshalControlReply(data []byte) (ControlReply, error) {
	var m ControlReply
	err := json.Unmarshal(data, &m)
	return m, err
}

// logMessage converts a log entry event. ok is false for any other event.
func logMessage(e events.ProcessEvent) (LogMessage, bool) {
	ev, ok := e.(events.LogEntryEvent)
	if !ok {
		return LogMessage{}, false
	}
	return LogMessage{
		ProcessID: ev.ProcessID,
		Timestamp: timestamp(ev.Timestamp),
		Level:     string(ev.Level),
		Message:   ev.Message,
		Source:    string(ev.Source),
	}, true
}

// lifecycleMessage converts a lifecycle event. Log entries and batches are
// not lifecycle events; ok is false for them.
func lifecycleMessage(e events.ProcessEvent) (LifecycleMessage, bool) {
	m := LifecycleMessage{ProcessID: e.Process(), Event: e.Name()}

	switch ev := e.(type) {
	case events.MonitoringStartedEvent:
		m.Timestamp = timestamp(ev.StartTime)
		m.Details = map[string]any{"command": ev.Command, "pid": ev.PID}
	case events.ProcessExitedEvent:
		m.Timestamp = timestamp(ev.EndTime)
		m.Details = map[string]any{"code": ev.Code, "requested": ev.Requested}
		if ev.Signal != "" {
			m.Details["signal"] = ev.Signal
		}
	case events.ProcessCrashedEvent:
		m.Timestamp = timestamp(ev.EndTime)
		m.Details = map[string]any{"code": ev.Code, "last_logs": len(ev.LastLogs)}
		if ev.Signal != "" {
			m.Details["signal"] = ev.Signal
		}
	case events.ProcessErrorEvent:
		m.Timestamp = timestamp(ev.EndTime)
		m.Details = map[string]any{"error": ev.Error}
	case events.MonitoringErrorEvent:
		m.Timestamp = timestamp(ev.Time)
		m.Details = map[string]any{"command": ev.Command, "error": ev.Error}
	case events.MonitoringStoppedEvent:
		m.Timestamp = timestamp(ev.EndTime)
		m.Details = map[string]any{"forced": ev.Forced}
	case events.BufferWarningEvent:
		m.Timestamp = timestamp(time.Now())
		m.Details = map[string]any{"source": string(ev.Source), "buffered": ev.Buffered, "high_water_mark": ev.HighWaterMark}
	case events.StreamErrorEvent:
		m.Timestamp = timestamp(time.Now())
		m.Details = map[string]any{"source": string(ev.Source), "error": ev.Error}
	default:
		return LifecycleMessage{}, false
	}
	return m, true
}

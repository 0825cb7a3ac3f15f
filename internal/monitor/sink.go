package monitor

import (
	"github.com/smazurov/procwatch/internal/events"
	"github.com/smazurov/procwatch/internal/logstream"
)

// publisher republishes one parser's output on the bus tagged with its handle.
type publisher struct {
	bus    *events.Bus
	handle string
}

func (p publisher) HandleEntry(e logstream.Entry) {
	p.bus.Publish(events.LogEntryEvent{ProcessID: p.handle, Entry: e})
}

func (p publisher) HandleBatch(entries []logstream.Entry) {
	p.bus.Publish(events.LogBatchEvent{ProcessID: p.handle, Entries: entries})
}

func (p publisher) HandleBufferWarning(w logstream.BufferWarning) {
	p.bus.Publish(events.BufferWarningEvent{ProcessID: p.handle, BufferWarning: w})
}

func (p publisher) HandleStreamError(src logstream.Source, err error) {
	p.bus.Publish(events.StreamErrorEvent{ProcessID: p.handle, Source: src, Error: err.Error()})
}

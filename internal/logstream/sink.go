package logstream

// Sink receives everything a Parser emits. Calls are serialized per parser and
// made while the parser holds its lock, so a Sink must not call back into
// Write or CloseStream.
type Sink interface {
	HandleEntry(Entry)
	HandleBatch([]Entry)
	HandleBufferWarning(BufferWarning)
	HandleStreamError(Source, error)
}

// SinkFuncs adapts optional callbacks to a Sink. Nil callbacks are skipped.
type SinkFuncs struct {
	OnEntry         func(Entry)
	OnBatch         func([]Entry)
	OnBufferWarning func(BufferWarning)
	OnStreamError   func(Source, error)
}

func (f SinkFuncs) HandleEntry(e Entry) {
	if f.OnEntry != nil {
		f.OnEntry(e)
	}
}

func (f SinkFuncs) HandleBatch(entries []Entry) {
	if f.OnBatch != nil {
		f.OnBatch(entries)
	}
}

func (f SinkFuncs) HandleBufferWarning(w BufferWarning) {
	if f.OnBufferWarning != nil {
		f.OnBufferWarning(w)
	}
}

func (f SinkFuncs) HandleStreamError(src Source, err error) {
	if f.OnStreamError != nil {
		f.OnStreamError(src, err)
	}
}

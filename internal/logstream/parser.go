// Package logstream turns the raw stdout/stderr byte streams of one process
// into classified, filtered log entries.
package logstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/procwatch/internal/logging"
	"github.com/smazurov/procwatch/internal/ringbuf"
)

// Defaults applied when an Options field is zero.
const (
	DefaultHighWaterMark  = 64 * 1024
	DefaultRecentSize     = 100
	DefaultBatchThreshold = 10
)

const readChunkSize = 32 * 1024

// Options configures a Parser.
type Options struct {
	// HighWaterMark is the number of unterminated bytes one stream may hold
	// before a buffer warning is emitted.
	HighWaterMark int
	// RecentSize is the capacity of the recent-entries ring.
	RecentSize int
	// BatchThreshold is the number of entries one chunk must yield to also be
	// delivered as a batch. Negative disables batches.
	BatchThreshold int
	// Filter is the initial allow-list. Empty allows every level.
	Filter []Level
	Clock  func() time.Time
	Logger *slog.Logger
}

type stream struct {
	src     Source
	pending []byte
	warned  bool
	closed  bool
}

// filterSet is an immutable allow-list; nil allows everything.
type filterSet map[Level]struct{}

func (f filterSet) allows(l Level) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[l]
	return ok
}

// Parser reassembles lines from a process's two output streams, classifies
// them and forwards the ones passing the level filter to a Sink.
type Parser struct {
	opts   Options
	logger *slog.Logger
	recent *ringbuf.Buffer[Entry]
	filter atomic.Pointer[filterSet]

	mu      sync.Mutex
	sink    Sink
	streams map[Source]*stream
	open    int
	emitted int
	cleaned bool
	done    chan struct{}
}

// NewParser creates a parser delivering to sink.
func NewParser(opts Options, sink Sink) (*Parser, error) {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = DefaultRecentSize
	}
	if opts.BatchThreshold == 0 {
		opts.BatchThreshold = DefaultBatchThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("logstream")
	}
	if sink == nil {
		sink = SinkFuncs{}
	}

	p := &Parser{
		opts:   opts,
		logger: logger,
		recent: ringbuf.New[Entry](opts.RecentSize),
		sink:   sink,
		streams: map[Source]*stream{
			Stdout: {src: Stdout},
			Stderr: {src: Stderr},
		},
		open: 2,
		done: make(chan struct{}),
	}
	if err := p.SetLevelFilter(opts.Filter); err != nil {
		return nil, err
	}
	return p, nil
}

// Attach starts one reader goroutine per stream. A nil reader closes that
// stream immediately.
func (p *Parser) Attach(stdout, stderr io.Reader) {
	for src, r := range map[Source]io.Reader{Stdout: stdout, Stderr: stderr} {
		if r == nil {
			p.CloseStream(src)
			continue
		}
		go p.read(src, r)
	}
}

func (p *Parser) read(src Source, r io.Reader) {
	defer p.CloseStream(src)

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.Write(src, buf[:n])
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			p.streamError(src, err)
		}
		return
	}
}

// Write feeds one chunk of raw output from src. Complete lines are emitted
// immediately; a trailing fragment waits for its terminator or CloseStream.
func (p *Parser) Write(src Source, chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.streams[src]
	if !ok || st.closed || p.cleaned {
		return
	}
	st.pending = append(st.pending, chunk...)

	var emitted []Entry
	consumed := 0
	for {
		i := bytes.IndexByte(st.pending[consumed:], '\n')
		if i < 0 {
			break
		}
		line := st.pending[consumed : consumed+i]
		consumed += i + 1
		if e, ok := p.emit(line, src); ok {
			emitted = append(emitted, e)
		}
	}
	if consumed > 0 {
		n := copy(st.pending, st.pending[consumed:])
		st.pending = st.pending[:n]
	}

	if p.opts.BatchThreshold > 0 && len(emitted) >= p.opts.BatchThreshold {
		p.sink.HandleBatch(emitted)
	}
	p.checkWatermark(st)
}

// checkWatermark emits one warning per crossing and re-arms once the
// fragment drains below the mark.
func (p *Parser) checkWatermark(st *stream) {
	buffered := len(st.pending)
	switch {
	case buffered > p.opts.HighWaterMark && !st.warned:
		st.warned = true
		p.sink.HandleBufferWarning(BufferWarning{
			Source:        st.src,
			Buffered:      buffered,
			HighWaterMark: p.opts.HighWaterMark,
		})
	case buffered < p.opts.HighWaterMark:
		st.warned = false
	}
}

// emit classifies and filters one line (must hold lock).
func (p *Parser) emit(line []byte, src Source) (Entry, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	msg := string(line)
	e := Entry{
		Timestamp: p.opts.Clock(),
		Level:     Classify(msg, src),
		Message:   msg,
		Source:    src,
	}
	if set := p.filter.Load(); set != nil && !set.allows(e.Level) {
		return Entry{}, false
	}
	p.recent.Write(e)
	p.emitted++
	p.sink.HandleEntry(e)
	return e, true
}

// CloseStream flushes any unterminated fragment on src as one entry and marks
// the stream closed. Done is closed once both streams are closed.
func (p *Parser) CloseStream(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.streams[src]
	if !ok || st.closed {
		return
	}
	if len(st.pending) > 0 && !p.cleaned {
		p.emit(st.pending, src)
	}
	st.pending = nil
	st.warned = false
	st.closed = true

	p.open--
	if p.open == 0 {
		close(p.done)
	}
}

func (p *Parser) streamError(src Source, err error) {
	p.logger.Warn("Stream read failed", "source", src, "error", err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cleaned {
		p.sink.HandleStreamError(src, err)
	}
}

// Emitted returns how many entries have been delivered to the sink.
func (p *Parser) Emitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emitted
}

// Done is closed after both streams have closed and been flushed.
func (p *Parser) Done() <-chan struct{} {
	return p.done
}

// SetLevelFilter atomically replaces the allow-list. An empty list removes
// the filter. Lines already emitted are unaffected.
func (p *Parser) SetLevelFilter(levels []Level) error {
	if len(levels) == 0 {
		p.filter.Store(nil)
		return nil
	}
	set := make(filterSet, len(levels))
	for _, l := range levels {
		if !l.Valid() {
			return fmt.Errorf("unknown log level %q", l)
		}
		set[l] = struct{}{}
	}
	p.filter.Store(&set)
	return nil
}

// LevelFilter returns the current allow-list in canonical order, or nil when
// no filter is active.
func (p *Parser) LevelFilter() []Level {
	set := p.filter.Load()
	if set == nil {
		return nil
	}
	return slices.DeleteFunc(slices.Clone(Levels), func(l Level) bool {
		_, ok := (*set)[l]
		return !ok
	})
}

// IsFilterActive reports whether an allow-list is set.
func (p *Parser) IsFilterActive() bool {
	return p.filter.Load() != nil
}

// RecentLogs returns up to n of the most recent emitted entries, oldest first.
func (p *Parser) RecentLogs(n int) []Entry {
	return p.recent.Last(n)
}

// Cleanup detaches the sink and releases buffers. Attached readers keep
// draining their streams so the child never blocks on a full pipe. Safe to
// call more than once.
func (p *Parser) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cleaned {
		return
	}
	p.cleaned = true
	p.sink = SinkFuncs{}
	for _, st := range p.streams {
		st.pending = nil
	}
	p.recent.Reset()
}

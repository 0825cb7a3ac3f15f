package logstream

import (
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	entries  []Entry
	batches  [][]Entry
	warnings []BufferWarning
	errs     []error
}

func (r *recorder) sink() SinkFuncs {
	return SinkFuncs{
		OnEntry: func(e Entry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.entries = append(r.entries, e)
		},
		OnBatch: func(b []Entry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.batches = append(r.batches, b)
		},
		OnBufferWarning: func(w BufferWarning) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.warnings = append(r.warnings, w)
		},
		OnStreamError: func(_ Source, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Message
	}
	return out
}

func newTestParser(t *testing.T, opts Options) (*Parser, *recorder) {
	t.Helper()
	rec := &recorder{}
	p, err := NewParser(opts, rec.sink())
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	return p, rec
}

func waitDone(t *testing.T, p *Parser) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("parser did not finish")
	}
}

func TestPartialLineReassembly(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	p.Write(Stdout, []byte("hel"))
	p.Write(Stdout, []byte("lo wor"))
	if got := rec.messages(); len(got) != 0 {
		t.Fatalf("emitted %v before terminator", got)
	}
	p.Write(Stdout, []byte("ld\nsecond\r\nthi"))
	p.Write(Stdout, []byte("rd\n"))

	want := []string{"hello world", "second", "third"}
	if got := rec.messages(); !slices.Equal(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
}

func TestFlushAtClose(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	p.Write(Stderr, []byte("complete\nno newline"))
	p.CloseStream(Stderr)
	p.CloseStream(Stdout)
	waitDone(t, p)

	want := []string{"complete", "no newline"}
	if got := rec.messages(); !slices.Equal(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
	if rec.entries[1].Source != Stderr || rec.entries[1].Level != LevelError {
		t.Errorf("flushed entry = %+v, want stderr/error", rec.entries[1])
	}

	// Writes after close are ignored.
	p.Write(Stderr, []byte("late\n"))
	if len(rec.messages()) != 2 {
		t.Error("write after close was emitted")
	}
}

func TestEmptyLinesAreEntries(t *testing.T) {
	p, rec := newTestParser(t, Options{})
	p.Write(Stdout, []byte("a\n\nb\n"))

	if got := rec.messages(); !slices.Equal(got, []string{"a", "", "b"}) {
		t.Errorf("messages = %q", got)
	}
}

func TestLevelFilter(t *testing.T) {
	p, rec := newTestParser(t, Options{Filter: []Level{LevelError}})

	if !p.IsFilterActive() {
		t.Fatal("filter should be active")
	}
	p.Write(Stdout, []byte("[INFO] a\n[ERROR] b\n"))

	if len(rec.entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(rec.entries))
	}
	if rec.entries[0].Level != LevelError || !strings.Contains(rec.entries[0].Message, "b") {
		t.Errorf("entry = %+v", rec.entries[0])
	}
}

func TestFilterAppliesToBufferedFragment(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	p.Write(Stdout, []byte("[INFO] buffered"))
	if err := p.SetLevelFilter([]Level{LevelWarn}); err != nil {
		t.Fatal(err)
	}
	p.Write(Stdout, []byte(" line\n[WARN] kept\n"))

	if got := rec.messages(); !slices.Equal(got, []string{"[WARN] kept"}) {
		t.Errorf("messages = %q", got)
	}
}

func TestFilterChangeIsNotRetroactive(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	p.Write(Stdout, []byte("[INFO] one\n"))
	_ = p.SetLevelFilter([]Level{LevelError})
	p.Write(Stdout, []byte("[INFO] two\n"))
	_ = p.SetLevelFilter(nil)
	p.Write(Stdout, []byte("[INFO] three\n"))

	if got := rec.messages(); !slices.Equal(got, []string{"[INFO] one", "[INFO] three"}) {
		t.Errorf("messages = %q", got)
	}
	if p.IsFilterActive() {
		t.Error("empty filter should deactivate filtering")
	}
}

func TestLevelFilterRoundTrip(t *testing.T) {
	p, _ := newTestParser(t, Options{})

	if got := p.LevelFilter(); got != nil {
		t.Errorf("LevelFilter() = %v, want nil", got)
	}
	if err := p.SetLevelFilter([]Level{LevelDebug, LevelError}); err != nil {
		t.Fatal(err)
	}
	if got := p.LevelFilter(); !slices.Equal(got, []Level{LevelError, LevelDebug}) {
		t.Errorf("LevelFilter() = %v, want [error debug]", got)
	}
	if err := p.SetLevelFilter([]Level{"verbose"}); err == nil {
		t.Error("SetLevelFilter accepted an unknown level")
	}
	if got := p.LevelFilter(); len(got) != 2 {
		t.Errorf("rejected filter replaced the current one: %v", got)
	}
}

func TestBatchDelivery(t *testing.T) {
	p, rec := newTestParser(t, Options{BatchThreshold: 3})

	p.Write(Stdout, []byte("a\nb\n"))
	if len(rec.batches) != 0 {
		t.Fatal("batch emitted below threshold")
	}
	p.Write(Stdout, []byte("c\nd\ne\n"))

	if len(rec.batches) != 1 || len(rec.batches[0]) != 3 {
		t.Fatalf("batches = %v, want one batch of 3", rec.batches)
	}
	if len(rec.entries) != 5 {
		t.Errorf("individual entries = %d, want 5", len(rec.entries))
	}
}

func TestBufferWarningOncePerCrossing(t *testing.T) {
	p, rec := newTestParser(t, Options{HighWaterMark: 8})

	p.Write(Stdout, []byte("0123456789"))
	p.Write(Stdout, []byte("abcdef"))
	if len(rec.warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(rec.warnings))
	}
	w := rec.warnings[0]
	if w.Source != Stdout || w.Buffered != 10 || w.HighWaterMark != 8 {
		t.Errorf("warning = %+v", w)
	}

	// Draining re-arms the warning.
	p.Write(Stdout, []byte("\n"))
	p.Write(Stdout, []byte("0123456789"))
	if len(rec.warnings) != 2 {
		t.Errorf("warnings = %d after re-crossing, want 2", len(rec.warnings))
	}

	// Nothing is dropped.
	if got := rec.messages(); len(got) != 1 || got[0] != "0123456789abcdef" {
		t.Errorf("messages = %q", got)
	}
}

func TestRecentLogs(t *testing.T) {
	p, _ := newTestParser(t, Options{RecentSize: 3, Filter: []Level{LevelInfo}})

	p.Write(Stdout, []byte("1\n2\n[ERROR] skipped\n3\n4\n"))

	got := p.RecentLogs(10)
	var msgs []string
	for _, e := range got {
		msgs = append(msgs, e.Message)
	}
	if !slices.Equal(msgs, []string{"2", "3", "4"}) {
		t.Errorf("RecentLogs(10) = %q, want [2 3 4]", msgs)
	}
	if got := p.RecentLogs(1); len(got) != 1 || got[0].Message != "4" {
		t.Errorf("RecentLogs(1) = %+v", got)
	}
}

func TestAttachReadsBothStreams(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	p.Attach(strings.NewReader("out 1\nout 2"), strings.NewReader("err 1\n"))
	waitDone(t, p)

	got := rec.messages()
	slices.Sort(got)
	if !slices.Equal(got, []string{"err 1", "out 1", "out 2"}) {
		t.Errorf("messages = %q", got)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamErrorDoesNotAbortOtherStream(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	boom := errors.New("pipe broke")
	p.Attach(strings.NewReader("still here\n"), failingReader{err: boom})
	waitDone(t, p)

	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], boom) {
		t.Errorf("stream errors = %v", rec.errs)
	}
	if got := rec.messages(); !slices.Equal(got, []string{"still here"}) {
		t.Errorf("messages = %q", got)
	}
}

func TestEOFIsNotAStreamError(t *testing.T) {
	p, rec := newTestParser(t, Options{})
	p.Attach(failingReader{err: io.EOF}, nil)
	waitDone(t, p)

	if len(rec.errs) != 0 {
		t.Errorf("stream errors = %v, want none", rec.errs)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	p, rec := newTestParser(t, Options{})

	p.Write(Stdout, []byte("before\npartial"))
	p.Cleanup()
	p.Cleanup()

	p.Write(Stdout, []byte("after\n"))
	p.CloseStream(Stdout)
	p.CloseStream(Stderr)
	waitDone(t, p)

	if got := rec.messages(); !slices.Equal(got, []string{"before"}) {
		t.Errorf("messages = %q", got)
	}
	if got := p.RecentLogs(-1); got != nil {
		t.Errorf("RecentLogs after Cleanup = %v", got)
	}
}

func TestTimestampsFromClock(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p, rec := newTestParser(t, Options{Clock: func() time.Time { return fixed }})

	p.Write(Stdout, []byte("x\n"))
	if !rec.entries[0].Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", rec.entries[0].Timestamp, fixed)
	}
}

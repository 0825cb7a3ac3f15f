package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/procwatch/internal/logstream"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan ProcessExitedEvent, 1)

	unsub := bus.Subscribe(func(e ProcessExitedEvent) {
		received <- e
	})
	defer unsub()

	event := ProcessExitedEvent{ProcessID: "proc-1", Code: 0, EndTime: time.Now()}
	bus.Publish(event)

	got := <-received
	if got.ProcessID != event.ProcessID {
		t.Errorf("Expected process_id %s, got %s", event.ProcessID, got.ProcessID)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan MonitoringStartedEvent, 1)
	received2 := make(chan MonitoringStartedEvent, 1)

	unsub1 := bus.Subscribe(func(e MonitoringStartedEvent) { received1 <- e })
	defer unsub1()
	unsub2 := bus.Subscribe(func(e MonitoringStartedEvent) { received2 <- e })
	defer unsub2()

	bus.Publish(MonitoringStartedEvent{ProcessID: "proc-1", Command: "true"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan MonitoringErrorEvent, 1)

	unsub := bus.Subscribe(func(e MonitoringErrorEvent) { received <- e })

	bus.Publish(MonitoringErrorEvent{ProcessID: "proc-1"})
	<-received

	unsub()

	bus.Publish(MonitoringErrorEvent{ProcessID: "proc-2"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	bus := New()
	bus.Publish(LogEntryEvent{ProcessID: "proc-1", Entry: logstream.Entry{Message: "early"}})

	received := make(chan LogEntryEvent, 2)
	unsub := bus.Subscribe(func(e LogEntryEvent) { received <- e })
	defer unsub()

	bus.Publish(LogEntryEvent{ProcessID: "proc-1", Entry: logstream.Entry{Message: "late"}})

	if got := <-received; got.Message != "late" {
		t.Errorf("first delivered message = %q, want late", got.Message)
	}
	select {
	case e := <-received:
		t.Errorf("unexpected extra event %+v", e)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_PreservesOrderPerType(t *testing.T) {
	bus := New()
	const n = 200
	received := make(chan LogEntryEvent, n)

	unsub := bus.Subscribe(func(e LogEntryEvent) { received <- e })
	defer unsub()

	for i := range n {
		bus.Publish(LogEntryEvent{ProcessID: "p", Entry: logstream.Entry{Message: string(rune('a' + i%26))}})
	}
	for i := range n {
		got := <-received
		if want := string(rune('a' + i%26)); got.Message != want {
			t.Fatalf("event %d message = %q, want %q", i, got.Message, want)
		}
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	exitedReceived := make(chan bool, 1)
	stoppedReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ ProcessExitedEvent) { exitedReceived <- true })
	defer unsub1()
	unsub2 := bus.Subscribe(func(_ MonitoringStoppedEvent) { stoppedReceived <- true })
	defer unsub2()

	bus.Publish(ProcessExitedEvent{ProcessID: "proc-1"})
	<-exitedReceived

	select {
	case <-stoppedReceived:
		t.Fatal("stopped subscriber should NOT have received ProcessExitedEvent")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_ThreadSafety(_ *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100
	expected := numGoroutines * eventsPerGoroutine

	receivedCh := make(chan bool, expected)

	unsub := bus.Subscribe(func(_ LogEntryEvent) { receivedCh <- true })
	defer unsub()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				bus.Publish(LogEntryEvent{ProcessID: "proc-1"})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func allEvents() []ProcessEvent {
	return []ProcessEvent{
		MonitoringStartedEvent{ProcessID: "p"},
		ProcessExitedEvent{ProcessID: "p"},
		ProcessCrashedEvent{ProcessID: "p"},
		ProcessErrorEvent{ProcessID: "p"},
		MonitoringErrorEvent{ProcessID: "p"},
		MonitoringStoppedEvent{ProcessID: "p"},
		LogEntryEvent{ProcessID: "p"},
		LogBatchEvent{ProcessID: "p"},
		BufferWarningEvent{ProcessID: "p"},
		StreamErrorEvent{ProcessID: "p"},
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := New()
	received := make(chan ProcessEvent, 16)

	unsub := bus.SubscribeAll(func(e ProcessEvent) { received <- e })
	defer unsub()

	seen := make(map[string]bool)
	for _, ev := range allEvents() {
		bus.Publish(ev)
		got := <-received
		if got.Name() != ev.Name() || got.Process() != "p" {
			t.Errorf("received %s for %s, want %s", got.Name(), got.Process(), ev.Name())
		}
		seen[got.Name()] = true
	}

	if catalog := Catalog(); len(seen) != len(catalog) {
		t.Errorf("delivered %d distinct events, catalog has %d", len(seen), len(catalog))
	}
}

func TestCatalogMatchesNames(t *testing.T) {
	catalog := Catalog()
	for _, ev := range allEvents() {
		zero, ok := catalog[ev.Name()]
		if !ok {
			t.Errorf("catalog missing %q", ev.Name())
			continue
		}
		if zero.(Event).Type() != ev.Type() {
			t.Errorf("catalog[%q] has type %d, want %d", ev.Name(), zero.(Event).Type(), ev.Type())
		}
	}
}

func TestLogEntryEventFlattensEntry(t *testing.T) {
	ev := LogEntryEvent{
		ProcessID: "proc-1",
		Entry: logstream.Entry{
			Timestamp: time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC),
			Level:     logstream.LevelWarn,
			Message:   "disk almost full",
			Source:    logstream.Stderr,
		},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	want := map[string]string{
		"process_id": "proc-1",
		"level":      "warn",
		"message":    "disk almost full",
		"source":     "stderr",
		"timestamp":  "2025-01-27T10:30:00Z",
	}
	for k, v := range want {
		if result[k] != v {
			t.Errorf("%s = %v, want %q", k, result[k], v)
		}
	}
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 10)

	unsub := SubscribeToChannel[ProcessCrashedEvent](bus, ch)
	defer unsub()

	bus.Publish(ProcessCrashedEvent{ProcessID: "proc-1", Code: 2})

	received := <-ch
	crashed, ok := received.(ProcessCrashedEvent)
	if !ok {
		t.Fatalf("Expected ProcessCrashedEvent, got %T", received)
	}
	if crashed.Code != 2 {
		t.Errorf("Expected code 2, got %d", crashed.Code)
	}
}

func TestSubscribeAllToChannel_NonBlocking(_ *testing.T) {
	bus := New()
	ch := make(chan any) // No buffer

	unsub := SubscribeAllToChannel(bus, ch)
	defer unsub()

	done := make(chan bool, 1)
	go func() {
		for _, ev := range allEvents() {
			bus.Publish(ev)
		}
		done <- true
	}()

	<-done
}

func TestSubscribeProcessToChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 10)

	unsub := SubscribeProcessToChannel[LogEntryEvent](bus, "proc-1", ch)
	defer unsub()

	bus.Publish(LogEntryEvent{ProcessID: "proc-2"})
	bus.Publish(LogEntryEvent{ProcessID: "proc-1"})

	select {
	case received := <-ch:
		if ev := received.(LogEntryEvent); ev.ProcessID != "proc-1" {
			t.Errorf("ProcessID = %q, want proc-1", ev.ProcessID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Each subscriber receives events asynchronously, in publish order per event
// type. Subscribers only see events published after they subscribed.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Close stops the dispatcher's delivery goroutines. Events published after
// Close are not delivered; unsubscribe before closing.
func (b *Bus) Close() error {
	return b.dispatcher.Close()
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(ProcessExitedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case MonitoringStartedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessExitedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessCrashedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessErrorEvent:
		event.Publish(b.dispatcher, e)
	case MonitoringErrorEvent:
		event.Publish(b.dispatcher, e)
	case MonitoringStoppedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	case LogBatchEvent:
		event.Publish(b.dispatcher, e)
	case BufferWarningEvent:
		event.Publish(b.dispatcher, e)
	case StreamErrorEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e LogEntryEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(MonitoringStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessCrashedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MonitoringErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MonitoringStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogBatchEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(BufferWarningEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeAll delivers every process event to handler. Ordering holds per
// event type only. Returns a function that removes every subscription.
func (b *Bus) SubscribeAll(handler func(ProcessEvent)) func() {
	unsubs := []func(){
		event.Subscribe(b.dispatcher, func(e MonitoringStartedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e ProcessExitedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e ProcessCrashedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e ProcessErrorEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e MonitoringErrorEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e MonitoringStoppedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e LogEntryEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e LogBatchEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e BufferWarningEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e StreamErrorEvent) { handler(e) }),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

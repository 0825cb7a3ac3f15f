package events

import "github.com/kelindar/event"

// offer hands e to ch without blocking; a full channel drops the event.
func offer(ch chan<- any, e any) {
	select {
	case ch <- e:
	default:
	}
}

// SubscribeToChannel delivers events of type T to ch for select-loop
// consumers such as SSE handlers. A slow reader loses events rather than
// stalling the publisher.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) { offer(ch, e) })
}

// SubscribeProcessToChannel is SubscribeToChannel restricted to one process.
func SubscribeProcessToChannel[T ProcessEvent](bus *Bus, processID string, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		if e.Process() == processID {
			offer(ch, e)
		}
	})
}

// SubscribeAllToChannel delivers every process event type to ch.
func SubscribeAllToChannel(bus *Bus, ch chan<- any) func() {
	return bus.SubscribeAll(func(e ProcessEvent) { offer(ch, e) })
}

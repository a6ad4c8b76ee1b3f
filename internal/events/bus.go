package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(TransportStateEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case DeviceSeenEvent:
		event.Publish(b.dispatcher, e)
	case MainChangedEvent:
		event.Publish(b.dispatcher, e)
	case TransportStateEvent:
		event.Publish(b.dispatcher, e)
	case BridgeLaunchEvent:
		event.Publish(b.dispatcher, e)
	case CommandFailedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureGrantEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	case DeviceStatsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects which events it receives.
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e BridgeLaunchEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(DeviceSeenEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MainChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(TransportStateEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(BridgeLaunchEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CommandFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureGrantEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceStatsEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

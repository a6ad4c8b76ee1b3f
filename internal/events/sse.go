package events

import "github.com/kelindar/event"

// SubscribeToChannel bridges kelindar/event callback-based subscriptions to channels.
// The API's server-sent event stream selects over the channel.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full (non-blocking)
		}
	})
}

// SubscribeAll forwards every event type to ch and returns one function that
// removes all of the subscriptions.
func SubscribeAll(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[DeviceSeenEvent](bus, ch),
		SubscribeToChannel[MainChangedEvent](bus, ch),
		SubscribeToChannel[TransportStateEvent](bus, ch),
		SubscribeToChannel[BridgeLaunchEvent](bus, ch),
		SubscribeToChannel[CommandFailedEvent](bus, ch),
		SubscribeToChannel[CaptureGrantEvent](bus, ch),
		SubscribeToChannel[DeviceStatsEvent](bus, ch),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

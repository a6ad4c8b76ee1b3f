package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan TransportStateEvent, 1)

	unsub := bus.Subscribe(func(e TransportStateEvent) {
		received <- e
	})
	defer unsub()

	ev := TransportStateEvent{
		HardwareID: "A9-001",
		State:      "connected",
		Previous:   "connecting",
		Transport:  "tcp",
		Timestamp:  "2025-01-27T10:30:00Z",
	}
	bus.Publish(ev)

	got := <-received
	if got != ev {
		t.Errorf("Expected %+v, got %+v", ev, got)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan BridgeLaunchEvent, 1)
	received2 := make(chan BridgeLaunchEvent, 1)

	unsub1 := bus.Subscribe(func(e BridgeLaunchEvent) {
		received1 <- e
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(e BridgeLaunchEvent) {
		received2 <- e
	})
	defer unsub2()

	bus.Publish(BridgeLaunchEvent{HardwareID: "A9-001", Success: true})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan CommandFailedEvent, 1)

	unsub := bus.Subscribe(func(e CommandFailedEvent) {
		received <- e
	})

	bus.Publish(CommandFailedEvent{HardwareID: "A9-001"})
	<-received

	unsub()

	bus.Publish(CommandFailedEvent{HardwareID: "B7-002"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
		// Expected - no event
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	seenReceived := make(chan bool, 1)
	mainReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ DeviceSeenEvent) {
		seenReceived <- true
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(_ MainChangedEvent) {
		mainReceived <- true
	})
	defer unsub2()

	bus.Publish(DeviceSeenEvent{HardwareID: "A9-001"})
	<-seenReceived

	select {
	case <-mainReceived:
		t.Fatal("Main subscriber should NOT have received DeviceSeenEvent")
	case <-time.After(10 * time.Millisecond):
	}

	bus.Publish(MainChangedEvent{HardwareID: "A9-001"})
	<-mainReceived

	select {
	case <-seenReceived:
		t.Fatal("Seen subscriber should NOT have received MainChangedEvent")
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

	unsub := bus.Subscribe(func(_ DeviceSeenEvent) {
		receivedCh <- true
	})
	defer unsub()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				bus.Publish(DeviceSeenEvent{
					HardwareID: "A9-001",
					Timestamp:  time.Now().Format(time.RFC3339),
				})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func TestBus_NilSafePublish(_ *testing.T) {
	var bus *Bus
	bus.Publish(DeviceSeenEvent{HardwareID: "A9-001"})
}

func TestSubscribeAll(t *testing.T) {
	bus := New()
	ch := make(chan any, 10)
	unsub := SubscribeAll(bus, ch)

	all := []Event{
		DeviceSeenEvent{HardwareID: "a"},
		MainChangedEvent{HardwareID: "a"},
		TransportStateEvent{HardwareID: "a"},
		BridgeLaunchEvent{HardwareID: "a"},
		CommandFailedEvent{HardwareID: "a"},
		CaptureGrantEvent{HardwareID: "a"},
		DeviceStatsEvent{HardwareID: "a"},
	}
	for _, ev := range all {
		bus.Publish(ev)
	}

	types := make(map[uint32]bool)
	for range all {
		select {
		case got := <-ch:
			types[got.(Event).Type()] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	if len(types) != len(all) {
		t.Errorf("received %d distinct types, want %d", len(types), len(all))
	}

	unsub()
	bus.Publish(DeviceSeenEvent{HardwareID: "b"})
	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
	}
}

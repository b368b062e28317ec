package event

import (
	"sync"
	"testing"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(TypeSessionCreated, func(ev Event) {
		got = append(got, ev)
	})

	bus.Publish(NewSessionEvent(TypeSessionCreated, "alpha"))
	bus.Publish(NewSessionEvent(TypeSessionClosed, "alpha"))

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(got))
	}
	if got[0].Session != "alpha" {
		t.Errorf("session = %q, want alpha", got[0].Session)
	}
	if got[0].Time.IsZero() {
		t.Error("event time not stamped")
	}
}

func TestWildcardReceivesEverything(t *testing.T) {
	bus := NewBus()

	var count int
	bus.Subscribe(TypeAny, func(Event) { count++ })

	bus.Publish(New(TypeTransportLost))
	bus.Publish(NewStateChange("alpha", "ready", "busy"))
	bus.Publish(NewSessionEvent(TypeSessionFailed, "beta"))

	if count != 3 {
		t.Errorf("wildcard handler saw %d events, want 3", count)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int
	cancel := bus.Subscribe(TypeRequestCompleted, func(Event) { count++ })

	bus.Publish(New(TypeRequestCompleted))
	cancel()
	bus.Publish(New(TypeRequestCompleted))

	if count != 1 {
		t.Errorf("handler saw %d events after cancel, want 1", count)
	}
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", n)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(TypeSessionFailed, func(Event) { panic("boom") })

	var delivered bool
	bus.Subscribe(TypeSessionFailed, func(Event) { delivered = true })

	bus.Publish(NewSessionEvent(TypeSessionFailed, "alpha"))

	if !delivered {
		t.Error("second handler not called after panic in first")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeAny, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(New(TypeSessionStateChanged))
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("delivered %d events, want 1000", count)
	}
}

func TestNewStateChange(t *testing.T) {
	ev := NewStateChange("alpha", "provisioning", "ready")
	if ev.Type != TypeSessionStateChanged {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.From != "provisioning" || ev.To != "ready" {
		t.Errorf("transition = %q -> %q", ev.From, ev.To)
	}
}

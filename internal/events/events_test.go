package events

import (
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventActionDelivered, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventActionDelivered, ActionEventPayload{ActionID: 4, Entity: "orders", Status: 201})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventActionDelivered {
		t.Errorf("expected type %s, got %s", EventActionDelivered, received.Type)
	}
	if received.ID == 0 {
		t.Errorf("expected sequence id to be assigned")
	}

	var decoded ActionEventPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.ActionID != 4 || decoded.Status != 201 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2, wildcard int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })
	bus.Subscribe(AnyEvent, func(_ *Event) error { wildcard++; return nil })

	bus.Publish(&Event{Type: "event"})
	bus.Publish(&Event{Type: "other"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
	if wildcard != 2 {
		t.Errorf("expected wildcard handler to see 2 events, got %d", wildcard)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var first, second int

	stop := bus.Subscribe(EventPullCompleted, func(_ *Event) error { first++; return nil })
	bus.Subscribe(EventPullCompleted, func(_ *Event) error { second++; return nil })

	bus.Publish(&Event{Type: EventPullCompleted})
	stop()
	stop()
	bus.Publish(&Event{Type: EventPullCompleted})

	if first != 1 {
		t.Errorf("unsubscribed handler called %d times", first)
	}
	if second != 2 {
		t.Errorf("remaining handler called %d times", second)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON(EventDrainCompleted, DrainEventPayload{}); err != nil {
		t.Errorf("nil bus should be a no-op: %v", err)
	}
}

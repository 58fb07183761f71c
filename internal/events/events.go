package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventActionDelivered = "action_delivered"
	EventActionConflict  = "action_conflict"
	EventActionFailed    = "action_failed"
	EventActionExhausted = "action_exhausted"
	EventActionAbandoned = "action_abandoned"
	EventPullCompleted   = "pull_completed"
	EventPullFailed      = "pull_failed"
	EventDrainCompleted  = "drain_completed"

	// AnyEvent subscribes a handler to every event type.
	AnyEvent = "*"
)

// ActionEventPayload describes one delivery attempt of a queued action.
type ActionEventPayload struct {
	ActionID   int64  `json:"action_id"`
	Entity     string `json:"entity"`
	Kind       string `json:"kind"`
	Status     int    `json:"status,omitempty"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// PullEventPayload describes the outcome of one entity pull.
type PullEventPayload struct {
	Entity   string        `json:"entity"`
	Records  int           `json:"records"`
	Pages    int           `json:"pages"`
	Cursor   string        `json:"cursor,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// DrainEventPayload summarizes one pass over the queue.
type DrainEventPayload struct {
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Conflicts int           `json:"conflicts"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Exhausted int           `json:"exhausted"`
	Abandoned int           `json:"abandoned"`
	Pending   int           `json:"pending"`
	Duration  time.Duration `json:"duration"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	seq         int64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type (or AnyEvent) and returns a
// function that removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.seq++
	if event.ID == 0 {
		event.ID = b.seq
	}
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.subscribers[AnyEvent]))
	for _, s := range b.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.subscribers[AnyEvent] {
		handlers = append(handlers, s.handler)
	}
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

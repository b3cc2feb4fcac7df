package client

import "sync"

// Event names a process-wide session signal
type Event string

// EventSessionExpired is broadcast when a session ends because its
// credentials could not be refreshed.
const EventSessionExpired Event = "session-expired"

// Handler receives a broadcast event
type Handler func(Event)

// Notifier is the publishing side of the bus, as seen by the executor
type Notifier interface {
	Notify(event Event)
}

// EventBus fans events out to subscribers. Delivery is synchronous, on the
// goroutine calling Notify, in no particular order.
type EventBus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[Event]map[uint64]Handler
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[Event]map[uint64]Handler)}
}

// Subscribe registers h for event and returns the function that removes it.
// The returned function is safe to call more than once.
func (b *EventBus) Subscribe(event Event, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]Handler)
	}
	b.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[event], id)
			if len(b.handlers[event]) == 0 {
				delete(b.handlers, event)
			}
		})
	}
}

// Notify delivers event to every current subscriber.
// Handlers run outside the bus lock so they may subscribe or unsubscribe.
func (b *EventBus) Notify(event Event) {
	b.mu.Lock()
	snapshot := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()

	for _, h := range snapshot {
		h(event)
	}
}

// Subscribers returns how many handlers are registered for event
func (b *EventBus) Subscribers(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

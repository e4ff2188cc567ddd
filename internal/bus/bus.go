// Package bus provides the process-local publish/subscribe backbone.
// Delivery is synchronous and depth-first: Publish invokes every matching
// subscriber on the caller's goroutine, in subscription order, then every
// wildcard sink. The bus holds no queue; backpressure is the caller's
// problem.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a published occurrence on a topic. Payload is one of the typed
// payload structs in events.go, matched by topic.
type Event struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// EventBus fans out events to per-topic subscribers and wildcard sinks.
type EventBus struct {
	mu    sync.RWMutex
	next  int
	subs  map[string][]subscription
	sinks []subscription
}

func New() *EventBus {
	return &EventBus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for one topic and returns an unsubscribe
// function. Unsubscribing twice is harmless.
func (b *EventBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a wildcard sink that observes every event after
// the topic subscribers have run.
func (b *EventBus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.sinks = append(b.sinks, subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.sinks {
			if s.id == id {
				b.sinks = append(b.sinks[:i:i], b.sinks[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps the event and delivers it synchronously. A panicking
// handler is logged and does not prevent later handlers from running.
func (b *EventBus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.subs[topic])+len(b.sinks))
	handlers = append(handlers, b.subs[topic]...)
	handlers = append(handlers, b.sinks...)
	b.mu.RUnlock()

	for _, s := range handlers {
		deliver(s.handler, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panic", "topic", ev.Topic, "panic", r)
		}
	}()
	h(ev)
}

// Clear discards all subscribers and sinks.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
	b.sinks = nil
}

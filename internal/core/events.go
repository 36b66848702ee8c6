package core

import (
	"sync"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventTraffic
	EventConfigReloaded
	EventSubscriptionUpdated
)

func (t EventType) String() string {
	switch t {
	case EventStatusChanged:
		return "status"
	case EventTraffic:
		return "traffic"
	case EventConfigReloaded:
		return "config"
	case EventSubscriptionUpdated:
		return "subscription"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// subscriberQueueSize bounds the per-subscriber backlog. A subscriber that
// falls this far behind starts losing events instead of stalling publishers.
const subscriberQueueSize = 256

type subscriber struct {
	id      uint64
	handler Handler
	queue   chan Event
	done    chan struct{}
}

func (s *subscriber) run() {
	defer close(s.done)
	for e := range s.queue {
		s.deliver(e)
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("Core", "Event handler panic (%s): %v", e.Type, r)
		}
	}()
	s.handler(e)
}

// EventBus provides pub/sub between system components. Every subscriber has
// its own ordered queue drained by a dedicated goroutine, so Publish never
// blocks on a slow or failing handler.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]*subscriber
	nextID   uint64
	closed   bool
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]*subscriber),
	}
}

// Subscribe registers a handler for a given event type. The returned
// function removes the subscription and waits for in-flight delivery.
func (eb *EventBus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	sub := &subscriber{
		handler: h,
		queue:   make(chan Event, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		close(sub.queue)
		close(sub.done)
		return func() {}
	}
	eb.nextID++
	sub.id = eb.nextID
	eb.handlers[t] = append(eb.handlers[t], sub)
	eb.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			if eb.remove(t, sub.id) {
				close(sub.queue)
			}
			<-sub.done
		})
	}
}

func (eb *EventBus) remove(t EventType, id uint64) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[t]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish enqueues an event for all subscribers of its type. Delivery is
// fire-and-forget: ordered per subscriber, dropped when a queue is full.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, s := range eb.handlers[e.Type] {
		select {
		case s.queue <- e:
		default:
			// Can't log through core.Log here: a log-line subscriber
			// that is full would recurse into Publish.
		}
	}
}

// Close stops all subscriber goroutines after their queues drain.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	var all []*subscriber
	for t, subs := range eb.handlers {
		all = append(all, subs...)
		delete(eb.handlers, t)
	}
	eb.mu.Unlock()

	for _, s := range all {
		close(s.queue)
		<-s.done
	}
}

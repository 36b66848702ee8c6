package core

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// SessionState represents the lifecycle state of the VPN session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseSessionState is the inverse of SessionState.String (case-insensitive).
func ParseSessionState(s string) (SessionState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DISCONNECTED":
		return StateDisconnected, nil
	case "CONNECTING":
		return StateConnecting, nil
	case "CONNECTED":
		return StateConnected, nil
	case "DISCONNECTING":
		return StateDisconnecting, nil
	case "ERROR":
		return StateError, nil
	default:
		return StateDisconnected, fmt.Errorf("unknown session state: %q", s)
	}
}

// StatusEvent is published on every session state transition.
type StatusEvent struct {
	State     SessionState
	Reason    string
	Timestamp time.Time
}

// TrafficSnapshot holds session traffic derived from cumulative counters.
// All fields are non-negative.
type TrafficSnapshot struct {
	CumulativeRx int64
	CumulativeTx int64
	RateRx       int64 // bytes per sampling period
	RateTx       int64
	Unsupported  bool // platform cannot report counters
	Timestamp    time.Time
}

// StatusPublisher broadcasts state + reason to observers over the event bus
// and remembers the last event for late subscribers.
type StatusPublisher struct {
	bus *EventBus

	mu   sync.RWMutex
	last StatusEvent
}

// NewStatusPublisher creates a publisher starting in DISCONNECTED.
func NewStatusPublisher(bus *EventBus) *StatusPublisher {
	return &StatusPublisher{
		bus:  bus,
		last: StatusEvent{State: StateDisconnected, Timestamp: time.Now()},
	}
}

// Publish records and broadcasts a status event. Never blocks.
func (p *StatusPublisher) Publish(state SessionState, reason string) {
	ev := StatusEvent{State: state, Reason: reason, Timestamp: time.Now()}

	Log.Infof("Status", "%s (%s)", state, reason)

	// Held across the bus publish so Last() and subscribers agree on order.
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = ev
	if p.bus != nil {
		p.bus.Publish(Event{Type: EventStatusChanged, Payload: ev})
	}
}

// Last returns the most recently published status event.
func (p *StatusPublisher) Last() StatusEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Subscribe delivers every subsequent status event to fn, in order.
func (p *StatusPublisher) Subscribe(fn func(StatusEvent)) (unsubscribe func()) {
	return p.bus.Subscribe(EventStatusChanged, func(e Event) {
		if ev, ok := e.Payload.(StatusEvent); ok {
			fn(ev)
		}
	})
}

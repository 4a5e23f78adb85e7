package events

import "sync"

// Event is a record of a state change, emitted after the change is final.
type Event interface {
	EventName() string
}

// Sink receives events.
type Sink interface {
	Emit(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Log collects events in emission order.
type Log struct {
	mu     sync.Mutex
	events []Event
}

func (l *Log) Emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// Drain returns the collected events and resets the log.
func (l *Log) Drain() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

// Events returns a copy of the collected events.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

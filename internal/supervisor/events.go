package supervisor

import (
	"sync"
	"time"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventHealthChanged     EventType = "health_changed"
	EventSpawned           EventType = "spawned"
	EventExited            EventType = "exited"
	EventCrashed           EventType = "crashed"
	EventFailedPermanently EventType = "failed_permanently"
	EventStderr            EventType = "stderr"
)

// Event is pushed to the Sink on every lifecycle change.
type Event struct {
	Type         EventType `json:"type"`
	Worker       string    `json:"worker"`
	RunID        string    `json:"run_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	State        State     `json:"state"`
	PrevState    State     `json:"prev_state"`
	RestartCount int       `json:"restart_count"`
	Healthy      bool      `json:"healthy"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Sink receives lifecycle events. Emit is called serially and must not block
// for long; slow consumers should buffer.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Sinks fans one event out to several sinks in order.
type Sinks []Sink

func (s Sinks) Emit(e Event) {
	for _, sk := range s {
		if sk != nil {
			sk.Emit(e)
		}
	}
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

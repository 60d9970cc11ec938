package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawned           EventType = "spawned"
	EventExited            EventType = "exited"
	EventStateChanged      EventType = "state_changed"
	EventHealthChanged     EventType = "health_changed"
	EventCrashed           EventType = "crashed"
	EventFailedPermanently EventType = "failed_permanently"
	EventStderr            EventType = "stderr"
)

// Record is the worker snapshot attached to an event.
type Record struct {
	Name         string `json:"name"`
	RunID        string `json:"run_id,omitempty"`
	PID          int    `json:"pid,omitempty"`
	State        string `json:"state"`
	PrevState    string `json:"prev_state,omitempty"`
	RestartCount int    `json:"restart_count"`
	Healthy      bool   `json:"healthy"`
	Error        string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers events to every sink from a background goroutine so the
// supervisor never waits on a database. When the buffer is full the event is
// dropped and logged.
type Fanout struct {
	sinks   []Sink
	ch      chan Event
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewFanout starts delivering to sinks. buffer <= 0 uses 256.
func NewFanout(log *slog.Logger, buffer int, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{
		sinks:   sinks,
		ch:      make(chan Event, buffer),
		timeout: 5 * time.Second,
		log:     log.With("component", "history"),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish enqueues e without blocking. It reports whether e was accepted.
func (f *Fanout) Publish(e Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- e:
		return true
	default:
		f.log.Warn("history buffer full, dropping event", "type", e.Type, "worker", e.Record.Name)
		return false
	}
}

// Close flushes queued events and closes sinks implementing io.Closer.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	<-f.done

	for _, s := range f.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				f.log.Warn("history sink close failed", "error", err)
			}
		}
	}
	return nil
}

func (f *Fanout) run() {
	defer close(f.done)
	for e := range f.ch {
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			if err := s.Send(ctx, e); err != nil {
				f.log.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

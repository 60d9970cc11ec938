// Package health polls the worker's liveness endpoint and reports flips of
// the healthy flag. It never restarts anything; crash recovery belongs to the
// supervisor.
package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Probe performs one liveness check. A nil error means healthy.
type Probe func(ctx context.Context) error

// Status is the last known liveness of the worker.
type Status struct {
	Healthy       bool      `json:"healthy"`
	LastError     string    `json:"last_error,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
}

var errMonitorStopped = errors.New("health monitor stopped")

// Monitor runs Probe on a fixed interval while started. Notify is called
// only when Healthy changes, never on every poll.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	notify   func(Status)

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped monitor. Each probe is bounded by the interval.
func New(probe Probe, interval time.Duration, notify func(Status)) *Monitor {
	if notify == nil {
		notify = func(Status) {}
	}
	return &Monitor{probe: probe, interval: interval, timeout: interval, notify: notify}
}

// Start begins polling; the first poll runs immediately. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels polling and waits for an in-progress probe to return. A
// healthy monitor flips to unhealthy and notifies once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.record(errMonitorStopped)
}

// Status returns the last poll result.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check runs a single probe and records its result.
func (m *Monitor) Check(ctx context.Context) Status {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.record(m.probe(pctx))
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) record(err error) Status {
	m.mu.Lock()
	prev := m.status.Healthy
	m.status.Healthy = err == nil
	m.status.LastError = ""
	if err != nil {
		m.status.LastError = err.Error()
	}
	m.status.LastCheckedAt = time.Now()
	st := m.status
	m.mu.Unlock()

	if prev != st.Healthy {
		m.notify(st)
	}
	return st
}

// Package dispatch multiplexes concurrent worker calls onto the worker's
// loopback RPC surface.
//
// Every call gets a strictly increasing id and its own timeout. Calls wait in
// a FIFO queue; one drain goroutine hands each a lane from a bounded pool so
// at most MaxInFlight exchanges are outstanding. With MaxInFlight = 1 this is
// plain FIFO single-flight. A call settles exactly once: the first of
// response, timeout, caller cancellation or RejectAll wins and the others are
// ignored.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/loykin/dspyvisor/internal/metrics"
)

// Options configure a Dispatcher.
type Options struct {
	// MaxInFlight bounds concurrent exchanges with the worker.
	MaxInFlight int
	// Timeout is the per-request deadline, measured from enqueue.
	Timeout time.Duration
	// Available gates new requests; nil means always available.
	Available func() bool
	Logger    *slog.Logger
}

// Stats is a point-in-time view of the dispatcher's bookkeeping.
type Stats struct {
	Pending  int `json:"pending"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

type result struct {
	body json.RawMessage
	err  error
}

type pending struct {
	id        uint64
	call      Call
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	done      chan result
}

type lane struct{ id int32 }

// Dispatcher correlates concurrent calls with worker responses.
type Dispatcher struct {
	transport Transport
	available func() bool
	timeout   time.Duration
	log       *slog.Logger
	pool      *puddle.Pool[*lane]

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pending
	queue    []*pending
	inFlight int
	closed   bool
}

// New starts a dispatcher sending calls through t.
func New(t Transport, opts Options) (*Dispatcher, error) {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("dispatch timeout must be positive")
	}
	if opts.Available == nil {
		opts.Available = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var lanes atomic.Int32
	pool, err := puddle.NewPool(&puddle.Config[*lane]{
		Constructor: func(context.Context) (*lane, error) {
			return &lane{id: lanes.Add(1)}, nil
		},
		Destructor: func(*lane) {},
		MaxSize:    int32(opts.MaxInFlight),
	})
	if err != nil {
		return nil, fmt.Errorf("create lane pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		transport: t,
		available: opts.Available,
		timeout:   opts.Timeout,
		log:       opts.Logger.With("component", "dispatcher"),
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		pending:   make(map[uint64]*pending),
	}
	d.wg.Add(1)
	go d.drain()
	return d, nil
}

// Request enqueues call and waits for its settlement. It fails immediately
// with ErrUnavailable when the worker is not running.
func (d *Dispatcher) Request(ctx context.Context, call Call) (json.RawMessage, error) {
	if !d.available() {
		metrics.ObserveRequest(call.Endpoint, "rejected", 0)
		return nil, fmt.Errorf("%w: %s %s", ErrUnavailable, call.Method, call.Endpoint)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.nextID++
	p := &pending{
		id:        d.nextID,
		call:      call,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}
	p.ctx, p.cancel = context.WithTimeout(d.ctx, d.timeout)
	id := p.id
	p.timer = time.AfterFunc(d.timeout, func() {
		err := fmt.Errorf("%w: %s %s after %s", ErrRequestTimeout, call.Method, call.Endpoint, d.timeout)
		if d.settle(id, result{err: err}) {
			d.log.Warn("worker request timed out", "id", id, "endpoint", call.Endpoint, "timeout", d.timeout)
		}
	})
	d.pending[id] = p
	d.queue = append(d.queue, p)
	d.publishLocked()
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-p.done:
		return r.body, r.err
	case <-ctx.Done():
		d.settle(id, result{err: ctx.Err()})
		r := <-p.done
		return r.body, r.err
	}
}

// RejectAll settles every queued and in-flight call with err.
func (d *Dispatcher) RejectAll(err error) int {
	d.mu.Lock()
	ids := make([]uint64, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	n := 0
	for _, id := range ids {
		if d.settle(id, result{err: err}) {
			n++
		}
	}
	if n > 0 {
		d.log.Info("rejected pending worker requests", "count", n, "reason", err)
	}
	return n
}

// Stats returns queue and in-flight counts.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Pending: len(d.pending), Queued: len(d.queue), InFlight: d.inFlight}
}

// Close rejects everything pending with ErrClosed and stops the drain loop.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.RejectAll(ErrClosed)
	d.cancel()
	d.wg.Wait()
	d.pool.Close()
	return nil
}

// settle delivers r to call id if it is still pending. It reports whether
// this call was the one that settled it.
func (d *Dispatcher) settle(id uint64, r result) bool {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, id)
	for i, q := range d.queue {
		if q == p {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	p.timer.Stop()
	p.cancel()
	p.done <- r
	d.publishLocked()
	d.mu.Unlock()

	metrics.ObserveRequest(p.call.Endpoint, outcome(r.err), time.Since(p.createdAt).Seconds())
	return true
}

func (d *Dispatcher) publishLocked() {
	metrics.SetQueue(len(d.queue), d.inFlight)
}

// drain hands queued calls to free lanes in FIFO order.
func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for {
		res, err := d.pool.Acquire(d.ctx)
		if err != nil {
			return
		}
		p := d.pop()
		for p == nil {
			select {
			case <-d.wake:
				p = d.pop()
			case <-d.ctx.Done():
				res.Release()
				return
			}
		}
		d.wg.Add(1)
		go d.execute(res, p)
	}
}

func (d *Dispatcher) pop() *pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight++
	d.publishLocked()
	return p
}

func (d *Dispatcher) execute(res *puddle.Resource[*lane], p *pending) {
	defer d.wg.Done()
	d.log.Debug("sending worker request", "id", p.id, "lane", res.Value().id, "method", p.call.Method, "endpoint", p.call.Endpoint)
	body, err := d.transport.Do(p.ctx, p.call)

	d.mu.Lock()
	d.inFlight--
	d.publishLocked()
	d.mu.Unlock()
	res.Release()

	if !d.settle(p.id, result{body: body, err: err}) {
		d.log.Debug("dropping late worker response", "id", p.id, "endpoint", p.call.Endpoint)
	}
}

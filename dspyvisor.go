// Package dspyvisor supervises a local DSPy optimization worker and brokers
// JSON requests to it over loopback HTTP.
package dspyvisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/dspyvisor/internal/config"
	"github.com/loykin/dspyvisor/internal/dispatch"
	"github.com/loykin/dspyvisor/internal/env"
	"github.com/loykin/dspyvisor/internal/history"
	"github.com/loykin/dspyvisor/internal/logger"
	"github.com/loykin/dspyvisor/internal/metrics"
	"github.com/loykin/dspyvisor/internal/supervisor"
	"github.com/loykin/dspyvisor/pkg/api"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type WorkerConfig = cfg.Worker

type State = supervisor.State

type Event = supervisor.Event

type EventSink = supervisor.Sink

type HistorySink = history.Sink

type WorkerError = dispatch.WorkerError

type Status = api.Status

const (
	Stopped           = supervisor.Stopped
	Starting          = supervisor.Starting
	Running           = supervisor.Running
	Restarting        = supervisor.Restarting
	FailedPermanently = supervisor.FailedPermanently
)

var (
	ErrStartupTimeout    = supervisor.ErrStartupTimeout
	ErrFailedPermanently = supervisor.ErrFailedPermanently
	ErrStopped           = supervisor.ErrStopped
	ErrUnavailable       = dispatch.ErrUnavailable
	ErrRequestTimeout    = dispatch.ErrRequestTimeout
	ErrClosed            = dispatch.ErrClosed
)

// Options are optional collaborators for New.
type Options struct {
	Logger *slog.Logger
	// Sink receives every lifecycle event synchronously.
	Sink EventSink
	// History sinks receive lifecycle events through a buffered fan-out.
	History       []HistorySink
	HistoryBuffer int
	// Log configures the files the worker's stdout and stderr are teed to.
	Log logger.Config
	// GlobalEnv is added to the worker environment before the worker's own Env.
	GlobalEnv []string
	// Transport replaces the loopback HTTP transport.
	Transport dispatch.Transport
	// Deps replaces the runtime checker used when Runtime.Verify is set.
	Deps supervisor.DepsChecker
}

// Client owns one supervised worker and the dispatcher in front of it.
type Client struct {
	cfg       cfg.Worker
	log       *slog.Logger
	transport dispatch.Transport
	sup       *supervisor.Supervisor
	disp      *dispatch.Dispatcher
	hist      *history.Fanout
	sampler   *metrics.ResourceSampler
}

// New validates w and builds a stopped client. Call Start to spawn the worker.
func New(w cfg.Worker, opts Options) (*Client, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		cfg:       w,
		log:       log.With("worker", w.Name),
		transport: opts.Transport,
		sampler:   metrics.NewResourceSampler(w.Name),
	}
	if c.transport == nil {
		c.transport = dispatch.NewHTTPTransport(w.BaseURL())
	}

	sinks := supervisor.Sinks{}
	if opts.Sink != nil {
		sinks = append(sinks, opts.Sink)
	}
	if len(opts.History) > 0 {
		c.hist = history.NewFanout(log, opts.HistoryBuffer, opts.History...)
		sinks = append(sinks, historySink{f: c.hist})
	}

	workerEnv := env.Worker()
	for _, kv := range opts.GlobalEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			workerEnv = workerEnv.WithSet(k, v)
		}
	}

	c.sup = supervisor.New(w, supervisor.Options{
		Logger:      log,
		Sink:        sinks,
		Env:         workerEnv,
		Deps:        opts.Deps,
		HealthProbe: c.probe,
		Log:         opts.Log,
	})
	d, err := dispatch.New(c.transport, dispatch.Options{
		MaxInFlight: w.MaxInFlight,
		Timeout:     w.RequestTimeout,
		Available:   c.sup.Available,
		Logger:      log,
	})
	if err != nil {
		_ = c.sup.Close()
		return nil, err
	}
	c.disp = d
	return c, nil
}

// Start spawns the worker and blocks until it is ready or startup fails.
func (c *Client) Start(ctx context.Context) error { return c.sup.Start(ctx) }

// Stop terminates the worker and rejects every pending request.
func (c *Client) Stop(ctx context.Context) error {
	err := c.sup.Stop(ctx)
	if n := c.disp.RejectAll(ErrStopped); n > 0 {
		c.log.Info("rejected pending requests", "count", n)
	}
	return err
}

// Restart stops the worker and starts a fresh one.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.sup.Start(ctx)
}

// Close stops the worker and releases the dispatcher and history sinks.
func (c *Client) Close() error {
	errs := []error{c.disp.Close(), c.sup.Close()}
	if c.hist != nil {
		errs = append(errs, c.hist.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) State() State { return c.sup.State() }

// Config returns the worker configuration the client was built with.
func (c *Client) Config() cfg.Worker { return c.cfg }

// Status returns a snapshot of the worker and the dispatcher. Resource usage
// is sampled only while a process is alive.
func (c *Client) Status() Status {
	snap := c.sup.Snapshot()
	stats := c.disp.Stats()
	st := Status{
		Name:         snap.Name,
		Running:      snap.State == supervisor.Running,
		Healthy:      snap.Health.Healthy,
		State:        snap.State.String(),
		RestartCount: snap.RestartCount,
		LastError:    snap.LastError,
		PendingCount: stats.Pending,
		QueueLength:  stats.Queued,
		InFlight:     stats.InFlight,
		PID:          snap.PID,
		RunID:        snap.RunID,
		StartedAt:    snap.StartedAt,
	}
	if snap.PID > 0 {
		if r, err := c.sampler.Sample(snap.PID); err == nil {
			st.Resources = &api.Resources{CPUPercent: r.CPUPercent, MemoryRSS: r.MemoryRSS, NumThreads: r.NumThreads}
		}
	}
	return st
}

// PID returns the worker process id, or 0 when none is running.
func (c *Client) PID() int { return c.sup.Snapshot().PID }

// Request sends one raw call through the dispatcher.
func (c *Client) Request(ctx context.Context, method, endpoint string, payload any) (json.RawMessage, error) {
	return c.disp.Request(ctx, dispatch.Call{Method: method, Endpoint: endpoint, Payload: payload})
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	raw, err := c.Request(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// probe asks the worker for /health directly, bypassing the request queue.
func (c *Client) probe(ctx context.Context) error {
	raw, err := c.transport.Do(ctx, dispatch.Call{Method: http.MethodGet, Endpoint: api.EndpointHealth})
	if err != nil {
		return err
	}
	var h api.HealthResponse
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	if h.Status != "healthy" {
		return fmt.Errorf("worker reported status %q", h.Status)
	}
	return nil
}

// historySink converts supervisor events for the history fan-out.
type historySink struct{ f *history.Fanout }

func (h historySink) Emit(e supervisor.Event) {
	h.f.Publish(history.Event{
		Type:       history.EventType(e.Type),
		OccurredAt: e.At,
		Record: history.Record{
			Name:         e.Worker,
			RunID:        e.RunID,
			PID:          e.PID,
			State:        e.State.String(),
			PrevState:    e.PrevState.String(),
			RestartCount: e.RestartCount,
			Healthy:      e.Healthy,
			Error:        e.Error,
		},
	})
}

// LoadConfig reads a TOML configuration file with DSPYVISOR_* overrides.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// DefaultWorker returns the stock worker settings.
func DefaultWorker() WorkerConfig { return cfg.DefaultWorker() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

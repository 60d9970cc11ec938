// Package sentry reports worker crashes to Sentry. Only crash and
// permanent-failure events are captured; everything else is ignored.
package sentry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/loykin/dspyvisor/internal/history"
)

const flushTimeout = 2 * time.Second

// Options mirror the subset of sentry.ClientOptions the sink sets.
type Options struct {
	Dsn         string
	Environment string
	Release     string
	Debug       bool
	// Transport overrides the HTTP transport.
	Transport sentry.Transport
}

type Sink struct {
	hub *sentry.Hub
}

func New(opts Options) (*Sink, error) {
	if opts.Dsn == "" && opts.Transport == nil {
		return nil, errors.New("empty Sentry DSN")
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.Dsn,
		Debug:       opts.Debug,
		Environment: opts.Environment,
		Release:     opts.Release,
		Transport:   opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Sink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sink) Send(_ context.Context, e history.Event) error {
	var level sentry.Level
	switch e.Type {
	case history.EventCrashed:
		level = sentry.LevelError
	case history.EventFailedPermanently:
		level = sentry.LevelFatal
	default:
		return nil
	}
	r := e.Record
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("worker", r.Name)
		scope.SetTag("run_id", r.RunID)
		scope.SetTag("event", string(e.Type))
		scope.SetContext("worker", sentry.Context{
			"pid":           r.PID,
			"state":         r.State,
			"restart_count": r.RestartCount,
		})
		msg := fmt.Sprintf("worker %s %s", r.Name, e.Type)
		if r.Error != "" {
			msg += ": " + r.Error
		}
		s.hub.CaptureMessage(msg)
	})
	return nil
}

// Close flushes buffered events.
func (s *Sink) Close() error {
	if !s.hub.Flush(flushTimeout) {
		return errors.New("sentry flush timed out after " + strconv.Itoa(int(flushTimeout/time.Second)) + "s")
	}
	return nil
}

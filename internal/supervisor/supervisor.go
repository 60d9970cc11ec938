// Package supervisor owns the worker process: dependency verification, spawn,
// readiness detection, crash handling and bounded auto-restart.
//
// All state lives on one event-loop goroutine. Operator commands and process
// events arrive as messages; events carry the spawn generation they belong to
// so anything from an earlier run is dropped.
//
// State machine:
//
//	Stopped -> Starting -> Running -> (crash) -> Restarting -> Starting ...
//	                            \-> FailedPermanently (restart budget spent)
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/dspyvisor/internal/config"
	"github.com/loykin/dspyvisor/internal/deps"
	"github.com/loykin/dspyvisor/internal/env"
	"github.com/loykin/dspyvisor/internal/health"
	"github.com/loykin/dspyvisor/internal/logger"
	"github.com/loykin/dspyvisor/internal/metrics"
	"github.com/loykin/dspyvisor/internal/process"
)

// DepsChecker verifies the worker runtime before the first spawn.
type DepsChecker interface {
	Check(ctx context.Context, preferred string) (deps.Runtime, error)
}

// Options are the collaborators injected into a Supervisor.
type Options struct {
	Logger *slog.Logger
	Sink   Sink
	// Env composes the worker environment; nil uses env.Worker().
	Env *env.Env
	// Deps overrides the runtime checker built from the worker's Runtime
	// settings. It is only consulted when Runtime.Verify is set.
	Deps DepsChecker
	// HealthProbe enables the health monitor while Running.
	HealthProbe health.Probe
	// Log configures files receiving the worker's stdout and stderr.
	Log logger.Config
}

// Snapshot is a consistent read of the supervisor's observable state.
type Snapshot struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	PID          int           `json:"pid,omitempty"`
	RunID        string        `json:"run_id,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	Executable   string        `json:"executable,omitempty"`
	Health       health.Status `json:"health"`
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind  commandKind
	reply chan error
}

type eventKind int

const (
	evSpawned eventKind = iota
	evReady
	evReadyTimeout
	evExited
	evRestartDue
)

type event struct {
	kind eventKind
	gen  uint64
	proc *process.Process
	exe  string
	err  error
	exit process.ExitEvent
}

// Supervisor keeps one worker process alive according to config.Worker.
type Supervisor struct {
	cfg     config.Worker
	base    *slog.Logger
	log     *slog.Logger
	sink    Sink
	env     *env.Env
	checker DepsChecker
	logCfg  logger.Config
	monitor *health.Monitor

	cmds     chan command
	events   chan event
	quit     chan struct{}
	loopDone chan struct{}
	quitOnce sync.Once
	emitMu   sync.Mutex

	// live mirrors gen for the stream goroutines of the current process
	live atomic.Uint64

	// owned by the loop goroutine
	gen          uint64
	proc         *process.Process
	initial      bool
	exe          string
	waiters      []chan error
	restartTimer *time.Timer
	spawnCancel  context.CancelFunc
	spawnedAt    time.Time

	mu        sync.RWMutex
	state     State
	restarts  int
	lastErr   string
	pid       int
	runID     string
	startedAt time.Time
	resolved  string
}

// New builds a stopped supervisor and starts its event loop. Close releases it.
func New(cfg config.Worker, opts Options) *Supervisor {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		base:     base,
		log:      base.With("component", "supervisor", "worker", cfg.Name),
		sink:     opts.Sink,
		env:      opts.Env,
		checker:  opts.Deps,
		logCfg:   opts.Log,
		cmds:     make(chan command),
		events:   make(chan event, 16),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    Stopped,
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}
	if s.env == nil {
		s.env = env.Worker()
	}
	if s.checker == nil && cfg.Runtime.Verify {
		s.checker = deps.Checker{
			Candidates:     cfg.Runtime.Candidates,
			Library:        cfg.Runtime.Library,
			InstallPackage: cfg.Runtime.InstallPackage,
			ProbeTimeout:   10 * time.Second,
			InstallTimeout: cfg.Runtime.InstallTimeout,
			Logger:         s.log,
		}
	}
	if !cfg.Runtime.Verify {
		s.checker = nil
	}
	if opts.HealthProbe != nil {
		s.monitor = health.New(opts.HealthProbe, cfg.HealthInterval, s.onHealth)
	}
	metrics.SetCurrentState(cfg.Name, Stopped.String(), true)
	go s.loop()
	return s
}

// Start verifies dependencies, spawns the worker and waits until it is
// Running, FailedPermanently or Stopped. Start on a running worker is a no-op;
// Start from FailedPermanently clears the terminal state.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.call(ctx, cmdStart)
}

// Stop terminates the worker (SIGTERM, then SIGKILL after StopTimeout) and
// moves to Stopped. Waiters blocked in Start receive ErrStopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.call(ctx, cmdStop)
}

// Restart stops then starts the worker.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Close stops the worker and the event loop. It is safe to call twice.
func (s *Supervisor) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.loopDone
	return nil
}

func (s *Supervisor) call(ctx context.Context, kind commandKind) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{kind: kind, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrClosed
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Available reports whether requests may be sent to the worker.
func (s *Supervisor) Available() bool { return s.State() == Running }

// RestartCount is the number of crash-triggered respawns since the worker
// was last Running.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// LastError is the most recent crash reason or stderr line.
func (s *Supervisor) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Health returns the monitor's last status; unhealthy when no probe is set.
func (s *Supervisor) Health() health.Status {
	if s.monitor == nil {
		return health.Status{}
	}
	return s.monitor.Status()
}

// Config returns the worker configuration.
func (s *Supervisor) Config() config.Worker { return s.cfg }

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Name:         s.cfg.Name,
		State:        s.state,
		PID:          s.pid,
		RunID:        s.runID,
		RestartCount: s.restarts,
		LastError:    s.lastErr,
		StartedAt:    s.startedAt,
		Executable:   s.resolved,
	}
	s.mu.RUnlock()
	snap.Health = s.Health()
	return snap
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	for {
		select {
		case c := <-s.cmds:
			switch c.kind {
			case cmdStart:
				s.handleStart(c.reply)
			case cmdStop:
				c.reply <- s.handleStop()
			}
		case ev := <-s.events:
			if ev.gen != s.gen {
				if ev.kind == evSpawned && ev.proc != nil {
					// spawned after a stop; nobody owns it
					go func() { _ = ev.proc.Kill() }()
				}
				continue
			}
			s.handleEvent(ev)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Supervisor) handleStart(reply chan error) {
	switch s.State() {
	case Running:
		reply <- nil
	case Starting, Restarting:
		s.waiters = append(s.waiters, reply)
	default:
		s.waiters = append(s.waiters, reply)
		s.setRestarts(0)
		s.initial = true
		s.transition(Starting, "")
		s.launch(true, s.cfg.Executable)
	}
}

func (s *Supervisor) handleStop() error {
	if s.State() == Stopped {
		return nil
	}
	s.nextGen()
	s.cancelPending()
	s.stopHealth()
	var err error
	if p := s.proc; p != nil {
		s.log.Info("stopping worker", "pid", p.PID(), "timeout", s.cfg.StopTimeout)
		err = p.Stop(s.cfg.StopTimeout)
		s.proc = nil
	}
	s.clearRun()
	metrics.IncStop(s.cfg.Name)
	s.transition(Stopped, "stopped by operator")
	s.resolve(ErrStopped)
	return err
}

func (s *Supervisor) shutdown() {
	s.nextGen()
	s.cancelPending()
	s.stopHealth()
	if p := s.proc; p != nil {
		if err := p.Stop(s.cfg.StopTimeout); err != nil {
			s.log.Warn("worker stop on close failed", "error", err)
		}
		s.proc = nil
	}
	s.clearRun()
	s.transition(Stopped, "supervisor closed")
	s.resolve(ErrClosed)
}

// launch spawns a new generation. verify runs the dependency check first.
func (s *Supervisor) launch(verify bool, exe string) {
	gen := s.nextGen()
	ctx, cancel := context.WithCancel(context.Background())
	s.spawnCancel = cancel

	go func() {
		defer cancel()
		if verify && s.checker != nil {
			rt, err := s.checker.Check(ctx, exe)
			if err != nil {
				s.post(event{kind: evSpawned, gen: gen, exe: exe, err: err})
				return
			}
			exe = rt.Executable
		}
		p, err := process.Start(s.processSpec(gen, exe), s.base)
		if !s.post(event{kind: evSpawned, gen: gen, proc: p, exe: exe, err: err}) && p != nil {
			_ = p.Kill()
		}
	}()
}

func (s *Supervisor) processSpec(gen uint64, exe string) process.Spec {
	return process.Spec{
		Name:         s.cfg.Name,
		Executable:   exe,
		Args:         s.cfg.SpawnArgs(),
		WorkDir:      s.cfg.Dir(),
		Env:          s.env.Merge(s.cfg.Env),
		ReadyMarkers: s.cfg.ReadyMarkers,
		Log:          s.logCfg,
		OnStderr:     func(line string) { s.onStderr(gen, line) },
	}
}

// nextGen starts a new spawn generation; events of older ones are dropped.
func (s *Supervisor) nextGen() uint64 {
	s.gen++
	s.live.Store(s.gen)
	return s.gen
}

// onStderr keeps the current run's stderr as the last error. It runs on the
// process's stream goroutine, not the loop.
func (s *Supervisor) onStderr(gen uint64, line string) {
	if s.live.Load() != gen {
		return
	}
	s.mu.Lock()
	s.lastErr = line
	e := s.eventLocked(EventStderr, line)
	s.mu.Unlock()
	s.emit(e)
}

// watch turns process signals into loop events for one generation.
func (s *Supervisor) watch(gen uint64, p *process.Process) {
	t := time.NewTimer(s.cfg.StartupTimeout)
	defer t.Stop()
	select {
	case <-p.Ready():
		s.post(event{kind: evReady, gen: gen})
	case <-p.Done():
	case <-t.C:
		s.post(event{kind: evReadyTimeout, gen: gen})
	}
	select {
	case <-p.Done():
		s.post(event{kind: evExited, gen: gen, exit: p.Exit()})
	case <-s.quit:
	}
}

func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Supervisor) handleEvent(ev event) {
	switch ev.kind {
	case evSpawned:
		s.onSpawned(ev)
	case evReady:
		s.onReady()
	case evReadyTimeout:
		s.onReadyTimeout()
	case evExited:
		s.onExited(ev.exit)
	case evRestartDue:
		if s.State() != Restarting {
			return
		}
		exe := s.exe
		if exe == "" {
			exe = s.cfg.Executable
		}
		s.transition(Starting, "")
		s.launch(false, exe)
	}
}

func (s *Supervisor) onSpawned(ev event) {
	s.spawnCancel = nil
	if ev.err != nil {
		s.setLastError(ev.err.Error())
		if errors.Is(ev.err, deps.ErrRuntimeNotFound) || errors.Is(ev.err, deps.ErrLibraryMissing) {
			s.log.Error("worker dependencies missing", "error", ev.err)
			s.initial = false
			s.transition(Stopped, ev.err.Error())
			s.resolve(ev.err)
			return
		}
		s.log.Error("worker spawn failed", "error", ev.err)
		s.crash(ev.err.Error())
		return
	}
	s.exe = ev.exe
	s.proc = ev.proc
	s.spawnedAt = time.Now()

	s.mu.Lock()
	s.pid = ev.proc.PID()
	s.runID = ev.proc.RunID()
	s.startedAt = ev.proc.StartedAt()
	s.resolved = ev.exe
	e := s.eventLocked(EventSpawned, "")
	s.mu.Unlock()
	s.emit(e)

	go s.watch(ev.gen, ev.proc)
}

func (s *Supervisor) onReady() {
	if s.State() != Starting {
		return
	}
	metrics.ObserveStartup(s.cfg.Name, time.Since(s.spawnedAt).Seconds())
	s.initial = false
	s.setRestarts(0)
	s.transition(Running, "")
	metrics.IncStart(s.cfg.Name)
	s.startHealth()
	s.resolve(nil)
}

func (s *Supervisor) onReadyTimeout() {
	if s.State() != Starting {
		return
	}
	reason := fmt.Sprintf("no readiness line within %s", s.cfg.StartupTimeout)
	s.log.Warn("worker not ready in time, killing", "timeout", s.cfg.StartupTimeout)
	// the killed run's exit event must not count as a crash
	s.nextGen()
	if p := s.proc; p != nil {
		if err := p.Kill(); err != nil {
			s.log.Warn("kill after startup timeout failed", "error", err)
		}
		s.proc = nil
	}
	s.clearRun()
	if s.initial {
		s.initial = false
		s.setLastError(reason)
		s.transition(Stopped, reason)
		s.resolve(fmt.Errorf("%w after %s", ErrStartupTimeout, s.cfg.StartupTimeout))
		return
	}
	s.crash(reason)
}

func (s *Supervisor) onExited(ex process.ExitEvent) {
	s.proc = nil
	s.clearRun()
	reason := ex.String()
	if ex.Stderr != "" {
		reason += ": " + ex.Stderr
	}
	s.mu.Lock()
	e := s.eventLocked(EventExited, reason)
	s.mu.Unlock()
	s.emit(e)

	switch s.State() {
	case Running, Starting:
		s.crash(reason)
	}
}

// crash applies the restart policy after an unexpected exit or spawn error.
func (s *Supervisor) crash(reason string) {
	metrics.IncCrash(s.cfg.Name)
	s.stopHealth()
	s.setLastError(reason)
	s.mu.Lock()
	e := s.eventLocked(EventCrashed, reason)
	n := s.restarts
	s.mu.Unlock()
	s.emit(e)

	if s.cfg.AutoRestart && n < s.cfg.MaxRestarts {
		s.setRestarts(n + 1)
		s.log.Warn("worker crashed, restarting", "reason", reason, "attempt", n+1, "max", s.cfg.MaxRestarts, "delay", s.cfg.RestartDelay)
		s.transition(Restarting, reason)
		metrics.IncRestart(s.cfg.Name)
		gen := s.gen
		s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() {
			s.post(event{kind: evRestartDue, gen: gen})
		})
		return
	}

	s.log.Error("worker failed permanently", "reason", reason, "restarts", n)
	s.initial = false
	s.transition(FailedPermanently, reason)
	s.mu.Lock()
	e = s.eventLocked(EventFailedPermanently, reason)
	s.mu.Unlock()
	s.emit(e)
	s.resolve(fmt.Errorf("%w: %s", ErrFailedPermanently, reason))
}

// transition is the only writer of state.
func (s *Supervisor) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Error("refusing state change", "error", transitionError{from: from, to: to})
		return
	}
	s.state = to
	e := s.eventLocked(EventStateChanged, reason)
	e.PrevState = from
	s.mu.Unlock()

	metrics.RecordStateTransition(s.cfg.Name, from.String(), to.String())
	metrics.SetCurrentState(s.cfg.Name, from.String(), false)
	metrics.SetCurrentState(s.cfg.Name, to.String(), true)
	s.log.Info("worker state changed", "from", from, "to", to, "restarts", e.RestartCount)
	s.emit(e)
}

func (s *Supervisor) eventLocked(t EventType, reason string) Event {
	return Event{
		Type:         t,
		Worker:       s.cfg.Name,
		RunID:        s.runID,
		PID:          s.pid,
		State:        s.state,
		PrevState:    s.state,
		RestartCount: s.restarts,
		Error:        reason,
		At:           time.Now(),
	}
}

func (s *Supervisor) emit(e Event) {
	if s.monitor != nil && e.Type != EventHealthChanged {
		e.Healthy = s.monitor.Status().Healthy
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.sink.Emit(e)
}

func (s *Supervisor) onHealth(st health.Status) {
	metrics.SetHealthy(s.cfg.Name, st.Healthy)
	if st.Healthy {
		s.log.Info("worker healthy")
	} else {
		s.log.Warn("worker unhealthy", "error", st.LastError)
	}
	s.mu.Lock()
	e := s.eventLocked(EventHealthChanged, st.LastError)
	s.mu.Unlock()
	e.Healthy = st.Healthy
	s.emit(e)
}

func (s *Supervisor) startHealth() {
	if s.monitor != nil {
		s.monitor.Start()
	}
}

func (s *Supervisor) stopHealth() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
}

func (s *Supervisor) cancelPending() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.spawnCancel != nil {
		s.spawnCancel()
		s.spawnCancel = nil
	}
}

func (s *Supervisor) resolve(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Supervisor) setRestarts(n int) {
	s.mu.Lock()
	s.restarts = n
	s.mu.Unlock()
}

func (s *Supervisor) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Supervisor) clearRun() {
	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()
}

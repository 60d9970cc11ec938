package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExitEvent describes how a worker run ended.
type ExitEvent struct {
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
	Stderr string `json:"stderr,omitempty"` // last stderr line seen before exit
}

func (e ExitEvent) String() string {
	switch {
	case e.Signal != "":
		return "signal: " + e.Signal
	case e.Code != nil:
		return fmt.Sprintf("exit code %d", *e.Code)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "exited"
	}
}

// Process is one spawned worker run. A Process is never restarted; the
// supervisor creates a new one for every spawn.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	runID     string
	startedAt time.Time
	log       *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	exit    ExitEvent
	lastErr string

	outW io.WriteCloser
	errW io.WriteCloser
}

// Start spawns the worker described by spec. Stdout is split into lines and
// checked for readiness markers. Stderr lines are kept for the exit event and
// handed to spec.OnStderr. Both streams are copied into the rotating log files
// configured in spec.Log.
func Start(spec Spec, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	if spec.Executable == "" {
		return nil, errors.New("worker executable is empty")
	}
	runID := uuid.NewString()
	p := &Process{
		spec:  spec,
		cmd:   spec.BuildCommand(),
		runID: runID,
		log:   log.With("worker", spec.Name, "run_id", runID),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	if spec.Log.File.Dir != "" {
		_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
	}
	p.outW, p.errW, _ = spec.Log.ProcessWriters(spec.Name)

	stdout := &lineWriter{tee: p.outW, fn: p.onStdout}
	stderr := &lineWriter{tee: p.errW, fn: p.onStderr}
	p.cmd.Stdout = stdout
	p.cmd.Stderr = stderr
	// Children that inherit the pipes must not keep Wait from returning.
	p.cmd.WaitDelay = time.Second

	if err := p.cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("spawn %s: %w", spec.Executable, err)
	}
	p.startedAt = time.Now()
	p.log.Info("worker spawned", "pid", p.cmd.Process.Pid, "executable", spec.Executable, "args", spec.Args)

	go p.wait(stdout, stderr)
	return p, nil
}

func (p *Process) onStdout(line string) {
	p.log.Debug("worker stdout", "line", line)
	if p.spec.IsReadyLine(line) {
		p.readyOnce.Do(func() { close(p.ready) })
	}
}

func (p *Process) onStderr(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p.log.Debug("worker stderr", "line", line)
	p.mu.Lock()
	p.lastErr = line
	p.mu.Unlock()
	if p.spec.OnStderr != nil {
		p.spec.OnStderr(line)
	}
}

// wait reaps the process and publishes its exit event.
func (p *Process) wait(streams ...*lineWriter) {
	err := p.cmd.Wait()
	for _, w := range streams {
		w.flush()
	}

	ev := ExitEvent{Err: err}
	if ps := p.cmd.ProcessState; ps != nil {
		if code := ps.ExitCode(); code >= 0 {
			ev.Code = &code
		}
		ev.Signal = exitSignal(ps)
	}
	p.mu.Lock()
	ev.Stderr = p.lastErr
	p.exit = ev
	p.mu.Unlock()

	p.closeWriters()
	p.log.Info("worker exited", "status", ev.String())
	close(p.done)
}

func (p *Process) closeWriters() {
	if p.outW != nil {
		_ = p.outW.Close()
	}
	if p.errW != nil {
		_ = p.errW.Close()
	}
}

func (p *Process) PID() int             { return p.cmd.Process.Pid }
func (p *Process) RunID() string        { return p.runID }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Ready is closed when a readiness marker has been printed.
func (p *Process) Ready() <-chan struct{} { return p.ready }

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the exit event. It is only meaningful after Done is closed.
func (p *Process) Exit() ExitEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Stop sends a graceful termination signal and escalates to a kill when the
// worker has not exited within wait.
func (p *Process) Stop(wait time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := terminate(p.PID()); err != nil {
		p.log.Debug("terminate failed", "error", err)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	p.log.Warn("worker ignored termination, killing", "wait", wait)
	return p.Kill()
}

// Kill forcibly stops the worker and waits briefly for it to be reaped.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := kill(p.PID()); err != nil {
		// fall back to the direct handle when the group is already gone
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("worker %d not reaped after kill", p.PID())
	}
}

// maxLine bounds how much unterminated output is buffered before it is
// delivered as a line anyway.
const maxLine = 64 * 1024

// lineWriter splits a byte stream into lines. os/exec drives each instance
// from a single goroutine, so it needs no locking.
type lineWriter struct {
	buf []byte
	tee io.Writer
	fn  func(string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	if w.tee != nil {
		_, _ = w.tee.Write(b)
	}
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.flush()
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.fn(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}

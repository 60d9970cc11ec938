// Package deps verifies that the worker's interpreter and its required
// library are present before the worker is spawned.
package deps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrRuntimeNotFound means none of the candidate interpreters answered --version.
	ErrRuntimeNotFound = errors.New("worker runtime not found")
	// ErrLibraryMissing means the library is absent and the single install attempt failed.
	ErrLibraryMissing = errors.New("worker library missing")
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	// #nosec G204 -- name/args come from operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// Runtime is the outcome of a successful check.
type Runtime struct {
	Executable string `json:"executable"`
	Version    string `json:"version"`
	Installed  bool   `json:"installed"` // the library was installed during this check
}

// Checker probes candidates in order, then checks for Library and, when it is
// missing, tries one `-m pip install -U InstallPackage`.
type Checker struct {
	Candidates     []string
	Library        string
	InstallPackage string
	ProbeTimeout   time.Duration
	InstallTimeout time.Duration
	Runner         Runner
	Logger         *slog.Logger
}

// Check returns the first working interpreter. A preferred executable, when
// non-empty, is tried before the candidates.
func (c Checker) Check(ctx context.Context, preferred string) (Runtime, error) {
	run := c.Runner
	if run == nil {
		run = ExecRunner{}
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	rt, err := c.findRuntime(ctx, run, log, preferred)
	if err != nil {
		return Runtime{}, err
	}
	if c.Library == "" {
		return rt, nil
	}

	if _, err := c.probe(ctx, run, rt.Executable, "-c", "import "+c.Library); err == nil {
		log.Debug("worker library available", "library", c.Library, "executable", rt.Executable)
		return rt, nil
	}
	if c.InstallPackage == "" {
		return Runtime{}, fmt.Errorf("%w: %s (no install package configured)", ErrLibraryMissing, c.Library)
	}

	log.Warn("worker library not installed, attempting install", "library", c.Library, "package", c.InstallPackage)
	ictx := ctx
	if c.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, c.InstallTimeout)
		defer cancel()
	}
	if out, err := run.Run(ictx, rt.Executable, "-m", "pip", "install", "-U", c.InstallPackage); err != nil {
		return Runtime{}, fmt.Errorf("%w: install %s: %v: %s", ErrLibraryMissing, c.InstallPackage, err, lastLine(out))
	}
	log.Info("worker library installed", "package", c.InstallPackage)
	rt.Installed = true
	return rt, nil
}

func (c Checker) findRuntime(ctx context.Context, run Runner, log *slog.Logger, preferred string) (Runtime, error) {
	tried := make(map[string]bool)
	names := append([]string{preferred}, c.Candidates...)
	for _, name := range names {
		if name == "" || tried[name] {
			continue
		}
		tried[name] = true
		log.Debug("probing worker runtime", "executable", name)
		out, err := c.probe(ctx, run, name, "--version")
		if err != nil {
			continue
		}
		return Runtime{Executable: name, Version: lastLine(out)}, nil
	}
	return Runtime{}, fmt.Errorf("%w: tried %s", ErrRuntimeNotFound, strings.Join(keys(names, tried), ", "))
}

func (c Checker) probe(ctx context.Context, run Runner, name string, args ...string) (string, error) {
	d := c.ProbeTimeout
	if d <= 0 {
		d = 15 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return run.Run(pctx, name, args...)
}

func keys(order []string, set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, n := range order {
		if set[n] {
			out = append(out, n)
			delete(set, n)
		}
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

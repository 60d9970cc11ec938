package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/dspyvisor/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// DSPYVISOR_WORKER_PORT=9000 or DSPYVISOR_WORKER_RESTART_DELAY=5s.
const EnvPrefix = "DSPYVISOR"

// Config is the top-level daemon configuration (TOML).
type Config struct {
	Worker  Worker        `toml:"worker" mapstructure:"worker"`
	Server  Server        `toml:"server" mapstructure:"server"`
	Metrics Metrics       `toml:"metrics" mapstructure:"metrics"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	History History       `toml:"history" mapstructure:"history"`
}

// Worker describes the supervised worker process. It is passed by value and
// never mutated once the supervisor has been built.
type Worker struct {
	Name           string        `toml:"name" mapstructure:"name"`
	Port           int           `toml:"port" mapstructure:"port"`
	Executable     string        `toml:"executable" mapstructure:"executable"`
	Script         string        `toml:"script" mapstructure:"script"`
	Args           []string      `toml:"args" mapstructure:"args"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	Env            []string      `toml:"env" mapstructure:"env"`
	AutoRestart    bool          `toml:"autorestart" mapstructure:"autorestart"`
	MaxRestarts    int           `toml:"max_restarts" mapstructure:"max_restarts"`
	RestartDelay   time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	StartupTimeout time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	HealthInterval time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	StopTimeout    time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	MaxInFlight    int           `toml:"max_in_flight" mapstructure:"max_in_flight"`
	ReadyMarkers   []string      `toml:"ready_markers" mapstructure:"ready_markers"`
	Runtime        Runtime       `toml:"runtime" mapstructure:"runtime"`
}

// Runtime controls interpreter and library verification before spawn.
type Runtime struct {
	Verify         bool          `toml:"verify" mapstructure:"verify"`
	Candidates     []string      `toml:"candidates" mapstructure:"candidates"`
	Library        string        `toml:"library" mapstructure:"library"`
	InstallPackage string        `toml:"install_package" mapstructure:"install_package"`
	InstallTimeout time.Duration `toml:"install_timeout" mapstructure:"install_timeout"`
}

// Server is the local control API.
type Server struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Metrics enables Prometheus collectors. With an empty Listen the handler is
// mounted on the control API at /metrics.
type Metrics struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// History lists lifecycle event sinks by DSN (see history/factory).
type History struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
	Buffer  int      `toml:"buffer" mapstructure:"buffer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Worker:  DefaultWorker(),
		Server:  Server{Enabled: true, Listen: "127.0.0.1:8766", BasePath: "/api"},
		Metrics: Metrics{Enabled: true},
		Log:     logger.Config{Level: "info", Format: "text"},
		History: History{Buffer: 256},
	}
}

// DefaultWorker mirrors the stock DSPy service settings.
func DefaultWorker() Worker {
	exe := "python3"
	if runtime.GOOS == "windows" {
		exe = "python"
	}
	return Worker{
		Name:           "dspy",
		Port:           8765,
		Executable:     exe,
		Script:         "dspy-service.py",
		AutoRestart:    true,
		MaxRestarts:    3,
		RestartDelay:   2 * time.Second,
		StartupTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		HealthInterval: 5 * time.Second,
		StopTimeout:    5 * time.Second,
		MaxInFlight:    4,
		ReadyMarkers:   []string{"DSPy service starting", "Starting on http://localhost"},
		Runtime: Runtime{
			Verify:         true,
			Candidates:     []string{"python", "python3", "py"},
			Library:        "dspy",
			InstallPackage: "dspy-ai",
			InstallTimeout: 5 * time.Minute,
		},
	}
}

// Load reads path (TOML) on top of the defaults and applies DSPYVISOR_*
// environment overrides. An empty path loads defaults and environment only.
// Relative worker paths are resolved against the config file's directory.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	w := d.Worker
	for k, val := range map[string]any{
		"worker.name":                    w.Name,
		"worker.port":                    w.Port,
		"worker.executable":              w.Executable,
		"worker.script":                  w.Script,
		"worker.args":                    w.Args,
		"worker.workdir":                 w.WorkDir,
		"worker.env":                     w.Env,
		"worker.autorestart":             w.AutoRestart,
		"worker.max_restarts":            w.MaxRestarts,
		"worker.restart_delay":           w.RestartDelay,
		"worker.startup_timeout":         w.StartupTimeout,
		"worker.request_timeout":         w.RequestTimeout,
		"worker.health_interval":         w.HealthInterval,
		"worker.stop_timeout":            w.StopTimeout,
		"worker.max_in_flight":           w.MaxInFlight,
		"worker.ready_markers":           w.ReadyMarkers,
		"worker.runtime.verify":          w.Runtime.Verify,
		"worker.runtime.candidates":      w.Runtime.Candidates,
		"worker.runtime.library":         w.Runtime.Library,
		"worker.runtime.install_package": w.Runtime.InstallPackage,
		"worker.runtime.install_timeout": w.Runtime.InstallTimeout,
		"server.enabled":                 d.Server.Enabled,
		"server.listen":                  d.Server.Listen,
		"server.base_path":               d.Server.BasePath,
		"metrics.enabled":                d.Metrics.Enabled,
		"metrics.listen":                 d.Metrics.Listen,
		"log.level":                      d.Log.Level,
		"log.format":                     d.Log.Format,
		"log.color":                      d.Log.Color,
		"log.file.path":                  d.Log.File.Path,
		"log.file.dir":                   d.Log.File.Dir,
		"log.file.stdout_path":           d.Log.File.StdoutPath,
		"log.file.stderr_path":           d.Log.File.StderrPath,
		"log.file.max_size_mb":           d.Log.File.MaxSizeMB,
		"log.file.max_backups":           d.Log.File.MaxBackups,
		"log.file.max_age_days":          d.Log.File.MaxAgeDays,
		"log.file.compress":              d.Log.File.Compress,
		"history.enabled":                d.History.Enabled,
		"history.dsns":                   d.History.DSNs,
		"history.buffer":                 d.History.Buffer,
	} {
		v.SetDefault(k, val)
	}
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Worker.Script = abs(c.Worker.Script)
	c.Worker.WorkDir = abs(c.Worker.WorkDir)
	c.Log.File.Path = abs(c.Log.File.Path)
	c.Log.File.Dir = abs(c.Log.File.Dir)
	c.Log.File.StdoutPath = abs(c.Log.File.StdoutPath)
	c.Log.File.StderrPath = abs(c.Log.File.StderrPath)
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen %q: %w", c.Metrics.Listen, err)
		}
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return errors.New("history.enabled requires at least one entry in history.dsns")
	}
	return nil
}

// Validate checks worker settings.
func (w Worker) Validate() error {
	var errs []error
	if w.Name == "" {
		errs = append(errs, errors.New("worker.name is required"))
	}
	if w.Port <= 0 || w.Port > 65535 {
		errs = append(errs, fmt.Errorf("worker.port %d out of range", w.Port))
	}
	if w.Executable == "" && !(w.Runtime.Verify && len(w.Runtime.Candidates) > 0) {
		errs = append(errs, errors.New("worker.executable is required unless runtime.verify has candidates"))
	}
	if w.MaxRestarts < 0 {
		errs = append(errs, errors.New("worker.max_restarts must be >= 0"))
	}
	for name, d := range map[string]time.Duration{
		"startup_timeout": w.StartupTimeout,
		"request_timeout": w.RequestTimeout,
		"health_interval": w.HealthInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("worker.%s must be positive", name))
		}
	}
	if w.RestartDelay < 0 || w.StopTimeout < 0 {
		errs = append(errs, errors.New("worker.restart_delay and worker.stop_timeout must be >= 0"))
	}
	if w.MaxInFlight <= 0 {
		errs = append(errs, errors.New("worker.max_in_flight must be >= 1"))
	}
	if len(w.ReadyMarkers) == 0 {
		errs = append(errs, errors.New("worker.ready_markers must not be empty"))
	}
	return errors.Join(errs...)
}

// SpawnArgs returns the argument vector after the executable:
// script, extra args, then the port.
func (w Worker) SpawnArgs() []string {
	args := make([]string, 0, len(w.Args)+2)
	if w.Script != "" {
		args = append(args, w.scriptPath())
	}
	args = append(args, w.Args...)
	return append(args, strconv.Itoa(w.Port))
}

// Dir is the worker's working directory: WorkDir, else the script's directory.
func (w Worker) Dir() string {
	if w.WorkDir != "" {
		return w.WorkDir
	}
	if w.Script != "" {
		return filepath.Dir(w.scriptPath())
	}
	return ""
}

// scriptPath resolves a relative Script against the current directory, so it
// still names the same file once the worker runs inside Dir.
func (w Worker) scriptPath() string {
	if filepath.IsAbs(w.Script) {
		return w.Script
	}
	if p, err := filepath.Abs(w.Script); err == nil {
		return p
	}
	return w.Script
}

// BaseURL is the loopback address of the worker RPC surface.
func (w Worker) BaseURL() string {
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(w.Port))
}

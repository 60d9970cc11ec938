package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/dspyvisor/internal/logger"
)

// Spec describes one worker launch: `Executable Args...` in WorkDir.
type Spec struct {
	Name         string        `json:"name"`
	Executable   string        `json:"executable"`
	Args         []string      `json:"args"`
	WorkDir      string        `json:"work_dir"`
	Env          []string      `json:"env"` // full environment; nil inherits the daemon's
	ReadyMarkers []string      `json:"ready_markers"`
	Log          logger.Config `json:"log"`
	// OnStderr receives every non-empty stderr line. It runs on the stream's
	// copy goroutine and must not block.
	OnStderr func(line string) `json:"-"`
}

// BuildCommand constructs the *exec.Cmd for the spec without a shell.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- executable and args come from operator configuration
	cmd := exec.Command(s.Executable, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}

// IsReadyLine reports whether line contains any readiness marker.
func (s Spec) IsReadyLine(line string) bool {
	for _, m := range s.ReadyMarkers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a point-in-time sample of the worker's OS resource usage.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler reads CPU and memory usage of one worker at a time. The
// gopsutil handle is kept between samples so CPU percent is computed over the
// interval since the previous call.
type ResourceSampler struct {
	name string

	mu   sync.Mutex
	proc *process.Process
}

func NewResourceSampler(name string) *ResourceSampler {
	return &ResourceSampler{name: name}
}

// Sample reads the current usage of pid and updates the resource gauges.
func (s *ResourceSampler) Sample(pid int) (Resources, error) {
	if pid <= 0 {
		return Resources{}, fmt.Errorf("invalid pid %d", pid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil || s.proc.Pid != int32(pid) {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			s.proc = nil
			return Resources{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc = p
	}
	proc := s.proc

	cpu, err := proc.Percent(0)
	if err != nil {
		slog.Debug("failed to get CPU percent", "pid", pid, "error", err)
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Resources{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	r := Resources{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			r.NumFDs = fds
		}
	}

	if regOK.Load() {
		cpuPercent.WithLabelValues(s.name).Set(r.CPUPercent)
		memoryRSS.WithLabelValues(s.name).Set(float64(r.MemoryRSS))
		numThreads.WithLabelValues(s.name).Set(float64(r.NumThreads))
	}
	return r, nil
}

// Run samples pid() every interval until ctx is done. A pid of zero (worker
// not running) clears the gauges.
func (s *ResourceSampler) Run(ctx context.Context, interval time.Duration, pid func() int) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p := pid(); p > 0 {
				if _, err := s.Sample(p); err != nil {
					slog.Debug("resource sample failed", "worker", s.name, "error", err)
				}
				continue
			}
			s.reset()
		}
	}
}

func (s *ResourceSampler) reset() {
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	if regOK.Load() {
		cpuPercent.WithLabelValues(s.name).Set(0)
		memoryRSS.WithLabelValues(s.name).Set(0)
		numThreads.WithLabelValues(s.name).Set(0)
	}
}

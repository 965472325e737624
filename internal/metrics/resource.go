package metrics

import (
	"fmt"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds one CPU/memory observation for a pid.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleResources reads CPU and memory usage for pid. Callers in status-query
// paths are expected to treat an error as "sample unavailable" and omit the
// field rather than failing the surrounding snapshot.
func SampleResources(pid int) (*ResourceSample, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	s := &ResourceSample{PID: int32(pid), Timestamp: time.Now()}

	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.MemoryRSS = mem.RSS
		s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if nt, err := p.NumThreads(); err == nil {
		s.NumThreads = nt
	}
	return s, nil
}

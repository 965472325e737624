package process

import (
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Status is the lifecycle state of a tracked process.
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Busy reports whether a state excludes a new spawn for the same id.
func (s Status) Busy() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Precondition violations. They are surfaced through Result, never panicked.
var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotRunning     = errors.New("process not running")
	ErrNotFound       = errors.New("process not found")
)

// SpawnReq describes one spawn request for a logical process id.
type SpawnReq struct {
	ID      string
	Command string   // shell-style command line
	Dir     string   // optional working directory
	Env     []string // fully merged environment ("K=V"); nil inherits parent
}

// Record is the externally visible snapshot of a tracked process.
// It stays queryable after the process stops; only Cleanup removes it.
type Record struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Dir       string    `json:"dir,omitempty"`
	Env       []string  `json:"env,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	Status    Status    `json:"-"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	LastError string    `json:"last_error,omitempty"`
}

// Result is returned by every lifecycle operation. Callers branch on OK
// rather than catching errors.
type Result struct {
	ID  string `json:"id"`
	OK  bool   `json:"ok"`
	PID int    `json:"pid,omitempty"`
	Err string `json:"error,omitempty"`
}

func okResult(id string, pid int) Result { return Result{ID: id, OK: true, PID: pid} }

func failResult(id string, err error) Result {
	return Result{ID: id, Err: err.Error()}
}

func failResultf(id string, format string, args ...any) Result {
	return Result{ID: id, Err: fmt.Sprintf(format, args...)}
}

// rec is the registry-internal mutable record. The registry mutex guards all
// fields; cmd.Wait is performed by exactly one watcher goroutine per spawn.
type rec struct {
	Record
	cmd           *exec.Cmd
	waitDone      chan struct{} // closed by the watcher after reap
	stopRequested bool
	gen           uint64 // spawn generation, distinguishes watcher epochs
}

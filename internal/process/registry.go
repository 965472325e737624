// Package process owns the mapping from logical process ids to OS process
// handles. It is the only package allowed to create or terminate OS
// processes; every other component goes through the Registry.
package process

import (
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/canto-dev/canto/internal/logcap"
	"github.com/canto-dev/canto/internal/metrics"
)

const (
	// DefaultGraceTimeout bounds the wait between the graceful termination
	// signal and the forceful kill.
	DefaultGraceTimeout = 5 * time.Second
	// DefaultSettleDelay is the pause between stop and respawn on restart.
	DefaultSettleDelay = 1 * time.Second

	// killReapTimeout bounds the post-SIGKILL reap wait.
	killReapTimeout = 2 * time.Second
)

// Registry tracks one record per logical process id and performs the
// spawn/terminate primitives. Records survive a normal stop so their status
// stays queryable; only Cleanup removes them.
type Registry struct {
	mu      sync.RWMutex
	recs    map[string]*rec
	capture *logcap.Capture
	log     *slog.Logger

	grace  time.Duration
	settle time.Duration

	notify func(id string, st Status)
}

func NewRegistry(capture *logcap.Capture, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		recs:    make(map[string]*rec),
		capture: capture,
		log:     log,
		grace:   DefaultGraceTimeout,
		settle:  DefaultSettleDelay,
	}
}

// SetTimeouts overrides the stop grace period and restart settle delay.
// Zero values keep the current setting.
func (r *Registry) SetTimeouts(grace, settle time.Duration) {
	r.mu.Lock()
	if grace > 0 {
		r.grace = grace
	}
	if settle >= 0 {
		r.settle = settle
	}
	r.mu.Unlock()
}

// SetNotify registers a callback invoked after every status transition that
// happens outside the caller's own call path (spawn confirmation, process
// exit). It is called without registry locks held.
func (r *Registry) SetNotify(fn func(id string, st Status)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

func (r *Registry) notifyTransition(id string, st Status) {
	r.mu.RLock()
	fn := r.notify
	r.mu.RUnlock()
	if fn != nil {
		fn(id, st)
	}
}

// Spawn creates or overwrites the record for req.ID and starts the OS
// process. A record already in a busy state is left untouched and the call
// fails with ErrAlreadyRunning.
func (r *Registry) Spawn(req SpawnReq) Result {
	if req.ID == "" {
		return failResultf("", "empty process id")
	}

	r.mu.Lock()
	if old := r.recs[req.ID]; old != nil && old.Status.Busy() {
		pid := old.PID
		r.mu.Unlock()
		return failResultf(req.ID, "%v: %s (pid %d, state %s)",
			ErrAlreadyRunning, req.ID, pid, old.Status)
	}
	var logPath string
	if r.capture != nil {
		logPath = r.capture.LogPath(req.ID)
	}
	n := &rec{
		Record: Record{
			ID:      req.ID,
			Command: req.Command,
			Dir:     req.Dir,
			Env:     append([]string(nil), req.Env...),
			LogPath: logPath,
			Status:  StatusStarting,
		},
	}
	if old := r.recs[req.ID]; old != nil {
		n.gen = old.gen
	}
	n.gen++
	r.recs[req.ID] = n
	gen := n.gen
	r.mu.Unlock()

	cmd := buildCommand(req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}
	configureSysProcAttr(cmd)
	if r.capture != nil {
		cmd.Stdout, cmd.Stderr = r.capture.Attach(req.ID)
	}

	if err := cmd.Start(); err != nil {
		r.mu.Lock()
		if cur := r.recs[req.ID]; cur != nil && cur.gen == gen {
			cur.Status = StatusFailed
			cur.LastError = err.Error()
			cur.StoppedAt = time.Now()
		}
		r.mu.Unlock()
		r.log.Error("spawn failed", "id", req.ID, "command", req.Command, "err", err)
		r.notifyTransition(req.ID, StatusFailed)
		return failResultf(req.ID, "spawn %s: %v", req.ID, err)
	}

	pid := cmd.Process.Pid
	wd := make(chan struct{})
	r.mu.Lock()
	if cur := r.recs[req.ID]; cur != nil && cur.gen == gen {
		cur.cmd = cmd
		cur.waitDone = wd
		cur.PID = pid
		cur.Status = StatusRunning
		cur.StartedAt = time.Now()
		cur.StoppedAt = time.Time{}
		cur.LastError = ""
		cur.ExitCode = 0
	}
	r.mu.Unlock()

	go r.watch(req.ID, gen, cmd, wd)

	metrics.IncStart(req.ID)
	metrics.SetRunning(req.ID, true)
	r.log.Info("process started", "id", req.ID, "pid", pid)
	r.notifyTransition(req.ID, StatusRunning)
	return okResult(req.ID, pid)
}

// watch reaps the process exactly once and finalizes the record.
func (r *Registry) watch(id string, gen uint64, cmd *exec.Cmd, wd chan struct{}) {
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	var final Status
	r.mu.Lock()
	cur := r.recs[id]
	if cur == nil || cur.gen != gen {
		r.mu.Unlock()
		close(wd)
		return
	}
	switch {
	case cur.stopRequested:
		// A requested stop that ends with the process gone is a clean stop
		// even when the exit status reflects our own termination signal.
		final = StatusStopped
	case err == nil:
		final = StatusStopped
	default:
		final = StatusFailed
		cur.LastError = err.Error()
	}
	cur.Status = final
	cur.ExitCode = exitCode
	cur.PID = 0
	cur.StoppedAt = time.Now()
	cur.stopRequested = false
	r.mu.Unlock()
	close(wd)

	metrics.IncStop(id)
	metrics.SetRunning(id, false)
	if final == StatusFailed {
		r.log.Warn("process exited", "id", id, "exit_code", exitCode, "err", err)
	} else {
		r.log.Info("process stopped", "id", id, "exit_code", exitCode)
	}
	r.notifyTransition(id, final)
}

// Stop gracefully terminates the process for id, escalating to a forceful
// kill after the grace period. It returns only once the process has been
// reaped (or the forceful kill failed to take effect).
func (r *Registry) Stop(id string) Result {
	r.mu.Lock()
	cur := r.recs[id]
	if cur == nil {
		r.mu.Unlock()
		return failResultf(id, "%v: %s", ErrNotFound, id)
	}
	if cur.Status != StatusRunning {
		st := cur.Status
		r.mu.Unlock()
		return failResultf(id, "%v: %s (state %s)", ErrNotRunning, id, st)
	}
	cur.Status = StatusStopping
	cur.stopRequested = true
	pid := cur.PID
	wd := cur.waitDone
	grace := r.grace
	r.mu.Unlock()

	r.log.Info("stopping process", "id", id, "pid", pid)
	_ = terminateGroup(pid)

	select {
	case <-wd:
	case <-time.After(grace):
		r.log.Warn("grace period expired, killing", "id", id, "pid", pid)
		_ = killGroup(pid)
		select {
		case <-wd:
		case <-time.After(killReapTimeout):
			// The kill did not take effect; never leave the record STOPPING.
			r.mu.Lock()
			if cur := r.recs[id]; cur != nil && cur.Status == StatusStopping {
				cur.Status = StatusFailed
				cur.LastError = "process did not exit after kill"
				cur.StoppedAt = time.Now()
			}
			r.mu.Unlock()
			return failResultf(id, "stop %s: process did not exit after kill", id)
		}
	}
	return okResult(id, 0)
}

// Restart stops the process if running, waits for the settle delay, then
// spawns it again with the previously recorded command, directory and env.
func (r *Registry) Restart(id string) Result {
	r.mu.RLock()
	cur := r.recs[id]
	if cur == nil {
		r.mu.RUnlock()
		return failResultf(id, "%v: %s", ErrNotFound, id)
	}
	req := SpawnReq{
		ID:      id,
		Command: cur.Command,
		Dir:     cur.Dir,
		Env:     append([]string(nil), cur.Env...),
	}
	running := cur.Status == StatusRunning
	settle := r.settle
	r.mu.RUnlock()

	if running {
		if res := r.Stop(id); !res.OK {
			return res
		}
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	return r.Spawn(req)
}

// StopAll stops every running process concurrently and returns once all of
// them have settled. Individual failures never abort the batch.
func (r *Registry) StopAll() []Result {
	r.mu.RLock()
	ids := make([]string, 0, len(r.recs))
	for id, cur := range r.recs {
		if cur.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	results := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = r.Stop(id)
		}(i, id)
	}
	wg.Wait()
	return results
}

// IsRunning reports whether the record for id is in the running state.
func (r *Registry) IsRunning(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur := r.recs[id]
	return cur != nil && cur.Status == StatusRunning
}

// PID returns the OS pid for id while running or stopping, else 0.
func (r *Registry) PID(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cur := r.recs[id]; cur != nil {
		return cur.PID
	}
	return 0
}

// StatusOf returns the lifecycle state for id; StatusIdle for unknown ids.
func (r *Registry) StatusOf(id string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cur := r.recs[id]; cur != nil {
		return cur.Status
	}
	return StatusIdle
}

// Snapshot returns a copy of the record for id.
func (r *Registry) Snapshot(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur := r.recs[id]
	if cur == nil {
		return Record{}, false
	}
	return copyRecord(cur), true
}

// Snapshots returns copies of all records, sorted by id.
func (r *Registry) Snapshots() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.recs))
	for _, cur := range r.recs {
		out = append(out, copyRecord(cur))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyRecord(cur *rec) Record {
	c := cur.Record
	c.Env = append([]string(nil), cur.Env...)
	c.State = cur.Status.String()
	return c
}

// Cleanup stops everything still running, removes all records and closes the
// log streams. The registry is reusable afterwards.
func (r *Registry) Cleanup() []Result {
	results := r.StopAll()
	r.mu.Lock()
	r.recs = make(map[string]*rec)
	r.mu.Unlock()
	if r.capture != nil {
		r.capture.CloseAll()
	}
	return results
}

// WaitExit blocks until the current run of id exits, or the timeout elapses.
// It reports false when id is unknown, never spawned, or the timeout fired.
// Intended for callers that spawned short one-off tasks.
func (r *Registry) WaitExit(id string, timeout time.Duration) bool {
	r.mu.RLock()
	cur := r.recs[id]
	var wd chan struct{}
	if cur != nil {
		wd = cur.waitDone
	}
	r.mu.RUnlock()
	if wd == nil {
		return false
	}
	select {
	case <-wd:
		return true
	case <-time.After(timeout):
		return false
	}
}

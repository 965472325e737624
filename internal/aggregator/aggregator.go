// Package aggregator produces coherent snapshots of all module statuses for
// dashboard consumers, balancing freshness against the cost of querying the
// OS and Docker on every tick.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canto-dev/canto/internal/docker"
	"github.com/canto-dev/canto/internal/metrics"
	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/orchestrator"
	"github.com/canto-dev/canto/internal/process"
	"github.com/canto-dev/canto/internal/restart"
)

// DefaultInterval is the steady-state polling interval.
const DefaultInterval = 2 * time.Second

// containerQueryTimeout bounds each docker status query so a wedged daemon
// cannot stall a refresh cycle indefinitely.
const containerQueryTimeout = 5 * time.Second

// ModuleStatus is the read-only projection published to subscribers. It is
// rebuilt wholesale on every refresh, never mutated in place.
type ModuleStatus struct {
	Name       string                  `json:"name"`
	Kind       module.Kind             `json:"kind"`
	State      string                  `json:"state"`
	PID        int                     `json:"pid,omitempty"`
	StartedAt  time.Time               `json:"started_at,omitempty"`
	StoppedAt  time.Time               `json:"stopped_at,omitempty"`
	ExitCode   int                     `json:"exit_code"`
	LastError  string                  `json:"last_error,omitempty"`
	LogPath    string                  `json:"log_path,omitempty"`
	Resources  *metrics.ResourceSample `json:"resources,omitempty"`
	Containers []docker.Container      `json:"containers,omitempty"`
	Restarting bool                    `json:"restarting,omitempty"`
	RetryAt    time.Time               `json:"retry_at,omitempty"`
}

// Aggregator owns the status cache and the dirty set. Nothing else writes
// either.
type Aggregator struct {
	orch   *orchestrator.Orchestrator
	reg    *process.Registry
	dock   *docker.Executor
	engine *restart.Engine
	log    *slog.Logger

	interval time.Duration

	mu      sync.Mutex
	cache   map[string]ModuleStatus
	dirty   map[string]bool
	subs    map[uint64]func([]ModuleStatus)
	nextSub uint64

	// pubMu serializes snapshot deliveries. Subscribe's initial delivery and
	// publish both hold it across snapshot+callback, so a new subscriber can
	// never receive its initial snapshot after a fresher published one.
	pubMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

func New(orch *orchestrator.Orchestrator, reg *process.Registry, dock *docker.Executor, engine *restart.Engine, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		orch:     orch,
		reg:      reg,
		dock:     dock,
		engine:   engine,
		log:      log,
		interval: DefaultInterval,
		cache:    make(map[string]ModuleStatus),
		dirty:    make(map[string]bool),
		subs:     make(map[uint64]func([]ModuleStatus)),
		stopCh:   make(chan struct{}),
	}
}

// SetInterval overrides the polling interval. Must be called before Start.
func (a *Aggregator) SetInterval(d time.Duration) {
	if d > 0 {
		a.interval = d
	}
}

// Start launches the polling loop. Idempotent.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	go a.run()
}

// Stop halts the polling loop. Pending subscriber callbacks complete first.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Aggregator) run() {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.refreshCycle()
		case <-a.stopCh:
			return
		}
	}
}

// MarkDirty flags one module for refresh on the next cycle.
func (a *Aggregator) MarkDirty(name string) {
	a.mu.Lock()
	a.dirty[name] = true
	a.mu.Unlock()
}

// MarkAllDirty flags every loaded module for refresh on the next cycle.
func (a *Aggregator) MarkAllDirty() {
	names := a.orch.ModuleNames()
	a.mu.Lock()
	for _, n := range names {
		a.dirty[n] = true
	}
	a.mu.Unlock()
}

// ForceUpdate bypasses the timer and refreshes everything immediately.
func (a *Aggregator) ForceUpdate() {
	a.refresh(a.orch.ModuleNames())
}

// refreshCycle refreshes the dirty set, or everything when the set is empty
// so steady-state polling keeps going without explicit invalidation.
func (a *Aggregator) refreshCycle() {
	a.mu.Lock()
	var names []string
	for n := range a.dirty {
		names = append(names, n)
	}
	// Clear before refreshing: invalidations arriving mid-refresh are
	// captured by the next cycle, not lost.
	a.dirty = make(map[string]bool)
	a.mu.Unlock()

	if len(names) == 0 {
		names = a.orch.ModuleNames()
	}
	a.refresh(names)
}

func (a *Aggregator) refresh(names []string) {
	if len(names) == 0 {
		return
	}
	metrics.IncRefreshCycle()

	loaded := make(map[string]bool)
	for _, n := range a.orch.ModuleNames() {
		loaded[n] = true
	}

	type result struct {
		name string
		st   ModuleStatus
		ok   bool
	}
	results := make([]result, len(names))
	var wg sync.WaitGroup
	for i, n := range names {
		if !loaded[n] {
			continue
		}
		wg.Add(1)
		go func(i int, n string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("module refresh panicked", "module", n, "panic", r)
				}
			}()
			st, err := a.refreshOne(n)
			if err != nil {
				// Isolated: a single module's failure never aborts the batch
				// or poisons the cache for other modules.
				a.log.Warn("module refresh failed", "module", n, "err", err)
				return
			}
			results[i] = result{name: n, st: st, ok: true}
		}(i, n)
	}
	wg.Wait()

	touched := 0
	a.mu.Lock()
	for cached := range a.cache {
		if !loaded[cached] {
			delete(a.cache, cached)
		}
	}
	for _, r := range results {
		if !r.ok {
			continue
		}
		a.cache[r.name] = r.st
		touched++
	}
	a.mu.Unlock()

	if touched > 0 {
		a.publish()
	}
}

// refreshOne rebuilds the status projection for a single module.
func (a *Aggregator) refreshOne(name string) (ModuleStatus, error) {
	def, ok := a.orch.Module(name)
	if !ok {
		return ModuleStatus{}, errUnknownModule(name)
	}

	st := ModuleStatus{
		Name:     name,
		Kind:     def.Kind,
		State:    process.StatusIdle.String(),
		ExitCode: 0,
	}
	if rec, tracked := a.reg.Snapshot(name); tracked {
		st.State = rec.Status.String()
		st.PID = rec.PID
		st.StartedAt = rec.StartedAt
		st.StoppedAt = rec.StoppedAt
		st.ExitCode = rec.ExitCode
		st.LastError = rec.LastError
		st.LogPath = rec.LogPath

		if a.engine != nil {
			a.engine.Observe(name, rec.Status)
		}
		if rec.PID > 0 {
			// Best-effort: the process may be gone by sample time.
			if sample, err := metrics.SampleResources(rec.PID); err == nil {
				st.Resources = sample
			}
		}
	}

	if def.Kind == module.KindDocker && a.dock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), containerQueryTimeout)
		st.Containers = a.dock.Containers(ctx, def)
		cancel()
	}

	if a.engine != nil {
		st.Restarting = a.engine.IsRestarting(name)
		if at, armed := a.engine.RetryAt(name); armed {
			st.RetryAt = at
		}
	}
	return st, nil
}

// Subscribe registers fn and synchronously delivers the current snapshot
// before returning, so a new consumer never has an empty window. fn must not
// call Subscribe or trigger a refresh.
func (a *Aggregator) Subscribe(fn func([]ModuleStatus)) uint64 {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	a.nextSub++
	tok := a.nextSub
	a.subs[tok] = fn
	snap := a.snapshotLocked()
	a.mu.Unlock()

	fn(snap)
	return tok
}

// Unsubscribe removes a subscriber. Unknown tokens are ignored.
func (a *Aggregator) Unsubscribe(token uint64) {
	a.mu.Lock()
	delete(a.subs, token)
	a.mu.Unlock()
}

// Snapshot returns the current cached statuses in declaration order.
func (a *Aggregator) Snapshot() []ModuleStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() []ModuleStatus {
	names := a.orch.ModuleNames()
	out := make([]ModuleStatus, 0, len(names))
	for _, n := range names {
		if st, ok := a.cache[n]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (a *Aggregator) publish() {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	snap := a.snapshotLocked()
	fns := make([]func([]ModuleStatus), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

type errUnknownModule string

func (e errUnknownModule) Error() string { return "unknown module: " + string(e) }

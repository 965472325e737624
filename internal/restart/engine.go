// Package restart decides whether and when to automatically resurrect a
// module that entered a failure state. It only triggers the restart action;
// the normal status pipeline confirms success by observing the module
// running again.
package restart

import (
	"log/slog"
	"sync"
	"time"

	"github.com/canto-dev/canto/internal/metrics"
	"github.com/canto-dev/canto/internal/process"
)

// state tracks restart bookkeeping for one module name. Created lazily on
// the first observed failure, dropped again once the module has run
// uninterrupted for the policy's stable-uptime window.
type state struct {
	failures     int
	restarting   bool
	gaveUp       bool
	retryAt      time.Time
	runningSince time.Time
	gen          uint64
	timer        *time.Timer
}

// Engine is the auto-restart policy engine. It owns all RestartState;
// nothing else writes it.
type Engine struct {
	mu     sync.Mutex
	policy Policy
	states map[string]*state
	closed bool

	restartFn  func(name string)
	onSchedule func(name string, delay time.Duration, attempt int)
	onGiveUp   func(name string, failures int)
	log        *slog.Logger
}

// NewEngine builds an engine that invokes restartFn when an armed timer
// fires. onSchedule, when non-nil, is notified with the scheduled delay so
// callers can surface a countdown.
func NewEngine(policy Policy, restartFn func(name string), log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		policy:    policy.normalized(),
		states:    make(map[string]*state),
		restartFn: restartFn,
		log:       log,
	}
}

// SetScheduleFunc registers the countdown notification callback.
func (e *Engine) SetScheduleFunc(fn func(name string, delay time.Duration, attempt int)) {
	e.mu.Lock()
	e.onSchedule = fn
	e.mu.Unlock()
}

// SetGiveUpFunc registers a callback invoked once when a module reaches the
// retry ceiling.
func (e *Engine) SetGiveUpFunc(fn func(name string, failures int)) {
	e.mu.Lock()
	e.onGiveUp = fn
	e.mu.Unlock()
}

// Observe feeds one status observation into the engine. Failed arms a
// restart timer or gives up at the ceiling. Running only marks when the
// module came up; the failure count returns to zero after StableUptime of
// continuous running, never on the momentary RUNNING right after a spawn.
// All other states are ignored.
func (e *Engine) Observe(name string, st process.Status) {
	switch st {
	case process.StatusRunning:
		e.observeRunning(name)
	case process.StatusFailed:
		e.observeFailure(name)
	}
}

// observeRunning records recovery progress. A crash-looping module spawns
// fine every attempt; treating that first RUNNING as healthy would pin the
// backoff at the base delay and keep the ceiling out of reach forever.
func (e *Engine) observeRunning(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states[name]
	if s == nil || e.closed {
		return
	}
	now := time.Now()
	if s.runningSince.IsZero() {
		s.runningSince = now
		return
	}
	if now.Sub(s.runningSince) >= e.policy.StableUptime {
		s.gen++
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(e.states, name)
	}
}

func (e *Engine) observeFailure(name string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	s := e.states[name]
	if s == nil {
		s = &state{}
		e.states[name] = s
	}
	if !s.runningSince.IsZero() {
		if time.Since(s.runningSince) >= e.policy.StableUptime {
			// The module held steady long enough; this failure opens a
			// fresh episode instead of extending the previous one.
			s.failures = 0
			s.gaveUp = false
		}
		s.runningSince = time.Time{}
	}
	if s.restarting || s.gaveUp {
		// A timer is armed, an attempt is in flight, or the ceiling was
		// already reached; duplicate failure observations must not arm a
		// second timer or re-announce the give-up.
		e.mu.Unlock()
		return
	}
	s.failures++
	if s.failures >= e.policy.MaxRetries {
		s.gaveUp = true
		failures := s.failures
		giveUp := e.onGiveUp
		e.mu.Unlock()
		metrics.IncGiveUp(name)
		e.log.Warn("retry ceiling reached, giving up",
			"module", name, "failures", failures)
		if giveUp != nil {
			giveUp(name, failures)
		}
		return
	}
	delay := e.policy.delay(s.failures)
	s.restarting = true
	s.retryAt = time.Now().Add(delay)
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { e.fire(name, gen) })
	notify := e.onSchedule
	attempt := s.failures
	e.mu.Unlock()

	e.log.Info("restart scheduled", "module", name, "delay", delay, "attempt", attempt)
	if notify != nil {
		notify(name, delay, attempt)
	}
}

// fire runs when an armed timer elapses. A stale generation means the module
// was reset (e.g. manual restart) after arming; the firing is then a no-op.
func (e *Engine) fire(name string, gen uint64) {
	e.mu.Lock()
	s := e.states[name]
	if e.closed || s == nil || s.gen != gen {
		e.mu.Unlock()
		return
	}
	s.retryAt = time.Time{}
	// The in-flight flag drops before the action runs: a spawn that fails
	// synchronously reports FAILED during the callback, and that observation
	// must arm the next timer instead of being dropped as a duplicate.
	s.restarting = false
	fn := e.restartFn
	e.mu.Unlock()

	metrics.IncAutoRestart(name)
	e.log.Info("auto-restarting module", "module", name)
	if fn != nil {
		fn(name)
	}
}

// Reset returns the module to the healthy baseline: failure count zeroed and
// any pending timer invalidated.
func (e *Engine) Reset(name string) {
	e.mu.Lock()
	s := e.states[name]
	if s == nil {
		e.mu.Unlock()
		return
	}
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(e.states, name)
	e.mu.Unlock()
}

// IsRestarting reports whether a restart is armed or in flight for name.
func (e *Engine) IsRestarting(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states[name]
	return s != nil && s.restarting
}

// RetryAt returns the scheduled retry time for name, when a timer is armed.
func (e *Engine) RetryAt(name string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states[name]
	if s == nil || s.retryAt.IsZero() {
		return time.Time{}, false
	}
	return s.retryAt, true
}

// Failures returns the consecutive failure count observed for name.
func (e *Engine) Failures(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.states[name]; s != nil {
		return s.failures
	}
	return 0
}

// Cleanup cancels every pending timer. Callers must invoke it on shutdown so
// no timer fires after the launcher is gone. The engine accepts no further
// observations afterwards.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	e.closed = true
	for _, s := range e.states {
		s.gen++
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	e.states = make(map[string]*state)
	e.mu.Unlock()
}

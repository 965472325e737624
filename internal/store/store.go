// Package store persists module lifecycle events for the history view.
// Registry process state is never persisted; on a cold start all previously
// tracked processes are considered gone.
package store

import (
	"context"
	"time"
)

// Event action names.
const (
	ActionStarted     = "started"
	ActionStopped     = "stopped"
	ActionFailed      = "failed"
	ActionAutoRestart = "auto_restart"
	ActionGiveUp      = "give_up"
)

// Event is one module lifecycle occurrence.
type Event struct {
	ID         int64     `json:"id"`
	Module     string    `json:"module"`
	Action     string    `json:"action"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store is the minimal persistence interface for module lifecycle history.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordEvent(ctx context.Context, ev Event) error
	// RecentEvents returns up to limit events, newest first. An empty module
	// name selects events across all modules.
	RecentEvents(ctx context.Context, moduleName string, limit int) ([]Event, error)
	Close() error
}

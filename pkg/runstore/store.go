// Package runstore keeps live snapshots of pipeline runs for status queries
// and progress streams. Snapshots expire with the run; nothing here is a
// durable history.
package runstore

import (
	"context"
	"errors"
	"time"
)

// State is the externally visible state of a run.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further updates will follow.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StageRecord is the last known state of one stage attempt.
type StageRecord struct {
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	TaskID     string    `json:"task_id,omitempty"`
	Attempt    int       `json:"attempt"`
	Polls      int       `json:"polls"`
	ResultURL  string    `json:"result_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	RunID          string        `json:"run_id"`
	Mode           string        `json:"mode"`
	Style          string        `json:"style"`
	State          State         `json:"state"`
	InputURLs      []string      `json:"input_urls,omitempty"`
	Stages         []StageRecord `json:"stages"`
	FinalResultURL string        `json:"final_result_url,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Store records snapshots and fans them out to subscribers.
type Store interface {
	// Put creates or replaces the snapshot for snap.RunID.
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, runID string) (Snapshot, error)
	// Subscribe delivers the current snapshot followed by every update.
	// The channel closes after a terminal snapshot or when ctx ends.
	Subscribe(ctx context.Context, runID string) (<-chan Snapshot, error)
}

// ErrNotFound is returned for unknown or expired runs.
var ErrNotFound = errors.New("run not found")

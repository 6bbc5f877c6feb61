// Package events publishes run lifecycle events for downstream consumers.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Type names a lifecycle transition.
type Type string

const (
	RunStarted     Type = "run.started"
	RunSucceeded   Type = "run.succeeded"
	RunFailed      Type = "run.failed"
	StageStarted   Type = "stage.started"
	StageRetried   Type = "stage.retried"
	StageSucceeded Type = "stage.succeeded"
	StageFailed    Type = "stage.failed"
)

// Event is one lifecycle transition of a run.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	Mode      string    `json:"mode,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Delivery is best effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.InfoContext(ctx, "events."+string(ev.Type),
		"run_id", ev.RunID,
		"stage", ev.Stage,
		"task_id", ev.TaskID,
		"attempt", ev.Attempt,
		"result_url", ev.ResultURL,
		"error", ev.Error,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Package remotetask is a generic submit-then-poll client for asynchronous
// job APIs. It knows nothing about hairstyles: it moves opaque payloads and
// tracks a task identifier until the remote side reaches a terminal state.
package remotetask

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

// Status is the lifecycle of one remote task.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s ends the task.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// RemoteTask tracks one submitted job. Only the client that created it
// mutates it.
type RemoteTask struct {
	TaskID       string     `json:"task_id"`
	Stage        stage.Kind `json:"stage"`
	Status       Status     `json:"status"`
	Endpoint     string     `json:"endpoint"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	LastPolledAt time.Time  `json:"last_polled_at,omitempty"`
	Attempt      int        `json:"attempt"`
	Polls        int        `json:"polls"`
	ResultURL    string     `json:"result_url,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`

	payload json.RawMessage
	detail  *ErrorDetail
}

// ErrorDetail is the machine-readable failure reported by the remote side.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TerminalResult is the outcome of PollUntilTerminal.
type TerminalResult struct {
	Status  Status
	Payload json.RawMessage
	Error   *ErrorDetail
}

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Stage          stage.Kind
	Endpoint       string
	Payload        any
	Attempt        int
	IdempotencyKey string
	// Async asks the service to queue the job and answer with a task id.
	Async bool
}

// PollOptions bounds a poll loop. A zero Deadline means no overall run
// deadline applies.
type PollOptions struct {
	Interval time.Duration
	MaxWait  time.Duration
	Deadline time.Time
}

// TaskClient is what the orchestrator needs from a remote job API. Both the
// HTTP client and the offline client satisfy it.
type TaskClient interface {
	Submit(ctx context.Context, req SubmitRequest) (*RemoteTask, error)
	PollUntilTerminal(ctx context.Context, task *RemoteTask, opts PollOptions) (TerminalResult, error)
}

// Completed builds a task that finished at submission time. Clients for
// synchronous services return it from Submit.
func Completed(req SubmitRequest, taskID string, payload json.RawMessage, at time.Time) *RemoteTask {
	return &RemoteTask{
		TaskID:      taskID,
		Stage:       req.Stage,
		Status:      StatusSucceeded,
		Endpoint:    req.Endpoint,
		SubmittedAt: at,
		Attempt:     req.Attempt,
		payload:     payload,
	}
}

// Pending builds a task the remote side accepted but has not finished.
func Pending(req SubmitRequest, taskID string, at time.Time) *RemoteTask {
	return &RemoteTask{
		TaskID:      taskID,
		Stage:       req.Stage,
		Status:      StatusSubmitted,
		Endpoint:    req.Endpoint,
		SubmittedAt: at,
		Attempt:     req.Attempt,
	}
}

// Settle records a terminal outcome on the task.
func (t *RemoteTask) Settle(res TerminalResult) {
	t.Status = res.Status
	if res.Status == StatusSucceeded {
		t.payload = res.Payload
	}
	if res.Error != nil {
		t.detail = res.Error
		t.ErrorDetail = res.Error.Code + ": " + res.Error.Message
	}
}

// Result returns the terminal result of a task that already finished.
func (t *RemoteTask) Result() TerminalResult {
	return TerminalResult{Status: t.Status, Payload: t.payload, Error: t.detail}
}

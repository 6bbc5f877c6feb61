package remotetask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

const maxResponseBytes = 1 << 20

// RetryPolicy bounds the exponential backoff applied to each status query.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is used when Config.Retry is zero.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    5 * time.Second,
	MaxAttempts: 4,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Observer receives one call per status query answered by the remote side.
type Observer interface {
	ObservePoll(stage, remoteStatus string)
}

// Config wires a Client.
type Config struct {
	// BaseURL is the API root; status queries go to {BaseURL}/tasks/{id}.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     *slog.Logger
	Observer   Observer
}

// Client talks to an asynchronous job API over HTTP. It is safe for
// concurrent use; runs share one Client and its connection pool.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryPolicy
	logger     *slog.Logger
	observer   Observer
	schemas    *envelopeSchemas
}

// NewClient creates a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	schemas, err := compileEnvelopeSchemas()
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 || retry.BaseDelay <= 0 {
		retry = DefaultRetryPolicy
	}
	if retry.Multiplier < 1 {
		retry.Multiplier = 1
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		retry:      retry,
		logger:     logger,
		observer:   cfg.Observer,
		schemas:    schemas,
	}, nil
}

type submitEnvelope struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
	} `json:"output"`
}

type statusEnvelope struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
	} `json:"output"`
}

// remoteError matches both the snake_case and the PascalCase error bodies.
type remoteError struct {
	RequestID    string `json:"request_id"`
	RequestIDAlt string `json:"RequestId"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// Submit posts one job. An endpoint that answers with the result directly
// yields a task that is already succeeded.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*RemoteTask, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, failure.InvalidParameter("MarshalFailed", fmt.Sprintf("marshal %s request: %v", req.Stage, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "create %s request", req.Stage)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Async {
		httpReq.Header.Set("X-DashScope-Async", "enable")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, failure.Wrap(failure.KindCanceled, failure.ReasonNone, ctxErr, "submit %s", req.Stage)
		}
		return nil, failure.Wrap(failure.KindNetwork, failure.ReasonNetworkError, err, "submit %s", req.Stage)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.Wrap(failure.KindNetwork, failure.ReasonNetworkError, err, "read %s submission response", req.Stage)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifySubmission(resp.StatusCode, payload)
	}

	now := time.Now().UTC()
	if c.schemas.isAsyncSubmission(payload) {
		var env submitEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, failure.Service("MalformedResponse", err, "decode %s submission", req.Stage)
		}
		task := Pending(req, env.Output.TaskID, now)
		c.logger.Info("remotetask.submit",
			"stage", req.Stage,
			"task_id", task.TaskID,
			"request_id", env.RequestID,
			"attempt", req.Attempt,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return task, nil
	}

	if !json.Valid(payload) {
		return nil, failure.Service("MalformedResponse", nil, "%s answered with non-JSON body", req.Stage)
	}
	var sync remoteError
	_ = json.Unmarshal(payload, &sync)
	taskID := sync.RequestID
	if taskID == "" {
		taskID = sync.RequestIDAlt
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := Completed(req, taskID, json.RawMessage(payload), now)
	c.logger.Info("remotetask.submit",
		"stage", req.Stage,
		"task_id", task.TaskID,
		"attempt", req.Attempt,
		"synchronous", true,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return task, nil
}

func classifySubmission(status int, payload []byte) error {
	var remote remoteError
	_ = json.Unmarshal(payload, &remote)
	message := remote.Message
	if message == "" {
		message = strings.TrimSpace(string(payload))
		if len(message) > 512 {
			message = message[:512]
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.Submission(failure.ReasonAuthFailure, remote.Code, nil, "%s", message)
	case status == http.StatusTooManyRequests || status >= 500:
		return failure.Submission(failure.ReasonServiceUnavailable, remote.Code, nil, "%s", message)
	default:
		return failure.Submission(failure.ReasonInvalidParameter, remote.Code, nil, "%s", message)
	}
}

// PollUntilTerminal queries the task every opts.Interval until the remote
// side reports a terminal status, opts.MaxWait elapses, or the overall
// deadline passes. Past either budget the task is TimedOut and the remote
// side is not contacted again.
func (c *Client) PollUntilTerminal(ctx context.Context, task *RemoteTask, opts PollOptions) (TerminalResult, error) {
	if task.Status.Terminal() {
		return task.Result(), nil
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}

	start := time.Now()
	task.Status = StatusPolling
	for {
		if err := budgetExceeded(task, opts, start); err != nil {
			res := TerminalResult{Status: StatusTimedOut, Error: &ErrorDetail{Code: "PollTimeout", Message: err.Error()}}
			task.Settle(res)
			c.logger.Warn("remotetask.timeout", "stage", task.Stage, "task_id", task.TaskID, "polls", task.Polls, "error", err)
			return res, err
		}

		env, payload, err := c.queryWithRetry(ctx, task)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return TerminalResult{}, failure.Wrap(failure.KindCanceled, failure.ReasonNone, ctxErr, "poll %s", task.TaskID)
			}
			return TerminalResult{}, err
		}
		task.Polls++
		task.LastPolledAt = time.Now().UTC()
		if c.observer != nil {
			c.observer.ObservePoll(string(task.Stage), env.Output.TaskStatus)
		}
		c.logger.Info("remotetask.poll",
			"stage", task.Stage,
			"task_id", task.TaskID,
			"remote_status", env.Output.TaskStatus,
			"poll", task.Polls,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)

		switch env.Output.TaskStatus {
		case "SUCCEEDED":
			res := TerminalResult{Status: StatusSucceeded, Payload: payload}
			task.Settle(res)
			return res, nil
		case "FAILED", "CANCELED", "UNKNOWN":
			detail := &ErrorDetail{Code: env.Output.Code, Message: env.Output.Message}
			if detail.Code == "" {
				detail.Code = "Task" + titleCase(env.Output.TaskStatus)
			}
			res := TerminalResult{Status: StatusFailed, Payload: payload, Error: detail}
			task.Settle(res)
			return res, nil
		}

		wait := opts.Interval
		if remaining := opts.MaxWait - time.Since(start); opts.MaxWait > 0 && remaining < wait {
			wait = remaining
		}
		if !opts.Deadline.IsZero() {
			if remaining := time.Until(opts.Deadline); remaining < wait {
				wait = remaining
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return TerminalResult{}, failure.Wrap(failure.KindCanceled, failure.ReasonNone, ctx.Err(), "poll %s", task.TaskID)
		case <-timer.C:
		}
	}
}

// budgetExceeded returns a poll timeout once MaxWait or the run deadline
// has been used up.
func budgetExceeded(task *RemoteTask, opts PollOptions, start time.Time) error {
	switch {
	case opts.MaxWait > 0 && time.Since(start) >= opts.MaxWait:
		return failure.New(failure.KindPollTimeout, failure.ReasonNone,
			"stage %s exceeded %dms", task.Stage, opts.MaxWait.Milliseconds())
	case !opts.Deadline.IsZero() && !time.Now().Before(opts.Deadline):
		return failure.New(failure.KindPollTimeout, failure.ReasonNone,
			"stage %s stopped at the run deadline after %dms", task.Stage, time.Since(start).Milliseconds())
	}
	return nil
}

// queryWithRetry issues one logical status query, retrying transient
// failures with exponential backoff.
func (c *Client) queryWithRetry(ctx context.Context, task *RemoteTask) (statusEnvelope, json.RawMessage, error) {
	var (
		env     statusEnvelope
		payload json.RawMessage
		tries   int
	)
	op := func() error {
		tries++
		var err error
		env, payload, err = c.query(ctx, task.TaskID)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("remotetask.poll.retry", "stage", task.Stage, "task_id", task.TaskID, "try", tries, "wait_ms", wait.Milliseconds(), "error", err)
	}
	if err := backoff.RetryNotify(op, c.retry.backOff(ctx), notify); err != nil {
		if _, ok := failure.As(err); ok {
			return statusEnvelope{}, nil, err
		}
		return statusEnvelope{}, nil, failure.Service("", err, "status query for %s failed after %d tries", task.TaskID, tries)
	}
	return env, payload, nil
}

// query performs a single status request. Transient failures are returned
// as plain errors; anything that will not improve on retry is permanent.
func (c *Client) query(ctx context.Context, taskID string) (statusEnvelope, json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/tasks/%s", c.baseURL, taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return statusEnvelope{}, nil, backoff.Permanent(failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "create status request"))
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return statusEnvelope{}, nil, fmt.Errorf("get task: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return statusEnvelope{}, nil, fmt.Errorf("read task status: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return statusEnvelope{}, nil, fmt.Errorf("get task failed: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		var remote remoteError
		_ = json.Unmarshal(payload, &remote)
		return statusEnvelope{}, nil, backoff.Permanent(failure.Submission(failure.ReasonAuthFailure, remote.Code, nil, "status query rejected"))
	case resp.StatusCode == http.StatusNotFound:
		return statusEnvelope{}, nil, backoff.Permanent(failure.Service("TaskNotFound", ErrNotFound, "task %s", taskID))
	case resp.StatusCode != http.StatusOK:
		var remote remoteError
		_ = json.Unmarshal(payload, &remote)
		return statusEnvelope{}, nil, backoff.Permanent(failure.Service(remote.Code, nil, "status query returned %d", resp.StatusCode))
	}

	if err := c.schemas.validateStatus(payload); err != nil {
		return statusEnvelope{}, nil, backoff.Permanent(failure.Service("MalformedResponse", err, "status envelope"))
	}
	var env statusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return statusEnvelope{}, nil, backoff.Permanent(failure.Service("MalformedResponse", err, "decode status envelope"))
	}
	return env, json.RawMessage(payload), nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// ErrNotFound is returned when the remote side reports a missing task.
var ErrNotFound = errors.New("task not found")

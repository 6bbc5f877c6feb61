// Package pipeline runs the hairstyle transfer: it uploads both input
// photos, then drives Segmentation, Fusion and StyleConversion in order,
// threading each stage's result URL into the next.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/events"
	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/remotetask"
	"github.com/vyvo/hairstyle-transfer/pkg/runstore"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
	"github.com/vyvo/hairstyle-transfer/pkg/telemetry"
)

type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Uploader stores one input photo and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (storage.UploadedAsset, error)
}

// Binding ties a stage to the adapter that speaks its contract and the
// client that executes it.
type Binding struct {
	Adapter  stage.Adapter
	Client   remotetask.TaskClient
	Interval time.Duration
	MaxWait  time.Duration
}

// Config is fixed for the lifetime of an Orchestrator and shared read-only
// by all runs.
type Config struct {
	Mode     config.Mode
	Bindings map[stage.Kind]Binding
	// StageRetries is the number of extra submit/poll cycles a stage gets
	// after a retryable failure.
	StageRetries   int
	StageRetryWait time.Duration
	// Deadline bounds a whole run. Zero disables it.
	Deadline     time.Duration
	DefaultStyle stage.Style
}

// Image is one caller-supplied photo. ContentType may be empty.
type Image struct {
	Data        []byte
	ContentType string
}

// Request is one transfer.
type Request struct {
	RunID     string
	Client    Image
	Reference Image
	Style     string
}

type Option func(*Orchestrator)

// WithTracker records run snapshots after every transition.
func WithTracker(store runstore.Store) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.tracker = store
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newRunID = next
		}
	}
}

// Orchestrator executes runs. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg       Config
	uploader  Uploader
	tracker   runstore.Store
	publisher events.Publisher
	metrics   *telemetry.Metrics
	logger    Logger
	tracer    trace.Tracer
	newRunID  func() string
}

// New validates the stage bindings and returns an orchestrator.
func New(cfg Config, uploader Uploader, opts ...Option) (*Orchestrator, error) {
	if uploader == nil {
		return nil, failure.Configuration("pipeline needs an uploader")
	}
	table := stage.Table{}
	for kind, b := range cfg.Bindings {
		table[kind] = b.Adapter
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	for _, kind := range stage.Order {
		if cfg.Bindings[kind].Client == nil {
			return nil, failure.Configuration("no task client bound to stage %s", kind)
		}
	}
	if cfg.StageRetries < 0 {
		return nil, failure.Configuration("stage retries must not be negative")
	}
	if cfg.StageRetryWait <= 0 {
		cfg.StageRetryWait = 2 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeProduction
	}
	style, err := stage.ParseStyle(string(cfg.DefaultStyle), stage.DefaultStyle)
	if err != nil {
		return nil, failure.Configuration("default style: %v", err)
	}
	cfg.DefaultStyle = style

	o := &Orchestrator{
		cfg:       cfg,
		uploader:  uploader,
		publisher: events.Nop{},
		logger:    slog.Default(),
		tracer:    telemetry.Tracer(),
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Mode reports the execution mode every run of o is recorded with.
func (o *Orchestrator) Mode() config.Mode {
	return o.cfg.Mode
}

// Run executes one transfer and returns the final result URL.
func (o *Orchestrator) Run(ctx context.Context, client, reference []byte, style string) (string, error) {
	run, err := o.Execute(ctx, Request{
		Client:    Image{Data: client},
		Reference: Image{Data: reference},
		Style:     style,
	})
	if err != nil {
		return "", err
	}
	return run.FinalResultURL, nil
}

// Execute runs req to completion and returns its record. On failure the
// record is returned alongside a *PipelineError.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*PipelineRun, error) {
	run, err := o.prepare(ctx, req)
	if err != nil {
		return run, err
	}
	err = o.execute(ctx, run, req)
	return run, err
}

// Start records a running snapshot and executes req in the background. The
// returned id can be looked up in the tracker immediately. ctx governs the
// run itself, so callers pass a context that outlives their request.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	run, err := o.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	go func() {
		_ = o.execute(ctx, run, req)
	}()
	return run.RunID, nil
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (*PipelineRun, error) {
	runID := req.RunID
	if runID == "" {
		runID = o.newRunID()
	}
	style, err := stage.ParseStyle(req.Style, o.cfg.DefaultStyle)
	if err != nil {
		run := newRun(runID, o.cfg.Mode, stage.Style(req.Style))
		perr := &PipelineError{RunID: runID, Stage: stage.StyleConversion, Cause: err}
		run.fail(perr)
		o.metrics.ObserveRun(string(StateFailed), string(o.cfg.Mode))
		return run, perr
	}
	run := newRun(runID, o.cfg.Mode, style)
	o.track(ctx, run)
	o.publish(ctx, events.Event{Type: events.RunStarted, RunID: runID})
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *PipelineRun, req Request) error {
	return o.observe(ctx, "pipeline.run", run, func(ctx context.Context, deadline time.Time) error {
		clientAsset, referenceAsset, err := o.uploadInputs(ctx, run, req)
		if err != nil {
			return err
		}
		o.track(ctx, run)

		seed := stage.SeedFor(req.Client.Data)
		in := stage.Inputs{
			ClientURL:    clientAsset.URL,
			ReferenceURL: referenceAsset.URL,
			Style:        run.Style,
			Seed:         &seed,
		}
		for _, kind := range stage.Order {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &PipelineError{
					RunID: run.RunID,
					Stage: kind,
					Cause: failure.Wrap(failure.KindCanceled, failure.ReasonNone, ctxErr, "run canceled before %s", kind),
				}
			}
			url, err := o.runStage(ctx, run, kind, in, deadline)
			if err != nil {
				return err
			}
			in.PriorURL = url
		}
		run.succeed(in.PriorURL)
		return nil
	})
}

// Segment uploads the client photo and runs the segmentation stage alone so
// a caller can preview the extracted hair before a full transfer. The run is
// retried, tracked and published like a transfer.
func (o *Orchestrator) Segment(ctx context.Context, img Image) (*PipelineRun, error) {
	run := newRun(o.newRunID(), o.cfg.Mode, "")
	o.track(ctx, run)
	o.publish(ctx, events.Event{Type: events.RunStarted, RunID: run.RunID})

	err := o.observe(ctx, "pipeline.segment", run, func(ctx context.Context, deadline time.Time) error {
		asset, err := o.upload(ctx, img, "client")
		if err != nil {
			return &PipelineError{RunID: run.RunID, Stage: UploadStep, Attempts: 1, Cause: err}
		}
		run.setInputs(asset)
		o.track(ctx, run)

		url, err := o.runStage(ctx, run, stage.Segmentation, stage.Inputs{ClientURL: asset.URL}, deadline)
		if err != nil {
			return err
		}
		run.succeed(url)
		return nil
	})
	return run, err
}

// observe runs body under a span and settles the run afterwards: logs,
// events, metrics and the final snapshot.
func (o *Orchestrator) observe(ctx context.Context, spanName string, run *PipelineRun, body func(ctx context.Context, deadline time.Time) error) (err error) {
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("run_id", run.RunID),
		attribute.String("mode", string(run.Mode)),
		attribute.String("style", string(run.Style)),
	))
	defer span.End()

	start := time.Now()
	o.logger.Info("pipeline.run.start", "run_id", run.RunID, "mode", run.Mode, "style", run.Style)
	defer func() {
		if err != nil {
			run.fail(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Error("pipeline.run.failed",
				"run_id", run.RunID,
				"error", err,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			o.publish(ctx, o.runFailedEvent(run, err))
		} else {
			o.logger.Info("pipeline.run.succeeded",
				"run_id", run.RunID,
				"result_url", run.FinalResultURL,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			o.publish(ctx, events.Event{Type: events.RunSucceeded, RunID: run.RunID, ResultURL: run.FinalResultURL})
		}
		o.metrics.ObserveRun(string(run.State), string(run.Mode))
		o.track(ctx, run)
	}()

	var deadline time.Time
	if o.cfg.Deadline > 0 {
		deadline = run.StartedAt.Add(o.cfg.Deadline)
	}
	return body(ctx, deadline)
}

// uploadInputs uploads both photos concurrently. The first failure cancels
// the other upload.
func (o *Orchestrator) uploadInputs(ctx context.Context, run *PipelineRun, req Request) (storage.UploadedAsset, storage.UploadedAsset, error) {
	var client, reference storage.UploadedAsset
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		asset, err := o.upload(gctx, req.Client, "client")
		client = asset
		return err
	})
	g.Go(func() error {
		asset, err := o.upload(gctx, req.Reference, "reference")
		reference = asset
		return err
	})
	if err := g.Wait(); err != nil {
		return client, reference, &PipelineError{RunID: run.RunID, Stage: UploadStep, Attempts: 1, Cause: err}
	}
	run.setInputs(client, reference)
	return client, reference, nil
}

func (o *Orchestrator) upload(ctx context.Context, img Image, role string) (storage.UploadedAsset, error) {
	asset, err := o.uploader.Upload(ctx, img.Data, img.ContentType)
	if err != nil {
		o.metrics.ObserveUpload(uploadOutcome(err))
		return asset, fmt.Errorf("upload %s photo: %w", role, err)
	}
	o.metrics.ObserveUpload("ok")
	return asset, nil
}

func uploadOutcome(err error) string {
	if fe, ok := failure.As(err); ok && fe.Reason != failure.ReasonNone {
		return string(fe.Reason)
	}
	return string(failure.KindOf(err))
}

// runStage drives one stage through at most 1+StageRetries submit/poll
// cycles. Only retryable failures start another cycle.
func (o *Orchestrator) runStage(ctx context.Context, run *PipelineRun, kind stage.Kind, in stage.Inputs, deadline time.Time) (string, error) {
	b := o.cfg.Bindings[kind]
	attempt := 0
	var url string

	op := func() error {
		// A job submitted past the deadline would never be polled.
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return backoff.Permanent(failure.New(failure.KindPollTimeout, failure.ReasonNone,
				"stage %s not submitted: run deadline passed after %d attempt(s)", kind, attempt))
		}
		attempt++
		if attempt == 1 {
			o.publish(ctx, events.Event{Type: events.StageStarted, RunID: run.RunID, Stage: string(kind), Attempt: attempt})
		} else {
			o.metrics.ObserveRetry(string(kind))
			o.publish(ctx, events.Event{Type: events.StageRetried, RunID: run.RunID, Stage: string(kind), Attempt: attempt})
		}
		u, err := o.attempt(ctx, run, kind, b, in, attempt, deadline)
		if err != nil {
			if failure.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		url = u
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.logger.Warn("pipeline.stage.retry",
			"run_id", run.RunID,
			"stage", kind,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, o.stageBackOff(ctx), notify)
	if err != nil {
		if _, ok := failure.As(err); !ok && ctx.Err() != nil {
			err = failure.Wrap(failure.KindCanceled, failure.ReasonNone, ctx.Err(), "stage %s", kind)
		}
		o.publish(ctx, events.Event{
			Type:      events.StageFailed,
			RunID:     run.RunID,
			Stage:     string(kind),
			Attempt:   attempt,
			Error:     err.Error(),
			ErrorKind: string(failure.KindOf(err)),
		})
		return "", &PipelineError{RunID: run.RunID, Stage: kind, Attempts: attempt, Cause: err}
	}
	o.publish(ctx, events.Event{Type: events.StageSucceeded, RunID: run.RunID, Stage: string(kind), Attempt: attempt, ResultURL: url})
	return url, nil
}

func (o *Orchestrator) stageBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.StageRetryWait
	b.Multiplier = 2
	b.MaxInterval = 8 * o.cfg.StageRetryWait
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.StageRetries)), ctx)
}

// attempt performs one BuildRequest, Submit, PollUntilTerminal, ParseResult
// cycle.
func (o *Orchestrator) attempt(ctx context.Context, run *PipelineRun, kind stage.Kind, b Binding, in stage.Inputs, attempt int, deadline time.Time) (url string, err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("run_id", run.RunID),
		attribute.String("stage", string(kind)),
		attribute.Int("attempt", attempt),
	))
	start := time.Now()
	defer func() {
		outcome := "succeeded"
		if err != nil {
			outcome = string(failure.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.metrics.ObserveStage(string(kind), outcome, time.Since(start))
		span.End()
	}()

	req, err := b.Adapter.BuildRequest(in)
	if err != nil {
		return "", err
	}
	o.logger.Info("pipeline.stage.start", "run_id", run.RunID, "stage", kind, "attempt", attempt)

	task, err := b.Client.Submit(ctx, remotetask.SubmitRequest{
		Stage:          kind,
		Endpoint:       req.Endpoint,
		Payload:        req.Payload,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(run.RunID, kind, attempt),
		Async:          req.Async,
	})
	if err != nil {
		return "", reclassifySubmission(b.Adapter, err)
	}
	span.SetAttributes(attribute.String("task_id", task.TaskID))
	run.recordStage(*task)
	o.track(ctx, run)

	res, err := b.Client.PollUntilTerminal(ctx, task, remotetask.PollOptions{
		Interval: b.Interval,
		MaxWait:  b.MaxWait,
		Deadline: deadline,
	})
	// The client owns task; the run keeps its own copy.
	record := *task
	defer func() {
		run.recordStage(record)
		o.track(ctx, run)
	}()
	if err != nil {
		return "", err
	}

	switch res.Status {
	case remotetask.StatusSucceeded:
		url, err = b.Adapter.ParseResult(res.Payload)
		if err != nil {
			record.Status = remotetask.StatusFailed
			record.ErrorDetail = err.Error()
			return "", err
		}
		record.ResultURL = url
		o.logger.Info("pipeline.stage.succeeded",
			"run_id", run.RunID,
			"stage", kind,
			"task_id", task.TaskID,
			"attempt", attempt,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return url, nil
	case remotetask.StatusFailed:
		var code, message string
		if res.Error != nil {
			code, message = res.Error.Code, res.Error.Message
		}
		return "", b.Adapter.ParseError(code, message)
	default:
		return "", failure.New(failure.KindPollTimeout, failure.ReasonNone,
			"stage %s ended as %s", kind, res.Status)
	}
}

// reclassifySubmission lets the adapter recognise a moderation code in a
// rejected submission. Other rejections keep their submission class.
func reclassifySubmission(adapter stage.Adapter, err error) error {
	fe, ok := failure.As(err)
	if !ok || fe.Kind != failure.KindSubmission || fe.Reason != failure.ReasonInvalidParameter || fe.Code == "" {
		return err
	}
	parsed := adapter.ParseError(fe.Code, fe.Message)
	if failure.KindOf(parsed) == failure.KindContentModeration {
		return parsed
	}
	return err
}

// IdempotencyKey identifies one submit attempt of a stage within a run.
func IdempotencyKey(runID string, kind stage.Kind, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, kind, attempt)
}

func (o *Orchestrator) runFailedEvent(run *PipelineRun, err error) events.Event {
	ev := events.Event{
		Type:      events.RunFailed,
		RunID:     run.RunID,
		Error:     err.Error(),
		ErrorKind: string(failure.KindOf(err)),
	}
	if pe, ok := AsPipelineError(err); ok {
		ev.Stage = string(pe.Stage)
		ev.Error = pe.Summary()
	}
	return ev
}

// track and publish are best effort. A run never fails because its
// observers did, and they still see the final state after cancellation.
func (o *Orchestrator) track(ctx context.Context, run *PipelineRun) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.Put(context.WithoutCancel(ctx), run.Snapshot()); err != nil {
		o.logger.Warn("pipeline.track.failed", "run_id", run.RunID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	ev.Mode = string(o.cfg.Mode)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("pipeline.publish.failed", "run_id", ev.RunID, "event", ev.Type, "error", err)
	}
}

var errNoTracker = fmt.Errorf("no run tracker configured: %w", runstore.ErrNotFound)

// Lookup returns the live snapshot of a run from the tracker.
func (o *Orchestrator) Lookup(ctx context.Context, runID string) (runstore.Snapshot, error) {
	if o.tracker == nil {
		return runstore.Snapshot{}, errNoTracker
	}
	return o.tracker.Get(ctx, runID)
}

// Watch streams snapshots of a run until it finishes or ctx ends.
func (o *Orchestrator) Watch(ctx context.Context, runID string) (<-chan runstore.Snapshot, error) {
	if o.tracker == nil {
		return nil, errNoTracker
	}
	return o.tracker.Subscribe(ctx, runID)
}

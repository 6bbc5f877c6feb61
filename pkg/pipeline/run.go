package pipeline

import (
	"sync"
	"time"

	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/remotetask"
	"github.com/vyvo/hairstyle-transfer/pkg/runstore"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
)

// State of a run.
type State = runstore.State

const (
	StateRunning   = runstore.StateRunning
	StateSucceeded = runstore.StateSucceeded
	StateFailed    = runstore.StateFailed
)

// PipelineRun is one end-to-end execution for a single input pair. It is
// Succeeded iff every stage succeeded and the last result URL is set; it is
// Failed as soon as any stage fails or times out.
type PipelineRun struct {
	mu sync.Mutex

	RunID          string
	Mode           config.Mode
	Style          stage.Style
	Inputs         []storage.UploadedAsset
	Stages         []remotetask.RemoteTask
	FinalResultURL string
	State          State
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

func newRun(id string, mode config.Mode, style stage.Style) *PipelineRun {
	return &PipelineRun{
		RunID:     id,
		Mode:      mode,
		Style:     style,
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
	}
}

// recordStage replaces the record of kind's current attempt, or appends one.
func (r *PipelineRun) recordStage(task remotetask.RemoteTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Stages {
		if r.Stages[i].Stage == task.Stage {
			r.Stages[i] = task
			return
		}
	}
	r.Stages = append(r.Stages, task)
}

// StageResult returns the result URL recorded for kind, or "" when that
// stage has not succeeded.
func (r *PipelineRun) StageResult(kind stage.Kind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.Stages {
		if t.Stage == kind {
			return t.ResultURL
		}
	}
	return ""
}

func (r *PipelineRun) setInputs(assets ...storage.UploadedAsset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inputs = append(r.Inputs, assets...)
}

func (r *PipelineRun) succeed(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinalResultURL = url
	r.State = StateSucceeded
	r.FinishedAt = time.Now().UTC()
}

func (r *PipelineRun) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
	r.State = StateFailed
	r.FinishedAt = time.Now().UTC()
}

// Snapshot renders the run for the run store.
func (r *PipelineRun) Snapshot() runstore.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := runstore.Snapshot{
		RunID:          r.RunID,
		Mode:           string(r.Mode),
		Style:          string(r.Style),
		State:          r.State,
		FinalResultURL: r.FinalResultURL,
		CreatedAt:      r.StartedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	for _, in := range r.Inputs {
		snap.InputURLs = append(snap.InputURLs, in.URL)
	}
	for _, t := range r.Stages {
		rec := runstore.StageRecord{
			Stage:     string(t.Stage),
			Status:    string(t.Status),
			TaskID:    t.TaskID,
			Attempt:   t.Attempt,
			Polls:     t.Polls,
			ResultURL: t.ResultURL,
			Error:     t.ErrorDetail,
			StartedAt: t.SubmittedAt,
		}
		if t.Status.Terminal() {
			rec.FinishedAt = t.LastPolledAt
			if rec.FinishedAt.IsZero() {
				rec.FinishedAt = t.SubmittedAt
			}
		}
		snap.Stages = append(snap.Stages, rec)
	}
	if r.Err != nil {
		snap.Error = r.Err.Error()
		snap.ErrorKind = string(failure.KindOf(r.Err))
		if pe, ok := AsPipelineError(r.Err); ok {
			snap.Error = pe.Summary()
			snap.FailedStage = string(pe.Stage)
		}
	}
	return snap
}

// Package api holds the caller-facing wire types of the gateway.
package api

import (
	"net/http"
	"time"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/pipeline"
	"github.com/vyvo/hairstyle-transfer/pkg/runstore"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

// RunStatus enumerates the statuses reported to callers.
type RunStatus string

const (
	// StatusRunning indicates stages are still executing.
	StatusRunning RunStatus = "RUNNING"
	// StatusSucceeded indicates the final result URL is available.
	StatusSucceeded RunStatus = "SUCCEEDED"
	// StatusFailed indicates the run stopped at a classified failure.
	StatusFailed RunStatus = "FAILED"
)

// SubmissionEnvelope is returned for asynchronous submissions.
type SubmissionEnvelope struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
	StreamURL string `json:"stream_url"`
}

// TransferResult is returned when a synchronous run succeeds. FusionURL is
// the hairstyle before style conversion.
type TransferResult struct {
	RunID     string `json:"run_id"`
	ResultURL string `json:"result_url"`
	FusionURL string `json:"fusion_url,omitempty"`
	Mode      string `json:"mode"`
	Style     string `json:"style"`
}

// SegmentationResult is returned by the segmentation preview.
type SegmentationResult struct {
	RunID     string `json:"run_id"`
	ResultURL string `json:"result_url"`
	Mode      string `json:"mode"`
}

// StageStatus is the last known state of one stage.
type StageStatus struct {
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id,omitempty"`
	Attempt   int    `json:"attempt"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusResponse represents the polling and streaming contract.
type StatusResponse struct {
	RunID     string        `json:"run_id"`
	Status    RunStatus     `json:"status"`
	Mode      string        `json:"mode"`
	Style     string        `json:"style"`
	Stages    []StageStatus `json:"stages"`
	ResultURL string        `json:"result_url,omitempty"`
	FusionURL string        `json:"fusion_url,omitempty"`
	Error     *ErrorBody    `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ErrorBody is the single error envelope of the gateway.
type ErrorBody struct {
	Kind      string `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorResponse wraps ErrorBody at the top level of a response.
type ErrorResponse struct {
	RunID string    `json:"run_id,omitempty"`
	Error ErrorBody `json:"error"`
}

// HealthResponse is served at /healthz.
type HealthResponse struct {
	Status                string `json:"status"`
	Mode                  string `json:"mode"`
	CredentialsConfigured bool   `json:"credentials_configured"`
}

// FromSnapshot maps a run snapshot onto the status contract.
func FromSnapshot(snap runstore.Snapshot) StatusResponse {
	resp := StatusResponse{
		RunID:     snap.RunID,
		Mode:      snap.Mode,
		Style:     snap.Style,
		ResultURL: snap.FinalResultURL,
		UpdatedAt: snap.UpdatedAt,
		Stages:    make([]StageStatus, 0, len(snap.Stages)),
	}
	switch snap.State {
	case runstore.StateSucceeded:
		resp.Status = StatusSucceeded
	case runstore.StateFailed:
		resp.Status = StatusFailed
		resp.Error = &ErrorBody{
			Kind:    snap.ErrorKind,
			Stage:   snap.FailedStage,
			Message: snap.Error,
		}
	default:
		resp.Status = StatusRunning
	}
	for _, st := range snap.Stages {
		resp.Stages = append(resp.Stages, StageStatus{
			Stage:     st.Stage,
			Status:    st.Status,
			TaskID:    st.TaskID,
			Attempt:   st.Attempt,
			ResultURL: st.ResultURL,
			Error:     st.Error,
		})
		if st.Stage == string(stage.Fusion) {
			resp.FusionURL = st.ResultURL
		}
	}
	return resp
}

// MapURLs returns a copy of r with fn applied to every result URL.
func (r StatusResponse) MapURLs(fn func(string) string) StatusResponse {
	r.ResultURL = fn(r.ResultURL)
	r.FusionURL = fn(r.FusionURL)
	stages := make([]StageStatus, len(r.Stages))
	for i, st := range r.Stages {
		st.ResultURL = fn(st.ResultURL)
		stages[i] = st
	}
	r.Stages = stages
	return r
}

// ErrorFrom classifies err into an HTTP status and error body.
func ErrorFrom(err error) (int, ErrorBody) {
	body := ErrorBody{Kind: string(failure.KindOf(err)), Message: err.Error()}
	if pe, ok := pipeline.AsPipelineError(err); ok {
		body.Stage = string(pe.Stage)
		body.Message = pe.Summary()
		body.Retryable = pe.Temporary()
	}
	return statusFor(err), body
}

func statusFor(err error) int {
	fe, ok := failure.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case failure.KindContentModeration, failure.KindInvalidParameter:
		return http.StatusUnprocessableEntity
	case failure.KindUpload:
		switch fe.Reason {
		case failure.ReasonTooLarge:
			return http.StatusRequestEntityTooLarge
		case failure.ReasonInvalidFormat:
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case failure.KindSubmission:
		if fe.Reason == failure.ReasonInvalidParameter {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case failure.KindPollTimeout:
		return http.StatusGatewayTimeout
	case failure.KindCanceled:
		return http.StatusServiceUnavailable
	case failure.KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

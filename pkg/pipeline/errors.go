package pipeline

import (
	"errors"
	"fmt"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

// UploadStep names the input upload step in errors and records.
const UploadStep stage.Kind = "upload"

// PipelineError is the single classified failure of a run. It always names
// the step that failed.
type PipelineError struct {
	RunID    string
	Stage    stage.Kind
	Attempts int
	Cause    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (run %s, %d attempt(s))", e.Summary(), e.RunID, e.Attempts)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Kind is the failure kind of the cause.
func (e *PipelineError) Kind() failure.Kind {
	return failure.KindOf(e.Cause)
}

// Summary distinguishes policy rejections, timeouts and upstream outages.
func (e *PipelineError) Summary() string {
	fe, _ := failure.As(e.Cause)
	detail := ""
	if fe != nil {
		detail = fe.Message
		if fe.Code != "" {
			detail = fe.Code + ": " + fe.Message
		}
	} else if e.Cause != nil {
		detail = e.Cause.Error()
	}

	switch e.Kind() {
	case failure.KindContentModeration:
		return fmt.Sprintf("reject: content policy: stage %s: %s", e.Stage, detail)
	case failure.KindInvalidParameter:
		return fmt.Sprintf("reject: invalid input: stage %s: %s", e.Stage, detail)
	case failure.KindPollTimeout:
		return "timeout: " + detail
	case failure.KindConfiguration:
		return "error: configuration: " + detail
	case failure.KindCanceled:
		return fmt.Sprintf("canceled: stage %s", e.Stage)
	case failure.KindUpload:
		if fe != nil && fe.Reason != failure.ReasonNetworkError {
			return fmt.Sprintf("reject: upload %s: %s", fe.Reason, detail)
		}
		return "error: upstream service unavailable: upload: " + detail
	case failure.KindSubmission:
		if fe != nil && fe.Reason == failure.ReasonAuthFailure {
			return fmt.Sprintf("error: authentication failed: stage %s: %s", e.Stage, detail)
		}
		if fe != nil && fe.Reason == failure.ReasonInvalidParameter {
			return fmt.Sprintf("reject: invalid input: stage %s: %s", e.Stage, detail)
		}
		return fmt.Sprintf("error: upstream service unavailable: stage %s: %s", e.Stage, detail)
	default:
		return fmt.Sprintf("error: upstream service unavailable: stage %s: %s", e.Stage, detail)
	}
}

// Temporary reports whether resubmitting the same input later may succeed.
// False means the input will never succeed as is.
func (e *PipelineError) Temporary() bool {
	switch e.Kind() {
	case failure.KindContentModeration, failure.KindInvalidParameter, failure.KindConfiguration:
		return false
	case failure.KindSubmission:
		fe, _ := failure.As(e.Cause)
		return fe != nil && fe.Reason == failure.ReasonServiceUnavailable
	case failure.KindUpload:
		fe, _ := failure.As(e.Cause)
		return fe != nil && fe.Reason == failure.ReasonNetworkError
	default:
		return true
	}
}

// AsPipelineError returns the PipelineError in err's chain, if any.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

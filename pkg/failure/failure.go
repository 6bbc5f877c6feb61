// Package failure defines the error taxonomy shared by the uploader, the
// remote task client, the stage adapters and the pipeline orchestrator.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline must react to it.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindUpload            Kind = "upload"
	KindSubmission        Kind = "submission"
	KindPollTimeout       Kind = "poll_timeout"
	KindContentModeration Kind = "content_moderation"
	KindInvalidParameter  Kind = "invalid_parameter"
	KindService           Kind = "service"
	KindNetwork           Kind = "network"
	KindCanceled          Kind = "canceled"
)

// Reason narrows a Kind to the concrete condition reported by a collaborator.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonBucketMissing      Reason = "bucket_missing"
	ReasonPermissionDenied   Reason = "permission_denied"
	ReasonNetworkError       Reason = "network_error"
	ReasonTooLarge           Reason = "too_large"
	ReasonInvalidFormat      Reason = "invalid_format"
	ReasonInvalidParameter   Reason = "invalid_parameter"
	ReasonAuthFailure        Reason = "auth_failure"
	ReasonServiceUnavailable Reason = "service_unavailable"
	ReasonInternalService    Reason = "internal_service_error"
	ReasonContentModeration  Reason = "content_moderation_rejected"
)

// Error is the single classified error type surfaced by this module.
type Error struct {
	Kind    Kind
	Reason  Reason
	Code    string // remote machine-readable code, verbatim
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != ReasonNone {
		msg += "/" + string(e.Reason)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether restarting the failed operation may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindService, KindNetwork:
		return true
	case KindSubmission:
		return e.Reason == ReasonServiceUnavailable
	case KindUpload:
		return e.Reason == ReasonNetworkError
	default:
		return false
	}
}

// Is matches on Kind and, when set on the target, Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// New builds a classified error.
func New(kind Kind, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around cause.
func Wrap(kind Kind, reason Reason, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Configuration reports a missing or invalid setting. It is always fatal.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, ReasonNone, format, args...)
}

// Upload reports an asset upload failure.
func Upload(reason Reason, cause error, format string, args ...any) *Error {
	return Wrap(KindUpload, reason, cause, format, args...)
}

// Submission reports a rejected or failed job submission.
func Submission(reason Reason, code string, cause error, format string, args ...any) *Error {
	e := Wrap(KindSubmission, reason, cause, format, args...)
	e.Code = code
	return e
}

// Service reports an unexpected remote failure.
func Service(code string, cause error, format string, args ...any) *Error {
	e := Wrap(KindService, ReasonInternalService, cause, format, args...)
	e.Code = code
	return e
}

// Moderation reports a content-policy rejection. The remote code and message
// are kept verbatim for the caller.
func Moderation(code, message string) *Error {
	return &Error{Kind: KindContentModeration, Reason: ReasonContentModeration, Code: code, Message: message}
}

// InvalidParameter reports input the remote service will never accept.
func InvalidParameter(code, message string) *Error {
	return &Error{Kind: KindInvalidParameter, Reason: ReasonInvalidParameter, Code: code, Message: message}
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindService for unclassified errors.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindService
}

// IsRetryable reports whether err is a classified, retryable error.
func IsRetryable(err error) bool {
	fe, ok := As(err)
	return ok && fe.Retryable()
}

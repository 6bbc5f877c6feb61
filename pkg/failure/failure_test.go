package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{Service("InternalError", nil, "boom"), true},
		{New(KindNetwork, ReasonNetworkError, "reset"), true},
		{Submission(ReasonServiceUnavailable, "Throttling", nil, "slow down"), true},
		{Submission(ReasonAuthFailure, "InvalidApiKey", nil, "bad key"), false},
		{Submission(ReasonInvalidParameter, "InvalidParameter", nil, "bad"), false},
		{Upload(ReasonNetworkError, nil, "reset"), true},
		{Upload(ReasonTooLarge, nil, "4MB"), false},
		{Moderation("DataInspectionFailed", "policy"), false},
		{InvalidParameter("InvalidParameter", "size"), false},
		{New(KindPollTimeout, ReasonNone, "late"), false},
		{Configuration("missing key"), false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.want {
			t.Fatalf("%v: expected retryable=%v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestIsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("stage fusion: %w", Upload(ReasonBucketMissing, nil, "no bucket"))

	if !errors.Is(err, &Error{Kind: KindUpload}) {
		t.Fatalf("expected kind match through wrapping")
	}
	if !errors.Is(err, &Error{Kind: KindUpload, Reason: ReasonBucketMissing}) {
		t.Fatalf("expected reason match")
	}
	if errors.Is(err, &Error{Kind: KindUpload, Reason: ReasonTooLarge}) {
		t.Fatalf("unexpected match on different reason")
	}
	if KindOf(err) != KindUpload {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindService {
		t.Fatalf("unclassified errors must default to service")
	}
}

func TestModerationKeepsRemoteTextVerbatim(t *testing.T) {
	err := Moderation("DataInspectionFailed", "Input data may contain inappropriate content.")
	want := "content_moderation/content_moderation_rejected [DataInspectionFailed]: Input data may contain inappropriate content."
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}
}

package remotetask

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

var fastRetry = RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test", HTTPClient: srv.Client(), Retry: fastRetry})
	require.NoError(t, err)
	return c
}

// fakeSynthesis answers submissions with task ids and scripts the status
// sequence returned for each task.
type fakeSynthesis struct {
	mu       sync.Mutex
	statuses []string
	polls    atomic.Int32
	headers  http.Header
	body     map[string]any
	failCode string
}

func (f *fakeSynthesis) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/aigc/image2image/image-synthesis", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &f.body)
		f.mu.Unlock()
		fmt.Fprint(w, `{"request_id":"req-1","output":{"task_id":"task-1","task_status":"PENDING"}}`)
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.polls.Add(1))
		status := f.statuses[len(f.statuses)-1]
		if n <= len(f.statuses) {
			status = f.statuses[n-1]
		}
		switch status {
		case "SUCCEEDED":
			fmt.Fprint(w, `{"request_id":"req-2","output":{"task_id":"task-1","task_status":"SUCCEEDED","results":[{"url":"https://ds/result.png"}]}}`)
		case "FAILED":
			fmt.Fprintf(w, `{"request_id":"req-2","output":{"task_id":"task-1","task_status":"FAILED","code":%q,"message":"Input data may contain inappropriate content."}}`, f.failCode)
		case "503":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			fmt.Fprintf(w, `{"request_id":"req-2","output":{"task_id":"task-1","task_status":%q}}`, status)
		}
	})
	return mux
}

func submitReq(endpoint string) SubmitRequest {
	return SubmitRequest{
		Stage:          stage.Fusion,
		Endpoint:       endpoint,
		Payload:        map[string]any{"model": "wan2.5-i2i-preview"},
		Attempt:        1,
		IdempotencyKey: "run-1:fusion:1",
		Async:          true,
	}
}

func TestSubmitSendsAsyncHeaders(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"SUCCEEDED"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task, err := c.Submit(context.Background(), submitReq(srv.URL+stage.SynthesisPath))
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.TaskID)
	assert.Equal(t, StatusSubmitted, task.Status)
	assert.Equal(t, stage.Fusion, task.Stage)
	assert.Equal(t, 1, task.Attempt)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "Bearer sk-test", fake.headers.Get("Authorization"))
	assert.Equal(t, "enable", fake.headers.Get("X-DashScope-Async"))
	assert.Equal(t, "run-1:fusion:1", fake.headers.Get("X-Idempotency-Key"))
	assert.Equal(t, "wan2.5-i2i-preview", fake.body["model"])
}

func TestSubmitSynchronousEndpointCompletesImmediately(t *testing.T) {
	var calls atomic.Int32
	var asyncHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		asyncHeader.Store(r.Header.Get("X-DashScope-Async"))
		fmt.Fprint(w, `{"RequestId":"seg-1","Data":{"Elements":[{"ImageURL":"https://seg/hair.png"}]}}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	task, err := c.Submit(context.Background(), SubmitRequest{Stage: stage.Segmentation, Endpoint: srv.URL, Payload: map[string]string{"ImageURL": "x"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, "seg-1", task.TaskID)

	res, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: time.Millisecond, MaxWait: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	url, err := stage.SegmentationAdapter{}.ParseResult(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, "https://seg/hair.png", url)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "", asyncHeader.Load())
}

func TestSubmitClassifiesRejections(t *testing.T) {
	cases := []struct {
		status int
		body   string
		reason failure.Reason
		code   string
	}{
		{400, `{"request_id":"r","code":"InvalidParameter","message":"image too small"}`, failure.ReasonInvalidParameter, "InvalidParameter"},
		{400, `{"RequestId":"r","Code":"DataInspectionFailed","Message":"blocked"}`, failure.ReasonInvalidParameter, "DataInspectionFailed"},
		{401, `{"code":"InvalidApiKey","message":"Invalid API-key provided."}`, failure.ReasonAuthFailure, "InvalidApiKey"},
		{429, `{"code":"Throttling","message":"Requests rate limit exceeded"}`, failure.ReasonServiceUnavailable, "Throttling"},
		{500, `oops`, failure.ReasonServiceUnavailable, ""},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, tc.body)
		}))
		c := newTestClient(t, srv)
		_, err := c.Submit(context.Background(), submitReq(srv.URL))
		srv.Close()

		require.Error(t, err)
		fe, ok := failure.As(err)
		require.True(t, ok)
		assert.Equal(t, failure.KindSubmission, fe.Kind, tc.body)
		assert.Equal(t, tc.reason, fe.Reason, tc.body)
		assert.Equal(t, tc.code, fe.Code, tc.body)
		assert.Equal(t, tc.reason == failure.ReasonServiceUnavailable, fe.Retryable())
	}
}

func TestPollSucceedsOnThirdPoll(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"PENDING", "RUNNING", "SUCCEEDED"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task, err := c.Submit(context.Background(), submitReq(srv.URL+stage.SynthesisPath))
	require.NoError(t, err)

	res, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: 5 * time.Millisecond, MaxWait: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, int32(3), fake.polls.Load())
	assert.Equal(t, 3, task.Polls)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.False(t, task.LastPolledAt.IsZero())

	url, err := stage.FusionAdapter{}.ParseResult(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, "https://ds/result.png", url)
}

func TestPollReportsRemoteFailureCode(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"RUNNING", "FAILED"}, failCode: "DataInspectionFailed"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	res, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: time.Millisecond, MaxWait: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "DataInspectionFailed", res.Error.Code)
	assert.Equal(t, "Input data may contain inappropriate content.", res.Error.Message)
	assert.Contains(t, task.ErrorDetail, "DataInspectionFailed")
}

func TestPollTimesOutAfterMaxWait(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"RUNNING"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	maxWait := 80 * time.Millisecond
	start := time.Now()
	res, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: 10 * time.Millisecond, MaxWait: maxWait})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindPollTimeout})
	assert.Contains(t, err.Error(), "exceeded 80ms")
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, StatusTimedOut, task.Status)
	assert.GreaterOrEqual(t, elapsed, maxWait)
	assert.Less(t, elapsed, maxWait+2*time.Second)

	polls := fake.polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, fake.polls.Load(), "no contact after timing out")
}

func TestPollStopsAtRunDeadline(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"RUNNING"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	res, err := c.PollUntilTerminal(context.Background(), task, PollOptions{
		Interval: 10 * time.Millisecond,
		MaxWait:  time.Minute,
		Deadline: time.Now().Add(40 * time.Millisecond),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindPollTimeout})
	assert.Contains(t, err.Error(), "run deadline")
	assert.Equal(t, StatusTimedOut, res.Status)
}

func TestPollRetriesTransientQueryFailures(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"503", "503", "SUCCEEDED"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	res, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: time.Second, MaxWait: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, int32(3), fake.polls.Load())
	assert.Equal(t, 1, task.Polls, "one logical poll")
}

func TestPollReportsServiceErrorWhenRetriesExhausted(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"503"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	_, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: time.Second, MaxWait: time.Minute})
	require.Error(t, err)
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindService})
	assert.True(t, failure.IsRetryable(err))
	assert.Equal(t, int32(fastRetry.MaxAttempts), fake.polls.Load())
}

func TestPollRejectsMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":{"task_status":"DONE"}}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	_, err := c.PollUntilTerminal(context.Background(), task, PollOptions{Interval: time.Millisecond, MaxWait: time.Second})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "MalformedResponse"))
}

func TestPollHonoursCancellation(t *testing.T) {
	fake := &fakeSynthesis{statuses: []string{"RUNNING"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	task := Pending(submitReq(srv.URL), "task-1", time.Now())
	_, err := c.PollUntilTerminal(ctx, task, PollOptions{Interval: 10 * time.Millisecond, MaxWait: time.Minute})
	require.Error(t, err)
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindCanceled})
	assert.ErrorIs(t, err, context.Canceled)
}

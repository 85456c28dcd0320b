package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"conewatch/internal/config"
	"conewatch/internal/notifications"
	"conewatch/internal/pipeline"
)

type capturedRequest struct {
	title    string
	tags     string
	priority string
	body     string
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func serviceFor(topic string, onSuccess bool) notifications.Service {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	cfg.Notifications.OnSuccess = onSuccess
	return notifications.NewService(&cfg)
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := serviceFor("", true)
	if err := svc.Record(context.Background(), pipeline.Result{Outcome: pipeline.OutcomeTimeout}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := svc.TestNotification(context.Background()); err != nil {
		t.Fatalf("expected noop test notification to return nil, got %v", err)
	}
}

func TestFailureIsAlwaysAnnounced(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)
	svc := serviceFor(srv.URL, false)

	code := 2
	result := pipeline.Result{
		Step:     "2",
		Outcome:  pipeline.OutcomeNonZeroExit,
		ExitCode: &code,
		Stderr:   "loading image\nno cones found\n",
	}
	if err := svc.Record(context.Background(), result); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reqs := captured()
	if len(reqs) != 1 {
		t.Fatalf("expected one notification, got %d", len(reqs))
	}
	got := reqs[0]
	if got.title != "conewatch - Pipeline Failed" {
		t.Fatalf("unexpected title %q", got.title)
	}
	if got.priority != "high" || got.tags != "conewatch,pipeline,non_zero_exit" {
		t.Fatalf("unexpected headers: %+v", got)
	}
	if got.body != "Step 2: Pipeline failed with code 2\nno cones found" {
		t.Fatalf("unexpected body %q", got.body)
	}
}

func TestSuccessRespectsOnSuccess(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)
	ok := pipeline.Result{Step: "all", Success: true, Outcome: pipeline.OutcomeSucceeded, Duration: 1500 * time.Millisecond}

	if err := serviceFor(srv.URL, false).Record(context.Background(), ok); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if n := len(captured()); n != 0 {
		t.Fatalf("expected no notification, got %d", n)
	}

	if err := serviceFor(srv.URL, true).Record(context.Background(), ok); err != nil {
		t.Fatalf("Record: %v", err)
	}
	reqs := captured()
	if len(reqs) != 1 || reqs[0].body != "Step all finished in 1.5s" {
		t.Fatalf("unexpected notifications: %+v", reqs)
	}
}

func TestRejectionsAreNotAnnounced(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)
	svc := serviceFor(srv.URL, true)
	for _, outcome := range []pipeline.Outcome{pipeline.OutcomeBusy, pipeline.OutcomeInvalidStep, pipeline.OutcomeCanceled} {
		if err := svc.Record(context.Background(), pipeline.Result{Outcome: outcome}); err != nil {
			t.Fatalf("Record(%s): %v", outcome, err)
		}
	}
	if n := len(captured()); n != 0 {
		t.Fatalf("expected no notifications, got %d", n)
	}
}

func TestServerErrorIsReturned(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusForbidden)
	if err := serviceFor(srv.URL, false).TestNotification(context.Background()); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

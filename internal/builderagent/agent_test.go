package builderagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

func TestDecodeFrameShapes(t *testing.T) {
	cases := []struct {
		raw  string
		kind InboundKind
	}{
		{`{"Build":{"id":"j1","job_type":"Build","commit_hash":"c","remote_url":"u"}}`, InboundBuild},
		{`{"BuildAndRun":{"id":"j1","job_type":"BuildAndRun","commit_hash":"c","remote_url":"u"}}`, InboundBuildAndRun},
		{`{"Cancel":["Timeout","j1"]}`, InboundCancel},
		{`"Close"`, InboundClose},
	}
	for _, tc := range cases {
		frame, err := decodeFrame([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decodeFrame(%s): %v", tc.raw, err)
		}
		if frame.Kind != tc.kind {
			t.Fatalf("decodeFrame(%s): expected kind %d, got %d", tc.raw, tc.kind, frame.Kind)
		}
	}

	frame, err := decodeFrame([]byte(`{"Cancel":["Timeout","j1"]}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if frame.Reason != "Timeout" || frame.JobID != "j1" {
		t.Fatalf("unexpected cancel payload: %+v", frame)
	}
}

func TestDecodeFrameRejectsUnknown(t *testing.T) {
	if _, err := decodeFrame([]byte(`{"Unknown":1}`)); err == nil {
		t.Fatalf("expected an error for an unrecognized frame")
	}
	if _, err := decodeFrame([]byte(`"Banana"`)); err == nil {
		t.Fatalf("expected an error for an unrecognized bare frame")
	}
}

func TestLoginStoresAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builder-login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req loginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.BuilderID != "b1" || req.Token != "tok" {
			t.Errorf("unexpected login body: %+v", req)
		}
		json.NewEncoder(w).Encode(loginResponse{BuilderID: "b1", AccessToken: "access-123"})
	}))
	defer srv.Close()

	a := &Agent{DispatcherURL: srv.URL, BuilderID: "b1", Token: "tok"}
	if err := a.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if a.token() != "access-123" {
		t.Fatalf("expected access token to be stored, got %q", a.token())
	}
}

func TestLoginRejectsMismatchedBuilderID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{BuilderID: "someone-else", AccessToken: "x"})
	}))
	defer srv.Close()

	a := &Agent{DispatcherURL: srv.URL, BuilderID: "b1", Token: "tok"}
	if err := a.Login(context.Background()); err == nil {
		t.Fatalf("expected an error on builder id mismatch")
	}
}

func TestPushConfigAssignsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pushConfigRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(pushConfigResponse{Config: ejmodel.BoardConfig{
			ID: "assigned-" + req.Config.Name, BoardName: req.BoardName, Name: req.Config.Name,
		}})
	}))
	defer srv.Close()

	a := &Agent{DispatcherURL: srv.URL, accessToken: "tok"}
	configs := []ejmodel.UserBoardConfig{{Name: "default"}, {Name: "debug"}}
	assigned, err := a.PushConfig(context.Background(), "rpi4", configs)
	if err != nil {
		t.Fatalf("PushConfig: %v", err)
	}
	if len(assigned) != 2 || assigned[0].ID != "assigned-default" || assigned[1].ID != "assigned-debug" {
		t.Fatalf("unexpected assigned configs: %+v", assigned)
	}
}

func TestPostResultIncludesLogsAndResults(t *testing.T) {
	var received resultPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/post-run-result" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer srv.Close()

	a := &Agent{DispatcherURL: srv.URL, accessToken: "tok"}
	err := a.postResult(context.Background(), "/post-run-result", "job-1", true,
		map[string][]string{"cfg-1": {"line one", "line two"}},
		map[string]string{"cfg-1": "result blob"})
	if err != nil {
		t.Fatalf("postResult: %v", err)
	}
	if received.JobID != "job-1" || !received.Successful {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if len(received.Logs) != 1 || received.Logs[0].BoardConfigID != "cfg-1" {
		t.Fatalf("unexpected logs: %+v", received.Logs)
	}
	if len(received.Results) != 1 || received.Results[0].Text != "result blob" {
		t.Fatalf("unexpected results: %+v", received.Results)
	}
}

func TestCancelMismatchedJobIDIsIgnored(t *testing.T) {
	a := &Agent{}
	cancelJob := make(chan struct{})
	a.currentJob = "job-current"
	a.cancelJob = cancelJob

	if err := a.handleFrame(context.Background(), Inbound{Kind: InboundCancel, JobID: "job-other"}); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}

	select {
	case <-cancelJob:
		t.Fatalf("expected the cancel channel to remain open for a mismatched job id")
	default:
	}
}

func TestCancelMatchingJobIDClosesCancelChannel(t *testing.T) {
	a := &Agent{}
	cancelJob := make(chan struct{})
	a.currentJob = "job-current"
	a.cancelJob = cancelJob

	if err := a.handleFrame(context.Background(), Inbound{Kind: InboundCancel, JobID: "job-current"}); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}

	select {
	case <-cancelJob:
	case <-time.After(time.Second):
		t.Fatalf("expected the cancel channel to be closed")
	}
}

func TestPreemptCurrentWaitsForJobDone(t *testing.T) {
	a := &Agent{}
	cancelJob := make(chan struct{})
	jobDone := make(chan struct{})
	a.currentJob = "job-current"
	a.cancelJob = cancelJob
	a.jobDone = jobDone

	finished := make(chan struct{})
	go func() {
		a.preemptCurrent()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatalf("preemptCurrent returned before jobDone closed")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-cancelJob:
	default:
		t.Fatalf("expected preemptCurrent to close the cancel channel")
	}

	close(jobDone)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("preemptCurrent did not return after jobDone closed")
	}
}

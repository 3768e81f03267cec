// Package builderagent implements the builder connection agent
// (spec.md §4.C): authenticate, push local board configuration, open the
// duplex channel, and run the main receive loop that hands Build/
// BuildAndRun/Cancel/Close frames to the orchestrator, enforcing the
// at-most-one-job-in-progress rule with preemption. Grounded on the
// teacher's client-side HTTP usage patterns and on buildkite-agent's
// agent-to-API client split between a control-plane HTTP client and a
// long-lived connection loop (agent/api_client.go, agent/agent_worker.go).
package builderagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejorchestrator"
)

// errClosed is returned by Connect's main loop when the dispatcher sends
// a Close frame; it is not logged as an error by callers.
var errClosed = errors.New("builderagent: dispatcher closed the duplex channel")

// Agent is one builder's connection to the dispatcher.
type Agent struct {
	DispatcherURL string // http(s) base, e.g. "https://dispatcher.example.com"
	BuilderID     string
	Token         string // long-lived builder token (spec.md §6.7)

	Orchestrator *ejorchestrator.Orchestrator
	Boards       []ejorchestrator.Board

	HTTPClient *http.Client
	Logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	currentJob  string
	cancelJob   chan struct{}
	jobDone     chan struct{}
}

func (a *Agent) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Connect opens the duplex channel and runs the receive loop until the
// dispatcher sends Close, the context is cancelled, or the connection
// fails. It blocks for the connection's lifetime.
func (a *Agent) Connect(ctx context.Context) error {
	wsURL, err := a.websocketURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dialing duplex channel: %w", err)
	}
	defer conn.Close()

	done := ctx.Done()
	go func() {
		<-done
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading duplex frame: %w", err)
		}

		frame, err := decodeFrame(data)
		if err != nil {
			a.logger().Warn("discarding unrecognized duplex frame", "error", err)
			continue
		}

		if err := a.handleFrame(ctx, frame); err != nil {
			if errors.Is(err, errClosed) {
				return nil
			}
			return err
		}
	}
}

func (a *Agent) websocketURL() (string, error) {
	u, err := url.Parse(a.DispatcherURL)
	if err != nil {
		return "", fmt.Errorf("parsing dispatcher url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported dispatcher url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/duplex"
	return u.String(), nil
}

// handleFrame implements the protocol rules of spec.md §4.C: at most one
// job in progress, preemption of an in-flight job by a newly arrived
// Build/BuildAndRun, Cancel matched against the current job id, and Close
// ending the loop.
func (a *Agent) handleFrame(ctx context.Context, frame Inbound) error {
	switch frame.Kind {
	case InboundBuild, InboundBuildAndRun:
		a.preemptCurrent()
		a.startJob(ctx, frame)
		return nil

	case InboundCancel:
		a.mu.Lock()
		if a.currentJob != frame.JobID {
			a.mu.Unlock()
			a.logger().Info("ignoring cancel for a job that is not current", "job", frame.JobID, "current", a.currentJob)
			return nil
		}
		cancelJob := a.cancelJob
		a.mu.Unlock()
		close(cancelJob)
		return nil

	case InboundClose:
		a.preemptCurrent()
		return errClosed

	default:
		return nil
	}
}

// preemptCurrent cancels any in-flight job (as Timeout, per spec.md §4.C
// "cancels the current job with reason Timeout") and waits for it to
// finish before returning, so the caller never starts a new job while one
// is still winding down.
func (a *Agent) preemptCurrent() {
	a.mu.Lock()
	if a.currentJob == "" {
		a.mu.Unlock()
		return
	}
	cancelJob := a.cancelJob
	jobDone := a.jobDone
	a.mu.Unlock()

	select {
	case <-cancelJob:
	default:
		close(cancelJob)
	}
	<-jobDone
}

func (a *Agent) startJob(ctx context.Context, frame Inbound) {
	cancelJob := make(chan struct{})
	jobDone := make(chan struct{})

	a.mu.Lock()
	a.currentJob = frame.Job.ID
	a.cancelJob = cancelJob
	a.jobDone = jobDone
	a.mu.Unlock()

	go a.runJob(ctx, frame, cancelJob, jobDone)
}

func (a *Agent) runJob(ctx context.Context, frame Inbound, cancelJob chan struct{}, jobDone chan struct{}) {
	defer close(jobDone)
	defer func() {
		a.mu.Lock()
		a.currentJob = ""
		a.mu.Unlock()
	}()

	job := frame.Job
	job.JobType = ejmodel.JobTypeBuild
	if frame.Kind == InboundBuildAndRun {
		job.JobType = ejmodel.JobTypeBuildAndRun
	}

	result, err := a.Orchestrator.Execute(ctx, job, a.Boards, cancelJob)
	if err != nil {
		a.logger().Error("orchestrator execution failed", "job", job.ID, "error", err)
		result.Success = false
	}

	path := "/post-build-result"
	if job.JobType == ejmodel.JobTypeBuildAndRun {
		path = "/post-run-result"
	}

	postCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.postResult(postCtx, path, job.ID, result.Success, result.Logs, result.Results); err != nil {
		// Per spec.md §4.C, a failed result post is logged but must not
		// block or crash the agent.
		a.logger().Error("posting job result", "job", job.ID, "error", err)
	}
}

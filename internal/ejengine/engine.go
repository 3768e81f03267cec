// Package ejengine implements the dispatcher scheduling engine (spec.md
// §4.D): the single-consumer event loop that owns job dispatch,
// completion convergence, and timeout cancellation. Grounded on the
// teacher's worker.Dispatcher active-map pattern, generalized from one
// goroutine per unit of work to one goroutine owning all scheduling
// state, and on buildkite-agent's job-runner timeout handling for the
// AfterFunc-driven cancellation path.
package ejengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejstore"
)

// Store is the persistence surface the engine needs. internal/ejstore.Store
// satisfies it directly; the engine depends on this narrower interface so
// it can be tested against a fake.
type Store interface {
	FetchJob(id string) (ejmodel.Job, error)
	UpdateStatus(id string, status ejmodel.JobStatus) error
	FetchLogsWithBoard(jobID string) ([]ejstore.BoardLog, error)
	FetchResultsWithBoard(jobID string) ([]ejstore.BoardResult, error)
}

// Engine owns the single-consumer event loop described in spec.md §4.D.
// All mutable scheduling state (current job, deployed-builder set,
// pending queue, timer) lives only inside run's goroutine; every other
// method communicates with it exclusively over the events channel, so no
// mutex guards scheduling state.
type Engine struct {
	events chan any
	logger *slog.Logger
	done   chan struct{}
}

// New starts the engine's event loop and returns a handle to it. The
// loop runs until ctx is cancelled.
func New(ctx context.Context, store Store, registry BuilderRegistry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		events: make(chan any, 256),
		logger: logger,
		done:   make(chan struct{}),
	}
	go e.run(ctx, store, registry)
	return e
}

// Dispatch submits job for scheduling. If the engine is Idle it is
// dispatched immediately to every connected builder; otherwise it joins
// the FIFO pending queue. sink receives exactly one terminal update
// (JobCancelled, BuildFinished, or RunFinished) for this job.
func (e *Engine) Dispatch(job ejmodel.Job, sink UpdatesSink, timeout time.Duration) {
	select {
	case e.events <- dispatchEvent{job: job, sink: sink, timeout: timeout}:
	case <-e.done:
	}
}

// ReportCompletion notifies the engine that builderID finished its share
// of work for jobID (build-complete or run-complete, spec §6.3).
func (e *Engine) ReportCompletion(jobID, builderID string) {
	select {
	case e.events <- completedEvent{jobID: jobID, builderID: builderID}:
	case <-e.done:
	}
}

type dispatchEvent struct {
	job     ejmodel.Job
	sink    UpdatesSink
	timeout time.Duration
}

type completedEvent struct {
	jobID     string
	builderID string
}

type timeoutEvent struct {
	jobID string
}

type pendingJob struct {
	job     ejmodel.Job
	sink    UpdatesSink
	timeout time.Duration
}

// state is the engine's scheduling state machine (spec §4.D): Idle when
// job is the zero value, Dispatched otherwise.
type state struct {
	job      ejmodel.Job
	sink     UpdatesSink
	timeout  time.Duration
	deployed map[string]struct{}
	timer    *time.Timer
	pending  []pendingJob
}

func (st *state) idle() bool { return st.job.ID == "" }

func (e *Engine) run(ctx context.Context, store Store, registry BuilderRegistry) {
	defer close(e.done)
	var st state

	for {
		select {
		case <-ctx.Done():
			if st.timer != nil {
				st.timer.Stop()
			}
			return
		case ev := <-e.events:
			switch v := ev.(type) {
			case dispatchEvent:
				e.handleDispatch(&st, store, registry, v)
			case completedEvent:
				e.handleCompleted(&st, store, registry, v)
			case timeoutEvent:
				e.handleTimeout(&st, store, registry, v)
			}
		}
	}
}

// handleDispatch implements the Dispatch algorithm of spec.md §4.D:
// while idle, attempt delivery to every connected builder and move to
// Running; if no builder accepts the assignment, the job is cancelled
// outright (spec §9 resolution: no-builders dispatch ends in Cancelled,
// not an error). While busy, the job joins the FIFO pending queue.
func (e *Engine) handleDispatch(st *state, store Store, registry BuilderRegistry, ev dispatchEvent) {
	if !st.idle() {
		st.pending = append(st.pending, pendingJob{job: ev.job, sink: ev.sink, timeout: ev.timeout})
		e.emit(ev.sink, Update{Kind: UpdateJobAddedToQueue, QueuePosition: len(st.pending) - 1})
		return
	}

	if err := store.UpdateStatus(ev.job.ID, ejmodel.JobRunning); err != nil {
		e.logger.Error("marking job running", "job", ev.job.ID, "error", err)
	}

	kind := OutboundBuild
	if ev.job.Type == ejmodel.JobTypeBuildAndRun {
		kind = OutboundBuildAndRun
	}
	deployable := ev.job.Deployable()

	deployed := make(map[string]struct{})
	for _, builderID := range registry.ConnectedBuilderIDs() {
		if registry.Send(builderID, OutboundMessage{Kind: kind, Job: deployable}) {
			deployed[builderID] = struct{}{}
		}
	}

	if len(deployed) == 0 {
		if err := store.UpdateStatus(ev.job.ID, ejmodel.JobCancelled); err != nil {
			e.logger.Error("cancelling job with no builders", "job", ev.job.ID, "error", err)
		}
		e.emit(ev.sink, Update{Kind: UpdateJobCancelled, CancelReason: "NoBuilders"})
		e.advanceQueue(st, store, registry)
		return
	}

	e.emit(ev.sink, Update{Kind: UpdateJobStarted, NbBuilders: len(deployed)})

	st.job = ev.job
	st.sink = ev.sink
	st.timeout = ev.timeout
	st.deployed = deployed
	st.timer = e.scheduleTimeout(ev.job.ID, ev.timeout)
}

// handleCompleted implements the Completion algorithm of spec.md §4.D.
// A completion naming the current job removes its builder from the
// deployed set; the job finishes once that set drains to empty. A
// completion naming a different job is a straggler from a prior round —
// if the reporting builder is already deployed to the current job it is
// ignored (the builder converged on its own), otherwise the current job
// is re-dispatched to that builder alone and its timer is renewed, since
// the builder has only now become available to help.
func (e *Engine) handleCompleted(st *state, store Store, registry BuilderRegistry, ev completedEvent) {
	if st.idle() {
		e.logger.Info("completion received while idle, ignoring", "job", ev.jobID, "builder", ev.builderID)
		return
	}

	if ev.jobID != st.job.ID {
		if _, already := st.deployed[ev.builderID]; already {
			e.logger.Info("stale completion from a builder already on the current job, ignoring",
				"stale_job", ev.jobID, "builder", ev.builderID)
			return
		}

		kind := OutboundBuild
		if st.job.Type == ejmodel.JobTypeBuildAndRun {
			kind = OutboundBuildAndRun
		}
		if registry.Send(ev.builderID, OutboundMessage{Kind: kind, Job: st.job.Deployable()}) {
			st.deployed[ev.builderID] = struct{}{}
			if st.timer != nil {
				st.timer.Stop()
			}
			st.timer = e.scheduleTimeout(st.job.ID, st.timeout)
		} else {
			e.logger.Warn("failed to re-dispatch to newly available builder", "builder", ev.builderID)
		}
		return
	}

	if _, ok := st.deployed[ev.builderID]; !ok {
		e.logger.Warn("completion from a builder not in the deployed set", "job", ev.jobID, "builder", ev.builderID)
		return
	}
	delete(st.deployed, ev.builderID)

	if len(st.deployed) > 0 {
		return
	}

	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	e.finishJob(st, store)
	e.advanceQueue(st, store, registry)
}

// handleTimeout implements the Timeout algorithm of spec.md §4.D: every
// builder still deployed to the timed-out job is sent a cancellation,
// the submitter receives a JobCancelled update as its terminal update and
// is then detached, and the job's status is forced to Cancelled. The
// engine stays Dispatched — it still owes the job's place in the deployed
// set until the outstanding completions (cancel acks) drain it, at which
// point handleCompleted advances the queue as usual without emitting a
// second terminal update.
func (e *Engine) handleTimeout(st *state, store Store, registry BuilderRegistry, ev timeoutEvent) {
	if st.idle() || st.job.ID != ev.jobID {
		return
	}

	for builderID := range st.deployed {
		registry.Send(builderID, OutboundMessage{Kind: OutboundCancel, Reason: "Timeout", JobID: ev.jobID})
	}

	if err := store.UpdateStatus(ev.jobID, ejmodel.JobCancelled); err != nil {
		e.logger.Error("marking job cancelled on timeout", "job", ev.jobID, "error", err)
	}
	e.emit(st.sink, Update{Kind: UpdateJobCancelled, CancelReason: "Timeout"})
	st.sink = nil
	st.timer = nil
}

// finishJob loads the persisted outcome of st.job and emits exactly one
// terminal update to its submitter (none when a timeout already detached
// the submitter), then clears the current job so the
// engine becomes idle (the caller is responsible for then advancing the
// pending queue).
func (e *Engine) finishJob(st *state, store Store) {
	fresh, err := store.FetchJob(st.job.ID)
	if err != nil {
		e.logger.Error("fetching finished job", "job", st.job.ID, "error", err)
		fresh = st.job
	}
	success := fresh.Status == ejmodel.JobSuccess

	logs, err := store.FetchLogsWithBoard(st.job.ID)
	if err != nil {
		e.logger.Error("fetching logs for finished job", "job", st.job.ID, "error", err)
	}

	update := Update{Success: success, Logs: toEntries(logs)}
	if st.job.Type == ejmodel.JobTypeBuildAndRun {
		update.Kind = UpdateRunFinished
		results, err := store.FetchResultsWithBoard(st.job.ID)
		if err != nil {
			e.logger.Error("fetching results for finished job", "job", st.job.ID, "error", err)
		}
		update.Results = toResultEntries(results)
	} else {
		update.Kind = UpdateBuildFinished
	}

	e.emit(st.sink, update)
	*st = state{}
}

// advanceQueue pops the next pending job, if any, and dispatches it
// (reusing handleDispatch's idle branch since st.job is now cleared).
func (e *Engine) advanceQueue(st *state, store Store, registry BuilderRegistry) {
	if len(st.pending) == 0 {
		return
	}
	next := st.pending[0]
	st.pending = st.pending[1:]
	e.handleDispatch(st, store, registry, dispatchEvent{job: next.job, sink: next.sink, timeout: next.timeout})
}

func (e *Engine) scheduleTimeout(jobID string, timeout time.Duration) *time.Timer {
	return time.AfterFunc(timeout, func() {
		select {
		case e.events <- timeoutEvent{jobID: jobID}:
		case <-e.done:
		}
	})
}

// emit delivers update to sink, logging — never silently dropping — a
// saturated or disconnected submitter channel (spec §5 invariant: at
// least one delivery attempt per update).
func (e *Engine) emit(sink UpdatesSink, update Update) {
	if sink == nil {
		return
	}
	if !sink.Send(update) {
		e.logger.Warn("submitter update not delivered, sink saturated or closed", "kind", update.Kind)
	}
}

func toEntries(logs []ejstore.BoardLog) []BoardEntry {
	out := make([]BoardEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, BoardEntry{Board: l.Board, Text: l.Text})
	}
	return out
}

func toResultEntries(results []ejstore.BoardResult) []BoardEntry {
	out := make([]BoardEntry, 0, len(results))
	for _, r := range results {
		out = append(out, BoardEntry{Board: r.Board, Text: r.Text})
	}
	return out
}

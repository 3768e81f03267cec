package ejengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejstore"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]ejmodel.Job
	logs    map[string][]ejstore.BoardLog
	results map[string][]ejstore.BoardResult
}

func newFakeStore(jobs ...ejmodel.Job) *fakeStore {
	fs := &fakeStore{jobs: make(map[string]ejmodel.Job), logs: make(map[string][]ejstore.BoardLog), results: make(map[string][]ejstore.BoardResult)}
	for _, j := range jobs {
		fs.jobs[j.ID] = j
	}
	return fs
}

func (f *fakeStore) FetchJob(id string) (ejmodel.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}

func (f *fakeStore) UpdateStatus(id string, status ejmodel.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) FetchLogsWithBoard(jobID string) ([]ejstore.BoardLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[jobID], nil
}

func (f *fakeStore) FetchResultsWithBoard(jobID string) ([]ejstore.BoardResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[jobID], nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []OutboundMessage
	sentTo    []string
	failSend  map[string]bool
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{connected: make(map[string]bool), failSend: make(map[string]bool)}
	for _, id := range ids {
		r.connected[id] = true
	}
	return r
}

func (r *fakeRegistry) ConnectedBuilderIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, ok := range r.connected {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *fakeRegistry) Send(builderID string, msg OutboundMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[builderID] || r.failSend[builderID] {
		return false
	}
	r.sent = append(r.sent, msg)
	r.sentTo = append(r.sentTo, builderID)
	return true
}

type fakeSink struct {
	mu      sync.Mutex
	updates []Update
	ch      chan Update
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan Update, 16)}
}

func (s *fakeSink) Send(u Update) bool {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	s.ch <- u
	return true
}

func (s *fakeSink) waitFor(t *testing.T, kind UpdateKind, timeout time.Duration) Update {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case u := <-s.ch:
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update kind %d", kind)
		}
	}
}

func buildJob(id string) ejmodel.Job {
	return ejmodel.Job{ID: id, Type: ejmodel.JobTypeBuild, CommitHash: "c1", RemoteURL: "u1", Status: ejmodel.JobNotStarted}
}

func TestDispatchWithNoBuildersCancelsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := buildJob("job-1")
	store := newFakeStore(job)
	registry := newFakeRegistry() // no connected builders
	e := New(ctx, store, registry, nil)

	sink := newFakeSink()
	e.Dispatch(job, sink, time.Second)

	u := sink.waitFor(t, UpdateJobCancelled, time.Second)
	if u.CancelReason != "NoBuilders" {
		t.Fatalf("expected NoBuilders cancel reason, got %q", u.CancelReason)
	}

	fetched, _ := store.FetchJob(job.ID)
	if fetched.Status != ejmodel.JobCancelled {
		t.Fatalf("expected job status Cancelled, got %s", fetched.Status)
	}
}

func TestDispatchSucceedsWhenAllBuildersComplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := buildJob("job-1")
	store := newFakeStore(job)
	registry := newFakeRegistry("b1", "b2")
	e := New(ctx, store, registry, nil)

	sink := newFakeSink()
	e.Dispatch(job, sink, time.Minute)

	started := sink.waitFor(t, UpdateJobStarted, time.Second)
	if started.NbBuilders != 2 {
		t.Fatalf("expected 2 builders, got %d", started.NbBuilders)
	}

	// First completion shouldn't finish the job: two builders deployed.
	e.ReportCompletion(job.ID, "b1")
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	store.jobs[job.ID] = ejmodel.Job{ID: job.ID, Type: job.Type, Status: ejmodel.JobSuccess}
	store.mu.Unlock()

	e.ReportCompletion(job.ID, "b2")
	finished := sink.waitFor(t, UpdateBuildFinished, time.Second)
	if !finished.Success {
		t.Fatalf("expected success")
	}
}

func TestQueuedJobDispatchesAfterCurrentFinishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job1 := buildJob("job-1")
	job2 := buildJob("job-2")
	store := newFakeStore(job1, job2)
	registry := newFakeRegistry("b1")
	e := New(ctx, store, registry, nil)

	sink1, sink2 := newFakeSink(), newFakeSink()
	e.Dispatch(job1, sink1, time.Minute)
	sink1.waitFor(t, UpdateJobStarted, time.Second)

	e.Dispatch(job2, sink2, time.Minute)
	queued := sink2.waitFor(t, UpdateJobAddedToQueue, time.Second)
	if queued.QueuePosition != 0 {
		t.Fatalf("expected queue position 0, got %d", queued.QueuePosition)
	}

	store.mu.Lock()
	store.jobs[job1.ID] = ejmodel.Job{ID: job1.ID, Type: job1.Type, Status: ejmodel.JobSuccess}
	store.mu.Unlock()
	e.ReportCompletion(job1.ID, "b1")

	sink1.waitFor(t, UpdateBuildFinished, time.Second)
	sink2.waitFor(t, UpdateJobStarted, time.Second)
}

func TestTimeoutCancelsJobAndSendsCancelToDeployedBuilders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := buildJob("job-1")
	store := newFakeStore(job)
	registry := newFakeRegistry("b1")
	e := New(ctx, store, registry, nil)

	sink := newFakeSink()
	e.Dispatch(job, sink, 30*time.Millisecond)
	sink.waitFor(t, UpdateJobStarted, time.Second)

	u := sink.waitFor(t, UpdateJobCancelled, time.Second)
	if u.CancelReason != "Timeout" {
		t.Fatalf("expected Timeout cancel reason, got %q", u.CancelReason)
	}

	fetched, _ := store.FetchJob(job.ID)
	if fetched.Status != ejmodel.JobCancelled {
		t.Fatalf("expected status Cancelled after timeout, got %s", fetched.Status)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	found := false
	for i, id := range registry.sentTo {
		if id == "b1" && registry.sent[i].Kind == OutboundCancel {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Cancel message sent to b1")
	}
}

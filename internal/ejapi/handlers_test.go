package ejapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ejdispatch/ej/internal/ejauth"
	"github.com/ejdispatch/ej/internal/ejengine"
	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejstore"
)

// fakeStore is a minimal in-memory Store, grounded on ejengine's
// engine_test.go fakeStore idiom (mutex-guarded maps keyed by id).
type fakeStore struct {
	mu sync.Mutex

	clients     map[string]ejmodel.Client
	clientsByName map[string]string
	perms       map[string]map[string]struct{}

	builders map[string]ejmodel.Builder

	configs map[string]ejmodel.BoardConfig

	jobs    map[string]ejmodel.Job
	logs    map[string][]ejstore.BoardLog
	results map[string][]ejstore.BoardResult

	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:       make(map[string]ejmodel.Client),
		clientsByName: make(map[string]string),
		perms:         make(map[string]map[string]struct{}),
		builders:      make(map[string]ejmodel.Builder),
		configs:       make(map[string]ejmodel.BoardConfig),
		jobs:          make(map[string]ejmodel.Job),
		logs:          make(map[string][]ejstore.BoardLog),
		results:       make(map[string][]ejstore.BoardResult),
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) CreateClient(name, passwordHash string) (ejmodel.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := ejmodel.Client{ID: f.id("client"), Name: name, PasswordHash: passwordHash}
	f.clients[c.ID] = c
	f.clientsByName[name] = c.ID
	f.perms[c.ID] = make(map[string]struct{})
	return c, nil
}

func (f *fakeStore) FetchClientByName(name string) (ejmodel.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.clientsByName[name]
	if !ok {
		return ejmodel.Client{}, fmt.Errorf("no such client: %s", name)
	}
	return f.clients[id], nil
}

func (f *fakeStore) FetchPermissions(clientID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.perms[clientID] {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) GrantPermission(clientID, permission string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perms[clientID] == nil {
		f.perms[clientID] = make(map[string]struct{})
	}
	f.perms[clientID][permission] = struct{}{}
	return nil
}

func (f *fakeStore) GrantAllPermissions(clientID string) error {
	return f.GrantPermission(clientID, ejmodel.PermClientCreate)
}

func (f *fakeStore) ClientCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients), nil
}

func (f *fakeStore) CreateBuilder(ownerID, token string) (ejmodel.Builder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := ejmodel.Builder{ID: f.id("builder"), OwnerID: ownerID, Token: token}
	f.builders[b.ID] = b
	return b, nil
}

func (f *fakeStore) FetchBuilder(id string) (ejmodel.Builder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builders[id]
	if !ok {
		return ejmodel.Builder{}, fmt.Errorf("no such builder: %s", id)
	}
	return b, nil
}

func (f *fakeStore) PushConfig(ownerID, boardName string, cfg ejmodel.UserBoardConfig) (ejmodel.BoardConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bc := ejmodel.BoardConfig{
		ID: f.id("config"), OwnerID: ownerID, BoardName: boardName,
		Name: cfg.Name, Tags: cfg.Tags, BuildScript: cfg.BuildScript,
		RunScript: cfg.RunScript, ResultsPath: cfg.ResultsPath, LibraryPath: cfg.LibraryPath,
	}
	f.configs[bc.ID] = bc
	return bc, nil
}

func (f *fakeStore) CreateJob(sub ejmodel.JobSubmission) (ejmodel.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := ejmodel.Job{
		ID: f.id("job"), Type: sub.Type, CommitHash: sub.CommitHash,
		RemoteURL: sub.RemoteURL, RemoteToken: sub.RemoteToken, Status: ejmodel.JobNotStarted,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeStore) FetchJob(id string) (ejmodel.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return ejmodel.Job{}, fmt.Errorf("no such job: %s", id)
	}
	return j, nil
}

func (f *fakeStore) UpdateStatus(id string, status ejmodel.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("no such job: %s", id)
	}
	j.Status = status
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) AppendLog(jobID, boardConfigID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[jobID] = append(f.logs[jobID], ejstore.BoardLog{
		Board: ejmodel.BoardConfigAPI{ID: boardConfigID, Name: boardConfigID},
		Text:  text,
	})
	return nil
}

func (f *fakeStore) PutResult(jobID, boardConfigID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = append(f.results[jobID], ejstore.BoardResult{
		Board: ejmodel.BoardConfigAPI{ID: boardConfigID, Name: boardConfigID},
		Text:  text,
	})
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

// fakeEngine records Dispatch calls and lets tests control what it sends
// to the sink before returning, exercising handleDispatch's streaming
// path without a real scheduling loop.
type fakeEngine struct {
	mu         sync.Mutex
	dispatched []ejmodel.Job
	completed  []string

	sendUpdates []ejengine.Update
}

func (e *fakeEngine) Dispatch(job ejmodel.Job, sink ejengine.UpdatesSink, timeout time.Duration) {
	e.mu.Lock()
	e.dispatched = append(e.dispatched, job)
	updates := e.sendUpdates
	e.mu.Unlock()

	for _, u := range updates {
		sink.Send(u)
	}
}

func (e *fakeEngine) ReportCompletion(jobID, builderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, jobID)
}

func testSecret(t *testing.T) ejauth.Secret {
	t.Helper()
	s, err := ejauth.NewSecret("handlers-test-secret")
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	return s
}

// newTestServer wires a Server over fakeStore/fakeEngine and returns a
// client token with the given permissions pre-granted, for callers that
// need an authenticated round trip.
func newTestServer(t *testing.T, store *fakeStore, engine *fakeEngine, perms ...string) (*Server, string) {
	t.Helper()
	secret := testSecret(t)
	issuer := ejauth.NewIssuer(secret, "ejd-test")
	verifier := ejauth.NewVerifier(secret)

	s := New(Config{
		Store: store, Engine: engine, Verifier: verifier, Issuer: issuer,
		ClientTTL: time.Hour, BuilderTTL: time.Hour,
	})

	token, err := issuer.IssueClientToken("tester", perms, time.Hour)
	if err != nil {
		t.Fatalf("IssueClientToken: %v", err)
	}
	return s, token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleLoginSuccessAndFailure(t *testing.T) {
	store := newFakeStore()
	hash, err := ejauth.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := store.CreateClient("alice", hash); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	s, _ := newTestServer(t, store, &fakeEngine{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/login", "", loginRequest{Name: "alice", Password: "correct-horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected a non-empty token")
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/login", "", loginRequest{Name: "alice", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestHandleCreateClientRequiresPermission(t *testing.T) {
	store := newFakeStore()
	s, tokenNoPerm := newTestServer(t, store, &fakeEngine{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/create-client", tokenNoPerm,
		createClientRequest{Name: "bob", Password: "pw"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without client.create, got %d", rec.Code)
	}

	_, tokenWithPerm := newTestServer(t, store, &fakeEngine{}, ejmodel.PermClientCreate)
	rec = doJSON(t, s.Handler(), http.MethodPost, "/create-client", tokenWithPerm,
		createClientRequest{Name: "bob", Password: "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateClientNoToken(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestServer(t, store, &fakeEngine{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/create-client", "",
		createClientRequest{Name: "bob", Password: "pw"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no token presented, got %d", rec.Code)
	}
}

func TestHandleDispatchStreamsNDJSONUntilTerminal(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{sendUpdates: []ejengine.Update{
		{Kind: ejengine.UpdateJobStarted, NbBuilders: 2},
		{Kind: ejengine.UpdateBuildFinished, Success: true},
	}}
	s, token := newTestServer(t, store, engine, ejmodel.PermClientDispatch)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/dispatch", token, dispatchRequest{
		Job:     ejmodel.JobSubmission{Type: ejmodel.JobTypeBuild, CommitHash: "c1", RemoteURL: "u1"},
		Timeout: time.Minute,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %q", len(lines), rec.Body.String())
	}
	if !strings.Contains(lines[0], "JobStarted") {
		t.Fatalf("expected first line to be JobStarted, got %s", lines[0])
	}
	if !strings.Contains(lines[1], "BuildFinished") {
		t.Fatalf("expected second line to be BuildFinished, got %s", lines[1])
	}

	if len(engine.dispatched) != 1 {
		t.Fatalf("expected exactly one job dispatched, got %d", len(engine.dispatched))
	}
}

func TestHandleDispatchRejectsNonPositiveTimeout(t *testing.T) {
	store := newFakeStore()
	s, token := newTestServer(t, store, &fakeEngine{}, ejmodel.PermClientDispatch)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/dispatch", token, dispatchRequest{
		Job: ejmodel.JobSubmission{Type: ejmodel.JobTypeBuild, CommitHash: "c1", RemoteURL: "u1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero timeout, got %d", rec.Code)
	}
}

func TestHandlePostBuildResultRejectsWrongJobType(t *testing.T) {
	store := newFakeStore()
	job, err := store.CreateJob(ejmodel.JobSubmission{Type: ejmodel.JobTypeBuildAndRun, CommitHash: "c1", RemoteURL: "u1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	engine := &fakeEngine{}
	s, token := newTestServer(t, store, engine, ejmodel.PermBuilder)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/post-build-result", token, buildResultRequest{
		JobID: job.ID, Successful: true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a BuildAndRun job posted as Build, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(engine.completed) != 0 {
		t.Fatalf("expected no completion reported on rejection, got %v", engine.completed)
	}
}

func TestHandlePostBuildResultPersistsLogsAndStatus(t *testing.T) {
	store := newFakeStore()
	job, err := store.CreateJob(ejmodel.JobSubmission{Type: ejmodel.JobTypeBuild, CommitHash: "c1", RemoteURL: "u1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	engine := &fakeEngine{}
	s, token := newTestServer(t, store, engine, ejmodel.PermBuilder)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/post-build-result", token, buildResultRequest{
		JobID: job.ID, Successful: true,
		Logs: []resultLogEntry{{BoardConfigID: "board-a", Lines: []string{"line one", "line two"}}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	updated, err := store.FetchJob(job.ID)
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if updated.Status != ejmodel.JobSuccess {
		t.Fatalf("expected job status Success, got %s", updated.Status)
	}
	if len(engine.completed) != 1 || engine.completed[0] != job.ID {
		t.Fatalf("expected completion reported for %s, got %v", job.ID, engine.completed)
	}

	logs, err := store.FetchLogsWithBoard(job.ID)
	if err != nil {
		t.Fatalf("FetchLogsWithBoard: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected one row per logged line, got %d", len(logs))
	}
}

func TestHandleFetchJobReturnsStatusAndLogs(t *testing.T) {
	store := newFakeStore()
	job, err := store.CreateJob(ejmodel.JobSubmission{Type: ejmodel.JobTypeBuild, CommitHash: "c1", RemoteURL: "u1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.AppendLog(job.ID, "board-a", "building...\n"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	s, token := newTestServer(t, store, &fakeEngine{}, ejmodel.PermClientDispatch)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/jobs/"+job.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding job response: %v", err)
	}
	if resp.ID != job.ID || resp.Type != ejmodel.JobTypeBuild {
		t.Fatalf("unexpected job response: %+v", resp)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Text != "building...\n" {
		t.Fatalf("unexpected logs in job response: %+v", resp.Logs)
	}
}

func TestHandleFetchJobResultsRejectsBuildJob(t *testing.T) {
	store := newFakeStore()
	job, err := store.CreateJob(ejmodel.JobSubmission{Type: ejmodel.JobTypeBuild, CommitHash: "c1", RemoteURL: "u1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	s, token := newTestServer(t, store, &fakeEngine{}, ejmodel.PermClientDispatch)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/jobs/"+job.ID+"/results", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a Build job's results, got %d", rec.Code)
	}
}

func TestHandleFetchJobResultsReturnsPerBoardBlobs(t *testing.T) {
	store := newFakeStore()
	job, err := store.CreateJob(ejmodel.JobSubmission{Type: ejmodel.JobTypeBuildAndRun, CommitHash: "c1", RemoteURL: "u1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.PutResult(job.ID, "board-a", "pass: 10, fail: 0"); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	s, token := newTestServer(t, store, &fakeEngine{}, ejmodel.PermClientDispatch)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/jobs/"+job.ID+"/results", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp jobResultsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding results response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Text != "pass: 10, fail: 0" {
		t.Fatalf("unexpected results response: %+v", resp)
	}
}

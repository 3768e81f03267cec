package ejapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ejdispatch/ej/internal/apperr"
	"github.com/ejdispatch/ej/internal/ejauth"
	"github.com/ejdispatch/ej/internal/ejmodel"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InvalidJobType, "decoding request body", err))
		return false
	}
	return true
}

// setAuthCookie mirrors the teacher's cookie-manager layer, storing the
// bearer token as a session cookie in addition to returning it in the
// body (spec §6.7: "carried either in a session cookie ... or in the
// Authorization header").
func setAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth-token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

// handleLogin implements spec §4.E login: public, verifies credentials,
// returns a bearer token and sets the session cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	client, err := s.cfg.Store.FetchClientByName(req.Name)
	if err != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.WrongCredentials, "unknown client or bad password"))
		return
	}
	if !ejauth.CheckPassword(client.PasswordHash, req.Password) {
		apperr.WriteHTTP(w, apperr.New(apperr.WrongCredentials, "unknown client or bad password"))
		return
	}

	perms, err := s.cfg.Store.FetchPermissions(client.ID)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching permissions", err))
		return
	}

	token, err := s.cfg.Issuer.IssueClientToken(client.ID, perms, s.cfg.ClientTTL)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "issuing token", err))
		return
	}

	setAuthCookie(w, token)
	writeJSON(w, http.StatusOK, loginResponse{ClientID: client.ID, Token: token})
}

type builderLoginRequest struct {
	BuilderID string `json:"builder_id"`
	Token     string `json:"token"`
}

type builderLoginResponse struct {
	BuilderID   string `json:"builder_id"`
	AccessToken string `json:"access_token"`
}

// handleBuilderLogin implements spec §4.C/§4.E builder-login: public,
// verifies the long-lived builder token, and on success echoes the builder
// id back alongside an access token scoped to the `builder` permission for
// use on the duplex channel and result posting. The access token is
// issued with BuilderTTL, not the client token TTL.
func (s *Server) handleBuilderLogin(w http.ResponseWriter, r *http.Request) {
	var req builderLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	builder, err := s.cfg.Store.FetchBuilder(req.BuilderID)
	if err != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.WrongCredentials, "unknown builder or bad token"))
		return
	}
	if builder.Token != req.Token {
		apperr.WriteHTTP(w, apperr.New(apperr.WrongCredentials, "unknown builder or bad token"))
		return
	}

	accessToken, err := s.cfg.Issuer.IssueBuilderToken(builder.ID, s.cfg.BuilderTTL)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "issuing token", err))
		return
	}

	setAuthCookie(w, accessToken)
	writeJSON(w, http.StatusOK, builderLoginResponse{BuilderID: builder.ID, AccessToken: accessToken})
}

type createClientRequest struct {
	Name        string   `json:"name"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
}

type clientResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// handleCreateClient implements spec §4.E create-client, requiring
// client.create.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	hash, err := ejauth.HashPassword(req.Password)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "hashing password", err))
		return
	}

	client, err := s.cfg.Store.CreateClient(req.Name, hash)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "creating client", err))
		return
	}
	for _, p := range req.Permissions {
		if err := s.cfg.Store.GrantPermission(client.ID, p); err != nil {
			s.logger.Error("granting permission to new client", "client", client.ID, "permission", p, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, clientResponse{ID: client.ID, Name: client.Name})
}

type builderResponse struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Token   string `json:"token"`
}

// handleCreateBuilder implements spec §4.E create-builder, requiring
// builder.create: creates a builder owned by the authenticated client and
// issues its long-lived token.
func (s *Server) handleCreateBuilder(w http.ResponseWriter, r *http.Request) {
	authCtx, _ := ejauth.FromContext(r.Context())

	token := uuid.NewString() + uuid.NewString()
	builder, err := s.cfg.Store.CreateBuilder(authCtx.SubjectID, token)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "creating builder", err))
		return
	}

	writeJSON(w, http.StatusCreated, builderResponse{ID: builder.ID, OwnerID: builder.OwnerID, Token: builder.Token})
}

type pushConfigRequest struct {
	BoardName string                  `json:"board_name"`
	Config    ejmodel.UserBoardConfig `json:"config"`
}

type pushConfigResponse struct {
	Config ejmodel.BoardConfig `json:"config"`
}

// handlePushConfig implements spec §4.E push-config, requiring builder:
// deduplicates by (owner id, config hash) and persists on first sight.
func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	authCtx, _ := ejauth.FromContext(r.Context())

	var req pushConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	bc, err := s.cfg.Store.PushConfig(authCtx.SubjectID, req.BoardName, req.Config)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "pushing config", err))
		return
	}

	writeJSON(w, http.StatusOK, pushConfigResponse{Config: bc})
}

type dispatchRequest struct {
	Job     ejmodel.JobSubmission `json:"job"`
	Timeout time.Duration         `json:"timeout"`
}

// handleDispatch implements spec §4.E dispatch, requiring client.dispatch:
// persists the job and hands it to the engine, then streams the
// submitter update sequence (§6.2) back as newline-delimited JSON until
// the terminal update, at which point the response body closes.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Timeout <= 0 {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidJobType, "timeout must be positive"))
		return
	}

	job, err := s.cfg.Store.CreateJob(req.Job)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "creating job", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	sink := newStreamSink(w)
	s.cfg.Engine.Dispatch(job, sink, req.Timeout)
	sink.wait()
}

type buildResultRequest struct {
	JobID      string           `json:"job_id"`
	Successful bool             `json:"successful"`
	Logs       []resultLogEntry `json:"logs"`
}

type resultLogEntry struct {
	BoardConfigID string   `json:"board_config_id"`
	Lines         []string `json:"lines"`
}

type resultEntry struct {
	BoardConfigID string `json:"board_config_id"`
	Text          string `json:"text"`
}

type runResultRequest struct {
	JobID      string           `json:"job_id"`
	Successful bool             `json:"successful"`
	Logs       []resultLogEntry `json:"logs"`
	Results    []resultEntry    `json:"results"`
}

// handlePostBuildResult implements spec §4.E/§4.D "Result intake" for
// build results, requiring builder: rejects a job whose persisted type
// isn't Build, stores status + logs, then enqueues JobCompleted.
func (s *Server) handlePostBuildResult(w http.ResponseWriter, r *http.Request) {
	authCtx, _ := ejauth.FromContext(r.Context())

	var req buildResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := s.cfg.Store.FetchJob(req.JobID)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching job", err))
		return
	}
	if job.Type != ejmodel.JobTypeBuild {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidJobType, "job is not a Build job"))
		return
	}

	if err := s.persistResult(req.JobID, req.Successful, req.Logs, nil); err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "persisting build result", err))
		return
	}

	s.cfg.Engine.ReportCompletion(req.JobID, authCtx.SubjectID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePostRunResult is the BuildAndRun counterpart of
// handlePostBuildResult, additionally persisting per-board-config result
// blobs.
func (s *Server) handlePostRunResult(w http.ResponseWriter, r *http.Request) {
	authCtx, _ := ejauth.FromContext(r.Context())

	var req runResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := s.cfg.Store.FetchJob(req.JobID)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching job", err))
		return
	}
	if job.Type != ejmodel.JobTypeBuildAndRun {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidJobType, "job is not a BuildAndRun job"))
		return
	}

	if err := s.persistResult(req.JobID, req.Successful, req.Logs, req.Results); err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "persisting run result", err))
		return
	}

	s.cfg.Engine.ReportCompletion(req.JobID, authCtx.SubjectID)
	w.WriteHeader(http.StatusNoContent)
}

// persistResult stores status + logs (+ results, if non-nil) for one
// posted result, synchronously in the caller's task, per spec §5
// ordering guarantee (c): "a JobCompleted cannot be observed by the
// engine before the corresponding result has been persisted."
func (s *Server) persistResult(jobID string, successful bool, logs []resultLogEntry, results []resultEntry) error {
	status := ejmodel.JobFailed
	if successful {
		status = ejmodel.JobSuccess
	}
	if err := s.cfg.Store.UpdateStatus(jobID, status); err != nil {
		return err
	}

	for _, entry := range logs {
		for _, line := range entry.Lines {
			if err := s.cfg.Store.AppendLog(jobID, entry.BoardConfigID, line+"\n"); err != nil {
				return err
			}
		}
	}
	for _, entry := range results {
		if err := s.cfg.Store.PutResult(jobID, entry.BoardConfigID, entry.Text); err != nil {
			return err
		}
	}
	return nil
}

type jobResponse struct {
	ID         string            `json:"id"`
	Type       ejmodel.JobType   `json:"job_type"`
	CommitHash string            `json:"commit_hash"`
	RemoteURL  string            `json:"remote_url"`
	Status     ejmodel.JobStatus `json:"status"`
	Logs       []boardTextEntry  `json:"logs"`
}

type boardTextEntry struct {
	Board ejmodel.BoardConfigAPI `json:"board"`
	Text  string                 `json:"text"`
}

// handleFetchJob implements the "fetch-jobs" query of spec §6.6: a job's
// status plus its accumulated per-board logs, readable by any client
// holding the client.dispatch permission.
func (s *Server) handleFetchJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.cfg.Store.FetchJob(id)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching job", err))
		return
	}
	logs, err := s.cfg.Store.FetchLogsWithBoard(id)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching job logs", err))
		return
	}

	resp := jobResponse{
		ID:         job.ID,
		Type:       job.Type,
		CommitHash: job.CommitHash,
		RemoteURL:  job.RemoteURL,
		Status:     job.Status,
	}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, boardTextEntry{Board: l.Board, Text: l.Text})
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobResultsResponse struct {
	JobID   string           `json:"job_id"`
	Results []boardTextEntry `json:"results"`
}

// handleFetchJobResults implements the "fetch-run-result" query of
// spec §6.6: the per-board result blobs of a BuildAndRun job.
func (s *Server) handleFetchJobResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.cfg.Store.FetchJob(id)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching job", err))
		return
	}
	if job.Type != ejmodel.JobTypeBuildAndRun {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidJobType, "job is not a BuildAndRun job"))
		return
	}

	results, err := s.cfg.Store.FetchResultsWithBoard(id)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.InternalDispatchError, "fetching job results", err))
		return
	}

	resp := jobResultsResponse{JobID: id}
	for _, res := range results {
		resp.Results = append(resp.Results, boardTextEntry{Board: res.Board, Text: res.Text})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDuplex upgrades an authenticated builder request to the duplex
// channel (spec §4.E), registering the resulting Connected Builder with
// the hub for the connection's lifetime.
func (s *Server) handleDuplex(w http.ResponseWriter, r *http.Request) {
	authHandler := ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermBuilder, func(w http.ResponseWriter, r *http.Request) {
		authCtx, _ := ejauth.FromContext(r.Context())
		if err := s.cfg.Hub.ServeWS(authCtx.SubjectID, r.RemoteAddr, w, r); err != nil {
			s.logger.Warn("duplex channel closed with error", "builder", authCtx.SubjectID, "error", err)
		}
	})
	authHandler(w, r)
}

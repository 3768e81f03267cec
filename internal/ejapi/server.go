// Package ejapi implements the dispatcher's outer request/response
// surface and admin side-channel (spec.md §4.E): authenticated HTTP
// endpoints for login, client/builder management, config push, job
// dispatch, and result posting, plus the websocket duplex upgrade route
// and a local unix-socket admin protocol. Grounded on the teacher's
// server.New/registerRoutes (http.ServeMux with Go 1.22 method+path
// patterns) and on the original Rust ejd::api/ejd::socket for the exact
// route and admin-message shapes.
package ejapi

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ejdispatch/ej/internal/ejauth"
	"github.com/ejdispatch/ej/internal/ejengine"
	"github.com/ejdispatch/ej/internal/ejhub"
	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejstore"
)

// Store is the persistence surface ejapi needs beyond what ejengine
// already requires (§6.4).
type Store interface {
	CreateClient(name, passwordHash string) (ejmodel.Client, error)
	FetchClientByName(name string) (ejmodel.Client, error)
	FetchPermissions(clientID string) ([]string, error)
	GrantPermission(clientID, permission string) error
	GrantAllPermissions(clientID string) error
	ClientCount() (int, error)

	CreateBuilder(ownerID, token string) (ejmodel.Builder, error)
	FetchBuilder(id string) (ejmodel.Builder, error)

	PushConfig(ownerID, boardName string, cfg ejmodel.UserBoardConfig) (ejmodel.BoardConfig, error)

	CreateJob(sub ejmodel.JobSubmission) (ejmodel.Job, error)
	FetchJob(id string) (ejmodel.Job, error)
	UpdateStatus(id string, status ejmodel.JobStatus) error

	AppendLog(jobID, boardConfigID, text string) error
	PutResult(jobID, boardConfigID, text string) error
	FetchLogsWithBoard(jobID string) ([]ejstore.BoardLog, error)
	FetchResultsWithBoard(jobID string) ([]ejstore.BoardResult, error)
}

// Engine is the scheduling engine surface ejapi drives.
type Engine interface {
	Dispatch(job ejmodel.Job, sink ejengine.UpdatesSink, timeout time.Duration)
	ReportCompletion(jobID, builderID string)
}

// Config bundles everything the protocol surface needs to wire its
// routes and the admin side-channel.
type Config struct {
	Store      Store
	Engine     Engine
	Hub        *ejhub.Hub
	Verifier   *ejauth.Verifier
	Issuer     *ejauth.Issuer
	Logger     *slog.Logger
	ClientTTL  time.Duration
	BuilderTTL time.Duration
}

// Server owns the outer HTTP mux plus the admin unix-socket listener.
type Server struct {
	mux    *http.ServeMux
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{mux: http.NewServeMux(), cfg: cfg, logger: cfg.Logger}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to serve the outer request/response
// channel and duplex upgrade route on.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /builder-login", s.handleBuilderLogin)

	s.mux.HandleFunc("POST /create-client",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermClientCreate, s.handleCreateClient))
	s.mux.HandleFunc("POST /create-builder",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermBuilderCreate, s.handleCreateBuilder))
	s.mux.HandleFunc("POST /push-config",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermBuilder, s.handlePushConfig))
	s.mux.HandleFunc("POST /dispatch",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermClientDispatch, s.handleDispatch))
	s.mux.HandleFunc("POST /post-build-result",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermBuilder, s.handlePostBuildResult))
	s.mux.HandleFunc("POST /post-run-result",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermBuilder, s.handlePostRunResult))
	s.mux.HandleFunc("GET /jobs/{id}",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermClientDispatch, s.handleFetchJob))
	s.mux.HandleFunc("GET /jobs/{id}/results",
		ejauth.RequirePermission(s.cfg.Verifier, ejmodel.PermClientDispatch, s.handleFetchJobResults))

	s.mux.HandleFunc("GET /duplex", s.handleDuplex)
}

// ServeAdmin accepts connections on the local admin socket (§6.3) until
// ln is closed, handling each on its own goroutine. It blocks; callers
// run it in a goroutine.
func (s *Server) ServeAdmin(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleAdminConn(conn)
	}
}

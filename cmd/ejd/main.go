// Command ejd is the dispatcher service: it wires internal/ejstore,
// internal/ejengine, internal/ejhub, and internal/ejapi together and
// serves the outer HTTP request/response channel plus the local admin
// socket (spec.md §6.6). Grounded on the teacher's cmd/autoralph/main.go
// for the manual flag/env parsing and usage() banner idiom.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ejdispatch/ej/internal/ejapi"
	"github.com/ejdispatch/ej/internal/ejauth"
	"github.com/ejdispatch/ej/internal/ejconfig"
	"github.com/ejdispatch/ej/internal/ejengine"
	"github.com/ejdispatch/ej/internal/ejhub"
	"github.com/ejdispatch/ej/internal/ejlog"
	"github.com/ejdispatch/ej/internal/ejstore"
)

var version = "dev"

const defaultConfigPath = "ejd.yaml"

func usage() {
	fmt.Fprintf(os.Stderr, `ejd — distributed job-execution dispatcher

Usage:
  ejd serve [flags]   Start the dispatcher service

Flags:
  --config   Path to the dispatcher YAML config (default: %s, env: EJD_CONFIG)
  --log-level   debug|info|warn|error (default: info, env: EJD_LOG_LEVEL)
  --log-json    Emit JSON logs instead of text
`, defaultConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("ejd " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ejd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	configPath := envOr("EJD_CONFIG", defaultConfigPath)
	logLevel := envOr("EJD_LOG_LEVEL", "info")
	logJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--log-json":
			logJSON = true
		}
	}

	logger := ejlog.New(ejlog.Options{Level: logLevel, JSON: logJSON})

	cfg, err := ejconfig.LoadDispatcherConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Per spec §7 item 5, a missing auth secret is a fatal startup error;
	// LoadDispatcherConfig already validates this, NewSecret re-validates
	// defensively since Secret is constructed independently of the config
	// loader.
	secret, err := ejauth.NewSecret(cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("auth secret: %w", err)
	}

	store, err := ejstore.Open(cfg.SqliteDSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ejhub.NewHub(logger)
	engine := ejengine.New(ctx, store, hub, logger)

	verifier := ejauth.NewVerifier(secret)
	issuer := ejauth.NewIssuer(secret, "ejd")

	api := ejapi.New(ejapi.Config{
		Store:      store,
		Engine:     engine,
		Hub:        hub,
		Verifier:   verifier,
		Issuer:     issuer,
		Logger:     logger,
		ClientTTL:  cfg.ClientTokenTTL,
		BuilderTTL: cfg.BuilderTokenTTL,
	})

	_ = os.Remove(cfg.AdminSocketPath)
	adminLn, err := net.Listen("unix", cfg.AdminSocketPath)
	if err != nil {
		return fmt.Errorf("listening on admin socket %s: %w", cfg.AdminSocketPath, err)
	}
	defer adminLn.Close()
	go func() {
		if err := api.ServeAdmin(adminLn); err != nil {
			logger.Info("admin socket stopped", "error", err)
		}
	}()

	httpLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	logger.Info("ejd listening", "addr", httpLn.Addr().String(), "admin_socket", cfg.AdminSocketPath)

	go func() {
		if err := http.Serve(httpLn, api.Handler()); err != nil {
			logger.Info("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	httpLn.Close()

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

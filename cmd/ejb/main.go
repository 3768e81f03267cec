// Command ejb is the builder agent: it loads a local board-configuration
// file and either inspects it (parse, validate), checks out source code
// on its own (checkout), or connects to a dispatcher and runs jobs as
// they arrive (connect). Grounded on the original Rust ejb::cli/ejb::main
// for the subcommand surface and on the teacher's cmd/autoralph/main.go
// for the manual flag/env parsing and usage() banner idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ejdispatch/ej/internal/builderagent"
	"github.com/ejdispatch/ej/internal/ejconfig"
	"github.com/ejdispatch/ej/internal/ejlog"
	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejorchestrator"
)

var version = "dev"

const defaultSocketPath = "/tmp/ejb.sock"

func usage() {
	fmt.Fprintf(os.Stderr, `ejb — builder agent

Usage:
  ejb parse    --config PATH
  ejb validate --config PATH [--socket-path PATH]
  ejb checkout --config PATH --commit-hash HASH --remote-url URL [--remote-token TOKEN]
  ejb connect  --config PATH --server URL [--id ID] [--token TOKEN] [--socket-path PATH]

Flags common to every command:
  --config       Path to the board-configuration TOML file (required)
  --log-level    debug|info|warn|error (default: info, env: EJB_LOG_LEVEL)
  --log-json     Emit JSON logs instead of text

connect also reads EJB_ID and EJB_TOKEN when --id/--token are omitted.
`)
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
	case "parse":
		err = runParse(rest)
	case "validate":
		err = runValidate(rest)
	case "checkout":
		err = runCheckout(rest)
	case "connect":
		err = runConnect(rest)
	case "--version", "version":
		fmt.Println("ejb " + version)
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
		fmt.Fprintf(os.Stderr, "ejb %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

// commonFlags holds the flags every subcommand accepts. Subcommand-specific
// flags registered in parseFlags' extra and boolExtra maps are not held
// here; parseFlags writes them through the caller's pointers.
type commonFlags struct {
	config     string
	logLevel   string
	logJSON    bool
	socketPath string
}

func parseFlags(args []string, extra map[string]*string, boolExtra map[string]*bool) (commonFlags, error) {
	cf := commonFlags{
		logLevel:   envOr("EJB_LOG_LEVEL", "info"),
		socketPath: defaultSocketPath,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--config":
			i++
			if i >= len(args) {
				return cf, fmt.Errorf("--config requires a value")
			}
			cf.config = args[i]
		case "--log-level":
			i++
			if i >= len(args) {
				return cf, fmt.Errorf("--log-level requires a value")
			}
			cf.logLevel = args[i]
		case "--log-json":
			cf.logJSON = true
		case "--socket-path":
			i++
			if i >= len(args) {
				return cf, fmt.Errorf("--socket-path requires a value")
			}
			cf.socketPath = args[i]
		default:
			if dst, ok := extra[arg]; ok {
				i++
				if i >= len(args) {
					return cf, fmt.Errorf("%s requires a value", arg)
				}
				*dst = args[i]
				continue
			}
			if dst, ok := boolExtra[arg]; ok {
				*dst = true
				continue
			}
			return cf, fmt.Errorf("unrecognized flag: %s", arg)
		}
	}

	if cf.config == "" {
		return cf, fmt.Errorf("--config is required")
	}
	return cf, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadBoards reads cfg's board-configuration file and assembles it into
// the orchestrator's Board shape, synthesizing a local id for each
// configuration since no dispatcher has assigned one yet.
func loadBoards(configPath string) ([]ejorchestrator.Board, error) {
	userCfg, err := ejconfig.LoadBoardConfig(configPath)
	if err != nil {
		return nil, err
	}

	entries := ejconfig.Flatten(userCfg)
	byBoard := make(map[string]*ejorchestrator.Board)
	var order []string
	for _, e := range entries {
		b, ok := byBoard[e.BoardName]
		if !ok {
			b = &ejorchestrator.Board{Name: e.BoardName}
			byBoard[e.BoardName] = b
			order = append(order, e.BoardName)
		}
		b.Configs = append(b.Configs, ejmodel.BoardConfig{
			ID:          e.BoardName + "/" + e.Config.Name,
			BoardName:   e.BoardName,
			Name:        e.Config.Name,
			Tags:        e.Config.Tags,
			BuildScript: e.Config.BuildScript,
			RunScript:   e.Config.RunScript,
			ResultsPath: e.Config.ResultsPath,
			LibraryPath: e.Config.LibraryPath,
		})
	}

	boards := make([]ejorchestrator.Board, 0, len(order))
	for _, name := range order {
		boards = append(boards, *byBoard[name])
	}
	return boards, nil
}

// runParse implements "ejb parse": load and display the configuration
// file without touching any source checkout or the network.
func runParse(args []string) error {
	cf, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}

	userCfg, err := ejconfig.LoadBoardConfig(cf.config)
	if err != nil {
		return err
	}

	fmt.Println("Configuration parsed successfully")
	fmt.Printf("Number of boards: %d\n", len(userCfg.Boards))
	for _, entry := range ejconfig.Flatten(userCfg) {
		fmt.Printf("\n%s / %s\n", entry.BoardName, entry.Config.Name)
		fmt.Printf("  Tags:         %v\n", entry.Config.Tags)
		fmt.Printf("  Build script: %s\n", entry.Config.BuildScript)
		fmt.Printf("  Run script:   %s\n", entry.Config.RunScript)
		fmt.Printf("  Results path: %s\n", entry.Config.ResultsPath)
		fmt.Printf("  Library path: %s\n", entry.Config.LibraryPath)
	}
	return nil
}

// runValidate implements "ejb validate": run build then run for every
// declared configuration against its existing local checkout, so an
// operator can exercise their scripts before connecting to a dispatcher.
func runValidate(args []string) error {
	cf, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}

	logger := ejlog.New(ejlog.Options{Level: cf.logLevel, JSON: cf.logJSON})

	boards, err := loadBoards(cf.config)
	if err != nil {
		return err
	}

	fmt.Printf("Validating configuration file: %s\n", cf.config)

	socketDir := filepath.Dir(cf.socketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}

	orch := &ejorchestrator.Orchestrator{ConfigPath: cf.config, SocketDir: socketDir, Logger: logger}
	result, err := orch.BuildAndRun(context.Background(), boards)
	dumpLogs(result)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// runCheckout implements "ejb checkout": check out every declared
// library path at the given commit from the given remote, outside of any
// dispatched job.
func runCheckout(args []string) error {
	var commitHash, remoteURL, remoteToken string
	cf, err := parseFlags(args,
		map[string]*string{"--commit-hash": &commitHash, "--remote-url": &remoteURL, "--remote-token": &remoteToken},
		nil)
	if err != nil {
		return err
	}
	if commitHash == "" || remoteURL == "" {
		return fmt.Errorf("--commit-hash and --remote-url are required")
	}

	logger := ejlog.New(ejlog.Options{Level: cf.logLevel, JSON: cf.logJSON})

	boards, err := loadBoards(cf.config)
	if err != nil {
		return err
	}

	job := ejmodel.DeployableJob{CommitHash: commitHash, RemoteURL: remoteURL}
	if remoteToken != "" {
		job.RemoteToken = &remoteToken
	}

	socketDir := filepath.Dir(cf.socketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}

	orch := &ejorchestrator.Orchestrator{ConfigPath: cf.config, SocketDir: socketDir, Logger: logger}
	result, err := orch.CheckoutAll(context.Background(), job, boards)
	dumpLogs(result)
	return err
}

// runConnect implements "ejb connect": authenticate, push the local
// configuration, and run the duplex receive loop until the dispatcher
// closes the channel, the process is signalled, or the connection fails.
func runConnect(args []string) error {
	var server, id, token string
	cf, err := parseFlags(args,
		map[string]*string{"--server": &server, "--id": &id, "--token": &token},
		nil)
	if err != nil {
		return err
	}
	if server == "" {
		return fmt.Errorf("--server is required")
	}
	if id == "" {
		id = envOr("EJB_ID", "")
	}
	if token == "" {
		token = envOr("EJB_TOKEN", "")
	}
	if id == "" {
		return fmt.Errorf("builder id required: pass --id or set EJB_ID")
	}
	if token == "" {
		return fmt.Errorf("builder token required: pass --token or set EJB_TOKEN")
	}

	logger := ejlog.New(ejlog.Options{Level: cf.logLevel, JSON: cf.logJSON})

	userCfg, err := ejconfig.LoadBoardConfig(cf.config)
	if err != nil {
		return err
	}
	boards, err := loadBoards(cf.config)
	if err != nil {
		return err
	}

	socketDir := filepath.Dir(cf.socketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}
	orch := &ejorchestrator.Orchestrator{ConfigPath: cf.config, SocketDir: socketDir, Logger: logger}

	agent := &builderagent.Agent{
		DispatcherURL: server,
		BuilderID:     id,
		Token:         token,
		Orchestrator:  orch,
		Boards:        boards,
		Logger:        logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Login(ctx); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	logger.Info("logged in", "builder_id", id)

	var assignedBoards []ejorchestrator.Board
	for boardName, board := range userCfg.Boards {
		assigned, err := agent.PushConfig(ctx, boardName, board.Configs)
		if err != nil {
			return fmt.Errorf("pushing config for board %q: %w", boardName, err)
		}
		assignedBoards = append(assignedBoards, ejorchestrator.Board{Name: boardName, Configs: assigned})
	}
	agent.Boards = assignedBoards
	logger.Info("configuration pushed")

	logger.Info("connecting", "server", server)
	return agent.Connect(ctx)
}

func dumpLogs(result ejorchestrator.Result) {
	for id, lines := range result.Logs {
		fmt.Printf("=== %s ===\n", id)
		for _, line := range lines {
			fmt.Println(line)
		}
	}
}

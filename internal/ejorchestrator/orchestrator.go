// Package ejorchestrator implements the builder-side checkout/build/run
// pipeline (spec.md §4.B). Grounded on the original Rust
// ejb::checkout/ejb::build/ejb::run: the dedup-by-library-path checkout
// sweep, the sequential-per-board build loop, and the
// parallel-per-board/sequential-per-config run loop, each re-expressed
// over internal/ejprocess's event-streaming Runner instead of a raw
// tokio/std::thread channel. The cancellation escalation (Exit message,
// 60s grace, stop flag, 30s grace, abort) is new plumbing built for this
// package, grounded on the same spec section's explicit timeline.
package ejorchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ejdispatch/ej/internal/ejchildsock"
	"github.com/ejdispatch/ej/internal/ejmodel"
	"github.com/ejdispatch/ej/internal/ejprocess"
)

// Board groups the board configurations for one named board. For a
// connected builder, the configurations are the ones push-config returned
// with their dispatcher-assigned ids; the standalone validate and checkout
// commands use locally synthesized ids instead.
type Board struct {
	Name    string
	Configs []ejmodel.BoardConfig
}

// Result is the pipeline's output: per-board-config logs and, for
// BuildAndRun jobs, per-board-config result blobs.
type Result struct {
	Logs    map[string][]string // board-config id -> lines, in order
	Results map[string]string   // board-config id -> result file contents
	Success bool
}

func newResult() Result {
	return Result{Logs: make(map[string][]string), Results: make(map[string]string)}
}

func (r *Result) appendLog(configID, line string) {
	r.Logs[configID] = append(r.Logs[configID], line)
}

// Orchestrator runs the pipeline for one job against a builder's local
// checkout and socket directory.
type Orchestrator struct {
	// ConfigPath is passed to build/run scripts as the config-path
	// argument (the builder's board-config.toml location).
	ConfigPath string
	// SocketDir is where per-invocation child sockets are created.
	SocketDir string
	Logger    *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// cancelController implements the escalating cancellation timeline of
// spec.md §4.B: Exit message, 60s grace, stop-flag, 30s grace, abort.
// Every active Runner's StopFlag is registered with it for the duration
// of its command.
type cancelController struct {
	mu        sync.Mutex
	sock      *ejchildsock.Server
	stopFlags map[*ejprocess.StopFlag]struct{}
}

func newCancelController() *cancelController {
	return &cancelController{stopFlags: make(map[*ejprocess.StopFlag]struct{})}
}

func (c *cancelController) setSocket(s *ejchildsock.Server) {
	c.mu.Lock()
	c.sock = s
	c.mu.Unlock()
}

func (c *cancelController) track(f *ejprocess.StopFlag) (untrack func()) {
	c.mu.Lock()
	c.stopFlags[f] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stopFlags, f)
		c.mu.Unlock()
	}
}

func (c *cancelController) sendExit() {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.SendExit(); err != nil {
		slog.Default().Warn("sending exit message to child socket", "error", err)
	}
}

func (c *cancelController) setStopFlags() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f := range c.stopFlags {
		f.Set()
	}
}

// run drives the escalation timeline until done closes or the whole job
// is aborted via abort.
func (c *cancelController) run(cancel <-chan struct{}, done <-chan struct{}, abort func()) {
	select {
	case <-done:
		return
	case <-cancel:
	}

	c.sendExit()

	grace := time.NewTimer(60 * time.Second)
	select {
	case <-done:
		grace.Stop()
		return
	case <-grace.C:
	}

	c.setStopFlags()

	abortTimer := time.NewTimer(30 * time.Second)
	select {
	case <-done:
		abortTimer.Stop()
		return
	case <-abortTimer.C:
		abort()
	}
}

// Execute runs checkout, build, and (for BuildAndRun jobs) run for job
// against boards, honoring cancel as described in spec.md §4.B. Execute
// always returns a nil error: a checkout or build failure, a child socket
// that cannot be opened, and a cancellation (even one after which the
// scripts still finish cleanly) are all reported as Result.Success ==
// false, so every call yields one result.
func (o *Orchestrator) Execute(ctx context.Context, job ejmodel.DeployableJob, boards []Board, cancel <-chan struct{}) (Result, error) {
	result := newResult()
	cancelled := func() bool {
		select {
		case <-cancel:
			return true
		default:
			return false
		}
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	done := make(chan struct{})
	cc := newCancelController()
	go cc.run(cancel, done, abort)
	defer close(done)

	if err := o.checkoutAll(runCtx, job, boards, cc, &result); err != nil {
		o.logger().Error("checkout failed", "job", job.ID, "error", err)
		result.Success = false
		return result, nil
	}

	if err := o.buildAll(runCtx, boards, cc, &result); err != nil {
		o.logger().Error("build failed", "job", job.ID, "error", err)
		result.Success = false
		return result, nil
	}

	if job.JobType != ejmodel.JobTypeBuildAndRun {
		result.Success = !cancelled()
		return result, nil
	}

	o.runAll(runCtx, boards, cc, &result)

	result.Success = !cancelled()
	return result, nil
}

// CheckoutAll runs just the checkout step against boards for the given
// commit/remote, with no cancellation escalation in play — used by the
// standalone checkout CLI command, outside of any dispatched job.
func (o *Orchestrator) CheckoutAll(ctx context.Context, job ejmodel.DeployableJob, boards []Board) (Result, error) {
	result := newResult()
	cc := newCancelController()
	if err := o.checkoutAll(ctx, job, boards, cc, &result); err != nil {
		return result, err
	}
	result.Success = true
	return result, nil
}

// BuildAndRun runs build then run against boards already checked out on
// disk, with no checkout step — used by the standalone validate CLI
// command to exercise a builder's scripts before connecting.
func (o *Orchestrator) BuildAndRun(ctx context.Context, boards []Board) (Result, error) {
	result := newResult()
	cc := newCancelController()
	if err := o.buildAll(ctx, boards, cc, &result); err != nil {
		return result, err
	}
	o.runAll(ctx, boards, cc, &result)
	result.Success = true
	return result, nil
}

// checkoutAll implements spec.md §4.B step 1: dedup by library path,
// configure a remote named ejupstream, fetch, and check out the commit.
func (o *Orchestrator) checkoutAll(ctx context.Context, job ejmodel.DeployableJob, boards []Board, cc *cancelController, result *Result) error {
	seen := make(map[string]string) // library path -> the config id that checked it out

	for _, board := range boards {
		for _, cfg := range board.Configs {
			if doneID, ok := seen[cfg.LibraryPath]; ok {
				result.Logs[cfg.ID] = append([]string(nil), result.Logs[doneID]...)
				continue
			}
			if err := o.checkoutOne(ctx, job, cfg, cc, result); err != nil {
				return err
			}
			seen[cfg.LibraryPath] = cfg.ID
		}
	}
	return nil
}

const remoteName = "ejupstream"

func (o *Orchestrator) checkoutOne(ctx context.Context, job ejmodel.DeployableJob, cfg ejmodel.BoardConfig, cc *cancelController, result *Result) error {
	remoteURL := buildRemoteURL(job.RemoteURL, job.RemoteToken)

	commands := [][]string{
		{"git", "-C", cfg.LibraryPath, "remote", "remove", remoteName},
		{"git", "-C", cfg.LibraryPath, "remote", "add", remoteName, remoteURL},
		{"git", "-C", cfg.LibraryPath, "fetch", remoteName},
		{"git", "-C", cfg.LibraryPath, "checkout", job.CommitHash},
	}

	for i, args := range commands {
		shown := fmt.Sprint(args)
		if job.RemoteToken != nil {
			shown = strings.ReplaceAll(shown, *job.RemoteToken, "<REDACTED>")
		}
		lines, success, err := o.runCommand(ctx, args[0], args[1:], "", cc)
		if err != nil {
			return fmt.Errorf("spawning %s: %w", shown, err)
		}
		for _, line := range lines {
			if job.RemoteToken != nil {
				line = strings.ReplaceAll(line, *job.RemoteToken, "<REDACTED>")
			}
			result.appendLog(cfg.ID, line)
		}
		// The first command removes a remote that may not yet exist; its
		// failure is expected and not fatal.
		if !success && i != 0 {
			return fmt.Errorf("checkout command %s failed", shown)
		}
	}
	return nil
}

// buildRemoteURL prefixes an http(s) remote with "token@" after the
// scheme; a git@ (SSH) remote is returned unchanged since the token has
// no role in SSH auth.
func buildRemoteURL(remoteURL string, token *string) string {
	if token == nil || strings.HasPrefix(remoteURL, "git@") {
		return remoteURL
	}
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(remoteURL, scheme); ok {
			return fmt.Sprintf("%s%s@%s", scheme, *token, rest)
		}
	}
	return remoteURL
}

// buildAll implements spec.md §4.B step 2: sequential per board, then
// sequential per configuration.
func (o *Orchestrator) buildAll(ctx context.Context, boards []Board, cc *cancelController, result *Result) error {
	for boardIdx, board := range boards {
		for cfgIdx, cfg := range board.Configs {
			o.logger().Info("building", "board", board.Name, "board_idx", boardIdx, "config", cfg.Name, "config_idx", cfgIdx)
			if err := o.invokeScript(ctx, "build", cfg.BuildScript, cfg, cc, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// runAll implements spec.md §4.B step 3: boards run in parallel,
// configurations within a board run sequentially. Per-board results are
// collected independently and merged after every board finishes, so one
// board's failure does not block another's results from being recorded.
// A run-script's non-zero exit is a per-config failure, not a job-fatal
// one: it is logged and that config's result is skipped, but every other
// board and configuration still runs to completion.
func (o *Orchestrator) runAll(ctx context.Context, boards []Board, cc *cancelController, result *Result) {
	results := make([]Result, len(boards))
	var wg sync.WaitGroup
	wg.Add(len(boards))
	for i, board := range boards {
		i, board := i, board
		go func() {
			defer wg.Done()
			boardResult := newResult()
			o.runBoard(ctx, board, cc, &boardResult)
			results[i] = boardResult
		}()
	}
	wg.Wait()

	for _, boardResult := range results {
		for id, lines := range boardResult.Logs {
			result.Logs[id] = append(result.Logs[id], lines...)
		}
		for id, text := range boardResult.Results {
			result.Results[id] = text
		}
	}
}

func (o *Orchestrator) runBoard(ctx context.Context, board Board, cc *cancelController, boardResult *Result) {
	for _, cfg := range board.Configs {
		o.logger().Info("running", "board", board.Name, "config", cfg.Name)
		if err := o.invokeScript(ctx, "run", cfg.RunScript, cfg, cc, boardResult); err != nil {
			o.logger().Error("run script failed", "board", board.Name, "config", cfg.Name, "error", err)
			continue
		}
		data, err := os.ReadFile(cfg.ResultsPath)
		if err != nil {
			o.logger().Error("reading results file", "config", cfg.Name, "path", cfg.ResultsPath, "error", err)
			continue
		}
		boardResult.Results[cfg.ID] = string(data)
	}
}

// invokeScript spawns script with argv [action, config-path, socket-path]
// (spec.md §4.B steps 2-3), streaming output into result under cfg.ID.
func (o *Orchestrator) invokeScript(ctx context.Context, action, script string, cfg ejmodel.BoardConfig, cc *cancelController, result *Result) error {
	sockPath := filepath.Join(o.SocketDir, uuid.NewString()+".sock")
	sock, err := ejchildsock.Listen(sockPath)
	if err != nil {
		return fmt.Errorf("opening child socket for %s: %w", cfg.Name, err)
	}
	cc.setSocket(sock)
	defer func() {
		cc.setSocket(nil)
		sock.Close()
	}()
	go func() { _ = sock.Accept() }()

	lines, success, err := o.runCommand(ctx, script, []string{action, o.ConfigPath, sock.Path()}, cfg.LibraryPath, cc)
	if err != nil {
		return fmt.Errorf("spawning %s script for %s: %w", action, cfg.Name, err)
	}
	for _, line := range lines {
		result.appendLog(cfg.ID, line)
	}
	if !success {
		return fmt.Errorf("%s script for %s exited non-zero", action, cfg.Name)
	}
	return nil
}

// runCommand runs one command to completion, collecting its output lines
// and registering its stop flag with cc so a cancellation in progress can
// escalate to killing it.
func (o *Orchestrator) runCommand(ctx context.Context, path string, args []string, dir string, cc *cancelController) (lines []string, success bool, err error) {
	stop := &ejprocess.StopFlag{}
	untrack := cc.track(stop)
	defer untrack()

	events := make(chan ejprocess.Event, 64)
	runner := &ejprocess.Runner{Path: path, Args: args, Dir: dir}

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx, events, stop) }()

	for ev := range drainUntilEnded(events) {
		switch ev.Kind {
		case ejprocess.OutputLine:
			lines = append(lines, ev.Line)
		case ejprocess.Ended:
			success = ev.Success
		case ejprocess.CreationFailed:
			err = fmt.Errorf("%s: %s", path, ev.Reason)
		}
	}
	if spawnErr := <-runErr; spawnErr != nil {
		return lines, false, spawnErr
	}
	return lines, success, err
}

// drainUntilEnded relays events from in until a terminal event (Ended, or
// CreationFailed when the spawn never happened at all) is seen
// (inclusive), then closes the returned channel.
func drainUntilEnded(in chan ejprocess.Event) chan ejprocess.Event {
	out := make(chan ejprocess.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			out <- ev
			if ev.Kind == ejprocess.Ended || ev.Kind == ejprocess.CreationFailed {
				return
			}
		}
	}()
	return out
}

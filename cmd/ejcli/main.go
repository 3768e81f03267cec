// Command ejcli is a thin client for the dispatcher: it dispatches build
// and run jobs through the admin socket and renders their lifecycle live,
// and performs one-shot HTTP calls for user/builder provisioning and
// read-only job queries. Grounded on the original Rust ejcli::cli/
// ejcli::commands for the subcommand surface, and on the teacher's
// cmd/autoralph/main.go for the manual flag/env parsing idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/ejdispatch/ej/internal/ejapiclient"
	"github.com/ejdispatch/ej/internal/ejmodel"
)

var version = "dev"

const (
	defaultAdminSocket = "/tmp/ejd-admin.sock"
	defaultTimeout     = 5 * time.Minute
)

var errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

func usage() {
	fmt.Fprintf(os.Stderr, `ejcli — dispatcher client

Usage:
  ejcli dispatch-build  --commit-hash HASH --remote-url URL [--remote-token TOKEN] [--timeout DURATION]
  ejcli dispatch-run    --commit-hash HASH --remote-url URL [--remote-token TOKEN] [--timeout DURATION]
  ejcli create-root-user [--name NAME] [--secret SECRET]
  ejcli create-builder  --server URL [--token TOKEN] [--name NAME] [--password PASSWORD]
  ejcli fetch-jobs      --server URL [--token TOKEN] --job-id ID
  ejcli fetch-run-result --server URL [--token TOKEN] --job-id ID

Flags common to the admin-socket commands:
  --admin-socket  Path to the dispatcher's admin socket (default: %s, env: EJCLI_ADMIN_SOCKET)

create-root-user/create-builder prompt interactively for any credential
left unset.
`, defaultAdminSocket)
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
	case "dispatch-build":
		err = runDispatch(rest, ejmodel.JobTypeBuild)
	case "dispatch-run":
		err = runDispatch(rest, ejmodel.JobTypeBuildAndRun)
	case "create-root-user":
		err = runCreateRootUser(rest)
	case "create-builder":
		err = runCreateBuilder(rest)
	case "fetch-jobs":
		err = runFetchJobs(rest)
	case "fetch-run-result":
		err = runFetchRunResult(rest)
	case "--version", "version":
		fmt.Println("ejcli " + version)
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
		fmt.Fprintln(os.Stderr, errStyle.Render(fmt.Sprintf("ejcli %s: %v", subcmd, err)))
		os.Exit(1)
	}
}

type flagSet map[string]*string

// parseArgs fills dst from --flag value pairs in args, returning an error
// on an unrecognized flag or a flag missing its value.
func parseArgs(args []string, dst flagSet) error {
	for i := 0; i < len(args); i++ {
		ptr, ok := dst[args[i]]
		if !ok {
			return fmt.Errorf("unrecognized flag: %s", args[i])
		}
		i++
		if i >= len(args) {
			return fmt.Errorf("%s requires a value", args[i-1])
		}
		*ptr = args[i]
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runDispatch(args []string, jobType ejmodel.JobType) error {
	var commitHash, remoteURL, remoteToken, timeoutStr, adminSocket string
	adminSocket = envOr("EJCLI_ADMIN_SOCKET", defaultAdminSocket)
	if err := parseArgs(args, flagSet{
		"--commit-hash":  &commitHash,
		"--remote-url":   &remoteURL,
		"--remote-token": &remoteToken,
		"--timeout":      &timeoutStr,
		"--admin-socket": &adminSocket,
	}); err != nil {
		return err
	}
	if commitHash == "" || remoteURL == "" {
		return fmt.Errorf("--commit-hash and --remote-url are required")
	}

	timeout := defaultTimeout
	if timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
		timeout = d
	}

	job := ejmodel.JobSubmission{Type: jobType, CommitHash: commitHash, RemoteURL: remoteURL, RemoteToken: remoteToken}
	return runDispatchTUI(context.Background(), adminSocket, job, timeout)
}

func runCreateRootUser(args []string) error {
	var name, secret, adminSocket string
	adminSocket = envOr("EJCLI_ADMIN_SOCKET", defaultAdminSocket)
	if err := parseArgs(args, flagSet{"--name": &name, "--secret": &secret, "--admin-socket": &adminSocket}); err != nil {
		return err
	}

	if err := promptMissing(
		field{"Root user name", &name, false},
		field{"Root user secret", &secret, true},
	); err != nil {
		return err
	}

	client, err := createRootUser(adminSocket, name, secret)
	if err != nil {
		return err
	}
	fmt.Printf("Created root user %s (%s)\n", client.Name, client.ID)
	return nil
}

func runCreateBuilder(args []string) error {
	var server, token, name, password string
	if err := parseArgs(args, flagSet{
		"--server": &server, "--token": &token, "--name": &name, "--password": &password,
	}); err != nil {
		return err
	}
	if server == "" {
		return fmt.Errorf("--server is required")
	}

	client := ejapiclient.New(server, token)

	if token == "" {
		if err := promptMissing(
			field{"Client name", &name, false},
			field{"Client password", &password, true},
		); err != nil {
			return err
		}
		var resp struct {
			ClientID string `json:"client_id"`
			Token    string `json:"token"`
		}
		if err := client.Post("/login", map[string]string{"name": name, "password": password}, &resp); err != nil {
			return fmt.Errorf("logging in: %w", err)
		}
		client.Token = resp.Token
	}

	var builder struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
		Token   string `json:"token"`
	}
	if err := client.Post("/create-builder", struct{}{}, &builder); err != nil {
		return fmt.Errorf("creating builder: %w", err)
	}
	fmt.Printf("Created builder %s (owner %s)\ntoken: %s\n", builder.ID, builder.OwnerID, builder.Token)
	return nil
}

func runFetchJobs(args []string) error {
	var server, token, jobID string
	if err := parseArgs(args, flagSet{"--server": &server, "--token": &token, "--job-id": &jobID}); err != nil {
		return err
	}
	if server == "" || jobID == "" {
		return fmt.Errorf("--server and --job-id are required")
	}

	var job struct {
		ID         string `json:"id"`
		Type       string `json:"job_type"`
		CommitHash string `json:"commit_hash"`
		RemoteURL  string `json:"remote_url"`
		Status     string `json:"status"`
		Logs       []struct {
			Board struct {
				Name string `json:"name"`
			} `json:"board"`
			Text string `json:"text"`
		} `json:"logs"`
	}
	if err := ejapiclient.New(server, token).Get("/jobs/"+jobID, &job); err != nil {
		return fmt.Errorf("fetching job: %w", err)
	}

	fmt.Printf("job %s  type=%s  status=%s\ncommit=%s  remote=%s\n", job.ID, job.Type, job.Status, job.CommitHash, job.RemoteURL)
	for _, l := range job.Logs {
		fmt.Printf("--- %s ---\n%s", l.Board.Name, l.Text)
	}
	return nil
}

func runFetchRunResult(args []string) error {
	var server, token, jobID string
	if err := parseArgs(args, flagSet{"--server": &server, "--token": &token, "--job-id": &jobID}); err != nil {
		return err
	}
	if server == "" || jobID == "" {
		return fmt.Errorf("--server and --job-id are required")
	}

	var resp struct {
		JobID   string `json:"job_id"`
		Results []struct {
			Board struct {
				Name string `json:"name"`
			} `json:"board"`
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := ejapiclient.New(server, token).Get("/jobs/"+jobID+"/results", &resp); err != nil {
		return fmt.Errorf("fetching run result: %w", err)
	}

	for _, r := range resp.Results {
		fmt.Printf("--- %s ---\n%s\n", r.Board.Name, r.Text)
	}
	return nil
}

// field pairs a prompt title with the string it should fill; secret
// fields are masked on entry.
type field struct {
	title  string
	dst    *string
	secret bool
}

// promptMissing runs a huh form for every field whose destination is
// still empty, matching the teacher's huh.NewSelect single-prompt idiom
// extended to a small multi-field form.
func promptMissing(fields ...field) error {
	var fieldsToPrompt []huh.Field
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		input := huh.NewInput().Title(f.title).Value(f.dst)
		if f.secret {
			input = input.EchoMode(huh.EchoModePassword)
		}
		fieldsToPrompt = append(fieldsToPrompt, input)
	}
	if len(fieldsToPrompt) == 0 {
		return nil
	}
	return huh.NewForm(huh.NewGroup(fieldsToPrompt...)).Run()
}

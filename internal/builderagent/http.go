package builderagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// loginRequest is posted to /builder-login; on success the dispatcher
// confirms by echoing the builder id back alongside an access token for
// the duplex channel and result-posting requests (spec.md §4.C). The
// access token lives for the dispatcher's builder token TTL.
type loginRequest struct {
	BuilderID string `json:"builder_id"`
	Token     string `json:"token"`
}

type loginResponse struct {
	BuilderID   string `json:"builder_id"`
	AccessToken string `json:"access_token"`
}

// Login authenticates with the dispatcher and stores the returned access
// token for subsequent requests.
func (a *Agent) Login(ctx context.Context) error {
	var resp loginResponse
	if err := a.postJSON(ctx, "/builder-login", loginRequest{BuilderID: a.BuilderID, Token: a.Token}, "", &resp); err != nil {
		return fmt.Errorf("builder login: %w", err)
	}
	if resp.BuilderID != a.BuilderID {
		return fmt.Errorf("builder login: dispatcher confirmed a different builder id %q", resp.BuilderID)
	}
	a.mu.Lock()
	a.accessToken = resp.AccessToken
	a.mu.Unlock()
	return nil
}

// pushConfigRequest mirrors the builder-local TOML declaration the
// dispatcher assigns ids to (spec.md §4.E push-config).
type pushConfigRequest struct {
	BoardName string                  `json:"board_name"`
	Config    ejmodel.UserBoardConfig `json:"config"`
}

type pushConfigResponse struct {
	Config ejmodel.BoardConfig `json:"config"`
}

// PushConfig uploads one board's configurations and returns them as the
// dispatcher stored them, with their assigned ids, in the order of
// configs. It records nothing on the Agent; the caller hands the result
// to the orchestrator through Agent.Boards.
func (a *Agent) PushConfig(ctx context.Context, boardName string, configs []ejmodel.UserBoardConfig) ([]ejmodel.BoardConfig, error) {
	assigned := make([]ejmodel.BoardConfig, 0, len(configs))
	for _, cfg := range configs {
		var resp pushConfigResponse
		if err := a.postJSON(ctx, "/push-config", pushConfigRequest{BoardName: boardName, Config: cfg}, a.token(), &resp); err != nil {
			return nil, fmt.Errorf("pushing config %q/%q: %w", boardName, cfg.Name, err)
		}
		assigned = append(assigned, resp.Config)
	}
	return assigned, nil
}

// resultPayload is the structured result posted over the request/response
// channel on job completion (spec.md §4.B, §4.C) — never over the duplex
// channel.
type resultPayload struct {
	JobID      string        `json:"job_id"`
	Successful bool          `json:"successful"`
	Logs       []logEntry    `json:"logs"`
	Results    []resultEntry `json:"results,omitempty"`
}

type logEntry struct {
	BoardConfigID string   `json:"board_config_id"`
	Lines         []string `json:"lines"`
}

type resultEntry struct {
	BoardConfigID string `json:"board_config_id"`
	Text          string `json:"text"`
}

// postResult posts a build-result or run-result payload, depending on
// path. Per spec.md §4.C, a failure to post is logged but must not block
// the agent — callers should not treat the returned error as fatal.
func (a *Agent) postResult(ctx context.Context, path string, jobID string, success bool, logs map[string][]string, results map[string]string) error {
	payload := resultPayload{JobID: jobID, Successful: success}
	for id, lines := range logs {
		payload.Logs = append(payload.Logs, logEntry{BoardConfigID: id, Lines: lines})
	}
	for id, text := range results {
		payload.Results = append(payload.Results, resultEntry{BoardConfigID: id, Text: text})
	}
	return a.postJSON(ctx, path, payload, a.token(), nil)
}

func (a *Agent) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken
}

func (a *Agent) postJSON(ctx context.Context, path string, body any, bearer string, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.DispatcherURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dispatcher returned %s: %s", resp.Status, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

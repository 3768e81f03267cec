// Package ejapiclient is a small JSON-over-HTTP client for the
// dispatcher's outer request/response surface, used by ejcli for its
// one-shot commands (login, create-builder, fetch-jobs, fetch-run-result).
// Grounded on the teacher's github.Client wrapping pattern (a typed
// client over *http.Client with options) and on internal/builderagent's
// postJSON helper for the request/response shape.
package ejapiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client calls the dispatcher's HTTP endpoints with an optional bearer
// token attached to every request.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Post sends body as JSON to path and decodes the response into out (if
// non-nil).
func (c *Client) Post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}
	return c.do(http.MethodPost, path, bytes.NewReader(data), out)
}

// Get performs a GET request against path and decodes the response into
// out (if non-nil).
func (c *Client) Get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *Client) do(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dispatcher returned %s: %s", resp.Status, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/config"
)

// Wire views returned by the daemon's control surface.

type jobInfo struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Schedule  string    `json:"schedule"`
	Prompt    string    `json:"prompt"`
	Notify    bool      `json:"notify"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
	NextRun   time.Time `json:"next_run"`
}

type executionInfo struct {
	ExecutedAt    time.Time `json:"executed_at"`
	Status        string    `json:"status"`
	DurationMS    int64     `json:"duration_ms"`
	ResultSummary string    `json:"result_summary,omitempty"`
}

type jobList struct {
	Jobs []jobInfo `json:"jobs"`
}

type jobDetail struct {
	Job           jobInfo        `json:"job"`
	LastExecution *executionInfo `json:"last_execution,omitempty"`
}

type executionList struct {
	Executions []executionInfo `json:"executions"`
}

type jobCreateRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
	Notify   bool   `json:"notify,omitempty"`
}

// apiClient talks to a running daemon. The surface is loopback-only and
// unauthenticated, so the client carries no credentials.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(path, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) del(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(path, resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

func (c *apiClient) unreachable(err error) error {
	return fmt.Errorf("daemon unreachable at %s (is 'valet serve' running?): %w", c.baseURL, err)
}

// httpError surfaces the daemon's error message. The daemon wraps
// failures as {"error": "..."}; anything else falls back to the raw
// body.
func httpError(path string, resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, payload.Error)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, bytes.TrimSpace(body))
	}
	return fmt.Errorf("request %s failed: %s", path, resp.Status)
}

// resolveBaseURL picks the daemon address: an explicit --addr flag wins,
// otherwise the configured listen address.
func resolveBaseURL(configPath, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		addr = cfg.Server.Listen
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}

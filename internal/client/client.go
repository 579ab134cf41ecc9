// Package client is a thin HTTP client for the manager API, used by
// the submit and watch commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/task"
)

const requestTimeout = 15 * time.Second

// Client talks to one manager instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the manager at baseURL, authenticating with
// the given API token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Health is the manager's public health snapshot.
type Health struct {
	Status  string `json:"status"`
	Runners int    `json:"runners"`
	Tasks   int    `json:"tasks"`
}

// RunnerInfo is one row from the runner listing.
type RunnerInfo struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat"`
	AgeSeconds    int    `json:"age_seconds"`
}

// Health fetches the public health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/manager/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Runners lists the registered runners.
func (c *Client) Runners(ctx context.Context) ([]RunnerInfo, error) {
	var body struct {
		Runners []RunnerInfo `json:"runners"`
	}
	if err := c.get(ctx, "/api/runners", &body); err != nil {
		return nil, err
	}
	return body.Runners, nil
}

// Tasks fetches the full task snapshot keyed by task id.
func (c *Client) Tasks(ctx context.Context) (map[string]*task.Task, error) {
	var tasks map[string]*task.Task
	if err := c.get(ctx, "/task/list", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Status fetches one task.
func (c *Client) Status(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	if err := c.get(ctx, "/task/status/"+taskID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Execute submits a task and returns the assigned task id.
func (c *Client) Execute(ctx context.Context, req *task.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/execute", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	hr.Header.Set("Content-Type", "application/json")
	c.authorize(hr)

	resp, err := c.http.Do(hr)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return body.TaskID, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		return fmt.Errorf("manager returned %d: %s", resp.StatusCode, body.Detail)
	}
	return fmt.Errorf("manager returned %d", resp.StatusCode)
}

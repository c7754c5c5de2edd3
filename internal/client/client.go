// Package client is a thin HTTP client for the daemon's control surface,
// used by the CLI commands.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskmill/internal/control"
	"taskmill/internal/domain"
	"taskmill/internal/scheduler"
)

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context) (control.Status, error) {
	var st control.Status
	err := c.get(ctx, "/status", &st)
	return st, err
}

func (c *Client) Logs(ctx context.Context, taskID string, limit int) ([]domain.LogEntry, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task", taskID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/logs"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var resp struct {
		Entries []domain.LogEntry `json:"entries"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) Run(ctx context.Context, taskID string, force bool) (scheduler.RunOutcome, error) {
	path := "/tasks/" + url.PathEscape(taskID) + "/run"
	if force {
		path += "?force=true"
	}
	var out scheduler.RunOutcome
	err := c.post(ctx, path, &out)
	return out, err
}

func (c *Client) RunAll(ctx context.Context) ([]string, error) {
	var resp struct {
		Dispatched []string `json:"dispatched"`
	}
	if err := c.post(ctx, "/run-all", &resp); err != nil {
		return nil, err
	}
	return resp.Dispatched, nil
}

func (c *Client) Reload(ctx context.Context) (control.ReloadResult, error) {
	var res control.ReloadResult
	err := c.post(ctx, "/reload", &res)
	return res, err
}

func (c *Client) Pause(ctx context.Context, taskID string) error {
	return c.post(ctx, "/tasks/"+url.PathEscape(taskID)+"/pause", nil)
}

func (c *Client) Resume(ctx context.Context, taskID string) error {
	return c.post(ctx, "/tasks/"+url.PathEscape(taskID)+"/resume", nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *Client) post(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, path, out)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crm_autotask/internal/domain"
	"crm_autotask/internal/scheduler"
)

// Client talks to a running crm-engine over its HTTP control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// HTTPError is a non-2xx answer from the engine.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409, e.g. a force run rejected while
// another pass executes.
func IsConflict(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "localhost" + base
		}
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.getJSON(ctx, "/healthz", &out)
}

// WaitHealth polls /healthz until it answers or timeout elapses.
func (c *Client) WaitHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s/healthz", c.baseURL)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(400 * time.Millisecond):
		}
	}
}

func (c *Client) DaemonStatus(ctx context.Context) (scheduler.Status, error) {
	var out scheduler.Status
	err := c.getJSON(ctx, "/daemon/status", &out)
	return out, err
}

// StartDaemon starts the interval schedule; zero keeps the configured interval.
func (c *Client) StartDaemon(ctx context.Context, intervalMinutes float64) (scheduler.Status, error) {
	var out scheduler.Status
	var in any
	if intervalMinutes > 0 {
		in = map[string]any{"interval_minutes": intervalMinutes}
	}
	err := c.postJSON(ctx, "/daemon/start", in, &out)
	return out, err
}

func (c *Client) StopDaemon(ctx context.Context) (scheduler.Status, error) {
	var out scheduler.Status
	err := c.postJSON(ctx, "/daemon/stop", nil, &out)
	return out, err
}

func (c *Client) ForceRun(ctx context.Context) (domain.SchedulerRun, error) {
	var out domain.SchedulerRun
	err := c.postJSON(ctx, "/daemon/force", nil, &out)
	return out, err
}

func (c *Client) Runs(ctx context.Context, limit int) ([]domain.SchedulerRun, error) {
	var out []domain.SchedulerRun
	err := c.getJSON(ctx, fmt.Sprintf("/daemon/runs?limit=%d", limit), &out)
	return out, err
}

func (c *Client) RunDecisions(ctx context.Context, runID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	err := c.getJSON(ctx, fmt.Sprintf("/daemon/runs/%s/decisions?limit=%d", url.PathEscape(runID), limit), &out)
	return out, err
}

type GapReport struct {
	GapsIdentified int                `json:"gaps_identified"`
	Details        []domain.GapSignal `json:"details"`
	Issues         []string           `json:"issues"`
}

func (c *Client) Gaps(ctx context.Context) (GapReport, error) {
	var out GapReport
	err := c.getJSON(ctx, "/analysis/gaps", &out)
	return out, err
}

type CapacityReport struct {
	Agents []domain.AgentCapacity `json:"agents"`
	Issues []string               `json:"issues"`
}

func (c *Client) Capacity(ctx context.Context) (CapacityReport, error) {
	var out CapacityReport
	err := c.getJSON(ctx, "/agents/capacity", &out)
	return out, err
}

// Tasks lists tasks; statuses and agentID are optional filters.
func (c *Client) Tasks(ctx context.Context, agentID string, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if len(statuses) > 0 {
		parts := make([]string, 0, len(statuses))
		for _, s := range statuses {
			parts = append(parts, string(s))
		}
		q.Set("status", strings.Join(parts, ","))
	}
	path := "/tasks"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []domain.Task
	err := c.getJSON(ctx, path, &out)
	return out, err
}

func (c *Client) Progress(ctx context.Context, agentID string) (domain.AgentProgress, error) {
	var out domain.AgentProgress
	err := c.getJSON(ctx, "/agents/"+url.PathEscape(agentID)+"/progress", &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

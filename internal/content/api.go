package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = 30 * time.Second
	maxResponseBytes         = 1024 * 1024
	maxHTTPErrorBodyReadSize = 64 * 1024
)

type APIGeneratorConfig struct {
	Endpoint     string
	AuthToken    string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Client       *http.Client
}

// APIGenerator asks an external text service for task content.
type APIGenerator struct {
	endpoint     string
	authToken    string
	retries      int
	retryBackoff time.Duration
	logger       *slog.Logger
	client       *http.Client
}

func NewAPIGenerator(cfg APIGeneratorConfig) (*APIGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty content endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid content endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &APIGenerator{
		endpoint:     endpoint,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		retries:      retries,
		retryBackoff: retryBackoff,
		logger:       cfg.Logger,
		client:       client,
	}, nil
}

func (g *APIGenerator) Generate(ctx context.Context, req Request) (Content, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retries+1; attempt++ {
		out, err := g.generateOnce(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == g.retries+1 {
			break
		}
		wait := time.Duration(attempt) * g.retryBackoff
		g.logger.Info("content service retry", "attempt", attempt, "wait", wait, "reseller_id", req.Reseller.ID, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Content{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown content service error")
	}
	return Content{}, lastErr
}

type contentRequest struct {
	ResellerID       string   `json:"reseller_id"`
	ResellerName     string   `json:"reseller_name"`
	ResellerStatus   string   `json:"reseller_status"`
	Receptiveness    int      `json:"receptiveness"`
	PreferredChannel string   `json:"preferred_channel"`
	BusinessAcumen   string   `json:"business_acumen"`
	RiskAversion     string   `json:"risk_aversion"`
	TaskType         string   `json:"task_type"`
	Priority         string   `json:"priority"`
	RiskScore        float64  `json:"risk_score"`
	Rationale        string   `json:"rationale"`
	AgentID          string   `json:"agent_id"`
	Channel          string   `json:"channel"`
	RecentSales      []string `json:"recent_sales,omitempty"`
}

func (g *APIGenerator) generateOnce(ctx context.Context, req Request) (Content, error) {
	r := req.Reseller
	payload := contentRequest{
		ResellerID:       r.ID,
		ResellerName:     r.Name,
		ResellerStatus:   string(r.Status),
		Receptiveness:    r.Profile.Receptiveness,
		PreferredChannel: string(r.Profile.PreferredChannel),
		BusinessAcumen:   string(r.Profile.BusinessAcumen),
		RiskAversion:     string(r.Profile.RiskAversion),
		TaskType:         string(req.Signal.RecommendedTaskType),
		Priority:         string(req.Signal.RiskLevel),
		RiskScore:        req.Signal.RiskScore,
		Rationale:        req.Signal.Rationale,
		AgentID:          req.AgentID,
		Channel:          string(req.Channel),
	}
	for _, s := range r.Sales {
		payload.RecentSales = append(payload.RecentSales, fmt.Sprintf("%d-W%02d:%.2f", s.Year, s.Week, s.Amount))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Content{}, fmt.Errorf("marshal content request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("create content request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Content{}, fmt.Errorf("content request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return Content{}, fmt.Errorf("content service status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return Content{}, apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(body)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Content{}, fmt.Errorf("read content response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return Content{}, fmt.Errorf("content response exceeds %d bytes", maxResponseBytes)
	}
	out, err := parseContent(raw)
	if err != nil {
		return Content{}, fmt.Errorf("parse content response: %w; body: %s", err, trim(string(raw), 400))
	}
	return out, nil
}

// parseContent accepts a bare JSON object or one embedded in surrounding text.
func parseContent(raw []byte) (Content, error) {
	var out Content
	if err := json.Unmarshal(bytes.TrimSpace(raw), &out); err != nil {
		start := bytes.IndexByte(raw, '{')
		end := bytes.LastIndexByte(raw, '}')
		if start < 0 || end <= start {
			return Content{}, err
		}
		if err := json.Unmarshal(raw[start:end+1], &out); err != nil {
			return Content{}, err
		}
	}
	if out.empty() {
		return Content{}, errors.New("response has no prompt")
	}
	return out, nil
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("content service status=%d", e.statusCode)
	}
	return fmt.Sprintf("content service status=%d body=%s", e.statusCode, e.body)
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

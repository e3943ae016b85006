// Package client talks to a running tether gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/approval"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/control"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/orchestrator"
	"github.com/MEKXH/tether/internal/store"
)

// Client wraps the /v1 API. Failures come back as errors that still match
// the errs sentinels.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type decision struct {
	Operator string `json:"operator,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ListOptions filters ListRequests.
type ListOptions struct {
	Statuses []string
	AgentID  string
	Limit    int
}

// AuditOptions filters Audit.
type AuditOptions struct {
	SubjectID string
	Kinds     []string
	Since     time.Time
	Limit     int
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   strings.TrimSpace(token),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
			return errs.FromCode(errResp.Error, errResp.Message)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Health pings the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) Register(ctx context.Context, agentID string, capabilities []string, priority string) (store.AgentHealth, error) {
	var out store.AgentHealth
	body := map[string]any{"agent_id": agentID, "capabilities": capabilities, "priority": priority}
	err := c.do(ctx, http.MethodPost, "/v1/agents", nil, body, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) (store.AgentHealth, error) {
	var out store.AgentHealth
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil, &out)
	return out, err
}

func (c *Client) Propose(ctx context.Context, p orchestrator.Proposal) (orchestrator.Outcome, error) {
	var out orchestrator.Outcome
	err := c.do(ctx, http.MethodPost, "/v1/actions", nil, p, &out)
	return out, err
}

func (c *Client) ListRequests(ctx context.Context, opts ListOptions) ([]approval.Request, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.AgentID != "" {
		q.Set("agent", opts.AgentID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Requests []approval.Request `json:"requests"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/approvals", q, nil, &out)
	return out.Requests, err
}

func (c *Client) Review(ctx context.Context, id string) (approval.Review, error) {
	var out approval.Review
	err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, id, operator, notes string) (approval.Request, error) {
	return c.decide(ctx, id, "approve", decision{Operator: operator, Notes: notes})
}

func (c *Client) Reject(ctx context.Context, id, operator, reason string) (approval.Request, error) {
	return c.decide(ctx, id, "reject", decision{Operator: operator, Reason: reason})
}

func (c *Client) Requeue(ctx context.Context, id, operator string) (approval.Request, error) {
	return c.decide(ctx, id, "requeue", decision{Operator: operator})
}

func (c *Client) decide(ctx context.Context, id, verb string, body decision) (approval.Request, error) {
	var out approval.Request
	err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/"+verb, nil, body, &out)
	return out, err
}

func (c *Client) Cleanup(ctx context.Context) ([]approval.Request, error) {
	var out struct {
		Expired []approval.Request `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/approvals/cleanup", nil, nil, &out)
	return out.Expired, err
}

func (c *Client) Stats(ctx context.Context, operator string) (orchestrator.Stats, error) {
	q := url.Values{}
	if operator != "" {
		q.Set("operator", operator)
	}
	var out orchestrator.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", q, nil, &out)
	return out, err
}

func (c *Client) EmergencyStop(ctx context.Context, reason, operator string) (control.Status, error) {
	return c.control(ctx, "emergency-stop", decision{Operator: operator, Reason: reason})
}

func (c *Client) Pause(ctx context.Context, operator string) (control.Status, error) {
	return c.control(ctx, "pause", decision{Operator: operator})
}

func (c *Client) Resume(ctx context.Context, operator string) (control.Status, error) {
	return c.control(ctx, "resume", decision{Operator: operator})
}

func (c *Client) control(ctx context.Context, verb string, body decision) (control.Status, error) {
	var out control.Status
	err := c.do(ctx, http.MethodPost, "/v1/control/"+verb, nil, body, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (orchestrator.Status, error) {
	var out orchestrator.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, &out)
	return out, err
}

func (c *Client) Agents(ctx context.Context) ([]store.AgentHealth, error) {
	var out struct {
		Agents []store.AgentHealth `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/agents", nil, nil, &out)
	return out.Agents, err
}

func (c *Client) ClearHalt(ctx context.Context, agentID, operator string) (store.AgentHealth, error) {
	var out store.AgentHealth
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(agentID)+"/clear-halt", nil, decision{Operator: operator}, &out)
	return out, err
}

func (c *Client) Audit(ctx context.Context, opts AuditOptions) ([]audit.Record, error) {
	q := url.Values{}
	if opts.SubjectID != "" {
		q.Set("subject", opts.SubjectID)
	}
	if len(opts.Kinds) > 0 {
		q.Set("kind", strings.Join(opts.Kinds, ","))
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Records []audit.Record `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/audit", q, nil, &out)
	return out.Records, err
}

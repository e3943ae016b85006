package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/orchestrator"
)

const (
	testToken  = "s3cret-token"
	testSecret = "jwt-signing-secret"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Watchdog.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	orc, err := orchestrator.New(cfg)
	require.NoError(t, err)
	require.NoError(t, orc.Start(context.Background()))
	t.Cleanup(func() { _ = orc.Stop() })
	return New(cfg.Gateway, orc)
}

type reply struct {
	status int
	header http.Header
	body   map[string]any
}

func call(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) reply {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := reply{status: resp.StatusCode, header: resp.Header}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out.body))
	}
	return out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func signJWT(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestGateway_PublicEndpoints(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Gateway.Token = testToken })

	r := call(t, s.App(), http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "rid-1"})
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "ok", r.body["status"])
	assert.Equal(t, "rid-1", r.body["request_id"])
	assert.Equal(t, "rid-1", r.header.Get("X-Request-ID"))

	r = call(t, s.App(), http.MethodGet, "/version", nil, nil)
	assert.Equal(t, http.StatusOK, r.status)
	assert.NotEmpty(t, r.body["version"])

	r = call(t, s.App(), http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, r.status)
}

func TestGateway_StaticTokenAuth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Gateway.Token = testToken })

	r := call(t, s.App(), http.MethodGet, "/v1/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "unauthorized", r.body["error"])
	assert.NotEmpty(t, r.body["request_id"])

	r = call(t, s.App(), http.MethodGet, "/v1/status", nil, bearer("wrong"))
	assert.Equal(t, http.StatusUnauthorized, r.status)

	r = call(t, s.App(), http.MethodGet, "/v1/status", nil, bearer(testToken))
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "running", r.body["mode"])
}

func TestGateway_JWTOperatorIdentity(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Gateway.JWTSecret = testSecret })
	alice := bearer(signJWT(t, "alice", time.Now().Add(time.Hour)))

	r := call(t, s.App(), http.MethodPost, "/v1/agents", map[string]any{"agent_id": "janitor"}, alice)
	require.Equal(t, http.StatusCreated, r.status)
	r = call(t, s.App(), http.MethodPost, "/v1/actions", map[string]any{"agent_id": "janitor", "type": "delete_records"}, alice)
	require.Equal(t, http.StatusAccepted, r.status)
	id := r.body["request_id"].(string)

	r = call(t, s.App(), http.MethodPost, "/v1/approvals/"+id+"/approve", map[string]any{"operator": "mallory"}, alice)
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.Equal(t, "forbidden", r.body["error"])

	expired := bearer(signJWT(t, "alice", time.Now().Add(-time.Hour)))
	r = call(t, s.App(), http.MethodPost, "/v1/approvals/"+id+"/approve", nil, expired)
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "token expired", r.body["message"])

	r = call(t, s.App(), http.MethodPost, "/v1/approvals/"+id+"/approve", nil, alice)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "alice", r.body["decided_by"])
}

func TestGateway_ApprovalFlow(t *testing.T) {
	s := newTestServer(t, nil)
	app := s.App()

	r := call(t, app, http.MethodPost, "/v1/agents", map[string]any{
		"agent_id": "janitor", "capabilities": []string{"storage"}, "priority": "high",
	}, nil)
	require.Equal(t, http.StatusCreated, r.status)
	assert.Equal(t, "high", r.body["priority"])

	r = call(t, app, http.MethodPost, "/v1/agents", map[string]any{"agent_id": "x", "priority": "urgent"}, nil)
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, errs.CodeValidation, r.body["error"])

	r = call(t, app, http.MethodPost, "/v1/agents/janitor/heartbeat", nil, nil)
	assert.Equal(t, http.StatusOK, r.status)

	r = call(t, app, http.MethodPost, "/v1/actions", map[string]any{"agent_id": "janitor", "type": "delete_records"}, nil)
	require.Equal(t, http.StatusAccepted, r.status)
	assert.Equal(t, orchestrator.OutcomePendingApproval, r.body["status"])
	assert.Equal(t, "CRITICAL", r.body["tier"])
	id := r.body["request_id"].(string)

	r = call(t, app, http.MethodGet, "/v1/approvals", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Len(t, r.body["requests"], 1)

	r = call(t, app, http.MethodGet, "/v1/approvals?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = call(t, app, http.MethodPost, "/v1/approvals/"+id+"/reject", map[string]any{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = call(t, app, http.MethodPost, "/v1/approvals/"+id+"/requeue", map[string]any{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusConflict, r.status)

	r = call(t, app, http.MethodPost, "/v1/approvals/"+id+"/approve", nil, nil)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = call(t, app, http.MethodPost, "/v1/approvals/"+id+"/approve", map[string]any{"operator": "alice", "notes": "ok"}, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "approved", r.body["status"])

	r = call(t, app, http.MethodPost, "/v1/approvals/"+id+"/reject", map[string]any{"operator": "bob", "reason": "late"}, nil)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, errs.CodeInvalidTransition, r.body["error"])

	r = call(t, app, http.MethodGet, "/v1/approvals/"+id, nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.NotEmpty(t, r.body["history"])

	r = call(t, app, http.MethodGet, "/v1/approvals/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, errs.CodeNotFound, r.body["error"])

	r = call(t, app, http.MethodPost, "/v1/approvals/cleanup", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.EqualValues(t, 0, r.body["count"])

	r = call(t, app, http.MethodGet, "/v1/stats?operator=alice", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Contains(t, r.body, "approvals")

	r = call(t, app, http.MethodGet, "/v1/audit?subject="+id+"&kind=submit,approve", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Len(t, r.body["records"], 2)

	r = call(t, app, http.MethodGet, "/v1/audit?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = call(t, app, http.MethodPost, "/v1/actions", "{", nil)
	assert.Equal(t, http.StatusBadRequest, r.status)
}

func TestGateway_ControlSurface(t *testing.T) {
	s := newTestServer(t, nil)
	app := s.App()

	call(t, app, http.MethodPost, "/v1/agents", map[string]any{"agent_id": "janitor"}, nil)

	r := call(t, app, http.MethodPost, "/v1/control/emergency-stop", map[string]any{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = call(t, app, http.MethodPost, "/v1/control/emergency-stop", map[string]any{"operator": "alice", "reason": "drill"}, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "stopped", r.body["mode"])
	assert.Equal(t, []any{"janitor"}, r.body["halted_agents"])

	r = call(t, app, http.MethodPost, "/v1/actions", map[string]any{"agent_id": "janitor", "type": "fetch_report"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, r.status)
	assert.Equal(t, errs.CodeSystemStopped, r.body["error"])

	r = call(t, app, http.MethodPost, "/v1/control/pause", map[string]any{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, r.status)

	r = call(t, app, http.MethodPost, "/v1/agents/janitor/clear-halt", map[string]any{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, r.status)

	r = call(t, app, http.MethodPost, "/v1/control/resume", map[string]any{"operator": "alice"}, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "running", r.body["mode"])

	r = call(t, app, http.MethodGet, "/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	agents := r.body["agents"].([]any)
	require.Len(t, agents, 1)
	assert.Equal(t, false, agents[0].(map[string]any)["halted"])

	r = call(t, app, http.MethodPost, "/v1/agents/janitor/clear-halt", map[string]any{"operator": "alice"}, nil)
	assert.Equal(t, http.StatusConflict, r.status)
}

func TestGateway_RateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Agents.RatePerMinute = 1
		c.Agents.Burst = 1
	})
	app := s.App()
	call(t, app, http.MethodPost, "/v1/agents", map[string]any{"agent_id": "chatty"}, nil)

	r := call(t, app, http.MethodPost, "/v1/actions", map[string]any{"agent_id": "chatty", "type": "delete_records"}, nil)
	require.Equal(t, http.StatusAccepted, r.status)
	r = call(t, app, http.MethodPost, "/v1/actions", map[string]any{"agent_id": "chatty", "type": "delete_records"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, r.status)
	assert.Equal(t, errs.CodeRateLimited, r.body["error"])
}

func TestGateway_UnknownRoute(t *testing.T) {
	s := newTestServer(t, nil)
	r := call(t, s.App(), http.MethodGet, "/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, errs.CodeNotFound, r.body["error"])
}

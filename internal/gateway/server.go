// Package gateway serves the agent and operator HTTP API.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MEKXH/tether/internal/approval"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/control"
	"github.com/MEKXH/tether/internal/orchestrator"
	"github.com/MEKXH/tether/internal/store"
)

// Orchestrator is everything the gateway calls into.
type Orchestrator interface {
	Register(ctx context.Context, reg orchestrator.Registration) (store.AgentHealth, error)
	Heartbeat(ctx context.Context, agentID string) (store.AgentHealth, error)
	ProposeAction(ctx context.Context, p orchestrator.Proposal) (orchestrator.Outcome, error)

	ListRequests(ctx context.Context, q store.RequestQuery) ([]approval.Request, error)
	Review(ctx context.Context, id string) (approval.Review, error)
	Approve(ctx context.Context, id, operator, notes string) (approval.Request, error)
	Reject(ctx context.Context, id, operator, reason string) (approval.Request, error)
	Requeue(ctx context.Context, id, operator string) (approval.Request, error)
	Cleanup(ctx context.Context) ([]approval.Request, error)
	Stats(ctx context.Context, operator string) (orchestrator.Stats, error)

	EmergencyStop(ctx context.Context, reason, operator string) (control.Status, error)
	Pause(ctx context.Context, operator string) (control.Status, error)
	Resume(ctx context.Context, operator string) (control.Status, error)
	Status(ctx context.Context) (orchestrator.Status, error)

	Agents(ctx context.Context) ([]store.AgentHealth, error)
	ClearHalt(ctx context.Context, agentID, operator string) (store.AgentHealth, error)
	Audit(ctx context.Context, q orchestrator.AuditQuery) ([]audit.Record, error)
}

// Server owns the fiber app.
type Server struct {
	cfg config.GatewayConfig
	orc Orchestrator
	app *fiber.App
}

// New builds the app and registers every route.
func New(cfg config.GatewayConfig, orc Orchestrator) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18790
	}
	cfg.Host = host
	cfg.Port = port

	s := &Server{cfg: cfg, orc: orc}
	s.app = fiber.New(fiber.Config{
		AppName:               "tether",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.routes()
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	slog.Info("gateway listening", "addr", s.Addr())
	return s.app.Listen(s.Addr())
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Use(requestID())
	s.app.Use(requestMetrics())

	s.app.Get("/health", s.health)
	s.app.Get("/version", s.version)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1", authenticate(s.cfg.Token, s.cfg.JWTSecret))

	v1.Post("/agents", s.registerAgent)
	v1.Get("/agents", s.listAgents)
	v1.Post("/agents/:id/heartbeat", s.heartbeat)
	v1.Post("/agents/:id/clear-halt", s.clearHalt)
	v1.Post("/actions", s.proposeAction)

	v1.Get("/approvals", s.listApprovals)
	v1.Post("/approvals/cleanup", s.cleanup)
	v1.Get("/approvals/:id", s.review)
	v1.Post("/approvals/:id/approve", s.approve)
	v1.Post("/approvals/:id/reject", s.reject)
	v1.Post("/approvals/:id/requeue", s.requeue)
	v1.Get("/stats", s.stats)

	v1.Post("/control/emergency-stop", s.emergencyStop)
	v1.Post("/control/pause", s.pause)
	v1.Post("/control/resume", s.resume)
	v1.Get("/status", s.status)

	v1.Get("/audit", s.audit)
}

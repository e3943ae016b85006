package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/orchestrator"
	"github.com/MEKXH/tether/internal/store"
	"github.com/MEKXH/tether/internal/version"
)

// RegisterRequest is the body of POST /v1/agents.
type RegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Priority     string   `json:"priority"`
}

// DecisionRequest is the body of every operator write.
type DecisionRequest struct {
	Operator string `json:"operator"`
	Notes    string `json:"notes,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func decode(c *fiber.Ctx, dst any) error {
	body := c.Body()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errs.Validation("body", "invalid json: %v", err)
	}
	return nil
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"request_id": getRequestID(c),
	})
}

func (s *Server) version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version":    version.Version,
		"commit":     version.Commit,
		"request_id": getRequestID(c),
	})
}

func (s *Server) registerAgent(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	priority, err := action.ParsePriority(req.Priority)
	if err != nil {
		return err
	}
	h, err := s.orc.Register(c.UserContext(), orchestrator.Registration{
		AgentID:      req.AgentID,
		Capabilities: req.Capabilities,
		Priority:     priority,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(h)
}

func (s *Server) heartbeat(c *fiber.Ctx) error {
	h, err := s.orc.Heartbeat(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(h)
}

func (s *Server) listAgents(c *fiber.Ctx) error {
	agents, err := s.orc.Agents(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"agents": agents})
}

func (s *Server) clearHalt(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	h, err := s.orc.ClearHalt(c.UserContext(), c.Params("id"), operator)
	if err != nil {
		return err
	}
	return c.JSON(h)
}

func (s *Server) proposeAction(c *fiber.Ctx) error {
	var p orchestrator.Proposal
	if err := decode(c, &p); err != nil {
		return err
	}
	out, err := s.orc.ProposeAction(c.UserContext(), p)
	if err != nil {
		return err
	}
	status := http.StatusAccepted
	if out.Status == orchestrator.OutcomeRejected {
		status = http.StatusOK
	}
	return c.Status(status).JSON(out)
}

func (s *Server) listApprovals(c *fiber.Ctx) error {
	q := store.RequestQuery{AgentID: strings.TrimSpace(c.Query("agent"))}
	for _, status := range splitList(c.Query("status")) {
		q.Statuses = append(q.Statuses, store.Status(status))
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	q.Limit = limit

	reqs, err := s.orc.ListRequests(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"requests": reqs})
}

func (s *Server) review(c *fiber.Ctx) error {
	r, err := s.orc.Review(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(r)
}

func (s *Server) approve(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	r, err := s.orc.Approve(c.UserContext(), c.Params("id"), operator, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(r)
}

func (s *Server) reject(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	r, err := s.orc.Reject(c.UserContext(), c.Params("id"), operator, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(r)
}

func (s *Server) requeue(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	r, err := s.orc.Requeue(c.UserContext(), c.Params("id"), operator)
	if err != nil {
		return err
	}
	return c.JSON(r)
}

func (s *Server) cleanup(c *fiber.Ctx) error {
	expired, err := s.orc.Cleanup(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"expired": expired, "count": len(expired)})
}

func (s *Server) stats(c *fiber.Ctx) error {
	st, err := s.orc.Stats(c.UserContext(), c.Query("operator"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) emergencyStop(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	st, err := s.orc.EmergencyStop(c.UserContext(), req.Reason, operator)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) pause(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	st, err := s.orc.Pause(c.UserContext(), operator)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) resume(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	operator, err := operatorFor(c, req.Operator)
	if err != nil {
		return err
	}
	st, err := s.orc.Resume(c.UserContext(), operator)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) status(c *fiber.Ctx) error {
	st, err := s.orc.Status(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) audit(c *fiber.Ctx) error {
	q := orchestrator.AuditQuery{SubjectID: strings.TrimSpace(c.Query("subject"))}
	for _, kind := range splitList(c.Query("kind")) {
		q.Kinds = append(q.Kinds, audit.Kind(kind))
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errs.Validation("since", "must be RFC3339: %v", err)
		}
		q.Since = since
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	q.Limit = limit

	records, err := s.orc.Audit(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"records": records})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation(key, "must be an integer")
	}
	return n, nil
}

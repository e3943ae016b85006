package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/approval"
	"github.com/MEKXH/tether/internal/engine"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
)

// Proposal outcomes.
const (
	OutcomeApprovedAndExecuting = "approved_and_executing"
	OutcomePendingApproval      = "pending_approval"
	OutcomeRejected             = "rejected"
)

// Registration describes an agent joining the system. Agent is nil for
// agents that live outside this process and only report heartbeats.
type Registration struct {
	AgentID      string          `json:"agent_id"`
	Capabilities []string        `json:"capabilities"`
	Priority     action.Priority `json:"priority"`
	Agent        action.Agent    `json:"-"`
}

// Proposal is an action an agent asks to perform.
type Proposal struct {
	AgentID      string         `json:"agent_id"`
	Type         string         `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	// Workflow, Queue and Priority are optional routing hints.
	Workflow string `json:"workflow,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Outcome is the answer to a proposal.
type Outcome struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	Tier      risk.Tier `json:"tier"`
	Reason    string    `json:"reason,omitempty"`
	// Deferred is set when an approved action waits for the system to resume.
	Deferred bool `json:"deferred,omitempty"`
}

// Register adds or refreshes an agent.
func (o *Orchestrator) Register(ctx context.Context, reg Registration) (store.AgentHealth, error) {
	if reg.Agent != nil && strings.TrimSpace(reg.AgentID) == "" {
		reg.AgentID = reg.Agent.ID()
	}
	if reg.Agent != nil && len(reg.Capabilities) == 0 {
		reg.Capabilities = reg.Agent.Capabilities()
	}
	h, err := o.watchdog.Register(ctx, reg.AgentID, reg.Capabilities, reg.Priority, reg.Agent)
	if err != nil {
		return store.AgentHealth{}, err
	}
	slog.Info("agent registered", "agent", h.AgentID, "capabilities", h.Capabilities, "priority", h.Priority.String(), "in_process", reg.Agent != nil)
	return h, nil
}

// Heartbeat records that agentID is alive.
func (o *Orchestrator) Heartbeat(ctx context.Context, agentID string) (store.AgentHealth, error) {
	return o.watchdog.RecordHeartbeat(ctx, agentID)
}

// RegisterHandler binds actionType to h. Actions without a handler run on
// the proposing agent when it is in-process and not halted.
func (o *Orchestrator) RegisterHandler(actionType string, h action.Handler) {
	o.engine.RegisterHandler(actionType, h)
}

// ProposeAction classifies p and routes it through the approval gate.
// Low-risk actions are approved and queued immediately; everything else
// waits for an operator.
func (o *Orchestrator) ProposeAction(ctx context.Context, p Proposal) (Outcome, error) {
	if o.control.Stopped() {
		return Outcome{}, fmt.Errorf("%w: proposals are not accepted", errs.ErrSystemStopped)
	}

	a := action.Action{
		ID:           uuid.NewString(),
		AgentID:      strings.TrimSpace(p.AgentID),
		Type:         strings.TrimSpace(p.Type),
		Params:       p.Params,
		Capabilities: p.Capabilities,
		CreatedAt:    o.now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return Outcome{}, err
	}
	if p.Queue != "" {
		if _, ok := engine.QueueRank(p.Queue); !ok {
			return Outcome{}, errs.Validation("queue", "unknown queue %q", p.Queue)
		}
	}
	if !o.limiter(a.AgentID).AllowN(o.now(), 1) {
		return Outcome{}, fmt.Errorf("%w: agent %s exceeded %d proposals per minute",
			errs.ErrRateLimited, a.AgentID, o.cfg.Agents.RatePerMinute)
	}

	h, err := o.watchdog.Get(ctx, a.AgentID)
	if err != nil {
		return Outcome{}, err
	}

	tier := o.classifier.Classify(a)
	if h.Halted {
		return o.reject(a, tier, fmt.Sprintf("agent %s is halted: %s", a.AgentID, h.HaltReason)), nil
	}
	if !o.breakers.allow(a.AgentID) {
		return o.reject(a, tier, fmt.Sprintf("circuit breaker open for agent %s", a.AgentID)), nil
	}
	if missing, ok := action.HasCapabilities(h.Capabilities, a.Capabilities); !ok {
		return o.reject(a, tier, fmt.Sprintf("agent %s lacks capability %q", a.AgentID, missing)), nil
	}

	req, err := o.gate.Submit(ctx, a, tier, approval.SubmitOptions{
		Workflow: approval.Workflow(p.Workflow),
		Queue:    p.Queue,
		Priority: p.Priority,
	})
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{RequestID: req.ID, Tier: tier}
	if req.Status == store.StatusApproved {
		out.Status = OutcomeApprovedAndExecuting
		out.Deferred = o.control.ExecutionAllowed() != nil
	} else {
		out.Status = OutcomePendingApproval
	}
	metrics.ActionsProposedTotal.WithLabelValues(tier.String(), out.Status).Inc()
	return out, nil
}

func (o *Orchestrator) reject(a action.Action, tier risk.Tier, reason string) Outcome {
	slog.Warn("proposal rejected", "agent", a.AgentID, "type", a.Type, "tier", tier.String(), "reason", reason)
	metrics.ActionsProposedTotal.WithLabelValues(tier.String(), OutcomeRejected).Inc()
	return Outcome{Status: OutcomeRejected, Tier: tier, Reason: reason}
}

// CapableAgents returns the running agents that hold every capability in
// need, highest priority first.
func (o *Orchestrator) CapableAgents(ctx context.Context, need []string) ([]store.AgentHealth, error) {
	agents, err := o.watchdog.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.AgentHealth, 0, len(agents))
	for _, h := range agents {
		if h.Halted {
			continue
		}
		if _, ok := action.HasCapabilities(h.Capabilities, need); ok {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, errs.NotFound("capable agent", strings.Join(need, ","))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (o *Orchestrator) routableAgent(agentID string) (action.Agent, bool) {
	agent, ok := o.watchdog.Agent(agentID)
	if !ok {
		return nil, false
	}
	h, err := o.watchdog.Get(context.Background(), agentID)
	if err != nil || h.Halted || !o.breakers.allow(agentID) {
		return nil, false
	}
	return agent, true
}

// BreakerState returns the circuit breaker state of agentID.
func (o *Orchestrator) BreakerState(agentID string) string {
	return o.breakers.state(agentID)
}

func (o *Orchestrator) limiter(agentID string) *rate.Limiter {
	o.limitersMu.Lock()
	defer o.limitersMu.Unlock()
	if l, ok := o.limiters[agentID]; ok {
		return l
	}
	limit := rate.Inf
	burst := 0
	if perMinute := o.cfg.Agents.RatePerMinute; perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
		burst = o.cfg.Agents.Burst
	}
	l := rate.NewLimiter(limit, burst)
	o.limiters[agentID] = l
	return l
}

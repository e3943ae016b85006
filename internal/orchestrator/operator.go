package orchestrator

import (
	"context"
	"time"

	"github.com/MEKXH/tether/internal/approval"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/control"
	"github.com/MEKXH/tether/internal/engine"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/store"
)

// Status is the operator view of the whole system.
type Status struct {
	control.Status
	Engine engine.Stats        `json:"engine"`
	Jobs   []engine.JobStatus  `json:"jobs"`
	Agents []store.AgentHealth `json:"agents"`
}

// Stats aggregates decision, execution and runtime statistics.
type Stats struct {
	Approvals  approval.Stats          `json:"approvals"`
	Executions []store.ExecutionStats  `json:"executions"`
	Runtime    metrics.RuntimeSnapshot `json:"runtime"`
}

// AuditQuery selects audit records.
type AuditQuery struct {
	SubjectID string
	Kinds     []audit.Kind
	Since     time.Time
	Limit     int
}

// ListRequests returns approval requests matching q. An empty status filter
// lists the review backlog.
func (o *Orchestrator) ListRequests(ctx context.Context, q store.RequestQuery) ([]approval.Request, error) {
	if len(q.Statuses) == 0 {
		q.Statuses = []store.Status{store.StatusPendingReview}
	}
	for _, s := range q.Statuses {
		switch s {
		case store.StatusSubmitted, store.StatusPendingReview, store.StatusApproved,
			store.StatusRejected, store.StatusExpired, store.StatusExecuted:
		default:
			return nil, errs.Validation("status", "unknown status %q", s)
		}
	}
	if q.Limit < 0 {
		return nil, errs.Validation("limit", "must not be negative")
	}
	return o.store.ListRequests(ctx, q)
}

// Review returns a request with its audit history.
func (o *Orchestrator) Review(ctx context.Context, id string) (approval.Review, error) {
	return o.gate.Review(ctx, id)
}

// Approve accepts a pending request.
func (o *Orchestrator) Approve(ctx context.Context, id, operator, notes string) (approval.Request, error) {
	return o.gate.Approve(ctx, id, operator, notes)
}

// Reject declines a pending request.
func (o *Orchestrator) Reject(ctx context.Context, id, operator, reason string) (approval.Request, error) {
	return o.gate.Reject(ctx, id, operator, reason)
}

// Requeue retries an approved-but-failed request.
func (o *Orchestrator) Requeue(ctx context.Context, id, operator string) (approval.Request, error) {
	return o.gate.Requeue(ctx, id, operator)
}

// Cleanup expires every pending request past its TTL.
func (o *Orchestrator) Cleanup(ctx context.Context) ([]approval.Request, error) {
	return o.gate.CleanupExpired(ctx)
}

// Stats returns decision counts, optionally for one operator, together with
// execution and runtime metrics.
func (o *Orchestrator) Stats(ctx context.Context, operator string) (Stats, error) {
	approvals, err := o.gate.Stats(ctx, operator)
	if err != nil {
		return Stats{}, err
	}
	executions, err := o.store.ExecutionStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Approvals:  approvals,
		Executions: executions,
		Runtime:    o.runtime.Snapshot(),
	}, nil
}

// EmergencyStop halts every agent and suspends execution.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason, operator string) (control.Status, error) {
	return o.control.EmergencyStop(ctx, reason, operator)
}

// Pause suspends execution.
func (o *Orchestrator) Pause(ctx context.Context, operator string) (control.Status, error) {
	return o.control.Pause(ctx, operator)
}

// Resume returns the system to running.
func (o *Orchestrator) Resume(ctx context.Context, operator string) (control.Status, error) {
	return o.control.Resume(ctx, operator)
}

// Status returns the mode, backlog, engine load, maintenance tasks and agents.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st, err := o.control.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	agents, err := o.watchdog.List(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Status: st,
		Engine: o.engine.Stats(),
		Jobs:   o.scheduler.Jobs(),
		Agents: agents,
	}, nil
}

// Agents lists every registered agent.
func (o *Orchestrator) Agents(ctx context.Context) ([]store.AgentHealth, error) {
	return o.watchdog.List(ctx)
}

// ClearHalt lets a halted agent run again.
func (o *Orchestrator) ClearHalt(ctx context.Context, agentID, operator string) (store.AgentHealth, error) {
	if err := o.control.DecisionsAllowed(); err != nil {
		return store.AgentHealth{}, err
	}
	h, err := o.watchdog.ClearHalt(ctx, agentID, operator)
	if err != nil {
		return store.AgentHealth{}, err
	}
	o.breakers.reset(h.AgentID)
	return h, nil
}

// Audit returns audit records matching q, oldest first.
func (o *Orchestrator) Audit(_ context.Context, q AuditQuery) ([]audit.Record, error) {
	if q.Limit < 0 {
		return nil, errs.Validation("limit", "must not be negative")
	}
	return o.audit.Records(audit.Filter{
		SubjectID: q.SubjectID,
		Kinds:     q.Kinds,
		Since:     q.Since,
		Limit:     q.Limit,
	})
}

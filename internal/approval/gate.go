package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
)

// Gate owns the approval request lifecycle. Every transition is appended to
// the audit log before the store row is changed.
type Gate struct {
	store    store.Store
	audit    AuditLog
	cfg      Config
	now      func() time.Time
	newID    func() string
	notifier Notifier
	guard    Guard
	runnable RunnableFunc

	// mu serializes read-check-write sequences inside this process; the
	// store's compare-and-swap covers everything else.
	mu sync.Mutex
}

// NewGate creates a gate backed by st and log.
func NewGate(st store.Store, log AuditLog, cfg Config) *Gate {
	return &Gate{
		store: st,
		audit: log,
		cfg:   cfg.normalized(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetNotifier attaches operator notifications.
func (g *Gate) SetNotifier(n Notifier) { g.notifier = n }

// SetGuard attaches the control surface check for decisions.
func (g *Gate) SetGuard(guard Guard) { g.guard = guard }

// OnRunnable registers the callback fired when a request becomes runnable.
func (g *Gate) OnRunnable(fn RunnableFunc) { g.runnable = fn }

// Submit records a new request for a. LOW actions are auto-approved when
// enabled; everything else waits in pending_review.
func (g *Gate) Submit(ctx context.Context, a action.Action, tier risk.Tier, opts SubmitOptions) (Request, error) {
	if err := a.Validate(); err != nil {
		return Request{}, err
	}
	workflow, err := ParseWorkflow(string(opts.Workflow))
	if err != nil {
		return Request{}, errs.Validation("workflow", "%v", err)
	}
	if workflow == "" {
		workflow = WorkflowDefault
		if tier >= risk.TierHigh {
			workflow = WorkflowHighRisk
		}
	}

	now := g.now().UTC()
	req := Request{
		ID:          g.newID(),
		Action:      a,
		Tier:        tier,
		Workflow:    string(workflow),
		Status:      store.StatusSubmitted,
		Queue:       opts.Queue,
		Priority:    opts.Priority,
		SubmittedAt: now,
		ExpiresAt:   now.Add(g.cfg.ttl(workflow)),
	}

	req, err = g.submit(ctx, req)
	if err != nil {
		return Request{}, err
	}

	if req.Status == store.StatusApproved {
		slog.Info("action auto-approved", "request_id", req.ID, "agent", a.AgentID, "type", a.Type)
		g.signalRunnable(ctx, req)
		return req, nil
	}

	slog.Info("action awaiting review", "request_id", req.ID, "agent", a.AgentID, "type", a.Type, "tier", tier.String())
	severity := notify.SeverityInfo
	if tier >= risk.TierHigh {
		severity = notify.SeverityWarning
	}
	g.notify(ctx, notify.Notification{
		Subject:  req.ID,
		Severity: severity,
		Message: fmt.Sprintf("New %s request %s from %s: %s (expires %s)",
			tier, req.ID, a.AgentID, a.Type, req.ExpiresAt.Format(time.RFC3339)),
	})
	return req, nil
}

func (g *Gate) submit(ctx context.Context, req Request) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(audit.KindSubmit, req.ID, req.Action.AgentID, req.SubmittedAt, submitPayload(req)); err != nil {
		return Request{}, err
	}

	if req.Tier == risk.TierLow && g.cfg.AutoApproveLow {
		req.Status = store.StatusApproved
		req.DecidedBy = audit.ActorSystem
		req.DecidedAt = req.SubmittedAt
		req.DecisionNotes = "auto-approved: low risk"
		if err := g.record(audit.KindAutoApprove, req.ID, audit.ActorSystem, req.SubmittedAt, map[string]any{
			"tier": req.Tier.String(),
		}); err != nil {
			return Request{}, err
		}
	} else {
		req.Status = store.StatusPendingReview
	}

	req.Version = 1
	if err := g.store.CreateRequest(ctx, req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ListPending returns requests awaiting review, oldest first.
func (g *Gate) ListPending(ctx context.Context) ([]Request, error) {
	return g.store.ListRequests(ctx, store.RequestQuery{Statuses: []store.Status{store.StatusPendingReview}})
}

// PendingCount returns the size of the review backlog.
func (g *Gate) PendingCount(ctx context.Context) (int, error) {
	counts, err := g.store.CountRequests(ctx)
	if err != nil {
		return 0, err
	}
	metrics.PendingApprovals.Set(float64(counts[store.StatusPendingReview]))
	return counts[store.StatusPendingReview], nil
}

// Get returns one request.
func (g *Gate) Get(ctx context.Context, id string) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, errs.Validation("id", "is required")
	}
	return g.store.GetRequest(ctx, id)
}

// Review returns a request together with its audit history.
func (g *Gate) Review(ctx context.Context, id string) (Review, error) {
	req, err := g.Get(ctx, id)
	if err != nil {
		return Review{}, err
	}
	history, err := g.audit.Records(audit.Filter{SubjectID: req.ID})
	if err != nil {
		return Review{}, fmt.Errorf("load history for %s: %w", req.ID, err)
	}
	return Review{Request: req, Status: req.DisplayStatus(), History: history}, nil
}

// ListRunnable returns approved requests that have not executed or failed.
func (g *Gate) ListRunnable(ctx context.Context) ([]Request, error) {
	approved, err := g.store.ListRequests(ctx, store.RequestQuery{Statuses: []store.Status{store.StatusApproved}})
	if err != nil {
		return nil, err
	}
	out := approved[:0]
	for _, req := range approved {
		if req.Runnable() {
			out = append(out, req)
		}
	}
	return out, nil
}

// Approve accepts a pending request on behalf of operator.
func (g *Gate) Approve(ctx context.Context, id, operator, notes string) (Request, error) {
	req, err := g.decide(ctx, id, operator, strings.TrimSpace(notes), store.StatusApproved)
	if err != nil {
		return Request{}, err
	}
	g.signalRunnable(ctx, req)
	return req, nil
}

// Reject declines a pending request. reason is mandatory.
func (g *Gate) Reject(ctx context.Context, id, operator, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, errs.Validation("reason", "is required")
	}
	return g.decide(ctx, id, operator, reason, store.StatusRejected)
}

func (g *Gate) decide(ctx context.Context, id, operator, notes string, to store.Status) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, errs.Validation("id", "is required")
	}
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Request{}, errs.Validation("operator", "is required")
	}
	if g.guard != nil {
		if err := g.guard.DecisionsAllowed(); err != nil {
			return Request{}, err
		}
	}

	op := "approve"
	kind := audit.KindApprove
	if to == store.StatusRejected {
		op = "reject"
		kind = audit.KindReject
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status != store.StatusPendingReview {
		return Request{}, errs.Transition(id, req.DisplayStatus(), op)
	}

	now := g.now().UTC()
	if !now.Before(req.ExpiresAt) {
		if _, err := g.expireLocked(ctx, req, now); err != nil {
			return Request{}, err
		}
		return Request{}, &errs.ExpiredError{RequestID: id, ExpiresAt: req.ExpiresAt}
	}

	if err := g.record(kind, id, operator, now, map[string]any{
		"notes": notes,
		"tier":  req.Tier.String(),
	}); err != nil {
		return Request{}, err
	}

	next := req
	next.Status = to
	next.DecidedBy = operator
	next.DecisionNotes = notes
	next.DecidedAt = now
	stored, err := g.store.UpdateRequest(ctx, next, store.StatusPendingReview)
	if err != nil {
		return Request{}, g.lostRace(ctx, id, op, err)
	}

	slog.Info("approval request decided", "request_id", id, "status", string(to), "operator", operator)
	return stored, nil
}

// MarkExecuted moves an approved request to executed. Calling it again for
// an executed request returns the recorded outcome without a new record.
func (g *Gate) MarkExecuted(ctx context.Context, id string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	switch req.Status {
	case store.StatusExecuted:
		return req, nil
	case store.StatusApproved:
	default:
		return Request{}, errs.Transition(id, req.DisplayStatus(), "mark executed")
	}

	now := g.now().UTC()
	if err := g.record(audit.KindExecuteSuccess, id, audit.ActorSystem, now, map[string]any{
		"agent_id": req.Action.AgentID,
		"type":     req.Action.Type,
	}); err != nil {
		return Request{}, err
	}

	next := req
	next.Status = store.StatusExecuted
	next.ExecutedAt = now
	next.ExecutionFailed = false
	next.FailureReason = ""
	stored, err := g.store.UpdateRequest(ctx, next, store.StatusApproved)
	if err != nil {
		return Request{}, g.lostRace(ctx, id, "mark executed", err)
	}
	return stored, nil
}

// MarkExecutionFailed leaves an approved request approved-but-failed after
// the engine gave up on it.
func (g *Gate) MarkExecutionFailed(ctx context.Context, id, reason string, attempts int) (Request, error) {
	g.mu.Lock()
	req, err := g.store.GetRequest(ctx, id)
	if err != nil {
		g.mu.Unlock()
		return Request{}, err
	}
	if req.Status != store.StatusApproved {
		g.mu.Unlock()
		return Request{}, errs.Transition(id, req.DisplayStatus(), "mark failed")
	}
	if req.ExecutionFailed {
		g.mu.Unlock()
		return req, nil
	}

	now := g.now().UTC()
	if err := g.record(audit.KindExecuteFailure, id, audit.ActorSystem, now, map[string]any{
		"attempts": attempts,
		"reason":   reason,
	}); err != nil {
		g.mu.Unlock()
		return Request{}, err
	}

	next := req
	next.ExecutionFailed = true
	next.FailureReason = reason
	next.Attempts = attempts
	stored, err := g.store.UpdateRequest(ctx, next, store.StatusApproved)
	g.mu.Unlock()
	if err != nil {
		return Request{}, g.lostRace(ctx, id, "mark failed", err)
	}

	g.notify(ctx, notify.Notification{
		Subject:  id,
		Severity: notify.SeverityWarning,
		Message:  fmt.Sprintf("Request %s (%s) failed after %d attempt(s): %s", id, req.Action.Type, attempts, reason),
	})
	return stored, nil
}

// Requeue clears the failed flag of an approved-but-failed request so the
// engine runs it again.
func (g *Gate) Requeue(ctx context.Context, id, operator string) (Request, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Request{}, errs.Validation("operator", "is required")
	}
	if g.guard != nil {
		if err := g.guard.DecisionsAllowed(); err != nil {
			return Request{}, err
		}
	}

	g.mu.Lock()
	req, err := g.store.GetRequest(ctx, id)
	if err != nil {
		g.mu.Unlock()
		return Request{}, err
	}
	if req.Status != store.StatusApproved || !req.ExecutionFailed {
		g.mu.Unlock()
		return Request{}, errs.Transition(id, req.DisplayStatus(), "requeue")
	}

	now := g.now().UTC()
	if err := g.record(audit.KindRequeue, id, operator, now, map[string]any{
		"previous_failure": req.FailureReason,
	}); err != nil {
		g.mu.Unlock()
		return Request{}, err
	}

	next := req
	next.ExecutionFailed = false
	next.FailureReason = ""
	next.Attempts = 0
	stored, err := g.store.UpdateRequest(ctx, next, store.StatusApproved)
	g.mu.Unlock()
	if err != nil {
		return Request{}, g.lostRace(ctx, id, "requeue", err)
	}

	g.signalRunnable(ctx, stored)
	return stored, nil
}

// CleanupExpired expires every pending request whose TTL has elapsed.
func (g *Gate) CleanupExpired(ctx context.Context) ([]Request, error) {
	now := g.now().UTC()
	candidates, err := g.store.ListRequests(ctx, store.RequestQuery{
		Statuses:      []store.Status{store.StatusPendingReview},
		ExpiresBefore: now.Add(time.Nanosecond),
	})
	if err != nil {
		return nil, err
	}

	expired := make([]Request, 0, len(candidates))
	for _, candidate := range candidates {
		req, ok, err := g.expireIfDue(ctx, candidate.ID, now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, req)
		}
	}
	if len(expired) > 0 {
		slog.Info("expired pending approval requests", "count", len(expired))
	}
	return expired, nil
}

func (g *Gate) expireIfDue(ctx context.Context, id string, now time.Time) (Request, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, false, err
	}
	if req.Status != store.StatusPendingReview || now.Before(req.ExpiresAt) {
		return Request{}, false, nil
	}
	stored, err := g.expireLocked(ctx, req, now)
	if errors.Is(err, errs.ErrConflict) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	return stored, true, nil
}

func (g *Gate) expireLocked(ctx context.Context, req Request, now time.Time) (Request, error) {
	if err := g.record(audit.KindExpire, req.ID, audit.ActorSystem, now, map[string]any{
		"expires_at": req.ExpiresAt,
	}); err != nil {
		return Request{}, err
	}

	next := req
	next.Status = store.StatusExpired
	next.DecidedBy = audit.ActorSystem
	next.DecidedAt = now
	next.DecisionNotes = "expired by ttl"
	return g.store.UpdateRequest(ctx, next, store.StatusPendingReview)
}

// WarnExpiring notifies operators once about each pending request that
// expires within the warning window. It returns how many were notified.
func (g *Gate) WarnExpiring(ctx context.Context) (int, error) {
	if g.cfg.ExpiryWarning <= 0 {
		return 0, nil
	}
	now := g.now().UTC()
	candidates, err := g.store.ListRequests(ctx, store.RequestQuery{
		Statuses:      []store.Status{store.StatusPendingReview},
		ExpiresBefore: now.Add(g.cfg.ExpiryWarning),
	})
	if err != nil {
		return 0, err
	}

	warned := 0
	for _, req := range candidates {
		if req.ExpiryWarned || !now.Before(req.ExpiresAt) {
			continue
		}
		next := req
		next.ExpiryWarned = true
		g.mu.Lock()
		_, err := g.store.UpdateRequest(ctx, next, store.StatusPendingReview)
		g.mu.Unlock()
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return warned, err
		}

		warned++
		g.notify(ctx, notify.Notification{
			Subject:  req.ID,
			Severity: notify.SeverityWarning,
			Message: fmt.Sprintf("Request %s (%s from %s) expires in %s",
				req.ID, req.Action.Type, req.Action.AgentID, req.ExpiresAt.Sub(now).Round(time.Minute)),
		})
	}
	return warned, nil
}

// Stats returns decision counts, optionally for one operator.
func (g *Gate) Stats(ctx context.Context, operator string) (Stats, error) {
	operators, err := g.store.OperatorStats(ctx, strings.TrimSpace(operator))
	if err != nil {
		return Stats{}, err
	}
	counts, err := g.store.CountRequests(ctx)
	if err != nil {
		return Stats{}, err
	}
	approved, err := g.store.ListRequests(ctx, store.RequestQuery{Statuses: []store.Status{store.StatusApproved}})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Operators: operators, ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		stats.ByStatus[string(status)] = n
	}
	for _, req := range approved {
		if req.ExecutionFailed {
			stats.ApprovedButFailed++
		}
	}
	return stats, nil
}

func (g *Gate) record(kind audit.Kind, subject, actor string, at time.Time, payload map[string]any) error {
	if _, err := g.audit.Append(audit.Record{
		Kind:      kind,
		SubjectID: subject,
		Actor:     actor,
		Time:      at,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("audit %s for %s: %w", kind, subject, err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// lostRace turns a store conflict into the transition error the caller
// would have seen had it arrived second.
func (g *Gate) lostRace(ctx context.Context, id, op string, err error) error {
	if !errors.Is(err, errs.ErrConflict) {
		return err
	}
	current, getErr := g.store.GetRequest(ctx, id)
	if getErr != nil {
		return getErr
	}
	slog.Warn("approval request changed concurrently", "request_id", id, "op", op, "status", current.DisplayStatus())
	return errs.Transition(id, current.DisplayStatus(), op)
}

func (g *Gate) signalRunnable(ctx context.Context, req Request) {
	if g.runnable != nil && req.Runnable() {
		g.runnable(ctx, req)
	}
}

func (g *Gate) notify(ctx context.Context, n notify.Notification) {
	if g.notifier == nil {
		return
	}
	if n.Target == "" {
		n.Target = g.cfg.NotifyTarget
	}
	g.notifier.Notify(ctx, n)
}

func submitPayload(req Request) map[string]any {
	return map[string]any{
		"action_id":    req.Action.ID,
		"agent_id":     req.Action.AgentID,
		"type":         req.Action.Type,
		"params":       req.Action.Params,
		"capabilities": req.Action.Capabilities,
		"created_at":   req.Action.CreatedAt,
		"tier":         req.Tier.String(),
		"workflow":     req.Workflow,
		"queue":        req.Queue,
		"priority":     req.Priority,
		"submitted_at": req.SubmittedAt,
		"expires_at":   req.ExpiresAt,
	}
}

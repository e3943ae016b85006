package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
)

// intent is the request state implied by the audit log.
type intent struct {
	submit     audit.Record
	status     store.Status
	failed     bool
	decidedBy  string
	notes      string
	decidedAt  time.Time
	executedAt time.Time
	attempts   int
	reason     string
}

// rank orders states so reconciliation only ever moves a row forward.
func rank(status store.Status, failed bool) int {
	switch status {
	case store.StatusPendingReview:
		return 1
	case store.StatusApproved:
		if failed {
			return 3
		}
		return 2
	case store.StatusRejected, store.StatusExpired, store.StatusExecuted:
		return 4
	default:
		return 0
	}
}

// Reconcile replays the audit log and applies transitions that were
// recorded but never reached the store, recreating rows that are missing
// entirely. It returns the number of requests repaired.
func (g *Gate) Reconcile(ctx context.Context) (int, error) {
	intents := make(map[string]*intent)
	var order []string

	err := g.audit.Replay(func(rec audit.Record) error {
		if rec.Kind == audit.KindSubmit {
			if _, seen := intents[rec.SubjectID]; !seen {
				order = append(order, rec.SubjectID)
			}
			intents[rec.SubjectID] = &intent{submit: rec, status: store.StatusPendingReview}
			return nil
		}
		in, ok := intents[rec.SubjectID]
		if !ok {
			return nil
		}
		applyRecord(in, rec)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay audit log: %w", err)
	}

	repaired := 0
	for _, id := range order {
		in := intents[id]
		changed, err := g.reconcileOne(ctx, id, in)
		if err != nil {
			return repaired, err
		}
		if changed {
			repaired++
		}
	}
	if repaired > 0 {
		slog.Warn("reconciled approval requests from audit log", "count", repaired)
	}
	return repaired, nil
}

func applyRecord(in *intent, rec audit.Record) {
	switch rec.Kind {
	case audit.KindAutoApprove, audit.KindApprove:
		in.status = store.StatusApproved
		in.decidedBy = rec.Actor
		in.decidedAt = rec.Time
		in.notes, _ = rec.Payload["notes"].(string)
		if rec.Kind == audit.KindAutoApprove {
			in.notes = "auto-approved: low risk"
		}
	case audit.KindReject:
		in.status = store.StatusRejected
		in.decidedBy = rec.Actor
		in.decidedAt = rec.Time
		in.notes, _ = rec.Payload["notes"].(string)
	case audit.KindExpire:
		in.status = store.StatusExpired
		in.decidedBy = audit.ActorSystem
		in.decidedAt = rec.Time
		in.notes = "expired by ttl"
	case audit.KindExecuteSuccess:
		in.status = store.StatusExecuted
		in.executedAt = rec.Time
		in.failed = false
		in.reason = ""
	case audit.KindExecuteFailure:
		in.failed = true
		in.reason, _ = rec.Payload["reason"].(string)
		if n, ok := rec.Payload["attempts"].(float64); ok {
			in.attempts = int(n)
		}
	case audit.KindRequeue:
		in.failed = false
		in.reason = ""
		in.attempts = 0
	}
}

func (g *Gate) reconcileOne(ctx context.Context, id string, in *intent) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.store.GetRequest(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		req, err := requestFromSubmit(id, in.submit)
		if err != nil {
			slog.Warn("cannot rebuild approval request from audit", "request_id", id, "error", err)
			return false, nil
		}
		in.applyTo(&req)
		req.Version = 1
		if err := g.store.CreateRequest(ctx, req); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if rank(in.status, in.failed) <= rank(current.Status, current.ExecutionFailed) {
		return false, nil
	}

	next := current
	in.applyTo(&next)
	if _, err := g.store.UpdateRequest(ctx, next, current.Status); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (in *intent) applyTo(req *Request) {
	req.Status = in.status
	req.ExecutionFailed = in.failed
	req.FailureReason = in.reason
	if in.attempts > 0 {
		req.Attempts = in.attempts
	}
	if in.decidedBy != "" {
		req.DecidedBy = in.decidedBy
		req.DecidedAt = in.decidedAt
		req.DecisionNotes = in.notes
	}
	if !in.executedAt.IsZero() {
		req.ExecutedAt = in.executedAt
	}
}

func requestFromSubmit(id string, rec audit.Record) (Request, error) {
	p := rec.Payload
	str := func(key string) string {
		v, _ := p[key].(string)
		return v
	}
	when := func(key string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, str(key))
		return t
	}

	tier, err := risk.ParseTier(str("tier"))
	if err != nil {
		return Request{}, err
	}
	a := action.Action{
		ID:        str("action_id"),
		AgentID:   str("agent_id"),
		Type:      str("type"),
		CreatedAt: when("created_at"),
	}
	if params, ok := p["params"].(map[string]any); ok {
		a.Params = params
	}
	if caps, ok := p["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				a.Capabilities = append(a.Capabilities, s)
			}
		}
	}
	if err := a.Validate(); err != nil {
		return Request{}, err
	}

	priority := 0
	if n, ok := p["priority"].(float64); ok {
		priority = int(n)
	}
	submitted := when("submitted_at")
	if submitted.IsZero() {
		submitted = rec.Time
	}
	return Request{
		ID:          id,
		Action:      a,
		Tier:        tier,
		Workflow:    str("workflow"),
		Queue:       str("queue"),
		Priority:    priority,
		SubmittedAt: submitted,
		ExpiresAt:   when("expires_at"),
	}, nil
}

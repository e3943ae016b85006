package approval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGuard struct{ err error }

func (g *fakeGuard) DecisionsAllowed() error { return g.err }

type fixture struct {
	gate     *Gate
	store    store.Store
	log      *audit.Log
	clock    *clock
	notifier *fakeNotifier
	runnable []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	workspace := t.TempDir()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: filepath.Join(workspace, "tether.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:    st,
		log:      audit.NewLog(workspace),
		clock:    &clock{now: baseTime},
		notifier: &fakeNotifier{},
	}
	f.gate = NewGate(st, f.log, DefaultConfig())
	f.gate.now = f.clock.Now
	seq := 0
	f.gate.newID = func() string {
		seq++
		return fmt.Sprintf("req-%03d", seq)
	}
	f.gate.SetNotifier(f.notifier)
	f.gate.OnRunnable(func(_ context.Context, req Request) {
		f.runnable = append(f.runnable, req.ID)
	})
	return f
}

func testAction(id, typ string) action.Action {
	return action.Action{
		ID:        id,
		AgentID:   "agent-1",
		Type:      typ,
		Params:    map[string]any{"target": "db-1"},
		CreatedAt: baseTime,
	}
}

func (f *fixture) kinds(t *testing.T, id string) []audit.Kind {
	t.Helper()
	recs, err := f.log.Records(audit.Filter{SubjectID: id})
	require.NoError(t, err)
	out := make([]audit.Kind, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Kind)
	}
	return out
}

func TestGate_SubmitLowAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "read_report"), risk.TierLow, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, req.Status)
	assert.Equal(t, audit.ActorSystem, req.DecidedBy)

	pending, err := f.gate.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []audit.Kind{audit.KindSubmit, audit.KindAutoApprove}, f.kinds(t, req.ID))
	assert.Equal(t, []string{req.ID}, f.runnable)
	assert.Zero(t, f.notifier.count())
}

func TestGate_SubmitHighWaitsForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "delete_records"), risk.TierHigh, SubmitOptions{Queue: "default", Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingReview, req.Status)
	assert.Equal(t, string(WorkflowHighRisk), req.Workflow)
	assert.True(t, req.ExpiresAt.Equal(baseTime.Add(24*time.Hour)))
	assert.Empty(t, f.runnable)

	count, err := f.gate.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, notify.SeverityWarning, f.notifier.sent[0].Severity)
	assert.Equal(t, "operators", f.notifier.sent[0].Target)
}

func TestGate_ExpeditedWorkflowUsesShortTTL(t *testing.T) {
	f := newFixture(t)

	req, err := f.gate.Submit(context.Background(), testAction("a1", "update_config"), risk.TierMedium, SubmitOptions{Workflow: WorkflowExpedited})
	require.NoError(t, err)
	assert.True(t, req.ExpiresAt.Equal(baseTime.Add(4*time.Hour)))
}

func TestGate_SubmitRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Submit(ctx, action.Action{ID: "a1", Type: "x"}, risk.TierLow, SubmitOptions{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.gate.Submit(ctx, testAction("a2", "x"), risk.TierLow, SubmitOptions{Workflow: "bogus"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGate_ApproveThenExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "deploy_service"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)

	f.clock.Set(baseTime.Add(time.Hour))
	approved, err := f.gate.Approve(ctx, req.ID, "alice", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.DecidedBy)
	assert.Equal(t, "looks fine", approved.DecisionNotes)
	assert.Equal(t, []string{req.ID}, f.runnable)

	runnable, err := f.gate.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, runnable, 1)

	executed, err := f.gate.MarkExecuted(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, executed.Status)

	again, err := f.gate.MarkExecuted(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, again.Status)

	assert.Equal(t, []audit.Kind{audit.KindSubmit, audit.KindApprove, audit.KindExecuteSuccess}, f.kinds(t, req.ID))

	_, err = f.gate.Approve(ctx, req.ID, "bob", "")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestGate_RejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "drop_table"), risk.TierCritical, SubmitOptions{})
	require.NoError(t, err)

	_, err = f.gate.Reject(ctx, req.ID, "alice", "   ")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.gate.Approve(ctx, req.ID, "", "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	rejected, err := f.gate.Reject(ctx, req.ID, "alice", "too risky")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, rejected.Status)
	assert.Equal(t, "too risky", rejected.DecisionNotes)
	assert.Empty(t, f.runnable)

	_, err = f.gate.MarkExecuted(ctx, req.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestGate_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Approve(ctx, "missing", "alice", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.gate.Review(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.gate.Get(ctx, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGate_ApproveAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "transfer_funds"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)

	f.clock.Set(req.ExpiresAt)
	_, err = f.gate.Approve(ctx, req.ID, "alice", "")
	require.ErrorIs(t, err, errs.ErrExpired)

	var expired *errs.ExpiredError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, req.ID, expired.RequestID)

	got, err := f.gate.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)
	assert.Equal(t, audit.ActorSystem, got.DecidedBy)
	assert.Equal(t, []audit.Kind{audit.KindSubmit, audit.KindExpire}, f.kinds(t, req.ID))
}

func TestGate_CleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.gate.Submit(ctx, testAction("a1", "delete_user"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)

	f.clock.Set(baseTime.Add(12 * time.Hour))
	fresh, err := f.gate.Submit(ctx, testAction("a2", "delete_user"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)
	low, err := f.gate.Submit(ctx, testAction("a3", "read_report"), risk.TierLow, SubmitOptions{})
	require.NoError(t, err)

	f.clock.Set(baseTime.Add(24*time.Hour + time.Second))
	expired, err := f.gate.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	assert.Equal(t, store.StatusExpired, expired[0].Status)

	got, err := f.gate.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingReview, got.Status)

	got, err = f.gate.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, got.Status)

	again, err := f.gate.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestGate_GuardBlocksDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guard := &fakeGuard{err: errs.ErrSystemStopped}
	f.gate.SetGuard(guard)

	req, err := f.gate.Submit(ctx, testAction("a1", "restart_service"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)

	_, err = f.gate.Approve(ctx, req.ID, "alice", "")
	assert.ErrorIs(t, err, errs.ErrSystemStopped)

	got, err := f.gate.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingReview, got.Status)

	guard.err = nil
	approved, err := f.gate.Approve(ctx, req.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, approved.Status)
}

func TestGate_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "deploy_service"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, results[i] = f.gate.Approve(ctx, req.ID, fmt.Sprintf("op-%d", i), "")
			} else {
				_, results[i] = f.gate.Reject(ctx, req.ID, fmt.Sprintf("op-%d", i), "no")
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	kinds := f.kinds(t, req.ID)
	assert.Len(t, kinds, 2)
}

func TestGate_ExecutionFailureAndRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "read_report"), risk.TierLow, SubmitOptions{})
	require.NoError(t, err)

	failed, err := f.gate.MarkExecutionFailed(ctx, req.ID, "handler exploded", 3)
	require.NoError(t, err)
	assert.True(t, failed.ExecutionFailed)
	assert.Equal(t, "approved-but-failed", failed.DisplayStatus())
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 1, f.notifier.count())

	runnable, err := f.gate.ListRunnable(ctx)
	require.NoError(t, err)
	assert.Empty(t, runnable)

	stats, err := f.gate.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ApprovedButFailed)

	_, err = f.gate.Requeue(ctx, req.ID, "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	requeued, err := f.gate.Requeue(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.False(t, requeued.ExecutionFailed)
	assert.Zero(t, requeued.Attempts)
	assert.Equal(t, []string{req.ID, req.ID}, f.runnable)

	_, err = f.gate.Requeue(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	review, err := f.gate.Review(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", review.Status)
	assert.Len(t, review.History, 4)
}

func TestGate_WarnExpiringOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.gate.Submit(ctx, testAction("a1", "rotate_keys"), risk.TierHigh, SubmitOptions{Workflow: WorkflowExpedited})
	require.NoError(t, err)
	notified := f.notifier.count()

	f.clock.Set(baseTime.Add(time.Hour))
	n, err := f.gate.WarnExpiring(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(req.ExpiresAt.Add(-30 * time.Minute))
	n, err = f.gate.WarnExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, notified+1, f.notifier.count())

	n, err = f.gate.WarnExpiring(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGate_StatsByOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, decision := range []string{"approve", "approve", "reject"} {
		req, err := f.gate.Submit(ctx, testAction(fmt.Sprintf("a%d", i), "deploy_service"), risk.TierHigh, SubmitOptions{})
		require.NoError(t, err)
		if decision == "approve" {
			_, err = f.gate.Approve(ctx, req.ID, "alice", "")
		} else {
			_, err = f.gate.Reject(ctx, req.ID, "bob", "no")
		}
		require.NoError(t, err)
	}

	stats, err := f.gate.Stats(ctx, "")
	require.NoError(t, err)
	byOperator := map[string]store.OperatorStats{}
	for _, s := range stats.Operators {
		byOperator[s.Operator] = s
	}
	assert.Equal(t, 2, byOperator["alice"].Approved)
	assert.Equal(t, 1, byOperator["bob"].Rejected)
	assert.Equal(t, 2, stats.ByStatus[string(store.StatusApproved)])
	assert.Equal(t, 1, stats.ByStatus[string(store.StatusRejected)])

	only, err := f.gate.Stats(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, only.Operators, 1)
	assert.Equal(t, "bob", only.Operators[0].Operator)
}

func TestGate_ReconcileRepairsStoreFromAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.gate.Submit(ctx, testAction("a1", "deploy_service"), risk.TierHigh, SubmitOptions{})
	require.NoError(t, err)

	// A decision that reached the log but not the store.
	_, err = f.log.Append(audit.Record{
		Kind:      audit.KindApprove,
		SubjectID: pending.ID,
		Actor:     "alice",
		Time:      baseTime.Add(time.Minute),
		Payload:   map[string]any{"notes": "ok"},
	})
	require.NoError(t, err)

	// A request whose row was never written.
	missing := Request{
		ID:          "req-lost",
		Action:      testAction("a2", "read_report"),
		Tier:        risk.TierLow,
		Workflow:    string(WorkflowDefault),
		Queue:       "default",
		Priority:    1,
		SubmittedAt: baseTime,
		ExpiresAt:   baseTime.Add(24 * time.Hour),
	}
	require.NoError(t, f.gate.record(audit.KindSubmit, missing.ID, "agent-1", baseTime, submitPayload(missing)))
	require.NoError(t, f.gate.record(audit.KindAutoApprove, missing.ID, audit.ActorSystem, baseTime, nil))

	repaired, err := f.gate.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	got, err := f.gate.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
	assert.Equal(t, "ok", got.DecisionNotes)

	rebuilt, err := f.gate.Get(ctx, missing.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, rebuilt.Status)
	assert.Equal(t, "read_report", rebuilt.Action.Type)
	assert.Equal(t, "db-1", rebuilt.Action.Params["target"])
	assert.Equal(t, risk.TierLow, rebuilt.Tier)
	assert.True(t, rebuilt.ExpiresAt.Equal(missing.ExpiresAt))

	again, err := f.gate.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

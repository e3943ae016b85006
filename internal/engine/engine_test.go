package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/store"
)

type failure struct {
	id       string
	reason   string
	attempts int
}

type fakeGate struct {
	mu       sync.Mutex
	reqs     map[string]store.ApprovalRequest
	executed chan string
	failed   chan failure
	// onFailed runs after a request is marked failed, before waiters see it.
	onFailed func(id string)
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		reqs:     make(map[string]store.ApprovalRequest),
		executed: make(chan string, 16),
		failed:   make(chan failure, 16),
	}
}

func (g *fakeGate) add(id, typ string, status store.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs[id] = store.ApprovalRequest{
		ID:     id,
		Status: status,
		Action: action.Action{ID: "act-" + id, AgentID: "agent-1", Type: typ},
	}
}

func (g *fakeGate) Get(_ context.Context, id string) (store.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.reqs[id]
	if !ok {
		return store.ApprovalRequest{}, errs.NotFound("approval request", id)
	}
	return req, nil
}

func (g *fakeGate) MarkExecuted(_ context.Context, id string) (store.ApprovalRequest, error) {
	g.mu.Lock()
	req := g.reqs[id]
	req.Status = store.StatusExecuted
	g.reqs[id] = req
	g.mu.Unlock()
	g.executed <- id
	return req, nil
}

func (g *fakeGate) MarkExecutionFailed(_ context.Context, id, reason string, attempts int) (store.ApprovalRequest, error) {
	g.mu.Lock()
	req := g.reqs[id]
	req.ExecutionFailed = true
	req.FailureReason = reason
	req.Attempts = attempts
	g.reqs[id] = req
	hook := g.onFailed
	g.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	g.failed <- failure{id: id, reason: reason, attempts: attempts}
	return req, nil
}

type fakeExecutions struct {
	mu      sync.Mutex
	samples []store.ExecutionSample
}

func (f *fakeExecutions) RecordExecution(_ context.Context, s store.ExecutionSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeExecutions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultTask = TaskPolicy{
		Queue:         QueueDefault,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		SoftTimeLimit: time.Second,
		HardTimeLimit: 2 * time.Second,
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeGate, *audit.Log) {
	t.Helper()
	gate := newFakeGate()
	log := audit.NewLog(t.TempDir())
	e := New(cfg, gate, log)
	t.Cleanup(e.Stop)
	return e, gate, log
}

func kinds(t *testing.T, log *audit.Log, id string) []audit.Kind {
	t.Helper()
	recs, err := log.Records(audit.Filter{SubjectID: id})
	require.NoError(t, err)
	out := make([]audit.Kind, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Kind)
	}
	return out
}

func waitExecuted(t *testing.T, g *fakeGate) string {
	t.Helper()
	select {
	case id := <-g.executed:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for execution")
		return ""
	}
}

func waitFailed(t *testing.T, g *fakeGate) failure {
	t.Helper()
	select {
	case f := <-g.failed:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for execution failure")
		return failure{}
	}
}

func TestEngine_EnqueueRequiresApproval(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()

	gate.add("pending", "deploy", store.StatusPendingReview)
	err := e.Enqueue(ctx, "pending", "", 0)
	assert.ErrorIs(t, err, errs.ErrNotApproved)

	gate.add("done", "deploy", store.StatusExecuted)
	assert.ErrorIs(t, e.Enqueue(ctx, "done", "", 0), errs.ErrNotApproved)

	assert.ErrorIs(t, e.Enqueue(ctx, "missing", "", 0), errs.ErrNotFound)

	gate.add("ok", "deploy", store.StatusApproved)
	assert.ErrorIs(t, e.Enqueue(ctx, "ok", "nowhere", 0), errs.ErrValidation)
}

func TestEngine_DuplicateEnqueueIsNoop(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()
	gate.add("r1", "deploy", store.StatusApproved)

	require.NoError(t, e.Enqueue(ctx, "r1", QueueHigh, 0))
	require.NoError(t, e.Enqueue(ctx, "r1", QueueHigh, 0))

	stats := e.Stats()
	assert.Equal(t, 1, stats.Depth[QueueHigh])
	assert.True(t, e.Pending("r1"))
}

func TestEngine_ExecutesRegisteredHandler(t *testing.T) {
	e, gate, log := newTestEngine(t, fastConfig())
	execs := &fakeExecutions{}
	e.SetExecutionRecorder(execs)
	e.SetRuntimeMetrics(metrics.NewRuntime(t.TempDir()))
	ctx := context.Background()

	var got atomic.Value
	e.RegisterHandler("send_report", func(_ context.Context, a action.Action) (action.Result, error) {
		got.Store(a.ID)
		return action.Result{Output: map[string]any{"ok": true}}, nil
	})
	gate.add("r1", "send_report", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	assert.Equal(t, "r1", waitExecuted(t, gate))
	assert.Equal(t, "act-r1", got.Load())
	assert.Equal(t, []audit.Kind{audit.KindExecuteStart}, kinds(t, log, "r1"))
	assert.Equal(t, 1, execs.count())
}

func TestEngine_RetriesThenMarksFailed(t *testing.T) {
	e, gate, log := newTestEngine(t, fastConfig())
	ctx := context.Background()

	var calls atomic.Int32
	e.RegisterHandler("flaky", func(context.Context, action.Action) (action.Result, error) {
		calls.Add(1)
		return action.Result{}, errors.New("upstream unavailable")
	})
	gate.add("r1", "flaky", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))

	f := waitFailed(t, gate)
	assert.Equal(t, "r1", f.id)
	assert.Equal(t, 3, f.attempts)
	assert.Contains(t, f.reason, "upstream unavailable")
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, []audit.Kind{
		audit.KindExecuteStart, audit.KindExecuteAttemptFailed,
		audit.KindExecuteStart, audit.KindExecuteAttemptFailed,
		audit.KindExecuteStart, audit.KindExecuteAttemptFailed,
	}, kinds(t, log, "r1"))
}

func TestEngine_SucceedsOnRetry(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()

	var calls atomic.Int32
	e.RegisterHandler("flaky", func(context.Context, action.Action) (action.Result, error) {
		if calls.Add(1) < 2 {
			return action.Result{}, errors.New("transient")
		}
		return action.Result{}, nil
	})
	gate.add("r1", "flaky", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	assert.Equal(t, "r1", waitExecuted(t, gate))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_PermanentErrorStopsRetries(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()

	var calls atomic.Int32
	e.RegisterHandler("bad", func(context.Context, action.Action) (action.Result, error) {
		calls.Add(1)
		return action.Result{}, errs.Permanent(errors.New("invalid target"))
	})
	gate.add("r1", "bad", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	f := waitFailed(t, gate)
	assert.Equal(t, 1, f.attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_PanicCountsAsFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.DefaultTask.MaxAttempts = 1
	e, gate, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.RegisterHandler("boom", func(context.Context, action.Action) (action.Result, error) {
		panic("kaboom")
	})
	gate.add("r1", "boom", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	f := waitFailed(t, gate)
	assert.Contains(t, f.reason, "panicked")
}

func TestEngine_SoftTimeLimitCancelsHandler(t *testing.T) {
	cfg := fastConfig()
	cfg.Tasks = map[string]TaskPolicy{
		"slow": {MaxAttempts: 1, SoftTimeLimit: 20 * time.Millisecond, HardTimeLimit: time.Second},
	}
	e, gate, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.RegisterHandler("slow", func(ctx context.Context, _ action.Action) (action.Result, error) {
		<-ctx.Done()
		return action.Result{}, ctx.Err()
	})
	gate.add("r1", "slow", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	f := waitFailed(t, gate)
	assert.Contains(t, f.reason, "soft time limit")
}

func TestEngine_HardTimeLimitAbandonsHandler(t *testing.T) {
	cfg := fastConfig()
	cfg.Tasks = map[string]TaskPolicy{
		"stuck": {MaxAttempts: 1, SoftTimeLimit: 10 * time.Millisecond, HardTimeLimit: 30 * time.Millisecond},
	}
	e, gate, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	e.RegisterHandler("stuck", func(context.Context, action.Action) (action.Result, error) {
		<-release
		return action.Result{}, nil
	})
	gate.add("r1", "stuck", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	f := waitFailed(t, gate)
	assert.Contains(t, f.reason, "hard time limit")
}

func TestEngine_HardTimeLimitNeverOverlapsAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Tasks = map[string]TaskPolicy{
		"sleepy": {MaxAttempts: 3, SoftTimeLimit: 20 * time.Millisecond, HardTimeLimit: 40 * time.Millisecond},
	}
	e, gate, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	var calls, inFlight, maxInFlight atomic.Int32
	finished := make(chan struct{}, 4)
	e.RegisterHandler("sleepy", func(context.Context, action.Action) (action.Result, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		inFlight.Add(-1)
		finished <- struct{}{}
		return action.Result{}, nil
	})
	gate.add("r1", "sleepy", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	f := waitFailed(t, gate)
	assert.Equal(t, 1, f.attempts)
	assert.Contains(t, f.reason, "hard time limit")

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never returned")
	}
	assert.Eventually(t, func() bool { return !e.Pending("r1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestEngine_RequeueWhileAbandonedHandlerRunsWaitsForIt(t *testing.T) {
	cfg := fastConfig()
	cfg.Tasks = map[string]TaskPolicy{
		"stuck": {MaxAttempts: 1, SoftTimeLimit: 10 * time.Millisecond, HardTimeLimit: 30 * time.Millisecond},
	}
	e, gate, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	var calls, inFlight, maxInFlight atomic.Int32
	e.RegisterHandler("stuck", func(context.Context, action.Action) (action.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		if calls.Add(1) == 1 {
			<-release
		}
		return action.Result{}, nil
	})
	gate.add("r1", "stuck", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	waitFailed(t, gate)

	// Operator requeue while the first handler is still stuck.
	gate.add("r1", "stuck", store.StatusApproved)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	assert.Equal(t, "r1", waitExecuted(t, gate))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestEngine_RequeueRightAfterFailureRunsAgain(t *testing.T) {
	cfg := fastConfig()
	cfg.DefaultTask.MaxAttempts = 1
	e, gate, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	var calls atomic.Int32
	e.RegisterHandler("once", func(context.Context, action.Action) (action.Result, error) {
		if calls.Add(1) == 1 {
			return action.Result{}, errors.New("first try fails")
		}
		return action.Result{}, nil
	})
	gate.add("r1", "once", store.StatusApproved)

	var requeueErr error
	gate.onFailed = func(id string) {
		gate.add(id, "once", store.StatusApproved)
		requeueErr = e.Enqueue(ctx, id, "", 0)
	}

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	waitFailed(t, gate)
	require.NoError(t, requeueErr)
	assert.Equal(t, "r1", waitExecuted(t, gate))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_FallsBackToAgent(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()

	agent := &stubAgent{id: "agent-1"}
	e.SetAgentLookup(func(id string) (action.Agent, bool) {
		if id == agent.id {
			return agent, true
		}
		return nil, false
	})
	gate.add("r1", "anything", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	waitExecuted(t, gate)
	assert.Equal(t, int32(1), agent.executed.Load())
}

func TestEngine_NoHandlerFailsPermanently(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()
	gate.add("r1", "unknown_type", store.StatusApproved)

	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))
	f := waitFailed(t, gate)
	assert.Equal(t, 1, f.attempts)
	assert.Contains(t, f.reason, "no handler")
}

func TestEngine_SuspendHoldsQueuedWork(t *testing.T) {
	e, gate, _ := newTestEngine(t, fastConfig())
	ctx := context.Background()

	var calls atomic.Int32
	e.RegisterHandler("job", func(context.Context, action.Action) (action.Result, error) {
		calls.Add(1)
		return action.Result{}, nil
	})
	gate.add("r1", "job", store.StatusApproved)

	e.Suspend()
	e.Start(ctx)
	require.NoError(t, e.Enqueue(ctx, "r1", "", 0))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.True(t, e.Suspended())

	e.Resume()
	waitExecuted(t, gate)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_EnqueueTaskDedupes(t *testing.T) {
	e, _, _ := newTestEngine(t, fastConfig())

	fn := func(context.Context) error { return nil }
	ok, err := e.EnqueueTask("cleanup", QueueMonitoring, fn)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EnqueueTask("cleanup", QueueMonitoring, fn)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.EnqueueTask("cleanup", "bogus", fn)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngine_RunsPeriodicTask(t *testing.T) {
	e, _, _ := newTestEngine(t, fastConfig())
	ran := make(chan struct{}, 1)

	e.Start(context.Background())
	ok, err := e.EnqueueTask("export", QueueReports, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic task did not run")
	}
}

func TestQueueSet_PriorityThenFIFO(t *testing.T) {
	qs := newQueueSet()
	push := func(key string, rank, priority int, seq uint64) {
		qs.push(rank, &unit{key: key, rank: rank, priority: priority, seq: seq})
	}
	push("default-low", 1, 0, 1)
	push("default-high-a", 1, 5, 2)
	push("default-high-b", 1, 5, 3)
	push("urgent", 0, 0, 4)
	push("report", 2, 9, 5)

	// A default worker drains high first and never touches reports.
	var order []string
	for {
		u, ok := qs.pop(1)
		if !ok {
			break
		}
		order = append(order, u.key)
	}
	assert.Equal(t, []string{"urgent", "default-high-a", "default-high-b", "default-low"}, order)

	u, ok := qs.pop(2)
	require.True(t, ok)
	assert.Equal(t, "report", u.key)
}

func TestPolicyMerging(t *testing.T) {
	cfg := fastConfig()
	cfg.Tasks = map[string]TaskPolicy{"bulk_import": {Queue: QueueDataProcessing, MaxAttempts: 5}}
	e := New(cfg, newFakeGate(), nil)

	p := e.Policy("bulk_import")
	assert.Equal(t, QueueDataProcessing, p.Queue)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Millisecond, p.BackoffBase)

	assert.Equal(t, QueueDefault, e.Policy("other").Queue)
}

type stubAgent struct {
	id       string
	executed atomic.Int32
}

func (a *stubAgent) ID() string                      { return a.id }
func (a *stubAgent) Capabilities() []string          { return nil }
func (a *stubAgent) Heartbeat(context.Context) error { return nil }
func (a *stubAgent) Restart(context.Context) error   { return nil }
func (a *stubAgent) Execute(context.Context, action.Action) (action.Result, error) {
	a.executed.Add(1)
	return action.Result{}, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/store"
)

// Gate is the part of the approval gate the engine reports to.
type Gate interface {
	Get(ctx context.Context, id string) (store.ApprovalRequest, error)
	MarkExecuted(ctx context.Context, id string) (store.ApprovalRequest, error)
	MarkExecutionFailed(ctx context.Context, id, reason string, attempts int) (store.ApprovalRequest, error)
}

// ExecutionRecorder persists per-agent execution samples.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, sample store.ExecutionSample) error
}

// AgentLookup finds the in-process agent for an id.
type AgentLookup func(agentID string) (action.Agent, bool)

// TaskFunc is a periodic maintenance job run on a queue.
type TaskFunc func(ctx context.Context) error

const taskKeyPrefix = "task:"

type unit struct {
	key       string
	queue     string
	rank      int
	priority  int
	seq       uint64
	requestID string
	task      TaskFunc
	// attempt counts attempts already made.
	attempt int
	// orphan is set when an attempt was abandoned at its hard time limit.
	// The key stays active until the handler goroutine returns.
	orphan <-chan outcome
	// released is set once the key has been freed ahead of the worker.
	released bool
}

// Stats describes the engine's current load.
type Stats struct {
	Depth     map[string]int `json:"depth"`
	Running   int            `json:"running"`
	Suspended bool           `json:"suspended"`
}

// Engine runs approved actions and periodic tasks on prioritized queues.
type Engine struct {
	cfg      Config
	gate     Gate
	audit    audit.Recorder
	execs    ExecutionRecorder
	agents   AgentLookup
	recorder *metrics.Runtime
	now      func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]action.Handler

	mu        sync.Mutex
	cond      *sync.Cond
	queues    *queueSet
	active    map[string]struct{}
	retries   map[string]*time.Timer
	seq       uint64
	running   int
	suspended bool
	started   bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc

	wg conc.WaitGroup
}

// New creates an engine. Workers start with Start.
func New(cfg Config, gate Gate, log audit.Recorder) *Engine {
	defaults := DefaultConfig()
	cfg.DefaultTask = cfg.DefaultTask.merged(defaults.DefaultTask)
	if _, ok := QueueRank(cfg.DefaultTask.Queue); !ok {
		cfg.DefaultTask.Queue = QueueDefault
	}
	workers := make(map[string]int, len(Queues))
	for _, q := range Queues {
		n := cfg.Workers[q]
		if n <= 0 {
			n = defaults.Workers[q]
		}
		workers[q] = n
	}
	cfg.Workers = workers

	e := &Engine{
		cfg:      cfg,
		gate:     gate,
		audit:    log,
		now:      time.Now,
		handlers: make(map[string]action.Handler),
		queues:   newQueueSet(),
		active:   make(map[string]struct{}),
		retries:  make(map[string]*time.Timer),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetExecutionRecorder attaches durable per-agent execution metrics.
func (e *Engine) SetExecutionRecorder(r ExecutionRecorder) { e.execs = r }

// SetAgentLookup attaches the fallback used when no handler is registered.
func (e *Engine) SetAgentLookup(fn AgentLookup) { e.agents = fn }

// SetRuntimeMetrics attaches a recorder for attempt latencies.
func (e *Engine) SetRuntimeMetrics(recorder *metrics.Runtime) { e.recorder = recorder }

// RegisterHandler binds an action type to h.
func (e *Engine) RegisterHandler(actionType string, h action.Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[strings.TrimSpace(actionType)] = h
}

// Policy returns the effective task policy for actionType.
func (e *Engine) Policy(actionType string) TaskPolicy {
	p, ok := e.cfg.Tasks[actionType]
	if !ok {
		return e.cfg.DefaultTask
	}
	return p.merged(e.cfg.DefaultTask)
}

// Start launches the workers of every queue.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	total := 0
	for rank, q := range Queues {
		for range e.cfg.Workers[q] {
			e.wg.Go(func() { e.worker(rank) })
			total++
		}
	}
	slog.Info("task engine started", "workers", total)
}

// Stop cancels running handlers and waits for the workers to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for key, timer := range e.retries {
		timer.Stop()
		delete(e.retries, key)
	}
	if e.cancel != nil {
		e.cancel()
	}
	started := e.started
	e.cond.Broadcast()
	e.mu.Unlock()

	if started {
		e.wg.Wait()
		slog.Info("task engine stopped")
	}
}

// Suspend stops dequeuing. Running handlers finish.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.suspended {
		e.suspended = true
		slog.Warn("task engine suspended")
	}
}

// Resume restarts dequeuing.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspended {
		e.suspended = false
		e.cond.Broadcast()
		slog.Info("task engine resumed")
	}
}

// Suspended reports whether dequeuing is stopped.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Stats returns queue depths and the running count.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Depth: e.queues.depth(), Running: e.running, Suspended: e.suspended}
}

// Pending reports whether key is queued, running or waiting for a retry.
func (e *Engine) Pending(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[requestID]
	return ok
}

// Enqueue schedules an approved request. An empty queue or zero priority
// falls back to the request's routing and then to the task policy.
// Enqueuing a request that is already queued or running does nothing.
func (e *Engine) Enqueue(ctx context.Context, requestID, queue string, priority int) error {
	req, err := e.gate.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Runnable() {
		return fmt.Errorf("%w: request %s is %s", errs.ErrNotApproved, req.ID, req.DisplayStatus())
	}

	policy := e.Policy(req.Action.Type)
	if queue == "" {
		queue = req.Queue
	}
	if queue == "" {
		queue = policy.Queue
	}
	if priority == 0 {
		priority = req.Priority
	}
	if priority == 0 {
		priority = policy.Priority
	}
	rank, ok := QueueRank(queue)
	if !ok {
		return errs.Validation("queue", "unknown queue %q", queue)
	}

	if !e.push(&unit{key: req.ID, queue: Queues[rank], rank: rank, priority: priority, requestID: req.ID}) {
		slog.Debug("request already scheduled", "request_id", req.ID)
	}
	return nil
}

// EnqueueTask schedules a periodic task unless one with the same name is
// still queued or running. It reports whether the task was queued.
func (e *Engine) EnqueueTask(name, queue string, fn TaskFunc) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, errs.Validation("name", "is required")
	}
	if fn == nil {
		return false, errs.Validation("task", "is required")
	}
	rank, ok := QueueRank(queue)
	if !ok {
		return false, errs.Validation("queue", "unknown queue %q", queue)
	}
	return e.push(&unit{key: taskKeyPrefix + name, queue: Queues[rank], rank: rank, task: fn}), nil
}

func (e *Engine) push(u *unit) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, dup := e.active[u.key]; dup {
		return false
	}
	e.active[u.key] = struct{}{}
	e.seq++
	u.seq = e.seq
	e.queues.push(u.rank, u)
	e.publishLocked()
	e.cond.Broadcast()
	return true
}

func (e *Engine) worker(rank int) {
	for {
		u, ok := e.next(rank)
		if !ok {
			return
		}
		e.execute(u)
	}
}

func (e *Engine) next(rank int) (*unit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return nil, false
		}
		if !e.suspended {
			if u, ok := e.queues.pop(rank); ok {
				e.running++
				e.publishLocked()
				return u, true
			}
		}
		e.cond.Wait()
	}
}

func (e *Engine) execute(u *unit) {
	retryAfter := time.Duration(-1)
	defer func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.running--
		switch {
		case retryAfter >= 0 && !e.closed:
			e.scheduleRetryLocked(u, retryAfter)
		case u.orphan != nil:
			go e.awaitAbandoned(u)
		case !u.released:
			delete(e.active, u.key)
		}
		e.publishLocked()
	}()

	if u.task != nil {
		e.runTask(u)
		return
	}
	retryAfter = e.runRequest(u)
}

func (e *Engine) runTask(u *unit) {
	name := strings.TrimPrefix(u.key, taskKeyPrefix)
	policy := e.cfg.DefaultTask
	start := time.Now()
	_, err := e.invoke(e.ctx, policy, func(ctx context.Context) (action.Result, error) {
		return action.Result{}, u.task(ctx)
	})
	e.recorder.RecordTask(u.queue, time.Since(start), err)
	u.orphan = abandoned(err)
	if err != nil {
		slog.Warn("periodic task failed", "task", name, "queue", u.queue, "error", err)
		return
	}
	slog.Debug("periodic task finished", "task", name, "queue", u.queue)
}

// runRequest makes one attempt and returns the delay before the next one,
// or a negative duration when the unit is finished.
func (e *Engine) runRequest(u *unit) time.Duration {
	ctx := e.ctx
	req, err := e.gate.Get(ctx, u.requestID)
	if err != nil {
		slog.Error("load request for execution failed", "request_id", u.requestID, "error", err)
		return -1
	}
	if !req.Runnable() {
		return -1
	}

	policy := e.Policy(req.Action.Type)
	attempt := u.attempt + 1
	e.record(audit.KindExecuteStart, req.ID, map[string]any{
		"attempt":  attempt,
		"queue":    u.queue,
		"agent_id": req.Action.AgentID,
	})

	start := time.Now()
	result, runErr := e.run(ctx, policy, req.Action)
	elapsed := time.Since(start)

	e.recorder.RecordTask(u.queue, elapsed, runErr)
	e.recordSample(ctx, req.Action, elapsed, runErr != nil)

	if runErr != nil && ctx.Err() != nil {
		slog.Warn("execution interrupted by shutdown", "request_id", req.ID, "attempt", attempt)
		return -1
	}

	if runErr == nil {
		if _, err := e.gate.MarkExecuted(ctx, req.ID); err != nil {
			slog.Error("mark request executed failed", "request_id", req.ID, "error", err)
			return -1
		}
		slog.Info("action executed",
			"request_id", req.ID,
			"agent", req.Action.AgentID,
			"type", req.Action.Type,
			"attempt", attempt,
			"duration_ms", elapsed.Milliseconds(),
			"output_keys", len(result.Output),
		)
		return -1
	}

	e.record(audit.KindExecuteAttemptFailed, req.ID, map[string]any{
		"attempt":      attempt,
		"max_attempts": policy.MaxAttempts,
		"error":        runErr.Error(),
	})

	retryPolicy := policy.retry()
	if !errs.IsRetryable(runErr) || !retryPolicy.ShouldRetry(attempt) {
		slog.Error("action execution failed", "request_id", req.ID, "type", req.Action.Type, "attempts", attempt, "error", runErr)
		if _, err := e.gate.MarkExecutionFailed(ctx, req.ID, runErr.Error(), attempt); err != nil {
			slog.Error("mark request failed", "request_id", req.ID, "error", err)
		}
		if u.orphan = abandoned(runErr); u.orphan == nil {
			e.settle(u)
		}
		return -1
	}

	u.attempt = attempt
	delay := retryPolicy.Delay(attempt)
	slog.Warn("action attempt failed, retrying", "request_id", req.ID, "attempt", attempt, "retry_in", delay.String(), "error", runErr)
	return delay
}

func (e *Engine) scheduleRetryLocked(u *unit, delay time.Duration) {
	e.retries[u.key] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.retries, u.key)
		if e.closed {
			delete(e.active, u.key)
			return
		}
		e.seq++
		u.seq = e.seq
		e.queues.push(u.rank, u)
		e.publishLocked()
		e.cond.Broadcast()
	})
}

// settle frees the key of a request that failed for good. A request that an
// operator requeued while the key was still held is scheduled again.
func (e *Engine) settle(u *unit) {
	e.mu.Lock()
	delete(e.active, u.key)
	u.released = true
	closed := e.closed
	e.mu.Unlock()
	if closed || u.requestID == "" {
		return
	}
	if err := e.Enqueue(e.ctx, u.requestID, u.queue, u.priority); err != nil && !errors.Is(err, errs.ErrNotApproved) {
		slog.Warn("reschedule requeued request failed", "request_id", u.requestID, "error", err)
	}
}

// awaitAbandoned holds the unit's key until the handler left behind by a hard
// time limit returns, so no second attempt runs beside it.
func (e *Engine) awaitAbandoned(u *unit) {
	out := <-u.orphan
	slog.Warn("abandoned handler returned", "key", u.key, "error", out.err)
	e.settle(u)
}

func (e *Engine) run(ctx context.Context, policy TaskPolicy, a action.Action) (action.Result, error) {
	handler := e.resolve(a)
	if handler == nil {
		return action.Result{}, errs.Permanent(fmt.Errorf("no handler for action type %q", a.Type))
	}
	return e.invoke(ctx, policy, func(ctx context.Context) (action.Result, error) {
		return handler(ctx, a)
	})
}

func (e *Engine) resolve(a action.Action) action.Handler {
	e.handlersMu.RLock()
	h, ok := e.handlers[a.Type]
	e.handlersMu.RUnlock()
	if ok {
		return h
	}
	if e.agents != nil {
		if agent, ok := e.agents(a.AgentID); ok && agent != nil {
			return agent.Execute
		}
	}
	return nil
}

type outcome struct {
	result action.Result
	err    error
}

// hardLimitError reports an attempt abandoned at its hard time limit. The
// handler may still be running until it delivers on done.
type hardLimitError struct {
	limit time.Duration
	done  <-chan outcome
}

func (e *hardLimitError) Error() string {
	return fmt.Sprintf("hard time limit %s exceeded", e.limit)
}

// abandoned returns the result channel of a handler left running by err.
func abandoned(err error) <-chan outcome {
	var hl *hardLimitError
	if errors.As(err, &hl) {
		return hl.done
	}
	return nil
}

// invoke runs fn under the policy's time limits. A panic inside fn is
// returned as an error. Breaching the hard limit is not retried.
func (e *Engine) invoke(ctx context.Context, policy TaskPolicy, fn func(ctx context.Context) (action.Result, error)) (action.Result, error) {
	softCtx, cancel := context.WithTimeout(ctx, policy.SoftTimeLimit)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var (
			pc  panics.Catcher
			out outcome
		)
		pc.Try(func() { out.result, out.err = fn(softCtx) })
		if r := pc.Recovered(); r != nil {
			out = outcome{err: fmt.Errorf("handler panicked: %w", r.AsError())}
		}
		done <- out
	}()

	hard := time.NewTimer(policy.HardTimeLimit)
	defer hard.Stop()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(softCtx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("soft time limit %s exceeded: %w", policy.SoftTimeLimit, out.err)
		}
		return out.result, out.err
	case <-hard.C:
		return action.Result{}, errs.Permanent(&hardLimitError{limit: policy.HardTimeLimit, done: done})
	case <-ctx.Done():
		return action.Result{}, ctx.Err()
	}
}

func (e *Engine) record(kind audit.Kind, subject string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(audit.Record{
		Kind:      kind,
		SubjectID: subject,
		Actor:     audit.ActorSystem,
		Time:      e.now().UTC(),
		Payload:   payload,
	}); err != nil {
		slog.Error("audit write failed", "kind", string(kind), "subject", subject, "error", err)
	}
}

func (e *Engine) recordSample(ctx context.Context, a action.Action, elapsed time.Duration, failed bool) {
	if e.execs == nil {
		return
	}
	if err := e.execs.RecordExecution(context.WithoutCancel(ctx), store.ExecutionSample{
		AgentID:    a.AgentID,
		ActionType: a.Type,
		Duration:   elapsed,
		Failed:     failed,
		At:         e.now().UTC(),
	}); err != nil {
		slog.Warn("record execution metrics failed", "agent", a.AgentID, "error", err)
	}
}

func (e *Engine) publishLocked() {
	for q, n := range e.queues.depth() {
		metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
	metrics.TasksRunning.Set(float64(e.running))
}

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/store"
)

const (
	defaultInterval         = 5 * time.Minute
	defaultStaleAfter       = 10 * time.Minute
	defaultFailureThreshold = 3
	defaultRestartBudget    = 3
	defaultWindow           = time.Hour
	defaultProbeTimeout     = 10 * time.Second
)

// Config controls watchdog behavior.
type Config struct {
	Enabled          bool
	Interval         time.Duration
	StaleAfter       time.Duration
	FailureThreshold int
	RestartBudget    int
	// Window is the rolling period the restart budget applies to.
	Window       time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns the built-in watchdog settings.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         defaultInterval,
		StaleAfter:       defaultStaleAfter,
		FailureThreshold: defaultFailureThreshold,
		RestartBudget:    defaultRestartBudget,
		Window:           defaultWindow,
		ProbeTimeout:     defaultProbeTimeout,
	}
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RestartBudget < 0 {
		c.RestartBudget = 0
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// HealthStore is the part of the store holding agent health.
type HealthStore interface {
	SaveAgentHealth(ctx context.Context, h store.AgentHealth) error
	GetAgentHealth(ctx context.Context, agentID string) (store.AgentHealth, error)
	ListAgentHealth(ctx context.Context) ([]store.AgentHealth, error)
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// ModeChecker reports whether the system is emergency-stopped.
type ModeChecker interface {
	Stopped() bool
}

// Watchdog polls agent health and performs bounded automatic recovery.
type Watchdog struct {
	cfg      Config
	store    HealthStore
	audit    audit.Recorder
	notifier Notifier
	mode     ModeChecker
	now      func() time.Time

	// mu serializes read-modify-write of health records.
	mu     sync.Mutex
	agents map[string]action.Agent

	loopMu  sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// New creates a watchdog.
func New(cfg Config, st HealthStore, log audit.Recorder) *Watchdog {
	return &Watchdog{
		cfg:    cfg.normalized(),
		store:  st,
		audit:  log,
		now:    time.Now,
		agents: make(map[string]action.Agent),
	}
}

// SetNotifier attaches operator notifications.
func (w *Watchdog) SetNotifier(n Notifier) { w.notifier = n }

// SetModeChecker attaches the control surface.
func (w *Watchdog) SetModeChecker(m ModeChecker) { w.mode = m }

// Config returns the effective settings.
func (w *Watchdog) Config() Config { return w.cfg }

// Register creates or refreshes the health record of an agent. agent may be
// nil for agents that live outside this process. A re-registered agent keeps
// its halt state and restart history.
func (w *Watchdog) Register(ctx context.Context, agentID string, capabilities []string, priority action.Priority, agent action.Agent) (store.AgentHealth, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return store.AgentHealth{}, errs.Validation("agent_id", "is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	h, err := w.store.GetAgentHealth(ctx, agentID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		h = store.AgentHealth{AgentID: agentID, RegisteredAt: now}
	case err != nil:
		return store.AgentHealth{}, err
	}
	h.Capabilities = append([]string(nil), capabilities...)
	h.Priority = priority
	h.LastHeartbeat = now
	h.ConsecutiveFailures = 0
	h.RestartBudget = w.cfg.RestartBudget
	h.UpdatedAt = now

	if err := w.record(audit.KindRegister, agentID, agentID, map[string]any{
		"capabilities": h.Capabilities,
		"priority":     priority.String(),
		"in_process":   agent != nil,
	}); err != nil {
		return store.AgentHealth{}, err
	}
	if err := w.store.SaveAgentHealth(ctx, h); err != nil {
		return store.AgentHealth{}, err
	}

	if agent != nil {
		w.agents[agentID] = agent
	} else {
		delete(w.agents, agentID)
	}
	slog.Info("agent registered", "agent", agentID, "capabilities", len(h.Capabilities), "halted", h.Halted)
	return h, nil
}

// Agent returns the in-process agent registered under id.
func (w *Watchdog) Agent(id string) (action.Agent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.agents[id]
	return a, ok
}

// RecordHeartbeat marks agentID as alive now.
func (w *Watchdog) RecordHeartbeat(ctx context.Context, agentID string) (store.AgentHealth, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	h, err := w.store.GetAgentHealth(ctx, agentID)
	if err != nil {
		return store.AgentHealth{}, err
	}
	now := w.now().UTC()
	h.LastHeartbeat = now
	h.ConsecutiveFailures = 0
	h.UpdatedAt = now
	if err := w.store.SaveAgentHealth(ctx, h); err != nil {
		return store.AgentHealth{}, err
	}
	return h, nil
}

// Get returns the health record of agentID.
func (w *Watchdog) Get(ctx context.Context, agentID string) (store.AgentHealth, error) {
	return w.store.GetAgentHealth(ctx, agentID)
}

// List returns every health record ordered by agent id.
func (w *Watchdog) List(ctx context.Context) ([]store.AgentHealth, error) {
	return w.store.ListAgentHealth(ctx)
}

// HaltedAgents returns the ids of halted agents.
func (w *Watchdog) HaltedAgents(ctx context.Context) ([]string, error) {
	all, err := w.store.ListAgentHealth(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, h := range all {
		if h.Halted {
			out = append(out, h.AgentID)
		}
	}
	sort.Strings(out)
	metrics.AgentsHalted.Set(float64(len(out)))
	return out, nil
}

// IsRunning reports whether the polling loop is active.
func (w *Watchdog) IsRunning() bool {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()
	return w.running
}

// Start launches the polling loop.
func (w *Watchdog) Start() {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()

	if w.running {
		return
	}
	if !w.cfg.Enabled {
		slog.Info("watchdog disabled")
		return
	}
	w.stopCh = make(chan struct{})
	w.stopped = make(chan struct{})
	w.running = true

	go w.loop(w.stopCh, w.stopped)
	slog.Info("watchdog started", "interval", w.cfg.Interval.String(), "stale_after", w.cfg.StaleAfter.String())
}

// Stop halts the polling loop.
func (w *Watchdog) Stop() {
	w.loopMu.Lock()
	if !w.running {
		w.loopMu.Unlock()
		return
	}
	stopCh, stopped := w.stopCh, w.stopped
	w.running = false
	w.stopCh = nil
	w.stopped = nil
	w.loopMu.Unlock()

	close(stopCh)
	<-stopped
	slog.Info("watchdog stopped")
}

func (w *Watchdog) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := w.RunOnce(context.Background()); err != nil {
				slog.Warn("watchdog run failed", "error", err)
			}
		}
	}
}

// RunOnce checks every non-halted agent once. It does nothing while the
// system is stopped.
func (w *Watchdog) RunOnce(ctx context.Context) error {
	if w.mode != nil && w.mode.Stopped() {
		slog.Debug("watchdog skipped while system is stopped")
		return nil
	}

	all, err := w.store.ListAgentHealth(ctx)
	if err != nil {
		return err
	}

	var errList []error
	for _, h := range all {
		if h.Halted {
			continue
		}
		if err := w.check(ctx, h.AgentID); err != nil {
			errList = append(errList, fmt.Errorf("check %s: %w", h.AgentID, err))
		}
	}
	if _, err := w.HaltedAgents(ctx); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

func (w *Watchdog) check(ctx context.Context, agentID string) error {
	agent, inProcess := w.Agent(agentID)
	probeErr := error(nil)
	if inProcess {
		probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		probeErr = agent.Heartbeat(probeCtx)
		cancel()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	h, err := w.store.GetAgentHealth(ctx, agentID)
	if err != nil {
		return err
	}
	if h.Halted {
		return nil
	}

	now := w.now().UTC()
	if inProcess && probeErr == nil {
		h.LastHeartbeat = now
	}
	last := h.LastHeartbeat
	if last.IsZero() {
		last = h.RegisteredAt
	}

	if now.Sub(last) <= w.cfg.StaleAfter {
		h.ConsecutiveFailures = 0
		h.UpdatedAt = now
		return w.store.SaveAgentHealth(ctx, h)
	}

	h.ConsecutiveFailures++
	h.UpdatedAt = now
	reason := fmt.Sprintf("no heartbeat for %s", now.Sub(last).Round(time.Second))
	if probeErr != nil {
		reason = fmt.Sprintf("heartbeat probe failed: %v", probeErr)
	}
	slog.Warn("agent unhealthy", "agent", agentID, "consecutive_failures", h.ConsecutiveFailures, "reason", reason)

	if h.ConsecutiveFailures < w.cfg.FailureThreshold {
		return w.store.SaveAgentHealth(ctx, h)
	}
	return w.recoverLocked(ctx, h, agent, reason, now)
}

// recoverLocked restarts the agent while restarts inside the window stay
// within budget, and halts it otherwise.
func (w *Watchdog) recoverLocked(ctx context.Context, h store.AgentHealth, agent action.Agent, reason string, now time.Time) error {
	h.Restarts = pruneRestarts(h.Restarts, now, w.cfg.Window)

	if len(h.Restarts) >= w.cfg.RestartBudget {
		haltErr := fmt.Errorf("%w: %d restart(s) within %s", errs.ErrHaltBudgetExceeded, len(h.Restarts), w.cfg.Window)
		h.Halted = true
		h.HaltReason = haltErr.Error()
		h.HaltSource = store.HaltSourceBudget
		if err := w.record(audit.KindHalt, h.AgentID, audit.ActorSystem, map[string]any{
			"reason":        h.HaltReason,
			"source":        h.HaltSource,
			"last_failure":  reason,
			"restart_count": h.RestartCount,
		}); err != nil {
			return err
		}
		if err := w.store.SaveAgentHealth(ctx, h); err != nil {
			return err
		}
		slog.Error("agent halted", "agent", h.AgentID, "reason", h.HaltReason)
		w.notify(ctx, notify.Notification{
			Subject:  h.AgentID,
			Severity: notify.SeverityCritical,
			Message:  fmt.Sprintf("Agent %s halted: %s (last failure: %s)", h.AgentID, h.HaltReason, reason),
		})
		return nil
	}

	attempt := len(h.Restarts) + 1
	if err := w.record(audit.KindRestart, h.AgentID, audit.ActorSystem, map[string]any{
		"reason":  reason,
		"attempt": attempt,
		"budget":  w.cfg.RestartBudget,
	}); err != nil {
		return err
	}

	if agent != nil {
		restartCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		err := restartAgent(restartCtx, agent)
		cancel()
		if err != nil {
			slog.Warn("agent restart failed", "agent", h.AgentID, "attempt", attempt, "error", err)
		}
	} else {
		slog.Info("remote agent marked for restart", "agent", h.AgentID, "attempt", attempt)
	}
	metrics.AgentRestartsTotal.WithLabelValues(h.AgentID).Inc()

	h.Restarts = append(h.Restarts, now)
	h.RestartCount++
	h.ConsecutiveFailures = 0
	h.LastHeartbeat = now
	return w.store.SaveAgentHealth(ctx, h)
}

// restartAgent returns once the agent restarted or ctx is done, whichever
// comes first.
func restartAgent(ctx context.Context, agent action.Agent) error {
	done := make(chan error, 1)
	go func() { done <- agent.Restart(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("restart %s: %w", agent.ID(), ctx.Err())
	}
}

// ClearHalt returns a halted agent to service and resets its counters.
func (w *Watchdog) ClearHalt(ctx context.Context, agentID, operator string) (store.AgentHealth, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return store.AgentHealth{}, errs.Validation("operator", "is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	h, err := w.store.GetAgentHealth(ctx, agentID)
	if err != nil {
		return store.AgentHealth{}, err
	}
	if !h.Halted {
		return store.AgentHealth{}, errs.Transition(agentID, "running", "clear halt")
	}

	now := w.now().UTC()
	if err := w.record(audit.KindClearHalt, agentID, operator, map[string]any{
		"previous_reason": h.HaltReason,
		"source":          h.HaltSource,
	}); err != nil {
		return store.AgentHealth{}, err
	}
	h = cleared(h, now)
	if err := w.store.SaveAgentHealth(ctx, h); err != nil {
		return store.AgentHealth{}, err
	}
	slog.Info("agent halt cleared", "agent", agentID, "operator", operator)
	return h, nil
}

// HaltAll halts every agent that is not already halted, on behalf of an
// emergency stop. It returns how many agents were halted.
func (w *Watchdog) HaltAll(ctx context.Context, reason, actor string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := w.store.ListAgentHealth(ctx)
	if err != nil {
		return 0, err
	}
	now := w.now().UTC()
	halted := 0
	for _, h := range all {
		if h.Halted {
			continue
		}
		if err := w.record(audit.KindHalt, h.AgentID, actor, map[string]any{
			"reason": reason,
			"source": store.HaltSourceEmergency,
		}); err != nil {
			return halted, err
		}
		h.Halted = true
		h.HaltReason = reason
		h.HaltSource = store.HaltSourceEmergency
		h.UpdatedAt = now
		if err := w.store.SaveAgentHealth(ctx, h); err != nil {
			return halted, err
		}
		halted++
	}
	return halted, nil
}

// ReleaseEmergency clears halts placed by an emergency stop. Agents halted
// for exhausting their restart budget stay halted.
func (w *Watchdog) ReleaseEmergency(ctx context.Context, actor string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := w.store.ListAgentHealth(ctx)
	if err != nil {
		return 0, err
	}
	now := w.now().UTC()
	released := 0
	for _, h := range all {
		if !h.Halted || h.HaltSource != store.HaltSourceEmergency {
			continue
		}
		if err := w.record(audit.KindClearHalt, h.AgentID, actor, map[string]any{
			"previous_reason": h.HaltReason,
			"source":          h.HaltSource,
		}); err != nil {
			return released, err
		}
		h = cleared(h, now)
		if err := w.store.SaveAgentHealth(ctx, h); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func cleared(h store.AgentHealth, now time.Time) store.AgentHealth {
	h.Halted = false
	h.HaltReason = ""
	h.HaltSource = ""
	h.ConsecutiveFailures = 0
	h.RestartCount = 0
	h.Restarts = nil
	h.LastHeartbeat = now
	h.UpdatedAt = now
	return h
}

func pruneRestarts(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := restarts[:0:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (w *Watchdog) record(kind audit.Kind, subject, actor string, payload map[string]any) error {
	if w.audit == nil {
		return nil
	}
	if _, err := w.audit.Append(audit.Record{
		Kind:      kind,
		SubjectID: subject,
		Actor:     actor,
		Time:      w.now().UTC(),
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("audit %s for %s: %w", kind, subject, err)
	}
	return nil
}

func (w *Watchdog) notify(ctx context.Context, n notify.Notification) {
	if w.notifier != nil {
		w.notifier.Notify(ctx, n)
	}
}

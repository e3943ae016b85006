// Package orchestrator wires the classifier, approval gate, task engine,
// watchdog and control surface into one running system and exposes the
// agent-facing and operator-facing operations the gateway serves.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/MEKXH/tether/internal/approval"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/control"
	"github.com/MEKXH/tether/internal/engine"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
	"github.com/MEKXH/tether/internal/watchdog"
)

// Maintenance task names.
const (
	TaskExpiryCleanup  = "expiry-cleanup"
	TaskExpiryWarning  = "expiry-warning"
	TaskHealthSnapshot = "health-snapshot"
	TaskMetricsExport  = "metrics-export"
)

// Option customizes New.
type Option func(*options)

type options struct {
	store store.Store
	sinks []notify.Sink
	now   func() time.Time
}

// WithStore uses st instead of opening the configured store. The caller
// keeps ownership and closes it.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithSink registers an extra notification sink.
func WithSink(s notify.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithClock overrides the clock used for action timestamps and rate limits.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Orchestrator is the composition root.
type Orchestrator struct {
	cfg        *config.Config
	workspace  string
	store      store.Store
	ownsStore  bool
	audit      *audit.Log
	classifier risk.Classifier
	gate       *approval.Gate
	engine     *engine.Engine
	scheduler  *engine.Scheduler
	watchdog   *watchdog.Watchdog
	control    *control.Surface
	dispatcher *notify.Dispatcher
	runtime    *metrics.Runtime
	breakers   *breakers
	now        func() time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	workspace, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, err
	}
	riskCfg, err := cfg.Risk.Settings()
	if err != nil {
		return nil, err
	}

	st, ownsStore := o.store, false
	if st == nil {
		st, err = store.Open(cfg.StoreSettings())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		ownsStore = true
	}

	orc := &Orchestrator{
		cfg:        cfg,
		workspace:  workspace,
		store:      st,
		ownsStore:  ownsStore,
		audit:      audit.NewLog(workspace),
		classifier: risk.NewClassifier(riskCfg),
		runtime:    metrics.NewRuntime(workspace),
		now:        o.now,
		limiters:   make(map[string]*rate.Limiter),
	}
	orc.breakers = newBreakers(cfg.Agents.BreakerThreshold, cfg.Agents.BreakerCooldown(), o.now)

	orc.dispatcher = notify.NewDispatcher(cfg.Notify.Dispatcher())
	orc.dispatcher.SetRuntimeMetrics(orc.runtime)
	orc.dispatcher.Register(notify.LogSink{})
	if cfg.Notify.Telegram.Enabled {
		orc.dispatcher.Register(notify.NewTelegramSink(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID))
	}
	for _, sink := range o.sinks {
		orc.dispatcher.Register(sink)
	}

	orc.gate = approval.NewGate(st, orc.audit, cfg.Approval.Settings())
	orc.gate.SetNotifier(orc.dispatcher)

	orc.engine = engine.New(cfg.Engine.Settings(), orc.gate, orc.audit)
	orc.engine.SetExecutionRecorder(breakerRecorder{next: st, breakers: orc.breakers})
	orc.engine.SetRuntimeMetrics(orc.runtime)

	orc.watchdog = watchdog.New(cfg.Watchdog.Settings(), st, orc.audit)
	orc.watchdog.SetNotifier(orc.dispatcher)
	orc.engine.SetAgentLookup(orc.routableAgent)

	orc.control = control.New(st, orc.audit)
	orc.control.SetEngine(orc.engine)
	orc.control.SetAgents(orc.watchdog)
	orc.control.SetBacklog(orc.gate)
	orc.control.SetNotifier(orc.dispatcher)

	orc.gate.SetGuard(orc.control)
	orc.watchdog.SetModeChecker(orc.control)
	orc.gate.OnRunnable(orc.enqueue)

	orc.scheduler = engine.NewScheduler(orc.engine, cfg.Schedule.Tick())
	if err := orc.addMaintenanceTasks(); err != nil {
		if ownsStore {
			_ = st.Close()
		}
		return nil, err
	}

	return orc, nil
}

// Start restores the control mode, repairs the store from the audit log,
// re-enqueues approved work and starts every loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if o.stopped {
		return fmt.Errorf("orchestrator already stopped")
	}

	if err := o.control.Load(ctx); err != nil {
		return err
	}
	repaired, err := o.gate.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile approvals: %w", err)
	}
	if repaired > 0 {
		slog.Warn("repaired approval requests from audit log", "count", repaired)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.wg.Go(func() { o.dispatcher.Run(runCtx) })
	o.engine.Start(runCtx)

	runnable, err := o.gate.ListRunnable(ctx)
	if err != nil {
		cancel()
		o.engine.Stop()
		o.wg.Wait()
		return fmt.Errorf("list runnable requests: %w", err)
	}
	for _, req := range runnable {
		o.enqueue(ctx, req)
	}
	if len(runnable) > 0 {
		slog.Info("re-enqueued approved requests", "count", len(runnable))
	}

	o.scheduler.Start()
	if o.watchdog.Config().Enabled {
		o.watchdog.Start()
	}
	o.started = true
	slog.Info("orchestrator started", "workspace", o.workspace, "mode", o.control.Mode())
	return nil
}

// Stop shuts every loop down and closes the store when New opened it.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil
	}
	o.stopped = true

	o.scheduler.Stop()
	o.watchdog.Stop()
	o.engine.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	if err := o.runtime.Export(context.Background()); err != nil {
		slog.Warn("export runtime metrics failed", "error", err)
	}

	if o.ownsStore {
		if err := o.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	slog.Info("orchestrator stopped")
	return nil
}

// Workspace returns the resolved workspace directory.
func (o *Orchestrator) Workspace() string { return o.workspace }

// Mode returns the current system mode.
func (o *Orchestrator) Mode() string { return o.control.Mode() }

func (o *Orchestrator) enqueue(ctx context.Context, req approval.Request) {
	if err := o.engine.Enqueue(ctx, req.ID, "", 0); err != nil {
		slog.Error("enqueue approved request failed", "request_id", req.ID, "error", err)
	}
}

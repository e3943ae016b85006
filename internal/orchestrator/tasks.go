package orchestrator

import (
	"context"
	"log/slog"

	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/engine"
)

func (o *Orchestrator) addMaintenanceTasks() error {
	tasks := []struct {
		name  string
		queue string
		job   config.JobConfig
		fn    engine.TaskFunc
	}{
		{TaskExpiryCleanup, engine.QueueMonitoring, o.cfg.Schedule.ExpiryCleanup, o.expiryCleanup},
		{TaskExpiryWarning, engine.QueueMonitoring, o.cfg.Schedule.ExpiryWarning, o.expiryWarning},
		{TaskHealthSnapshot, engine.QueueMonitoring, o.cfg.Schedule.HealthSnapshot, o.healthSnapshot},
		{TaskMetricsExport, engine.QueueReports, o.cfg.Schedule.MetricsExport, o.runtime.Export},
	}
	for _, t := range tasks {
		if t.job.Disabled() {
			slog.Info("maintenance task disabled", "task", t.name)
			continue
		}
		if err := o.scheduler.Add(t.name, t.queue, t.job.Schedule(), t.fn); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) expiryCleanup(ctx context.Context) error {
	_, err := o.gate.CleanupExpired(ctx)
	return err
}

func (o *Orchestrator) expiryWarning(ctx context.Context) error {
	n, err := o.gate.WarnExpiring(ctx)
	if n > 0 {
		slog.Info("sent expiry warnings", "count", n)
	}
	return err
}

func (o *Orchestrator) healthSnapshot(ctx context.Context) error {
	pending, err := o.gate.PendingCount(ctx)
	if err != nil {
		return err
	}
	halted, err := o.watchdog.HaltedAgents(ctx)
	if err != nil {
		return err
	}
	stats := o.engine.Stats()
	queued := 0
	for _, n := range stats.Depth {
		queued += n
	}
	slog.Info("health snapshot",
		"mode", o.control.Mode(),
		"pending_approvals", pending,
		"halted_agents", len(halted),
		"queued", queued,
		"running", stats.Running,
	)
	return nil
}

package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/store"
)

// System modes.
const (
	ModeRunning = "running"
	ModePaused  = "paused"
	ModeStopped = "stopped"
)

// Engine is the part of the task engine the surface suspends.
type Engine interface {
	Suspend()
	Resume()
}

// Agents is the part of the watchdog the surface halts and releases.
type Agents interface {
	HaltAll(ctx context.Context, reason, actor string) (int, error)
	ReleaseEmergency(ctx context.Context, actor string) (int, error)
	HaltedAgents(ctx context.Context) ([]string, error)
}

// Backlog reports the review backlog.
type Backlog interface {
	PendingCount(ctx context.Context) (int, error)
}

// StateStore persists the system mode.
type StateStore interface {
	LoadControl(ctx context.Context) (store.ControlState, error)
	SaveControl(ctx context.Context, state store.ControlState) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Status is a read-only snapshot of the system.
type Status struct {
	Mode         string    `json:"mode"`
	Reason       string    `json:"reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Since        time.Time `json:"since,omitzero"`
	PendingCount int       `json:"pending_count"`
	HaltedAgents []string  `json:"halted_agents"`
}

// Surface owns the global system mode.
type Surface struct {
	store    StateStore
	audit    audit.Recorder
	notifier Notifier
	engine   Engine
	agents   Agents
	backlog  Backlog
	now      func() time.Time

	// mu is held across each transition so modes change one at a time.
	mu    sync.Mutex
	state store.ControlState
}

// New creates a surface in running mode. Call Load to restore the persisted mode.
func New(st StateStore, log audit.Recorder) *Surface {
	metrics.SetSystemMode(ModeRunning)
	return &Surface{
		store: st,
		audit: log,
		now:   time.Now,
		state: store.ControlState{Mode: ModeRunning},
	}
}

// SetEngine attaches the task engine.
func (s *Surface) SetEngine(e Engine) { s.engine = e }

// SetAgents attaches the watchdog.
func (s *Surface) SetAgents(a Agents) { s.agents = a }

// SetBacklog attaches the approval gate.
func (s *Surface) SetBacklog(b Backlog) { s.backlog = b }

// SetNotifier attaches operator notifications.
func (s *Surface) SetNotifier(n Notifier) { s.notifier = n }

// Load restores the persisted mode and suspends the engine when the system
// was not running.
func (s *Surface) Load(ctx context.Context) error {
	state, err := s.store.LoadControl(ctx)
	if err != nil {
		return fmt.Errorf("load control state: %w", err)
	}
	switch state.Mode {
	case ModeRunning, ModePaused, ModeStopped:
	case "":
		state.Mode = ModeRunning
	default:
		return fmt.Errorf("load control state: unknown mode %q", state.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state.Mode != ModeRunning && s.engine != nil {
		s.engine.Suspend()
	}
	metrics.SetSystemMode(state.Mode)
	if state.Mode != ModeRunning {
		slog.Warn("system restored in non-running mode", "mode", state.Mode, "reason", state.Reason, "actor", state.Actor)
	}
	return nil
}

// Mode returns the current mode.
func (s *Surface) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Mode
}

// Stopped reports whether an emergency stop is in effect.
func (s *Surface) Stopped() bool { return s.Mode() == ModeStopped }

// DecisionsAllowed returns an error matching errs.ErrSystemStopped while
// stopped.
func (s *Surface) DecisionsAllowed() error {
	if s.Stopped() {
		return fmt.Errorf("%w: operator decisions are blocked until resume", errs.ErrSystemStopped)
	}
	return nil
}

// ExecutionAllowed reports whether new work may start now.
func (s *Surface) ExecutionAllowed() error {
	switch s.Mode() {
	case ModeStopped:
		return fmt.Errorf("%w: execution is blocked until resume", errs.ErrSystemStopped)
	case ModePaused:
		return fmt.Errorf("%w: execution is deferred until resume", errs.ErrSystemPaused)
	default:
		return nil
	}
}

// EmergencyStop halts every agent and suspends the engine. Calling it while
// already stopped changes nothing.
func (s *Surface) EmergencyStop(ctx context.Context, reason, operator string) (Status, error) {
	reason = strings.TrimSpace(reason)
	operator = strings.TrimSpace(operator)
	if reason == "" {
		return Status{}, errs.Validation("reason", "is required")
	}
	if operator == "" {
		return Status{}, errs.Validation("operator", "is required")
	}

	s.mu.Lock()
	if s.state.Mode == ModeStopped {
		s.mu.Unlock()
		return s.Status(ctx)
	}
	previous := s.state.Mode
	if err := s.transitionLocked(ctx, audit.KindEmergencyStop, ModeStopped, reason, operator, previous); err != nil {
		s.mu.Unlock()
		return Status{}, err
	}
	if s.engine != nil {
		s.engine.Suspend()
	}
	halted := 0
	if s.agents != nil {
		n, err := s.agents.HaltAll(ctx, reason, operator)
		if err != nil {
			slog.Error("halt agents during emergency stop failed", "error", err)
		}
		halted = n
	}
	s.mu.Unlock()

	slog.Error("emergency stop", "operator", operator, "reason", reason, "agents_halted", halted)
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Notification{
			Subject:  audit.SubjectSystem,
			Severity: notify.SeverityCritical,
			Message:  fmt.Sprintf("Emergency stop by %s: %s (%d agent(s) halted)", operator, reason, halted),
		})
	}
	return s.Status(ctx)
}

// Pause suspends the engine. Agents keep running and decisions are still
// accepted.
func (s *Surface) Pause(ctx context.Context, operator string) (Status, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Status{}, errs.Validation("operator", "is required")
	}

	s.mu.Lock()
	switch s.state.Mode {
	case ModeStopped:
		s.mu.Unlock()
		return Status{}, fmt.Errorf("%w: resume before pausing", errs.ErrSystemStopped)
	case ModePaused:
		s.mu.Unlock()
		return s.Status(ctx)
	}
	if err := s.transitionLocked(ctx, audit.KindPause, ModePaused, "", operator, ModeRunning); err != nil {
		s.mu.Unlock()
		return Status{}, err
	}
	if s.engine != nil {
		s.engine.Suspend()
	}
	s.mu.Unlock()

	slog.Warn("system paused", "operator", operator)
	return s.Status(ctx)
}

// Resume returns to running mode, releases emergency halts and resumes the
// engine.
func (s *Surface) Resume(ctx context.Context, operator string) (Status, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Status{}, errs.Validation("operator", "is required")
	}

	s.mu.Lock()
	if s.state.Mode == ModeRunning {
		s.mu.Unlock()
		return s.Status(ctx)
	}
	previous := s.state.Mode
	if err := s.transitionLocked(ctx, audit.KindResume, ModeRunning, "", operator, previous); err != nil {
		s.mu.Unlock()
		return Status{}, err
	}
	if s.agents != nil && previous == ModeStopped {
		if _, err := s.agents.ReleaseEmergency(ctx, operator); err != nil {
			slog.Error("release emergency halts failed", "error", err)
		}
	}
	if s.engine != nil {
		s.engine.Resume()
	}
	s.mu.Unlock()

	slog.Info("system resumed", "operator", operator, "previous_mode", previous)
	return s.Status(ctx)
}

// Status returns the current mode together with backlog and halted agents.
func (s *Surface) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	st := Status{
		Mode:         state.Mode,
		Reason:       state.Reason,
		Actor:        state.Actor,
		Since:        state.UpdatedAt,
		HaltedAgents: []string{},
	}
	if s.backlog != nil {
		n, err := s.backlog.PendingCount(ctx)
		if err != nil {
			return Status{}, err
		}
		st.PendingCount = n
	}
	if s.agents != nil {
		halted, err := s.agents.HaltedAgents(ctx)
		if err != nil {
			return Status{}, err
		}
		if halted != nil {
			st.HaltedAgents = halted
		}
	}
	return st, nil
}

func (s *Surface) transitionLocked(ctx context.Context, kind audit.Kind, mode, reason, actor, previous string) error {
	now := s.now().UTC()
	if s.audit != nil {
		if _, err := s.audit.Append(audit.Record{
			Kind:      kind,
			SubjectID: audit.SubjectSystem,
			Actor:     actor,
			Time:      now,
			Payload: map[string]any{
				"reason":        reason,
				"previous_mode": previous,
			},
		}); err != nil {
			return fmt.Errorf("audit %s: %w", kind, err)
		}
	}

	next := store.ControlState{Mode: mode, Reason: reason, Actor: actor, UpdatedAt: now}
	if err := s.store.SaveControl(ctx, next); err != nil {
		return fmt.Errorf("save control state: %w", err)
	}
	s.state = next
	metrics.SetSystemMode(mode)
	return nil
}

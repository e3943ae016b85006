// Package store persists approval requests, agent health, execution metrics
// and the control mode. Two engines are provided: SQLite (default) and
// Badger. Both serialize request mutations with a compare-and-swap on
// status and row version.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/risk"
)

// Status is the approval request state-machine variable.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusExpired       Status = "expired"
	StatusExecuted      Status = "executed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusExpired
}

// ApprovalRequest is the reviewable wrapper around one action.
type ApprovalRequest struct {
	ID       string        `json:"id"`
	Action   action.Action `json:"action"`
	Tier     risk.Tier     `json:"tier"`
	Workflow string        `json:"workflow"`
	Status   Status        `json:"status"`
	Queue    string        `json:"queue,omitempty"`
	Priority int           `json:"priority,omitempty"`

	SubmittedAt   time.Time `json:"submitted_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DecidedBy     string    `json:"decided_by,omitempty"`
	DecisionNotes string    `json:"decision_notes,omitempty"`
	DecidedAt     time.Time `json:"decided_at,omitzero"`
	ExecutedAt    time.Time `json:"executed_at,omitzero"`

	Attempts        int    `json:"attempts,omitempty"`
	ExecutionFailed bool   `json:"execution_failed,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	ExpiryWarned    bool   `json:"expiry_warned,omitempty"`

	Version int64 `json:"version"`
}

// DisplayStatus renders approved requests whose execution gave up as
// approved-but-failed.
func (r ApprovalRequest) DisplayStatus() string {
	if r.Status == StatusApproved && r.ExecutionFailed {
		return "approved-but-failed"
	}
	return string(r.Status)
}

// Runnable reports whether the engine may execute the request.
func (r ApprovalRequest) Runnable() bool {
	return r.Status == StatusApproved && !r.ExecutionFailed
}

// RequestQuery filters ListRequests. Zero values match everything.
type RequestQuery struct {
	Statuses      []Status
	ExpiresBefore time.Time
	AgentID       string
	Limit         int
}

func (q RequestQuery) matches(r ApprovalRequest) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.ExpiresBefore.IsZero() && !r.ExpiresAt.Before(q.ExpiresBefore) {
		return false
	}
	if q.AgentID != "" && r.Action.AgentID != q.AgentID {
		return false
	}
	return true
}

// Halt sources.
const (
	HaltSourceBudget    = "budget"
	HaltSourceEmergency = "emergency"
)

// AgentHealth is the per-agent record owned by the watchdog and the control
// surface.
type AgentHealth struct {
	AgentID             string          `json:"agent_id"`
	Capabilities        []string        `json:"capabilities,omitempty"`
	Priority            action.Priority `json:"priority"`
	LastHeartbeat       time.Time       `json:"last_heartbeat,omitzero"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Halted              bool            `json:"halted"`
	HaltReason          string          `json:"halt_reason,omitempty"`
	HaltSource          string          `json:"halt_source,omitempty"`
	RestartCount        int             `json:"restart_count"`
	RestartBudget       int             `json:"restart_budget"`
	// Restarts holds restart times still inside the rolling window.
	Restarts     []time.Time `json:"restarts,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ExecutionSample is one finished execution attempt.
type ExecutionSample struct {
	AgentID    string
	ActionType string
	Duration   time.Duration
	Failed     bool
	At         time.Time
}

// ExecutionStats aggregates samples per agent and action type.
type ExecutionStats struct {
	AgentID       string        `json:"agent_id"`
	ActionType    string        `json:"action_type"`
	Calls         int64         `json:"calls"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastRunAt     time.Time     `json:"last_run_at"`
}

// AvgDuration returns the mean attempt duration.
func (s ExecutionStats) AvgDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

// OperatorStats counts decisions made by one operator.
type OperatorStats struct {
	Operator string `json:"operator"`
	Approved int    `json:"approved"`
	Rejected int    `json:"rejected"`
}

// ControlState is the persisted system mode.
type ControlState struct {
	Mode      string    `json:"mode"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Store is the durable state backing every component.
type Store interface {
	CreateRequest(ctx context.Context, req ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (ApprovalRequest, error)
	// ListRequests returns matches ordered by submission time.
	ListRequests(ctx context.Context, q RequestQuery) ([]ApprovalRequest, error)
	CountRequests(ctx context.Context) (map[Status]int, error)
	// UpdateRequest writes req only if the stored row still has status from
	// and req.Version. It returns the stored row with its new version, or an
	// error matching errs.ErrConflict when another writer won.
	UpdateRequest(ctx context.Context, req ApprovalRequest, from Status) (ApprovalRequest, error)
	OperatorStats(ctx context.Context, operator string) ([]OperatorStats, error)

	SaveAgentHealth(ctx context.Context, h AgentHealth) error
	GetAgentHealth(ctx context.Context, agentID string) (AgentHealth, error)
	ListAgentHealth(ctx context.Context) ([]AgentHealth, error)

	RecordExecution(ctx context.Context, sample ExecutionSample) error
	ExecutionStats(ctx context.Context) ([]ExecutionStats, error)

	LoadControl(ctx context.Context) (ControlState, error)
	SaveControl(ctx context.Context, state ControlState) error

	Close() error
}

// Config selects and locates the storage engine.
type Config struct {
	Driver     string
	Path       string
	SyncWrites bool
}

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Open creates the store named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverBadger:
		return OpenBadger(cfg.Path, cfg.SyncWrites)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

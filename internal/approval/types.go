package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/store"
)

// Request is an approval request as stored.
type Request = store.ApprovalRequest

// Workflow selects the review path and TTL of a request.
type Workflow string

const (
	WorkflowDefault   Workflow = "default"
	WorkflowHighRisk  Workflow = "high_risk"
	WorkflowExpedited Workflow = "expedited"
)

// ParseWorkflow accepts workflow names case-insensitively. Empty is allowed
// and means "choose by tier".
func ParseWorkflow(value string) (Workflow, error) {
	switch w := Workflow(strings.ToLower(strings.TrimSpace(value))); w {
	case "", WorkflowDefault, WorkflowHighRisk, WorkflowExpedited:
		return w, nil
	default:
		return "", fmt.Errorf("unknown workflow %q", value)
	}
}

// Config contains gate settings.
type Config struct {
	// AutoApproveLow sends LOW tier actions straight to approved.
	AutoApproveLow bool
	DefaultTTL     time.Duration
	HighRiskTTL    time.Duration
	ExpeditedTTL   time.Duration
	// ExpiryWarning is how long before expiry operators are reminded.
	ExpiryWarning time.Duration
	// NotifyTarget is the operator or channel notifications are addressed to.
	NotifyTarget string
}

// DefaultConfig returns the built-in gate settings.
func DefaultConfig() Config {
	return Config{
		AutoApproveLow: true,
		DefaultTTL:     24 * time.Hour,
		HighRiskTTL:    24 * time.Hour,
		ExpeditedTTL:   4 * time.Hour,
		ExpiryWarning:  time.Hour,
		NotifyTarget:   "operators",
	}
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaults.DefaultTTL
	}
	if c.HighRiskTTL <= 0 {
		c.HighRiskTTL = c.DefaultTTL
	}
	if c.ExpeditedTTL <= 0 {
		c.ExpeditedTTL = defaults.ExpeditedTTL
	}
	if c.ExpiryWarning < 0 {
		c.ExpiryWarning = 0
	}
	if strings.TrimSpace(c.NotifyTarget) == "" {
		c.NotifyTarget = defaults.NotifyTarget
	}
	return c
}

func (c Config) ttl(w Workflow) time.Duration {
	switch w {
	case WorkflowHighRisk:
		return c.HighRiskTTL
	case WorkflowExpedited:
		return c.ExpeditedTTL
	default:
		return c.DefaultTTL
	}
}

// SubmitOptions carries routing hints stored with the request.
type SubmitOptions struct {
	Workflow Workflow
	Queue    string
	Priority int
}

// Review is the full detail of one request.
type Review struct {
	Request Request        `json:"request"`
	Status  string         `json:"status"`
	History []audit.Record `json:"history"`
}

// Stats summarises decisions and request states.
type Stats struct {
	Operators         []store.OperatorStats `json:"operators"`
	ByStatus          map[string]int        `json:"by_status"`
	ApprovedButFailed int                   `json:"approved_but_failed"`
}

// AuditLog is the part of *audit.Log the gate uses.
type AuditLog interface {
	audit.Recorder
	Records(filter audit.Filter) ([]audit.Record, error)
	Replay(fn func(audit.Record) error) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Guard tells the gate whether operator decisions are currently accepted.
type Guard interface {
	DecisionsAllowed() error
}

// RunnableFunc is called after a request becomes runnable.
type RunnableFunc func(ctx context.Context, req Request)

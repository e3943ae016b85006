package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/errs"
)

// Action is a unit of work proposed by an agent. It is not modified after
// the orchestrator builds it.
type Action struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Type         string         `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Validate checks the fields every action must carry.
func (a Action) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errs.Validation("id", "is required")
	}
	if strings.TrimSpace(a.AgentID) == "" {
		return errs.Validation("agent_id", "is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return errs.Validation("type", "is required")
	}
	for _, c := range a.Capabilities {
		if strings.TrimSpace(c) == "" {
			return errs.Validation("capabilities", "must not contain empty entries")
		}
	}
	return nil
}

// Result is what a handler reports back after executing an action.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
}

// Handler executes one action. A returned *errs.ExecutionError with
// Permanent set stops retries.
type Handler func(ctx context.Context, a Action) (Result, error)

// Agent is an in-process worker the orchestrator can route actions to,
// probe and restart.
type Agent interface {
	ID() string
	Capabilities() []string
	Heartbeat(ctx context.Context) error
	Execute(ctx context.Context, a Action) (Result, error)
	Restart(ctx context.Context) error
}

// Priority orders agents when several can serve the same capabilities.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts a priority name case-insensitively. Empty means medium.
func ParsePriority(value string) (Priority, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return PriorityMedium, nil
	}
	for p, name := range priorityNames {
		if name == v {
			return p, nil
		}
	}
	return PriorityMedium, errs.Validation("priority", "unknown priority %q", value)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// HasCapabilities reports whether have covers every entry of need, and the
// first missing capability otherwise.
func HasCapabilities(have, need []string) (string, bool) {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	for _, c := range need {
		if _, ok := set[strings.ToLower(strings.TrimSpace(c))]; !ok {
			return c, false
		}
	}
	return "", true
}

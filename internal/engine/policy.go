package engine

import (
	"time"

	"github.com/MEKXH/tether/internal/retry"
)

// TaskPolicy controls routing, retries and time limits for one action type.
type TaskPolicy struct {
	Queue       string
	Priority    int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// SoftTimeLimit cancels the handler's context.
	SoftTimeLimit time.Duration
	// HardTimeLimit abandons the handler and counts the attempt as failed.
	HardTimeLimit time.Duration
}

// DefaultTaskPolicy returns the built-in policy.
func DefaultTaskPolicy() TaskPolicy {
	return TaskPolicy{
		Queue:         QueueDefault,
		Priority:      0,
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		BackoffCap:    time.Minute,
		SoftTimeLimit: 5 * time.Minute,
		HardTimeLimit: 10 * time.Minute,
	}
}

// merged fills unset fields of p from base.
func (p TaskPolicy) merged(base TaskPolicy) TaskPolicy {
	if p.Queue == "" {
		p.Queue = base.Queue
	}
	if p.Priority == 0 {
		p.Priority = base.Priority
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = base.BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = base.BackoffCap
	}
	if p.SoftTimeLimit <= 0 {
		p.SoftTimeLimit = base.SoftTimeLimit
	}
	if p.HardTimeLimit <= 0 {
		p.HardTimeLimit = base.HardTimeLimit
	}
	if p.HardTimeLimit < p.SoftTimeLimit {
		p.HardTimeLimit = p.SoftTimeLimit
	}
	return p
}

func (p TaskPolicy) retry() retry.Policy {
	return retry.Policy{MaxAttempts: p.MaxAttempts, Base: p.BackoffBase, Cap: p.BackoffCap}
}

// Config contains engine settings.
type Config struct {
	// Workers is the worker count per queue.
	Workers     map[string]int
	DefaultTask TaskPolicy
	// Tasks overrides DefaultTask per action type.
	Tasks map[string]TaskPolicy
}

// DefaultConfig returns the built-in engine settings.
func DefaultConfig() Config {
	return Config{
		Workers: map[string]int{
			QueueHigh:           2,
			QueueDefault:        4,
			QueueReports:        1,
			QueueMonitoring:     1,
			QueueDataProcessing: 2,
		},
		DefaultTask: DefaultTaskPolicy(),
	}
}

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/tether/internal/engine"
	"github.com/MEKXH/tether/internal/store"
)

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

type breaker struct {
	state    string
	failures int
	openedAt time.Time
}

// breakers counts execution failures in a row per agent. An open breaker
// refuses new work for the agent until the cooldown passes, then lets work
// through half-open: one success closes it, one failure opens it again.
type breakers struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	byAgent map[string]*breaker
}

func newBreakers(threshold int, cooldown time.Duration, now func() time.Time) *breakers {
	return &breakers{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		byAgent:   make(map[string]*breaker),
	}
}

// allow reports whether agentID may take new work.
func (b *breakers) allow(agentID string) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byAgent[agentID]
	if !ok || br.state != BreakerOpen {
		return true
	}
	if b.now().Sub(br.openedAt) < b.cooldown {
		return false
	}
	br.state = BreakerHalfOpen
	slog.Info("circuit breaker half-open", "agent", agentID)
	return true
}

func (b *breakers) record(agentID string, failed bool) {
	if b.threshold <= 0 || agentID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byAgent[agentID]
	if !ok {
		br = &breaker{state: BreakerClosed}
		b.byAgent[agentID] = br
	}

	if !failed {
		if br.state != BreakerClosed {
			slog.Info("circuit breaker closed", "agent", agentID)
		}
		*br = breaker{state: BreakerClosed}
		return
	}

	br.failures++
	if br.state == BreakerHalfOpen || br.failures >= b.threshold {
		if br.state != BreakerOpen {
			slog.Warn("circuit breaker opened", "agent", agentID, "failures", br.failures)
		}
		br.state = BreakerOpen
		br.openedAt = b.now()
	}
}

// state returns the breaker state of agentID without moving it.
func (b *breakers) state(agentID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.byAgent[agentID]; ok {
		return br.state
	}
	return BreakerClosed
}

func (b *breakers) reset(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byAgent, agentID)
}

// breakerRecorder feeds execution outcomes to the breakers before storing
// them.
type breakerRecorder struct {
	next     engine.ExecutionRecorder
	breakers *breakers
}

func (r breakerRecorder) RecordExecution(ctx context.Context, sample store.ExecutionSample) error {
	r.breakers.record(sample.AgentID, sample.Failed)
	return r.next.RecordExecution(ctx, sample)
}

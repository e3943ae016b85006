package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MEKXH/tether/internal/errs"
)

const (
	requestPrefix = "req:"
	agentPrefix   = "agent:"
	metricPrefix  = "metric:"
	controlKey    = "control"

	badgerGCInterval = 5 * time.Minute
)

// Badger is the embedded key-value store alternative to SQLite.
type Badger struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (creating if needed) a Badger database in dataDir.
func OpenBadger(dataDir string, syncWrites bool) (*Badger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	opts := badger.DefaultOptions(dataDir)
	opts.SyncWrites = syncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &Badger{
		db:     db,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go b.runGarbageCollection()
	return b, nil
}

func (b *Badger) runGarbageCollection() {
	defer close(b.gcDone)
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

func (b *Badger) Close() error {
	close(b.stopGC)
	<-b.gcDone
	return b.db.Close()
}

func (b *Badger) CreateRequest(_ context.Context, req ApprovalRequest) error {
	if req.Version == 0 {
		req.Version = 1
	}
	key := []byte(requestPrefix + req.ID)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("approval request %s already exists", req.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, req)
	})
	if err != nil {
		return fmt.Errorf("insert approval request %s: %w", req.ID, mapBadgerErr(err))
	}
	return nil
}

func (b *Badger) GetRequest(_ context.Context, id string) (ApprovalRequest, error) {
	var req ApprovalRequest
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(requestPrefix+id), &req)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ApprovalRequest{}, errs.NotFound("approval request", id)
	}
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("get approval request %s: %w", id, err)
	}
	return req, nil
}

func (b *Badger) ListRequests(_ context.Context, q RequestQuery) ([]ApprovalRequest, error) {
	var out []ApprovalRequest
	err := b.iterate(requestPrefix, func(value []byte) error {
		var req ApprovalRequest
		if err := json.Unmarshal(value, &req); err != nil {
			return err
		}
		if q.matches(req) {
			out = append(out, req)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *Badger) CountRequests(ctx context.Context) (map[Status]int, error) {
	all, err := b.ListRequests(ctx, RequestQuery{})
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, req := range all {
		counts[req.Status]++
	}
	return counts, nil
}

func (b *Badger) UpdateRequest(_ context.Context, req ApprovalRequest, from Status) (ApprovalRequest, error) {
	key := []byte(requestPrefix + req.ID)
	var stored ApprovalRequest
	err := b.db.Update(func(txn *badger.Txn) error {
		var current ApprovalRequest
		if err := getJSON(txn, key, &current); err != nil {
			return err
		}
		if current.Status != from || current.Version != req.Version {
			return errs.ErrConflict
		}

		stored = current
		stored.Status = req.Status
		stored.Queue = req.Queue
		stored.Priority = req.Priority
		stored.DecidedBy = req.DecidedBy
		stored.DecisionNotes = req.DecisionNotes
		stored.DecidedAt = req.DecidedAt
		stored.ExecutedAt = req.ExecutedAt
		stored.Attempts = req.Attempts
		stored.ExecutionFailed = req.ExecutionFailed
		stored.FailureReason = req.FailureReason
		stored.ExpiryWarned = req.ExpiryWarned
		stored.Version = current.Version + 1
		return setJSON(txn, key, stored)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ApprovalRequest{}, errs.NotFound("approval request", req.ID)
	}
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("update approval request %s: %w", req.ID, mapBadgerErr(err))
	}
	return stored, nil
}

func (b *Badger) OperatorStats(ctx context.Context, operator string) ([]OperatorStats, error) {
	all, err := b.ListRequests(ctx, RequestQuery{})
	if err != nil {
		return nil, err
	}

	byOperator := make(map[string]*OperatorStats)
	for _, req := range all {
		if req.DecidedBy == "" || req.DecidedBy == "system" {
			continue
		}
		if operator != "" && req.DecidedBy != operator {
			continue
		}
		st, ok := byOperator[req.DecidedBy]
		if !ok {
			st = &OperatorStats{Operator: req.DecidedBy}
			byOperator[req.DecidedBy] = st
		}
		switch req.Status {
		case StatusApproved, StatusExecuted:
			st.Approved++
		case StatusRejected:
			st.Rejected++
		}
	}

	out := make([]OperatorStats, 0, len(byOperator))
	for _, st := range byOperator {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operator < out[j].Operator })
	return out, nil
}

func (b *Badger) SaveAgentHealth(_ context.Context, h AgentHealth) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(agentPrefix+h.AgentID), h)
	})
	if err != nil {
		return fmt.Errorf("save agent health %s: %w", h.AgentID, mapBadgerErr(err))
	}
	return nil
}

func (b *Badger) GetAgentHealth(_ context.Context, agentID string) (AgentHealth, error) {
	var h AgentHealth
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(agentPrefix+agentID), &h)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return AgentHealth{}, errs.NotFound("agent", agentID)
	}
	if err != nil {
		return AgentHealth{}, fmt.Errorf("get agent health %s: %w", agentID, err)
	}
	return h, nil
}

func (b *Badger) ListAgentHealth(_ context.Context) ([]AgentHealth, error) {
	var out []AgentHealth
	err := b.iterate(agentPrefix, func(value []byte) error {
		var h AgentHealth
		if err := json.Unmarshal(value, &h); err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list agent health: %w", err)
	}
	return out, nil
}

func (b *Badger) RecordExecution(_ context.Context, sample ExecutionSample) error {
	key := []byte(metricPrefix + sample.AgentID + "\x00" + sample.ActionType)
	err := b.db.Update(func(txn *badger.Txn) error {
		st := ExecutionStats{AgentID: sample.AgentID, ActionType: sample.ActionType}
		if err := getJSON(txn, key, &st); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		st.Calls++
		if sample.Failed {
			st.Failures++
		}
		st.TotalDuration += sample.Duration
		if sample.Duration > st.MaxDuration {
			st.MaxDuration = sample.Duration
		}
		st.LastRunAt = sample.At.UTC()
		return setJSON(txn, key, st)
	})
	if err != nil {
		return fmt.Errorf("record execution for %s/%s: %w", sample.AgentID, sample.ActionType, mapBadgerErr(err))
	}
	return nil
}

func (b *Badger) ExecutionStats(_ context.Context) ([]ExecutionStats, error) {
	var out []ExecutionStats
	err := b.iterate(metricPrefix, func(value []byte) error {
		var st ExecutionStats
		if err := json.Unmarshal(value, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	return out, nil
}

func (b *Badger) LoadControl(_ context.Context) (ControlState, error) {
	var state ControlState
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(controlKey), &state)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ControlState{}, nil
	}
	if err != nil {
		return ControlState{}, fmt.Errorf("load control state: %w", err)
	}
	return state, nil
}

func (b *Badger) SaveControl(_ context.Context, state ControlState) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(controlKey), state)
	})
	if err != nil {
		return fmt.Errorf("save control state: %w", mapBadgerErr(err))
	}
	return nil
}

func (b *Badger) iterate(prefix string, fn func(value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(value []byte) error {
		return json.Unmarshal(value, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, encoded)
}

// mapBadgerErr folds badger's transaction conflict into errs.ErrConflict.
func mapBadgerErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return errs.ErrConflict
	}
	return err
}

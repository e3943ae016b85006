package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/action"
	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/risk"

	_ "modernc.org/sqlite"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		capabilities TEXT NOT NULL DEFAULT '[]',
		action_created_at INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL,
		workflow TEXT NOT NULL,
		status TEXT NOT NULL,
		queue TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		decision_notes TEXT NOT NULL DEFAULT '',
		decided_at INTEGER NOT NULL DEFAULT 0,
		executed_at INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		execution_failed INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		expiry_warned INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_status_expiry
		ON approval_requests (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_submitted
		ON approval_requests (submitted_at)`,
	`CREATE TABLE IF NOT EXISTS agent_health (
		agent_id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL DEFAULT '[]',
		priority INTEGER NOT NULL DEFAULT 0,
		last_heartbeat INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		halted INTEGER NOT NULL DEFAULT 0,
		halt_reason TEXT NOT NULL DEFAULT '',
		halt_source TEXT NOT NULL DEFAULT '',
		restart_count INTEGER NOT NULL DEFAULT 0,
		restart_budget INTEGER NOT NULL DEFAULT 0,
		restarts TEXT NOT NULL DEFAULT '[]',
		registered_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS execution_metrics (
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		calls INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		total_ns INTEGER NOT NULL DEFAULT 0,
		max_ns INTEGER NOT NULL DEFAULT 0,
		last_run_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_id, action_type)
	)`,
	`CREATE TABLE IF NOT EXISTS system_control (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mode TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
}

const requestColumns = `id, action_id, agent_id, action_type, params, capabilities, action_created_at,
	tier, workflow, status, queue, priority, submitted_at, expires_at, decided_by, decision_notes,
	decided_at, executed_at, attempts, execution_failed, failure_reason, expiry_warned, version`

const agentColumns = `agent_id, capabilities, priority, last_heartbeat, consecutive_failures, halted,
	halt_reason, halt_source, restart_count, restart_budget, restarts, registered_at, updated_at`

// SQLite is the database/sql backed store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps writers strictly serialized inside the process.
	db.SetMaxOpenConns(1)

	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and applies the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite store: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateRequest(ctx context.Context, req ApprovalRequest) error {
	params, err := marshalJSON(req.Action.Params, "{}")
	if err != nil {
		return err
	}
	capabilities, err := marshalJSON(req.Action.Capabilities, "[]")
	if err != nil {
		return err
	}
	if req.Version == 0 {
		req.Version = 1
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO approval_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Action.ID, req.Action.AgentID, req.Action.Type, params, capabilities,
		toNanos(req.Action.CreatedAt), req.Tier.String(), req.Workflow, string(req.Status),
		req.Queue, req.Priority, toNanos(req.SubmittedAt), toNanos(req.ExpiresAt),
		req.DecidedBy, req.DecisionNotes, toNanos(req.DecidedAt), toNanos(req.ExecutedAt),
		req.Attempts, boolInt(req.ExecutionFailed), req.FailureReason, boolInt(req.ExpiryWarned),
		req.Version,
	)
	if err != nil {
		return fmt.Errorf("insert approval request %s: %w", req.ID, err)
	}
	return nil
}

func (s *SQLite) GetRequest(ctx context.Context, id string) (ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRequest{}, errs.NotFound("approval request", id)
	}
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("get approval request %s: %w", id, err)
	}
	return req, nil
}

func (s *SQLite) ListRequests(ctx context.Context, q RequestQuery) ([]ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, status := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, toNanos(q.ExpiresBefore))
	}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return out, nil
}

func (s *SQLite) CountRequests(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM approval_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count approval requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) UpdateRequest(ctx context.Context, req ApprovalRequest, from Status) (ApprovalRequest, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_requests SET
			status = ?, queue = ?, priority = ?, decided_by = ?, decision_notes = ?, decided_at = ?,
			executed_at = ?, attempts = ?, execution_failed = ?, failure_reason = ?, expiry_warned = ?,
			version = version + 1
		WHERE id = ? AND status = ? AND version = ?`,
		string(req.Status), req.Queue, req.Priority, req.DecidedBy, req.DecisionNotes,
		toNanos(req.DecidedAt), toNanos(req.ExecutedAt), req.Attempts, boolInt(req.ExecutionFailed),
		req.FailureReason, boolInt(req.ExpiryWarned),
		req.ID, string(from), req.Version,
	)
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("update approval request %s: %w", req.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("update approval request %s: %w", req.ID, err)
	}
	if affected == 0 {
		if _, err := s.GetRequest(ctx, req.ID); err != nil {
			return ApprovalRequest{}, err
		}
		return ApprovalRequest{}, fmt.Errorf("update approval request %s: %w", req.ID, errs.ErrConflict)
	}

	req.Version++
	return req, nil
}

func (s *SQLite) OperatorStats(ctx context.Context, operator string) ([]OperatorStats, error) {
	query := `SELECT decided_by,
			SUM(CASE WHEN status IN ('approved', 'executed') THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END)
		FROM approval_requests
		WHERE decided_by != '' AND decided_by != 'system'`
	var args []any
	if operator != "" {
		query += " AND decided_by = ?"
		args = append(args, operator)
	}
	query += " GROUP BY decided_by ORDER BY decided_by"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("operator stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OperatorStats
	for rows.Next() {
		var st OperatorStats
		if err := rows.Scan(&st.Operator, &st.Approved, &st.Rejected); err != nil {
			return nil, fmt.Errorf("scan operator stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveAgentHealth(ctx context.Context, h AgentHealth) error {
	capabilities, err := marshalJSON(h.Capabilities, "[]")
	if err != nil {
		return err
	}
	restarts, err := marshalJSON(h.Restarts, "[]")
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_health (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			priority = excluded.priority,
			last_heartbeat = excluded.last_heartbeat,
			consecutive_failures = excluded.consecutive_failures,
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			halt_source = excluded.halt_source,
			restart_count = excluded.restart_count,
			restart_budget = excluded.restart_budget,
			restarts = excluded.restarts,
			updated_at = excluded.updated_at`,
		h.AgentID, capabilities, int(h.Priority), toNanos(h.LastHeartbeat), h.ConsecutiveFailures,
		boolInt(h.Halted), h.HaltReason, h.HaltSource, h.RestartCount, h.RestartBudget, restarts,
		toNanos(h.RegisteredAt), toNanos(h.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save agent health %s: %w", h.AgentID, err)
	}
	return nil
}

func (s *SQLite) GetAgentHealth(ctx context.Context, agentID string) (AgentHealth, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agent_health WHERE agent_id = ?`, agentID)
	h, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentHealth{}, errs.NotFound("agent", agentID)
	}
	if err != nil {
		return AgentHealth{}, fmt.Errorf("get agent health %s: %w", agentID, err)
	}
	return h, nil
}

func (s *SQLite) ListAgentHealth(ctx context.Context) ([]AgentHealth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_health ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agent health: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentHealth
	for rows.Next() {
		h, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent health: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordExecution(ctx context.Context, sample ExecutionSample) error {
	failures := 0
	if sample.Failed {
		failures = 1
	}
	ns := int64(sample.Duration)

	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_metrics
			(agent_id, action_type, calls, failures, total_ns, max_ns, last_run_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (agent_id, action_type) DO UPDATE SET
			calls = calls + 1,
			failures = failures + excluded.failures,
			total_ns = total_ns + excluded.total_ns,
			max_ns = MAX(max_ns, excluded.max_ns),
			last_run_at = excluded.last_run_at`,
		sample.AgentID, sample.ActionType, failures, ns, ns, toNanos(sample.At),
	)
	if err != nil {
		return fmt.Errorf("record execution for %s/%s: %w", sample.AgentID, sample.ActionType, err)
	}
	return nil
}

func (s *SQLite) ExecutionStats(ctx context.Context) ([]ExecutionStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, action_type, calls, failures, total_ns, max_ns, last_run_at
		FROM execution_metrics ORDER BY agent_id, action_type`)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionStats
	for rows.Next() {
		var (
			st           ExecutionStats
			total, maxNs int64
			lastRun      int64
		)
		if err := rows.Scan(&st.AgentID, &st.ActionType, &st.Calls, &st.Failures, &total, &maxNs, &lastRun); err != nil {
			return nil, fmt.Errorf("scan execution stats: %w", err)
		}
		st.TotalDuration = time.Duration(total)
		st.MaxDuration = time.Duration(maxNs)
		st.LastRunAt = fromNanos(lastRun)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) LoadControl(ctx context.Context) (ControlState, error) {
	var (
		state     ControlState
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT mode, reason, actor, updated_at FROM system_control WHERE id = 1`).
		Scan(&state.Mode, &state.Reason, &state.Actor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ControlState{}, nil
	}
	if err != nil {
		return ControlState{}, fmt.Errorf("load control state: %w", err)
	}
	state.UpdatedAt = fromNanos(updatedAt)
	return state, nil
}

func (s *SQLite) SaveControl(ctx context.Context, state ControlState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO system_control (id, mode, reason, actor, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			mode = excluded.mode, reason = excluded.reason, actor = excluded.actor, updated_at = excluded.updated_at`,
		state.Mode, state.Reason, state.Actor, toNanos(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save control state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (ApprovalRequest, error) {
	var (
		req                                ApprovalRequest
		params, capabilities, tier, status string
		createdAt, submittedAt, expiresAt  int64
		decidedAt, executedAt              int64
		executionFailed, expiryWarned      int
	)
	err := row.Scan(
		&req.ID, &req.Action.ID, &req.Action.AgentID, &req.Action.Type, &params, &capabilities,
		&createdAt, &tier, &req.Workflow, &status, &req.Queue, &req.Priority, &submittedAt, &expiresAt,
		&req.DecidedBy, &req.DecisionNotes, &decidedAt, &executedAt, &req.Attempts, &executionFailed,
		&req.FailureReason, &expiryWarned, &req.Version,
	)
	if err != nil {
		return ApprovalRequest{}, err
	}

	if err := json.Unmarshal([]byte(params), &req.Action.Params); err != nil {
		return ApprovalRequest{}, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(capabilities), &req.Action.Capabilities); err != nil {
		return ApprovalRequest{}, fmt.Errorf("decode capabilities: %w", err)
	}
	parsedTier, err := risk.ParseTier(tier)
	if err != nil {
		return ApprovalRequest{}, err
	}

	req.Tier = parsedTier
	req.Status = Status(status)
	req.Action.CreatedAt = fromNanos(createdAt)
	req.SubmittedAt = fromNanos(submittedAt)
	req.ExpiresAt = fromNanos(expiresAt)
	req.DecidedAt = fromNanos(decidedAt)
	req.ExecutedAt = fromNanos(executedAt)
	req.ExecutionFailed = executionFailed != 0
	req.ExpiryWarned = expiryWarned != 0
	return req, nil
}

func scanAgent(row rowScanner) (AgentHealth, error) {
	var (
		h                                      AgentHealth
		capabilities, restarts                 string
		priority, halted                       int
		lastHeartbeat, registeredAt, updatedAt int64
	)
	err := row.Scan(
		&h.AgentID, &capabilities, &priority, &lastHeartbeat, &h.ConsecutiveFailures, &halted,
		&h.HaltReason, &h.HaltSource, &h.RestartCount, &h.RestartBudget, &restarts, &registeredAt, &updatedAt,
	)
	if err != nil {
		return AgentHealth{}, err
	}
	if err := json.Unmarshal([]byte(capabilities), &h.Capabilities); err != nil {
		return AgentHealth{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(restarts), &h.Restarts); err != nil {
		return AgentHealth{}, fmt.Errorf("decode restarts: %w", err)
	}
	h.Priority = action.Priority(priority)
	h.Halted = halted != 0
	h.LastHeartbeat = fromNanos(lastHeartbeat)
	h.RegisteredAt = fromNanos(registeredAt)
	h.UpdatedAt = fromNanos(updatedAt)
	return h, nil
}

func marshalJSON(v any, empty string) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(encoded) == "null" {
		return empty, nil
	}
	return string(encoded), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

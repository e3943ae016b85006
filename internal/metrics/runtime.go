package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000,
}

// RuntimeSnapshot contains aggregated runtime metrics for task executions
// and notification deliveries.
type RuntimeSnapshot struct {
	UpdatedAt time.Time   `json:"updated_at"`
	Task      TaskStats   `json:"task"`
	Notify    NotifyStats `json:"notify"`
}

// TaskStats tracks execution attempts across all queues.
type TaskStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (t TaskStats) ErrorRatio() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (t TaskStats) TimeoutRatio() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Timeouts) / float64(t.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (t TaskStats) AvgLatencyMs() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.TotalLatencyMs) / float64(t.Total)
}

// NotifyStats tracks notification delivery attempts.
type NotifyStats struct {
	SendAttempts int64 `json:"send_attempts"`
	SendFailures int64 `json:"send_failures"`
}

// FailureRatio returns failures/attempts in [0,1].
func (n NotifyStats) FailureRatio() float64 {
	if n.SendAttempts <= 0 {
		return 0
	}
	return float64(n.SendFailures) / float64(n.SendAttempts)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Task.Total > 0 || s.Notify.SendAttempts > 0
}

// Runtime records metrics in memory and exports them on demand.
type Runtime struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntime creates a recorder exporting to <workspace>/state/runtime_metrics.json.
func NewRuntime(workspacePath string) *Runtime {
	return &Runtime{
		path:    runtimeMetricsPath(workspacePath),
		now:     time.Now,
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
}

// Snapshot returns the latest in-memory snapshot.
func (m *Runtime) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// RecordTask updates task metrics for one execution attempt.
func (m *Runtime) RecordTask(queue string, duration time.Duration, runErr error) RuntimeSnapshot {
	outcome := "success"
	if runErr != nil {
		outcome = "failure"
	}
	TaskAttemptsTotal.WithLabelValues(queue, outcome).Inc()
	TaskDuration.WithLabelValues(queue).Observe(duration.Seconds())

	if m == nil {
		return RuntimeSnapshot{}
	}

	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap.UpdatedAt = m.now().UTC()
	m.snap.Task.Total++
	m.snap.Task.TotalLatencyMs += latencyMs
	m.snap.Task.LastLatencyMs = latencyMs
	if latencyMs > m.snap.Task.MaxLatencyMs {
		m.snap.Task.MaxLatencyMs = latencyMs
	}
	if runErr != nil {
		m.snap.Task.Errors++
		if isTimeoutError(runErr) {
			m.snap.Task.Timeouts++
		}
	}

	m.buckets[latencyBucketIndex(latencyMs)]++
	m.snap.Task.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, m.snap.Task.Total)
	return m.snap
}

// RecordNotification updates notification delivery metrics.
func (m *Runtime) RecordNotification(sink string, success bool) RuntimeSnapshot {
	status := "sent"
	if !success {
		status = "failed"
	}
	NotificationsTotal.WithLabelValues(sink, status).Inc()

	if m == nil {
		return RuntimeSnapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap.UpdatedAt = m.now().UTC()
	m.snap.Notify.SendAttempts++
	if !success {
		m.snap.Notify.SendFailures++
	}
	return m.snap
}

// Export writes the current snapshot to disk.
func (m *Runtime) Export(_ context.Context) error {
	if m == nil {
		return nil
	}
	return persistRuntimeSnapshot(m.path, m.Snapshot())
}

// ReadRuntimeSnapshot reads the exported snapshot from workspace state.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(workspacePath string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(workspacePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(workspacePath string) string {
	return filepath.Join(workspacePath, "state", runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var seen int64
	for i, count := range buckets {
		seen += count
		if seen < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(runErr error) bool {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(fmt.Sprint(runErr))
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "time limit") ||
		strings.Contains(lowered, "timed out")
}

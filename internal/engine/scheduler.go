package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/MEKXH/tether/internal/errs"
)

// Schedule is either a fixed interval or a cron expression.
type Schedule struct {
	Every time.Duration
	Cron  string
}

// Describe returns a human-readable schedule.
func (s Schedule) Describe() string {
	if s.Cron != "" {
		return "cron: " + s.Cron
	}
	return "every " + s.Every.String()
}

func (s Schedule) validate() error {
	if s.Cron != "" {
		if !gronx.New().IsValid(s.Cron) {
			return errs.Validation("cron", "invalid expression %q", s.Cron)
		}
		return nil
	}
	if s.Every <= 0 {
		return errs.Validation("every", "must be positive")
	}
	return nil
}

// JobStatus describes one periodic task.
type JobStatus struct {
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	Schedule  string    `json:"schedule"`
	NextRunAt time.Time `json:"next_run_at,omitzero"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	// Skipped counts ticks where the previous run was still pending.
	Skipped int `json:"skipped"`
}

type job struct {
	name     string
	queue    string
	schedule Schedule
	fn       TaskFunc
	next     time.Time
	last     time.Time
	skipped  int
}

// Scheduler enqueues periodic tasks on the engine from a ticker loop.
type Scheduler struct {
	engine *Engine
	tick   time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	jobs     map[string]*job
	stopChan chan struct{}
	stopped  chan struct{}
	running  bool
}

// NewScheduler creates a scheduler polling every tick.
func NewScheduler(e *Engine, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		engine: e,
		tick:   tick,
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
}

// Add registers a periodic task.
func (s *Scheduler) Add(name, queue string, schedule Schedule, fn TaskFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Validation("name", "is required")
	}
	if fn == nil {
		return errs.Validation("task", "is required")
	}
	if _, ok := QueueRank(queue); !ok {
		return errs.Validation("queue", "unknown queue %q", queue)
	}
	if err := schedule.validate(); err != nil {
		return err
	}

	j := &job{name: name, queue: queue, schedule: schedule, fn: fn}
	if err := s.computeNextRun(j, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: periodic task %s already registered", errs.ErrConflict, name)
	}
	s.jobs[name] = j
	slog.Info("periodic task added", "task", name, "queue", queue, "schedule", schedule.Describe())
	return nil
}

// Start begins the polling loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stopChan = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true

	go s.loop(s.stopChan, s.stopped)
	slog.Info("scheduler started", "tasks", len(s.jobs))
}

// Stop shuts down the polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopChan, stopped := s.stopChan, s.stopped
	s.mu.Unlock()

	close(stopChan)
	<-stopped
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop(stopChan <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			s.RunDue()
		}
	}
}

// RunDue enqueues every task whose next run has passed and returns how many
// were queued.
func (s *Scheduler) RunDue() int {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.IsZero() && !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(a, b int) bool { return due[a].name < due[b].name })

	queued := 0
	for _, j := range due {
		ok, err := s.engine.EnqueueTask(j.name, j.queue, j.fn)
		s.mu.Lock()
		switch {
		case err != nil:
			slog.Warn("scheduler: enqueue failed", "task", j.name, "error", err)
		case !ok:
			j.skipped++
			slog.Debug("scheduler: previous run still pending", "task", j.name)
		default:
			j.last = now
			queued++
		}
		if err := s.computeNextRun(j, now); err != nil {
			slog.Warn("scheduler: failed to compute next run", "task", j.name, "error", err)
			j.next = time.Time{}
		}
		s.mu.Unlock()
	}
	return queued
}

func (s *Scheduler) computeNextRun(j *job, now time.Time) error {
	if j.schedule.Cron != "" {
		next, err := gronx.NextTickAfter(j.schedule.Cron, now, false)
		if err != nil {
			return fmt.Errorf("next tick for %s: %w", j.name, err)
		}
		j.next = next
		return nil
	}
	j.next = now.Add(j.schedule.Every)
	return nil
}

// Jobs returns the registered tasks ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:      j.name,
			Queue:     j.queue,
			Schedule:  j.schedule.Describe(),
			NextRunAt: j.next,
			LastRunAt: j.last,
			Skipped:   j.skipped,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

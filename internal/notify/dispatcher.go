package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/retry"
)

const (
	defaultQueueSize          = 256
	defaultMaxConcurrentSends = 4
)

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	QueueSize          int
	MaxConcurrentSends int
	// RatePerSecond bounds sends across all sinks; zero disables the limit.
	RatePerSecond float64
	Burst         int
	Retry         retry.Policy
}

// DefaultDispatcherConfig returns the built-in delivery settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:          defaultQueueSize,
		MaxConcurrentSends: defaultMaxConcurrentSends,
		RatePerSecond:      5,
		Burst:              10,
		Retry:              retry.Policy{MaxAttempts: 3, Base: 500 * time.Millisecond, Cap: 10 * time.Second},
	}
}

// Dispatcher fans notifications out to every registered sink. Notify never
// blocks the caller; when the queue is full the notification is dropped.
type Dispatcher struct {
	cfg     DispatcherConfig
	queue   chan Notification
	sendSem chan struct{}
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.RWMutex
	sinks    []Sink
	recorder *metrics.Runtime

	wg conc.WaitGroup
}

// NewDispatcher creates a dispatcher with cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   make(chan Notification, cfg.QueueSize),
		sendSem: make(chan struct{}, cfg.MaxConcurrentSends),
		limiter: limiter,
		now:     time.Now,
	}
}

// Register adds a sink.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// SetRuntimeMetrics attaches a recorder used for delivery metrics.
func (d *Dispatcher) SetRuntimeMetrics(recorder *metrics.Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = recorder
}

// Names returns registered sink names.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify queues n for delivery.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	if n.Time.IsZero() {
		n.Time = d.now().UTC()
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	select {
	case d.queue <- n:
	default:
		slog.Warn("notification queue full, dropping", "subject", n.Subject, "severity", n.Severity)
	}
}

// Run delivers queued notifications until ctx is done, then waits for
// in-flight sends.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.dispatch(ctx, n)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, n Notification) {
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	recorder := d.recorder
	d.mu.RUnlock()

	for _, s := range sinks {
		select {
		case d.sendSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		sink := s
		d.wg.Go(func() {
			defer func() { <-d.sendSem }()
			d.send(ctx, sink, n, recorder)
		})
	}
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, n Notification, recorder *metrics.Runtime) {
	err := retry.Do(ctx, d.cfg.Retry, nil, func(ctx context.Context, attempt int) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		return sink.Send(ctx, n)
	})
	recorder.RecordNotification(sink.Name(), err == nil)
	if err != nil {
		slog.Error("send notification failed", "sink", sink.Name(), "subject", n.Subject, "error", err)
	}
}

// Package notify delivers lifecycle events to downstream consumers without
// holding up the command that produced them.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
	"github.com/drfirst/go-labflow/pkg/circuitbreaker"
	"github.com/drfirst/go-labflow/pkg/workerpool"
)

// Notifier is told about every successful transition. Implementations must
// return quickly; delivery failures never undo the transition.
type Notifier interface {
	Notify(ctx context.Context, e *laborder.Event) error
}

// Nop discards events. It is used when events leave through the outbox.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, *laborder.Event) error { return nil }

// Publisher writes one event to the broker.
type Publisher interface {
	PublishEvent(ctx context.Context, e *laborder.Event) error
}

// Config sizes the dispatcher.
type Config struct {
	Pool    workerpool.Config
	Breaker circuitbreaker.Config
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Pool:    workerpool.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig("event-publisher"),
	}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics counts delivered and dropped events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithBreaker uses an existing breaker, typically one owned by a
// circuitbreaker.Manager, instead of creating a private one.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(d *Dispatcher) { d.breaker = cb }
}

// Dispatcher queues events on a worker pool and publishes them through a
// circuit breaker. A full queue drops the event.
type Dispatcher struct {
	publisher Publisher
	pool      *workerpool.Pool
	breaker   *circuitbreaker.CircuitBreaker
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher builds a dispatcher. Call Start before Notify.
func NewDispatcher(publisher Publisher, cfg Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{publisher: publisher, logger: logger}
	for _, opt := range opts {
		opt(d)
	}

	if d.breaker == nil {
		cb, err := circuitbreaker.New(cfg.Breaker, logger)
		if err != nil {
			return nil, fmt.Errorf("create breaker: %w", err)
		}
		d.breaker = cb
	}

	pool, err := workerpool.New(cfg.Pool, d.deliver, logger, workerpool.WithResultHook(d.onResult))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains queued events, waiting up to the pool's shutdown timeout.
func (d *Dispatcher) Stop() error { return d.pool.Stop() }

// Notify queues e. The request context is detached so delivery outlives the
// request while keeping its trace.
func (d *Dispatcher) Notify(ctx context.Context, e *laborder.Event) error {
	if e == nil {
		return nil
	}
	err := d.pool.Submit(&workerpool.Task{
		ID:      e.ID,
		Payload: e,
		Context: context.WithoutCancel(ctx),
	})
	if err != nil {
		reason := "queue_full"
		if errors.Is(err, workerpool.ErrStopped) {
			reason = "stopped"
		}
		d.metrics.NotificationDropped(reason)
		d.logger.Warn("event dropped",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.String("reason", reason))
		return fmt.Errorf("queue event %s: %w", e.ID, err)
	}
	return nil
}

// Stats exposes the pool counters.
func (d *Dispatcher) Stats() workerpool.Stats { return d.pool.Stats() }

// Healthy reports whether events are flowing.
func (d *Dispatcher) Healthy() bool {
	return d.pool.IsHealthy() && !d.breaker.IsOpen()
}

func (d *Dispatcher) deliver(ctx context.Context, task *workerpool.Task) error {
	e, ok := task.Payload.(*laborder.Event)
	if !ok {
		return fmt.Errorf("task %s: unexpected payload %T", task.ID, task.Payload)
	}
	return d.breaker.Do(ctx, func(ctx context.Context) error {
		return d.publisher.PublishEvent(ctx, e)
	})
}

func (d *Dispatcher) onResult(res *workerpool.Result) {
	if res.Success {
		d.metrics.NotificationSent()
		return
	}
	reason := "publish_failed"
	if circuitbreaker.IsOpenError(res.Error) {
		reason = "breaker_open"
	}
	d.metrics.NotificationDropped(reason)
}

// Package workerpool runs tasks on a fixed number of workers behind a
// bounded queue. Submit never blocks; a full queue is reported to the caller
// so producers on a request path can shed work instead of stalling.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Task is a unit of work.
type Task struct {
	ID      string
	Payload interface{}
	// Context, if set, bounds the task instead of the pool context.
	Context context.Context
}

// Result is the outcome of one task after all attempts.
type Result struct {
	TaskID   string
	Success  bool
	Attempts int
	Error    error
}

// WorkerFunc processes a task. A non-nil error triggers a retry.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay grows linearly with the attempt number.
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for event fan-out from the API.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithResultHook registers a callback run on the worker goroutine after
// each task finishes.
func WithResultHook(fn func(*Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config   Config
	fn       WorkerFunc
	logger   *zap.Logger
	onResult func(*Result)

	mu      sync.RWMutex
	stopped bool
	tasks   chan *Task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	rejected  int64
	active    int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Stop refuses new tasks, drains the queue and waits for the workers up to
// the shutdown timeout. Tasks still running after that are cancelled.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		err = fmt.Errorf("worker pool did not drain within %s", p.config.GracefulShutdownTimeout)
	}
	p.cancel()
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		atomic.AddInt64(&p.active, 1)
		res := p.run(task)
		atomic.AddInt64(&p.active, -1)

		if res.Success {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Error))
		}
		if p.onResult != nil {
			p.onResult(res)
		}
	}
}

func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	res := &Result{TaskID: task.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}
		res.Attempts++
		err := p.fn(ctx, task)
		if err == nil {
			res.Success = true
			res.Error = nil
			return res
		}
		res.Error = err

		if attempt == p.config.MaxRetries {
			break
		}
		atomic.AddInt64(&p.retried, 1)
		select {
		case <-ctx.Done():
			res.Error = ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	if p.config.MaxRetries > 0 {
		res.Error = fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, res.Error)
	}
	return res
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksRejected  int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		TasksRetried:   atomic.LoadInt64(&p.retried),
		TasksRejected:  atomic.LoadInt64(&p.rejected),
		ActiveWorkers:  atomic.LoadInt64(&p.active),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% full.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}

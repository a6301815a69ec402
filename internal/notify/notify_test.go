package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
	"github.com/drfirst/go-labflow/pkg/circuitbreaker"
	"github.com/drfirst/go-labflow/pkg/workerpool"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*laborder.Event
	err    error
	block  chan struct{}
	got    chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan struct{}, 64)}
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, e *laborder.Event) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	err := p.err
	p.mu.Unlock()
	p.got <- struct{}{}
	return err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func event(t *testing.T, id string) *laborder.Event {
	t.Helper()
	e, err := laborder.NewEvent("order-1", id, laborder.EventSampleCollected, map[string]string{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Pool.Workers = 1
	cfg.Pool.QueueSize = 4
	cfg.Pool.MaxRetries = 0
	cfg.Pool.RetryDelay = time.Millisecond
	cfg.Pool.GracefulShutdownTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.Notify(context.Background(), event(t, "t1")); err != nil {
		t.Fatal(err)
	}
}

func TestNewDispatcherRequiresPublisher(t *testing.T) {
	if _, err := NewDispatcher(nil, DefaultConfig(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatcherDelivers(t *testing.T) {
	pub := newRecordingPublisher()
	m := metrics.New(prometheus.NewRegistry())
	d, err := NewDispatcher(pub, fastConfig(), nil, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	d.Start()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := d.Notify(context.Background(), event(t, id)); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	waitFor(t, pub.got, 3)
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}

	if pub.count() != 3 {
		t.Errorf("published %d", pub.count())
	}
	if got := testutil.ToFloat64(m.NotificationsSent); got != 3 {
		t.Errorf("sent = %v", got)
	}
}

func TestDispatcherSurvivesCancelledRequestContext(t *testing.T) {
	pub := newRecordingPublisher()
	d, err := NewDispatcher(pub, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Start()
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Notify(ctx, event(t, "t1")); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitFor(t, pub.got, 1)
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	pub := newRecordingPublisher()
	pub.block = make(chan struct{})
	m := metrics.New(prometheus.NewRegistry())
	d, err := NewDispatcher(pub, fastConfig(), nil, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	d.Start()

	// One event occupies the worker, four fill the queue.
	var dropped int
	for i := 0; i < 10; i++ {
		if err := d.Notify(context.Background(), event(t, "t")); err != nil {
			if !errors.Is(err, workerpool.ErrQueueFull) {
				t.Fatalf("unexpected error: %v", err)
			}
			dropped++
		}
	}
	if dropped == 0 {
		t.Fatal("expected some events to be dropped")
	}
	if got := testutil.ToFloat64(m.NotificationsDropped.WithLabelValues("queue_full")); int(got) != dropped {
		t.Errorf("dropped metric = %v, want %d", got, dropped)
	}

	close(pub.block)
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := d.Notify(context.Background(), event(t, "late")); !errors.Is(err, workerpool.ErrStopped) {
		t.Errorf("after stop = %v", err)
	}
}

func TestDispatcherCountsPublishFailures(t *testing.T) {
	pub := newRecordingPublisher()
	pub.err = errors.New("broker down")
	m := metrics.New(prometheus.NewRegistry())

	cfg := fastConfig()
	cfg.Breaker = circuitbreaker.Config{
		Name:             "test-publisher",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
		FailureRatio:     1,
		MinRequests:      100,
	}
	d, err := NewDispatcher(pub, cfg, nil, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	d.Start()

	for i := 0; i < 2; i++ {
		if err := d.Notify(context.Background(), event(t, "t")); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, pub.got, 2)
	// The breaker is now open; this one never reaches the publisher.
	if err := d.Notify(context.Background(), event(t, "t")); err != nil {
		t.Fatal(err)
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.NotificationsDropped.WithLabelValues("publish_failed")); got != 2 {
		t.Errorf("publish_failed = %v", got)
	}
	if got := testutil.ToFloat64(m.NotificationsDropped.WithLabelValues("breaker_open")); got != 1 {
		t.Errorf("breaker_open = %v", got)
	}
	if d.Healthy() {
		t.Error("dispatcher healthy with open breaker")
	}
}

// Package service is the transactional boundary of the lab engine. It looks
// up orders and tests, runs lifecycle transitions inside the repository's
// per-test atomic write and returns complete order snapshots.
package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/infrastructure/blobstore"
	"github.com/drfirst/go-labflow/internal/notify"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
)

// DefaultMaxUploadBytes caps result document size when no limit is set.
const DefaultMaxUploadBytes = 10 << 20

// codeAttempts bounds how often PlaceOrder draws a new order code.
const codeAttempts = 3

// Option customizes a Service.
type Option func(*Service)

// WithRegistry replaces the built-in test templates.
func WithRegistry(reg laborder.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithDocumentStore enables result document uploads.
func WithDocumentStore(store blobstore.Store) Option {
	return func(s *Service) { s.documents = store }
}

// WithNotifier sets the sink told about each successful transition.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records order and transition metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxUploadBytes limits the size of uploaded result documents.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) { s.maxUpload = n }
}

// Service coordinates the repository, the lifecycle rules and the external
// collaborators.
type Service struct {
	repo      laborder.Repository
	registry  laborder.Registry
	documents blobstore.Store
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	maxUpload int64
}

// New creates a service over repo.
func New(repo laborder.Repository, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:      repo,
		registry:  laborder.DefaultRegistry(),
		notifier:  notify.Nop{},
		logger:    logger,
		tracer:    otel.Tracer("labflow-service"),
		now:       time.Now,
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the template registry in use.
func (s *Service) Registry() laborder.Registry { return s.registry }

// MaxUploadBytes is the largest result document accepted.
func (s *Service) MaxUploadBytes() int64 { return s.maxUpload }

type correlationKey struct{}

// WithCorrelationID tags ctx so events produced under it carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// PlaceOrder creates an order together with all of its tests.
func (s *Service) PlaceOrder(ctx context.Context, req laborder.NewOrder) (*laborder.OrderSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "service.place_order",
		trace.WithAttributes(attribute.Int("tests", len(req.Tests))))
	defer span.End()

	var (
		o     *laborder.Order
		tests []*laborder.Test
		event *laborder.Event
	)
	for attempt := 1; ; attempt++ {
		var err error
		o, tests, event, err = laborder.PlaceOrder(req, s.registry, s.now())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		event.WithCorrelation(CorrelationID(ctx))

		err = s.repo.CreateOrder(ctx, o, tests, event)
		if err == nil {
			break
		}
		if errors.Is(err, laborder.ErrOrderCodeTaken) && attempt < codeAttempts {
			s.logger.Warn("order code clash, regenerating", zap.String("order_code", o.Code()))
			continue
		}
		span.RecordError(err)
		s.logger.Error("failed to store order", zap.String("order_id", o.ID()), zap.Error(err))
		return nil, err
	}

	s.metrics.OrderPlaced()
	s.logger.Info("lab order placed",
		zap.String("order_id", o.ID()),
		zap.String("order_code", o.Code()),
		zap.String("priority", string(o.Priority())),
		zap.Int("tests", len(tests)))
	s.notify(ctx, event)

	span.SetAttributes(attribute.String("order_id", o.ID()))
	return laborder.NewOrderSnapshot(o, tests), nil
}

// GetOrder returns the current snapshot of an order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*laborder.OrderSnapshot, error) {
	o, tests, err := s.repo.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return laborder.NewOrderSnapshot(o, tests), nil
}

// ListOrders returns snapshots of the matching orders, newest first.
func (s *Service) ListOrders(ctx context.Context, filter laborder.OrderFilter) ([]*laborder.OrderSnapshot, error) {
	orders, tests, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*laborder.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, laborder.NewOrderSnapshot(o, tests[o.ID()]))
	}
	return out, nil
}

// TestHistory returns the recorded transitions of one test, oldest first.
func (s *Service) TestHistory(ctx context.Context, orderID, testID string) ([]*laborder.Event, error) {
	return s.repo.TestEvents(ctx, orderID, testID)
}

// loadTest returns one test of an order.
func (s *Service) loadTest(ctx context.Context, orderID, testID string) (*laborder.Order, *laborder.Test, error) {
	o, tests, err := s.repo.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range tests {
		if t.ID() == testID {
			return o, t, nil
		}
	}
	return nil, nil, laborder.NotFoundError("test %s not found in order %s", testID, orderID)
}

// notify hands e to the sink. Failures are logged and otherwise ignored.
func (s *Service) notify(ctx context.Context, e *laborder.Event) {
	if e == nil {
		return
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.Warn("notification not delivered",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
	}
}

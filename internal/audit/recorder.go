// Package audit turns consumed lab events into audit trail rows.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
	"github.com/drfirst/go-labflow/pkg/idempotency"
)

// HandlerName identifies this consumer in the inbox.
const HandlerName = "audit-recorder"

// Log stores audit rows.
type Log interface {
	Append(ctx context.Context, e *laborder.Event) (bool, error)
}

// Inbox deduplicates deliveries.
type Inbox interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.HandlerFunc) (*idempotency.Result, error)
}

// Publisher forwards records to other topics.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Entry is what goes out on the audit trail topic.
type Entry struct {
	EventID       string             `json:"event_id"`
	OrderID       string             `json:"order_id"`
	TestID        string             `json:"test_id,omitempty"`
	EventType     laborder.EventType `json:"event_type"`
	FromState     laborder.State     `json:"from_state,omitempty"`
	ToState       laborder.State     `json:"to_state,omitempty"`
	Actor         string             `json:"actor,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

// Recorder handles consumed event messages.
type Recorder struct {
	log       Log
	inbox     Inbox
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewRecorder builds a recorder. publisher may be nil, in which case nothing
// is forwarded and malformed records are only logged.
func NewRecorder(log Log, inbox Inbox, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{log: log, inbox: inbox, publisher: publisher, metrics: m, logger: logger}
}

// Handle records one message. A nil return commits the offset, so malformed
// records are parked on the dead letter topic instead of being retried.
func (r *Recorder) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var e laborder.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil || e.ID == "" {
		if err == nil {
			err = errors.New("event id missing")
		}
		return r.deadLetter(ctx, msg, err)
	}

	_, err := r.inbox.Process(ctx, idempotency.Key(HandlerName, e.ID), HandlerName, msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			inserted, err := r.log.Append(ctx, &e)
			if err != nil {
				return nil, err
			}
			if !inserted {
				r.metrics.AuditRecord("duplicate")
				return nil, nil
			}
			r.metrics.AuditRecord("written")
			r.forward(ctx, &e)
			return json.RawMessage(`{"recorded":true}`), nil
		})
	switch {
	case err == nil:
		r.logger.Debug("audit recorded",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)))
		return nil
	case errors.Is(err, idempotency.ErrDuplicate):
		r.metrics.AuditRecord("duplicate")
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		r.logger.Warn("skipping previously failed event", zap.String("event_id", e.ID))
		return nil
	}
	r.metrics.AuditRecord("failed")
	return fmt.Errorf("record event %s: %w", e.ID, err)
}

func (r *Recorder) forward(ctx context.Context, e *laborder.Event) {
	if r.publisher == nil {
		return
	}
	body, err := json.Marshal(Entry{
		EventID:       e.ID,
		OrderID:       e.AggregateID,
		TestID:        e.TestID,
		EventType:     e.EventType,
		FromState:     e.FromState,
		ToState:       e.ToState,
		Actor:         e.Actor,
		CorrelationID: e.CorrelationID,
		OccurredAt:    e.Timestamp.UTC(),
	})
	if err != nil {
		return
	}
	// The row is the record of truth; the trail topic is best effort.
	if err := r.publisher.Publish(ctx, redpanda.TopicAuditTrail, e.AggregateID, body); err != nil {
		r.logger.Warn("audit trail publish failed", zap.String("event_id", e.ID), zap.Error(err))
	}
}

func (r *Recorder) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	r.metrics.AuditRecord("malformed")
	r.logger.Error("malformed event",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	if r.publisher == nil {
		return nil
	}
	if err := r.publisher.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), msg.Value); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

var _ laborder.Repository = (*Repository)(nil)

const uniqueViolation = "23505"

// Repository stores orders and tests as JSONB snapshots. Every write also
// records the event and its outbox row in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// CreateOrder inserts the order, its tests and the placement event.
func (r *Repository) CreateOrder(ctx context.Context, o *laborder.Order, tests []*laborder.Test, placed *laborder.Event) error {
	record, err := json.Marshal(o.Record())
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO lab_orders (id, code, patient_ref, priority, ordered_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID(), o.Code(), o.PatientRef(), string(o.Priority()), o.OrderedAt(), record)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "lab_orders_code_key" {
			return fmt.Errorf("%w: %s", laborder.ErrOrderCodeTaken, o.Code())
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, t := range tests {
		snap, err := json.Marshal(t.Snapshot())
		if err != nil {
			return fmt.Errorf("encode test %s: %w", t.ID(), err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO lab_tests (id, order_id, position, state, version, snapshot, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID(), o.ID(), i, string(t.State()), t.Version(), snap, t.UpdatedAt())
		if err != nil {
			return fmt.Errorf("insert test %s: %w", t.ID(), err)
		}
	}

	if placed != nil {
		if err := r.recordEvent(ctx, tx, placed); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadOrder returns the order with its tests in placement order.
func (r *Repository) LoadOrder(ctx context.Context, orderID string) (*laborder.Order, []*laborder.Test, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM lab_orders WHERE id = $1`, orderID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, laborder.NotFoundError("order %s not found", orderID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load order: %w", err)
	}
	o, err := decodeOrder(raw)
	if err != nil {
		return nil, nil, err
	}

	byOrder, err := r.loadTests(ctx, []string{orderID})
	if err != nil {
		return nil, nil, err
	}
	return o, byOrder[orderID], nil
}

// ListOrders returns orders newest first. Priority and patient filters run
// in SQL; the test-state filter needs the tests and runs afterwards.
func (r *Repository) ListOrders(ctx context.Context, filter laborder.OrderFilter) ([]*laborder.Order, map[string][]*laborder.Test, error) {
	var where []string
	var args []interface{}
	if filter.Priority != "" {
		args = append(args, string(filter.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	if filter.PatientRef != "" {
		args = append(args, filter.PatientRef)
		where = append(where, fmt.Sprintf("patient_ref = $%d", len(args)))
	}
	if filter.TestState != "" {
		args = append(args, string(filter.TestState))
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM lab_tests t WHERE t.order_id = lab_orders.id AND t.state = $%d)", len(args)))
	}

	query := "SELECT record FROM lab_orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ordered_at DESC, created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list orders: %w", err)
	}
	var orders []*laborder.Order
	var ids []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, nil, err
		}
		o, err := decodeOrder(raw)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		orders = append(orders, o)
		ids = append(ids, o.ID())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	tests, err := r.loadTests(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return orders, tests, nil
}

// MutateTest locks the test row, applies fn and writes the new snapshot,
// the event and the outbox entry before committing.
func (r *Repository) MutateTest(ctx context.Context, orderID, testID string, fn laborder.Mutation) (*laborder.Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT snapshot FROM lab_tests WHERE id = $1 AND order_id = $2 FOR UPDATE
	`, testID, orderID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missing(ctx, orderID, testID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock test: %w", err)
	}

	t, err := decodeTest(raw)
	if err != nil {
		return nil, err
	}

	event, err := fn(t)
	if err != nil {
		return nil, err
	}

	snap, err := json.Marshal(t.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode test: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE lab_tests SET state = $1, version = $2, snapshot = $3, updated_at = $4
		WHERE id = $5
	`, string(t.State()), t.Version(), snap, t.UpdatedAt(), testID)
	if err != nil {
		return nil, fmt.Errorf("update test: %w", err)
	}

	if event != nil {
		if err := r.recordEvent(ctx, tx, event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return event, nil
}

// TestEvents returns the history of one test, oldest first.
func (r *Repository) TestEvents(ctx context.Context, orderID, testID string) ([]*laborder.Event, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM lab_tests WHERE id = $1 AND order_id = $2)
	`, testID, orderID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check test: %w", err)
	}
	if !exists {
		return nil, r.missing(ctx, orderID, testID)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT event FROM lab_events WHERE test_id = $1 ORDER BY version ASC, occurred_at ASC
	`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*laborder.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e := &laborder.Event{}
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Repository) recordEvent(ctx context.Context, tx pgx.Tx, e *laborder.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var testID *string
	if e.TestID != "" {
		testID = &e.TestID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_events (id, order_id, test_id, event_type, version, occurred_at, event)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.AggregateID, testID, string(e.EventType), e.Version, e.Timestamp, body)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	entry, err := NewOutboxEntry(e)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, tx, entry)
}

func (r *Repository) loadTests(ctx context.Context, orderIDs []string) (map[string][]*laborder.Test, error) {
	out := make(map[string][]*laborder.Test, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT order_id, snapshot FROM lab_tests
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load tests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var raw []byte
		if err := rows.Scan(&orderID, &raw); err != nil {
			return nil, err
		}
		t, err := decodeTest(raw)
		if err != nil {
			return nil, err
		}
		out[orderID] = append(out[orderID], t)
	}
	return out, rows.Err()
}

// missing tells an unknown order apart from an unknown test.
func (r *Repository) missing(ctx context.Context, orderID, testID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lab_orders WHERE id = $1)`, orderID).Scan(&exists); err == nil && !exists {
		return laborder.NotFoundError("order %s not found", orderID)
	}
	return laborder.NotFoundError("test %s not found in order %s", testID, orderID)
}

func decodeOrder(raw []byte) (*laborder.Order, error) {
	var rec laborder.OrderRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return laborder.RestoreOrder(rec)
}

func decodeTest(raw []byte) (*laborder.Test, error) {
	var snap laborder.TestSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode test: %w", err)
	}
	return laborder.RestoreTest(snap)
}

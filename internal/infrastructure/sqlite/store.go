// Package sqlite is an embedded laborder.Repository on modernc.org/sqlite.
// Test rows are updated under an optimistic version check, so several
// processes may share one database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

var _ laborder.Repository = (*Store)(nil)

// maxAttempts bounds how often MutateTest re-reads a test after losing a
// version race.
const maxAttempts = 5

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	code         TEXT NOT NULL UNIQUE,
	patient_ref  TEXT NOT NULL,
	priority     TEXT NOT NULL,
	ordered_at   TEXT NOT NULL,
	record       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS tests (
	id        TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL REFERENCES orders (id),
	position  INTEGER NOT NULL,
	state     TEXT NOT NULL,
	version   INTEGER NOT NULL,
	snapshot  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS tests_order_idx ON tests (order_id, position);
CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL,
	test_id   TEXT,
	version   INTEGER NOT NULL,
	event     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_test_idx ON events (test_id, version);
`

// Store persists orders and tests as JSON snapshots in SQLite.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "labflow.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection per process; cross-process races are caught by the
	// version check.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Info("sqlite store opened", zap.String("path", path))
	return &Store{db: db, path: path, logger: logger}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateOrder inserts the order and its tests in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o *laborder.Order, tests []*laborder.Test, placed *laborder.Event) (retErr error) {
	record, err := json.Marshal(o.Record())
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, code, patient_ref, priority, ordered_at, record) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID(), o.Code(), o.PatientRef(), string(o.Priority()), o.OrderedAt().UTC().Format(timeLayout), record,
	); err != nil {
		if isCodeClash(err) {
			return fmt.Errorf("%w: %s", laborder.ErrOrderCodeTaken, o.Code())
		}
		return fmt.Errorf("insert order: %w", err)
	}
	for i, t := range tests {
		snap, err := json.Marshal(t.Snapshot())
		if err != nil {
			return fmt.Errorf("encode test %s: %w", t.ID(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tests (id, order_id, position, state, version, snapshot) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID(), o.ID(), i, string(t.State()), t.Version(), snap,
		); err != nil {
			return fmt.Errorf("insert test %s: %w", t.ID(), err)
		}
	}
	if placed != nil {
		if err := insertEvent(ctx, tx, placed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadOrder returns the order with its tests in placement order.
func (s *Store) LoadOrder(ctx context.Context, orderID string) (*laborder.Order, []*laborder.Test, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM orders WHERE id = ?`, orderID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, laborder.NotFoundError("order %s not found", orderID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load order: %w", err)
	}
	o, err := decodeOrder(raw)
	if err != nil {
		return nil, nil, err
	}
	tests, err := s.testsFor(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, tests, nil
}

// ListOrders returns orders newest first.
func (s *Store) ListOrders(ctx context.Context, filter laborder.OrderFilter) ([]*laborder.Order, map[string][]*laborder.Test, error) {
	var where []string
	var args []interface{}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.PatientRef != "" {
		where = append(where, "patient_ref = ?")
		args = append(args, filter.PatientRef)
	}
	if filter.TestState != "" {
		where = append(where, "EXISTS (SELECT 1 FROM tests t WHERE t.order_id = orders.id AND t.state = ?)")
		args = append(args, string(filter.TestState))
	}
	query := "SELECT record FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ordered_at DESC, seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list orders: %w", err)
	}
	var orders []*laborder.Order
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return nil, nil, err
		}
		o, err := decodeOrder(raw)
		if err != nil {
			_ = rows.Close()
			return nil, nil, err
		}
		orders = append(orders, o)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	tests := make(map[string][]*laborder.Test, len(orders))
	for _, o := range orders {
		ts, err := s.testsFor(ctx, o.ID())
		if err != nil {
			return nil, nil, err
		}
		tests[o.ID()] = ts
	}
	return orders, tests, nil
}

// MutateTest reads the test, applies fn and writes back only if nobody else
// changed the test in between. On a lost race fn runs again against the
// fresh state.
func (s *Store) MutateTest(ctx context.Context, orderID, testID string, fn laborder.Mutation) (*laborder.Event, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t, err := s.loadTest(ctx, orderID, testID)
		if err != nil {
			return nil, err
		}
		expected := t.Version()

		event, err := fn(t)
		if err != nil {
			return nil, err
		}

		committed, err := s.commitTest(ctx, t, expected, event)
		if err != nil {
			return nil, err
		}
		if committed {
			return event, nil
		}
		s.logger.Debug("test version conflict, retrying",
			zap.String("test_id", testID),
			zap.Int("attempt", attempt))
	}
	return nil, &laborder.Error{
		Kind:    laborder.KindInvalidState,
		Message: fmt.Sprintf("test %s is being changed concurrently", testID),
	}
}

// TestEvents returns the history of one test, oldest first.
func (s *Store) TestEvents(ctx context.Context, orderID, testID string) ([]*laborder.Event, error) {
	if _, err := s.loadTest(ctx, orderID, testID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT event FROM events WHERE test_id = ? ORDER BY version ASC`, testID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *Store) commitTest(ctx context.Context, t *laborder.Test, expected int, event *laborder.Event) (ok bool, retErr error) {
	snap, err := json.Marshal(t.Snapshot())
	if err != nil {
		return false, fmt.Errorf("encode test: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if !ok || retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE tests SET state = ?, version = ?, snapshot = ? WHERE id = ? AND version = ?`,
		string(t.State()), t.Version(), snap, t.ID(), expected,
	)
	if err != nil {
		return false, fmt.Errorf("update test: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) loadTest(ctx context.Context, orderID, testID string) (*laborder.Test, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM tests WHERE id = ? AND order_id = ?`, testID, orderID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		var n int
		if qerr := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, orderID).Scan(&n); qerr == nil && n == 0 {
			return nil, laborder.NotFoundError("order %s not found", orderID)
		}
		return nil, laborder.NotFoundError("test %s not found in order %s", testID, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load test: %w", err)
	}
	return decodeTest(raw)
}

func (s *Store) testsFor(ctx context.Context, orderID string) ([]*laborder.Test, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM tests WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load tests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tests []*laborder.Test
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		t, err := decodeTest(raw)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *laborder.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var testID interface{}
	if e.TestID != "" {
		testID = e.TestID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, order_id, test_id, version, event) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, testID, e.Version, body,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
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

// isCodeClash reports a unique violation on orders.code.
func isCodeClash(err error) bool {
	var e *sqlitedriver.Error
	return errors.As(err, &e) &&
		e.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(e.Error(), "orders.code")
}

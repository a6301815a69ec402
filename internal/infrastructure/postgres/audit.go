package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

// AuditLog is the append-only audit_log table.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog creates an audit log over pool.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Append writes one row per event id. It reports false when the event was
// already recorded.
func (a *AuditLog) Append(ctx context.Context, e *laborder.Event) (bool, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO audit_log (event_id, order_id, test_id, event_type, from_state, to_state, actor, occurred_at, event)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`, e.ID, e.AggregateID, e.TestID, string(e.EventType), string(e.FromState), string(e.ToState), e.Actor, e.Timestamp, body)
	if err != nil {
		return false, fmt.Errorf("insert audit row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Package idempotency records which broker messages a consumer has already
// handled, so redelivered events are applied once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox row.
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Payload     json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
}

// Config controls retention and crash recovery.
type Config struct {
	// TTL is how long a key is remembered.
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED entry may sit before another
	// delivery is allowed to take it over.
	RecoveryTimeout time.Duration
}

// DefaultConfig keeps keys for a week, well past broker retention.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrDuplicate means the key was already processed to completion.
	ErrDuplicate = errors.New("idempotency: duplicate message")
	// ErrInProgress means another delivery holds the key.
	ErrInProgress = errors.New("idempotency: message in progress")
	// ErrPreviouslyFailed means the key failed terminally before.
	ErrPreviouslyFailed = errors.New("idempotency: message failed permanently")
	// ErrTerminal marks handler errors that must not be retried. Wrap it:
	// fmt.Errorf("%w: bad payload", idempotency.ErrTerminal).
	ErrTerminal = errors.New("terminal")
)

// Result reports how a Process call went.
type Result struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// HandlerFunc does the work for one message.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox stores processed keys in the inbox table.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over pool.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key derives the inbox key for an event as seen by one handler. Two
// handlers consuming the same event get distinct keys.
func Key(handler, eventID string) string {
	sum := sha256.Sum256([]byte(handler + "|" + eventID))
	return hex.EncodeToString(sum[:])
}

// decision is what Process does with an existing entry.
type decision int

const (
	decideRun decision = iota
	decideRecover
	decideDuplicate
	decideBusy
	decideFailed
)

func decide(entry *Entry, now time.Time, recoveryTimeout time.Duration) decision {
	if entry == nil {
		return decideRun
	}
	switch entry.Status {
	case StatusFinished:
		return decideDuplicate
	case StatusFailed:
		return decideFailed
	case StatusStarted:
		if now.Sub(entry.UpdatedAt) > recoveryTimeout {
			return decideRecover
		}
		return decideBusy
	}
	return decideRun
}

// Process runs fn at most once to completion per key.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn HandlerFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	switch decide(entry, i.now(), i.config.RecoveryTimeout) {
	case decideDuplicate:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &Result{Result: entry.Result}, ErrDuplicate
	case decideFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	case decideBusy:
		return nil, ErrInProgress
	case decideRecover:
		if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
			return nil, fmt.Errorf("recover entry: %w", err)
		}
		span.SetAttributes(attribute.Bool("recovered", true))
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	out, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if errors.Is(handlerErr, ErrTerminal) {
			status = StatusFailed
		}
		body, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, body); err != nil {
			i.logger.Error("record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, out); err != nil {
		// The work is done; a redelivery will see STARTED and wait out the
		// recovery timeout.
		i.logger.Error("record handler success", zap.String("key", key), zap.Error(err))
	}
	return &Result{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       out,
	}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	const q = `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1`
	e := &Entry{}
	err := i.pool.QueryRow(ctx, q, key).Scan(
		&e.Key, &e.HandlerName, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE entry.
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	const q = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`
	var got string
	err := i.pool.QueryRow(ctx, q, key, handler, StatusStarted, payload, i.now().Add(i.config.TTL)).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = COALESCE($2, result), updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup starts deleting expired keys in the background.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup deletes expired keys and returns how many went.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}

// Stats counts entries per status.
type Stats struct {
	Total       int64
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// GetStats returns current inbox statistics.
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	const q = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`
	s := &Stats{}
	if err := i.pool.QueryRow(ctx, q).Scan(&s.Total, &s.Started, &s.Finished, &s.Recoverable, &s.Failed); err != nil {
		return nil, err
	}
	return s, nil
}

// Package idempotency provides the Inbox pattern for exactly-once handling of
// retried API requests and redelivered broker messages.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// DB is the subset of pgxpool.Pool the inbox needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a finished entry keeps answering replays
	DefaultTTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal marks handler errors that must never be retried. Nil
	// leaves every failure recoverable, so a retry re-runs the handler.
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent processing
type Inbox struct {
	db     DB
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates a new inbox manager
func NewInbox(db DB, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultInboxConfig().DefaultTTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultInboxConfig().RecoveryTimeout
	}
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

var (
	// ErrDuplicateMessage indicates the key was claimed concurrently
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another handler holds the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
	// ErrKeyReused indicates the key was first used with a different payload
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once successfully per key. A finished key replays
// its stored result without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		if entry.HandlerName != handlerName || !samePayload(entry.Payload, payload) {
			return nil, ErrKeyReused
		}
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.markStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.startProcessing(ctx, key, handlerName, payload); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal != nil && i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errBody, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.markStatus(ctx, key, status, errBody); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a replay may run it again.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// Key builds a deterministic key from its parts. Callers scope client
// supplied keys with the actor and resource so two users cannot collide.
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func samePayload(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	var x, y interface{}
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return string(a) == string(b)
	}
	xa, _ := json.Marshal(x)
	ya, _ := json.Marshal(y)
	return string(xa) == string(ya)
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	entry := &InboxEntry{}
	err := i.db.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (i *Inbox) startProcessing(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	expiresAt := i.now().Add(i.config.DefaultTTL)

	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status IN ('RECOVERABLE')
		RETURNING idempotency_key
	`

	var returned string
	err := i.db.QueryRow(ctx, query, key, handlerName, StatusStarted, payload, expiresAt).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateMessage
		}
		return err
	}
	return nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.db.Exec(ctx, query, status, result, key)
	return err
}

// Cleanup removes expired entries and marks abandoned STARTED entries
// recoverable. It is meant to run on a schedule.
func (i *Inbox) Cleanup(ctx context.Context) error {
	deleted, err := i.db.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("delete expired inbox entries: %w", err)
	}

	recovered, err := i.db.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`, i.config.RecoveryTimeout.String())
	if err != nil {
		return fmt.Errorf("recover stale inbox entries: %w", err)
	}

	if deleted.RowsAffected() > 0 || recovered.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed",
			zap.Int64("deleted", deleted.RowsAffected()),
			zap.Int64("recovered", recovered.RowsAffected()))
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

const (
	// DefaultNotificationTopic receives one message per addressed event.
	DefaultNotificationTopic = "prescription.notifications"
	// DefaultDeadLetterTopic receives entries that exhausted their retries.
	DefaultDeadLetterTopic = "dead.letter"

	relayLockID = int64(0x72787672) // "rxvr"
)

// OutboxEntry is one addressed notification waiting to be relayed
type OutboxEntry struct {
	ID             int64
	EventID        string
	EventType      string
	PrescriptionID string
	RecipientID    string
	Payload        json.RawMessage
	KafkaTopic     string
	KafkaKey       string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	RetryCount     int
	LastError      *string
}

// EntryFor builds the outbox row for an event already addressed to its
// recipient. The recipient id is the partition key so one user's events stay
// ordered.
func EntryFor(event prescription.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &OutboxEntry{
		EventID:        event.ID,
		EventType:      string(event.Type),
		PrescriptionID: event.Metadata.PrescriptionID,
		RecipientID:    event.Recipient.ID,
		Payload:        payload,
		KafkaTopic:     topic,
		KafkaKey:       event.Recipient.ID,
	}, nil
}

// WriteEntry writes an outbox entry within a transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO notification_outbox
		(event_id, event_type, prescription_id, recipient_id, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.EventID,
		entry.EventType,
		entry.PrescriptionID,
		entry.RecipientID,
		[]byte(entry.Payload),
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// OutboxNotifier is a notify.Notifier that durably queues one outbox row per
// recipient. All rows for an event commit together.
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewOutboxNotifier creates a notifier writing to topic (DefaultNotificationTopic when empty)
func NewOutboxNotifier(pool *pgxpool.Pool, topic string, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = DefaultNotificationTopic
	}
	return &OutboxNotifier{
		pool:   pool,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("outbox-notifier"),
	}
}

func (n *OutboxNotifier) Notify(ctx context.Context, recipients []prescription.ActorRef, event prescription.Event) error {
	ctx, span := n.tracer.Start(ctx, "OutboxNotifier.Notify",
		trace.WithAttributes(
			attribute.String("event_type", string(event.Type)),
			attribute.String("prescription.id", event.Metadata.PrescriptionID),
			attribute.Int("recipients", len(recipients)),
		))
	defer span.End()

	tx, err := n.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range recipients {
		entry, err := EntryFor(event.To(r), n.topic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// DeadLetterTopic receives exhausted entries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: DefaultDeadLetterTopic,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays queued notifications to the broker
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling and relaying outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch relays up to BatchSize entries inside one transaction. Rows are
// claimed with SKIP LOCKED and a transaction-scoped advisory lock keeps a
// single relay active so per-recipient order holds. It returns how many
// entries were published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := o.fetchUnprocessed(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Warn("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, prescription_id, recipient_id, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM notification_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		var payload []byte
		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.EventType, &entry.PrescriptionID, &entry.RecipientID,
			&payload, &entry.KafkaTopic, &entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("prescription.id", entry.PrescriptionID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, updateErr := tx.Exec(ctx, `
			UPDATE notification_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE notification_outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic),
		zap.String("recipient", entry.RecipientID))
	return nil
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM notification_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeadLetter is the envelope published for entries that exhausted retries
type DeadLetter struct {
	OriginalTopic  string          `json:"original_topic"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	PrescriptionID string          `json:"prescription_id"`
	RecipientID    string          `json:"recipient_id"`
	Payload        json.RawMessage `json:"payload"`
	RetryCount     int             `json:"retry_count"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func deadLetterFor(entry *OutboxEntry) DeadLetter {
	return DeadLetter{
		OriginalTopic:  entry.KafkaTopic,
		EventID:        entry.EventID,
		EventType:      entry.EventType,
		PrescriptionID: entry.PrescriptionID,
		RecipientID:    entry.RecipientID,
		Payload:        entry.Payload,
		RetryCount:     entry.RetryCount,
		LastError:      entry.LastError,
		CreatedAt:      entry.CreatedAt,
	}
}

// MoveToDeadLetter publishes entries that exceeded MaxRetries to the dead
// letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_dead_letter")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, prescription_id, recipient_id, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM notification_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		var payload []byte
		if err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.EventType, &entry.PrescriptionID, &entry.RecipientID,
			&payload, &entry.KafkaTopic, &entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		body, err := json.Marshal(deadLetterFor(entry))
		if err != nil {
			o.logger.Error("failed to encode dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.KafkaKey, body); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE notification_outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Error(err))
			continue
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	if count > 0 {
		o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", count))
	}
	return count, nil
}

// OutboxStats summarizes the outbox backlog
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics and refreshes the pending gauge.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM notification_outbox`, o.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	o.metrics.OutboxPending.Set(float64(stats.Pending))
	return stats, nil
}

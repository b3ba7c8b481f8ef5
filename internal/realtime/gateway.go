package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
)

// GatewayHandlerName scopes inbox keys written by the gateway.
const GatewayHandlerName = "notification-gateway"

// Idempotency runs a handler at most once successfully per key.
type Idempotency interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Gateway turns notification records from Kafka into realtime deliveries.
// Redelivered records are recognised by event id and published once.
type Gateway struct {
	inbox     Idempotency
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewGateway creates a gateway. inbox may be nil to disable deduplication.
func NewGateway(inbox Idempotency, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Gateway{inbox: inbox, publisher: publisher, metrics: m, logger: logger}
}

// Handle is a redpanda.MessageHandler.
func (g *Gateway) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event prescription.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Retrying cannot fix a malformed record.
		g.logger.Error("discarding malformed notification",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		g.metrics.Notifications.WithLabelValues("unknown", "malformed").Inc()
		return nil
	}
	if event.ID == "" || event.Recipient.ID == "" {
		g.logger.Error("discarding unaddressed notification",
			zap.String("event_id", event.ID),
			zap.Int64("offset", msg.Offset))
		g.metrics.Notifications.WithLabelValues(string(event.Type), "malformed").Inc()
		return nil
	}

	publish := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := g.publisher.Publish(ctx, event); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"delivered":true}`), nil
	}

	if g.inbox == nil {
		if _, err := publish(ctx, nil); err != nil {
			g.metrics.Notifications.WithLabelValues(string(event.Type), "failed").Inc()
			return fmt.Errorf("publish %s: %w", event.ID, err)
		}
		g.metrics.Notifications.WithLabelValues(string(event.Type), "delivered").Inc()
		return nil
	}

	key := idempotency.Key("notification", event.ID)
	res, err := g.inbox.Process(ctx, key, GatewayHandlerName, msg.Value, publish)
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		g.metrics.Notifications.WithLabelValues(string(event.Type), "duplicate").Inc()
		return nil
	case err != nil:
		g.metrics.Notifications.WithLabelValues(string(event.Type), "failed").Inc()
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}

	outcome := "delivered"
	if !res.IsNew && !res.WasRecovered {
		outcome = "duplicate"
	}
	g.metrics.Notifications.WithLabelValues(string(event.Type), outcome).Inc()
	g.logger.Debug("notification handled",
		zap.String("event_id", event.ID),
		zap.String("recipient", event.Recipient.ID),
		zap.String("outcome", outcome))
	return nil
}

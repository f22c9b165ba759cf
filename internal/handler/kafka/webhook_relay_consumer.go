package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"yookassa/internal/app/webhooks"
	"yookassa/internal/domain"
	kafka_infra "yookassa/internal/infrastructure/kafka"
	"yookassa/internal/yookassa"
)

// WebhookRelayMessageHandler feeds provider notifications relayed through
// Kafka into the webhook handler. Messages that can never succeed are
// logged and committed; anything else is returned so the consumer retries.
// Notifications for payments this instance does not know are committed too:
// the reconciler picks up the remote status once the record exists.
func WebhookRelayMessageHandler(handler webhooks.WebhookHandler, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		logger.Debug("Received relayed webhook notification",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		)

		receivedAt := msg.Time
		if receivedAt.IsZero() {
			receivedAt = time.Now()
		}
		event, err := yookassa.ParseNotification(msg.Value, receivedAt)
		if err != nil {
			logger.Error("Failed to parse relayed webhook notification",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		if err := handler.Handle(ctx, event); err != nil {
			if errors.Is(err, domain.ErrWebhook) || errors.Is(err, domain.ErrValidation) {
				logger.Error("Dropping relayed webhook notification",
					zap.String("event_id", event.ID),
					zap.String("event", string(event.Type)),
					zap.Error(err),
				)
				return nil
			}
			if errors.Is(err, domain.ErrPaymentNotFound) || errors.Is(err, domain.ErrRefundNotFound) {
				logger.Warn("Relayed webhook refers to an unknown record, skipping",
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
				return nil
			}
			return fmt.Errorf("failed to handle relayed webhook %s: %w", event.ID, err)
		}

		logger.Debug("Relayed webhook notification processed", zap.String("event_id", event.ID))
		return nil
	}
}

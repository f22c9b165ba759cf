package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler processes one message. A nil return commits its offset.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop()
}

type kafkaConsumer struct {
	reader  *kafka.Reader
	logger  *zap.Logger
	topic   string
	groupID string
	cancel  context.CancelFunc
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) Consumer {
	logger = logger.With(zap.String("component", "kafka_consumer"), zap.String("topic", topic))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               1,
		MaxBytes:               10e6,
		ReadBatchTimeout:       1 * time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		CommitInterval:         0,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
	})

	return &kafkaConsumer{
		reader:  reader,
		logger:  logger,
		topic:   topic,
		groupID: groupID,
	}
}

// Start blocks until ctx is done or Stop is called. Offsets are committed only
// after the handler succeeds; a failing message is retried after a pause.
func (c *kafkaConsumer) Start(ctx context.Context, handler MessageHandler) error {
	consumerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	c.logger.Info("Kafka consumer starting", zap.String("group_id", c.groupID))

	for {
		msg, err := c.reader.FetchMessage(consumerCtx)
		if err != nil {
			if consumerCtx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Kafka consumer context cancelled, stopping reader.")
				return c.reader.Close()
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			if !sleepCtx(consumerCtx, time.Second) {
				return c.reader.Close()
			}
			continue
		}

		c.logger.Debug("Received Kafka message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		)

		for {
			handlerErr := handler(consumerCtx, msg)
			if handlerErr == nil {
				break
			}
			c.logger.Error("Error handling Kafka message, will not commit offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(handlerErr),
			)
			if !sleepCtx(consumerCtx, time.Second) {
				return c.reader.Close()
			}
		}

		if commitErr := c.reader.CommitMessages(consumerCtx, msg); commitErr != nil {
			c.logger.Error("Failed to commit offset for Kafka message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(commitErr),
			)
		}
	}
}

func (c *kafkaConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("Kafka consumer stop signal sent.")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

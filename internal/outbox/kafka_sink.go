package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"yookassa/internal/domain"
	kafkaInfra "yookassa/internal/infrastructure/kafka"
)

// KafkaSink writes status events as JSON keyed by payment id, so one
// payment's events stay ordered within a partition.
type KafkaSink struct {
	producer kafkaInfra.Producer
	topic    string
}

func NewKafkaSink(producer kafkaInfra.Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Deliver(ctx context.Context, evt domain.PaymentStatusEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal status event for payment %s: %w", evt.PaymentID, err)
	}
	return s.producer.Produce(ctx, evt.PaymentID, s.topic, payload)
}

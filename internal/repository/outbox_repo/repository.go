package outbox_repo

import (
	"context"
	"time"
)

type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

// Message is one status event that a sink has not accepted yet. Payload is
// the JSON encoded domain.PaymentStatusEvent.
type Message struct {
	ID        string
	Sink      string
	PaymentID string
	Payload   []byte
	Status    MessageStatus
	Attempts  int
	CreatedAt time.Time
	SentAt    *time.Time
}

// Repository keeps undelivered status events across restarts.
type Repository interface {
	Create(ctx context.Context, msg *Message) error
	GetPending(ctx context.Context, limit int) ([]Message, error)
	UpdateAttempts(ctx context.Context, id string, attempts int) error
	MarkSent(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string) error
}

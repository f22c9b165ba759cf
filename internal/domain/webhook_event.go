package domain

import (
	"strings"
	"time"
)

type WebhookEventType string

const (
	WebhookEventPaymentWaitingForCapture WebhookEventType = "payment.waiting_for_capture"
	WebhookEventPaymentSucceeded         WebhookEventType = "payment.succeeded"
	WebhookEventPaymentCanceled          WebhookEventType = "payment.canceled"
	WebhookEventRefundSucceeded          WebhookEventType = "refund.succeeded"
)

func (t WebhookEventType) IsPayment() bool {
	return strings.HasPrefix(string(t), "payment.")
}

func (t WebhookEventType) IsRefund() bool {
	return strings.HasPrefix(string(t), "refund.")
}

// Known reports whether the handler knows how to apply this event type.
func (t WebhookEventType) Known() bool {
	switch t {
	case WebhookEventPaymentWaitingForCapture, WebhookEventPaymentSucceeded,
		WebhookEventPaymentCanceled, WebhookEventRefundSucceeded:
		return true
	}
	return false
}

// WebhookEvent is a parsed provider notification carrying the object snapshot.
type WebhookEvent struct {
	ID         string
	Type       WebhookEventType
	Payment    *Payment
	Refund     *Refund
	ReceivedAt time.Time
}

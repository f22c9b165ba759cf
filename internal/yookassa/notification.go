package yookassa

import (
	"encoding/json"
	"fmt"
	"time"

	"yookassa/internal/domain"
)

// ParseNotification maps a provider notification body into a WebhookEvent.
// Events of unknown type come back with neither Payment nor Refund set and no error.
func ParseNotification(body []byte, receivedAt time.Time) (*domain.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed notification: %v", domain.ErrWebhook, err)
	}
	if n.Type != "notification" {
		return nil, fmt.Errorf("%w: unexpected notification type %q", domain.ErrWebhook, n.Type)
	}
	if n.Event == "" {
		return nil, fmt.Errorf("%w: notification has no event", domain.ErrWebhook)
	}
	if len(n.Object) == 0 || string(n.Object) == "null" {
		return nil, fmt.Errorf("%w: notification %s has no object", domain.ErrWebhook, n.Event)
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(n.Object, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed %s object: %v", domain.ErrWebhook, n.Event, err)
	}
	if head.ID == "" {
		return nil, fmt.Errorf("%w: %s object has no id", domain.ErrWebhook, n.Event)
	}

	event := &domain.WebhookEvent{
		ID:         n.ID,
		Type:       domain.WebhookEventType(n.Event),
		ReceivedAt: receivedAt.UTC(),
	}
	if event.ID == "" {
		event.ID = n.Event + ":" + head.ID
	}

	if !event.Type.Known() {
		return event, nil
	}

	switch {
	case event.Type.IsPayment():
		var obj paymentObject
		if err := json.Unmarshal(n.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: malformed payment object: %v", domain.ErrWebhook, err)
		}
		p, err := obj.toDomain()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrWebhook, err)
		}
		event.Payment = p
	case event.Type.IsRefund():
		var obj refundObject
		if err := json.Unmarshal(n.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: malformed refund object: %v", domain.ErrWebhook, err)
		}
		r, err := obj.toDomain()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrWebhook, err)
		}
		event.Refund = r
	}
	return event, nil
}

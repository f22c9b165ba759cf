package yookassa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yookassa/internal/domain"
)

var received = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestParseNotification_PaymentSucceeded(t *testing.T) {
	body := []byte(`{
		"type": "notification",
		"event": "payment.succeeded",
		"object": {
			"id": "22d6d597-000f-5000-9000-145f6df21d6f",
			"status": "succeeded",
			"paid": true,
			"amount": {"value": "2.00", "currency": "RUB"},
			"created_at": "2018-07-10T14:27:54.691Z",
			"metadata": {"telegram_user_id": "42"}
		}
	}`)

	ev, err := ParseNotification(body, received)
	require.NoError(t, err)
	assert.Equal(t, "payment.succeeded:22d6d597-000f-5000-9000-145f6df21d6f", ev.ID)
	assert.Equal(t, domain.WebhookEventPaymentSucceeded, ev.Type)
	require.NotNil(t, ev.Payment)
	assert.Nil(t, ev.Refund)
	assert.Equal(t, domain.PaymentStatusSucceeded, ev.Payment.Status)
	assert.Equal(t, "2.00", ev.Payment.Amount.String())
	assert.Equal(t, received, ev.ReceivedAt)
}

func TestParseNotification_ProviderIDWins(t *testing.T) {
	body := []byte(`{"id":"evt-7","type":"notification","event":"payment.canceled",
		"object":{"id":"p-1","status":"canceled","amount":{"value":"1.00","currency":"RUB"}}}`)

	ev, err := ParseNotification(body, received)
	require.NoError(t, err)
	assert.Equal(t, "evt-7", ev.ID)
}

func TestParseNotification_Refund(t *testing.T) {
	body := []byte(`{"type":"notification","event":"refund.succeeded",
		"object":{"id":"r-1","payment_id":"p-1","status":"succeeded","amount":{"value":"5.00","currency":"RUB"}}}`)

	ev, err := ParseNotification(body, received)
	require.NoError(t, err)
	require.NotNil(t, ev.Refund)
	assert.Equal(t, "p-1", ev.Refund.PaymentID)
	assert.Equal(t, domain.RefundStatusSucceeded, ev.Refund.Status)
}

func TestParseNotification_UnknownEvent(t *testing.T) {
	body := []byte(`{"type":"notification","event":"deal.closed","object":{"id":"d-1","whatever":true}}`)

	ev, err := ParseNotification(body, received)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventType("deal.closed"), ev.Type)
	assert.Nil(t, ev.Payment)
	assert.Nil(t, ev.Refund)
}

func TestParseNotification_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"wrong type":      `{"type":"ping","event":"payment.succeeded","object":{"id":"p"}}`,
		"no event":        `{"type":"notification","object":{"id":"p"}}`,
		"no object":       `{"type":"notification","event":"payment.succeeded"}`,
		"object no id":    `{"type":"notification","event":"payment.succeeded","object":{"status":"succeeded"}}`,
		"bad status":      `{"type":"notification","event":"payment.succeeded","object":{"id":"p","status":"done","amount":{"value":"1.00","currency":"RUB"}}}`,
		"bad amount":      `{"type":"notification","event":"payment.succeeded","object":{"id":"p","status":"succeeded","amount":{"value":"abc","currency":"RUB"}}}`,
		"refund no owner": `{"type":"notification","event":"refund.succeeded","object":{"id":"r","status":"succeeded","amount":{"value":"1.00","currency":"RUB"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseNotification([]byte(body), received)
			require.ErrorIs(t, err, domain.ErrWebhook)
		})
	}
}

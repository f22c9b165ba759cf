package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yookassa/internal/domain"
)

type fakeWebhookHandler struct {
	handleFn func(ctx context.Context, event *domain.WebhookEvent) error
	events   []*domain.WebhookEvent
}

func (f *fakeWebhookHandler) Handle(ctx context.Context, event *domain.WebhookEvent) error {
	f.events = append(f.events, event)
	if f.handleFn != nil {
		return f.handleFn(ctx, event)
	}
	return nil
}

const succeededBody = `{"type":"notification","event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded","paid":true,"amount":{"value":"10.00","currency":"RUB"}}}`

func TestWebhookRelay_HandlesNotification(t *testing.T) {
	h := &fakeWebhookHandler{}
	relay := WebhookRelayMessageHandler(h, zap.NewNop())

	require.NoError(t, relay(context.Background(), kafka.Message{Value: []byte(succeededBody)}))
	require.Len(t, h.events, 1)
	assert.Equal(t, "payment.succeeded:pay-1", h.events[0].ID)
	assert.Equal(t, domain.PaymentStatusSucceeded, h.events[0].Payment.Status)
}

func TestWebhookRelay_DropsMalformed(t *testing.T) {
	h := &fakeWebhookHandler{}
	relay := WebhookRelayMessageHandler(h, zap.NewNop())

	require.NoError(t, relay(context.Background(), kafka.Message{Value: []byte(`{not json`)}))
	assert.Empty(t, h.events)
}

func TestWebhookRelay_ErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"webhook error is dropped", domain.ErrWebhook, false},
		{"unknown payment is skipped", domain.ErrPaymentNotFound, false},
		{"provider outage is retried", domain.ErrProviderUnavailable, true},
		{"storage failure is retried", errors.New("db down"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &fakeWebhookHandler{handleFn: func(context.Context, *domain.WebhookEvent) error { return tc.err }}
			err := WebhookRelayMessageHandler(h, zap.NewNop())(context.Background(), kafka.Message{Value: []byte(succeededBody)})
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

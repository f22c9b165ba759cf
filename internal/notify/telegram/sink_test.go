package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yookassa/internal/domain"
)

type fakeSender struct {
	sendFn func(c tgbotapi.Chattable) error
	sent   []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.sendFn != nil {
		if err := f.sendFn(c); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func statusEvent(status string, userID int64) domain.PaymentStatusEvent {
	return domain.PaymentStatusEvent{
		PaymentID:      "pay-1",
		Status:         status,
		Amount:         "1000.00",
		Currency:       domain.CurrencyRUB,
		TelegramUserID: userID,
	}
}

func TestSink_SendsToPayer(t *testing.T) {
	sender := &fakeSender{}
	sink := NewSink(sender, zap.NewNop())

	require.NoError(t, sink.Deliver(context.Background(), statusEvent("succeeded", 42)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(42), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "1000.00 RUB")
	assert.Equal(t, "telegram", sink.Name())
}

func TestSink_SkipsWithoutRecipientOrText(t *testing.T) {
	sender := &fakeSender{}
	sink := NewSink(sender, zap.NewNop())

	require.NoError(t, sink.Deliver(context.Background(), statusEvent("succeeded", 0)))
	require.NoError(t, sink.Deliver(context.Background(), statusEvent("pending", 42)))
	assert.Empty(t, sender.sent)
}

func TestSink_ReturnsSendError(t *testing.T) {
	sender := &fakeSender{sendFn: func(tgbotapi.Chattable) error { return errors.New("429 too many requests") }}
	sink := NewSink(sender, zap.NewNop())

	err := sink.Deliver(context.Background(), statusEvent("canceled", 7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pay-1")
}

func TestText(t *testing.T) {
	cases := map[string]bool{
		"pending":             false,
		"waiting_for_capture": true,
		"succeeded":           true,
		"canceled":            true,
		"refund.succeeded":    true,
		"refund.canceled":     true,
		"refund.pending":      false,
	}
	for status, want := range cases {
		_, ok := Text(statusEvent(status, 1))
		assert.Equal(t, want, ok, status)
	}
}

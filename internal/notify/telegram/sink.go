package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"yookassa/internal/domain"
)

// MessageSender is satisfied by *tgbotapi.BotAPI.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sink tells the paying user about status changes of their payment. Events
// without a Telegram user id, and statuses nobody needs to hear about, are
// accepted without sending anything.
type Sink struct {
	sender MessageSender
	logger *zap.Logger
}

func NewSink(sender MessageSender, logger *zap.Logger) *Sink {
	return &Sink{sender: sender, logger: logger.With(zap.String("component", "telegram_sink"))}
}

// NewBotSink connects to the Bot API with token.
func NewBotSink(token string, logger *zap.Logger) (*Sink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = false
	return NewSink(bot, logger), nil
}

func (s *Sink) Name() string { return "telegram" }

func (s *Sink) Deliver(ctx context.Context, evt domain.PaymentStatusEvent) error {
	if evt.TelegramUserID == 0 {
		return nil
	}
	text, ok := Text(evt)
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(evt.TelegramUserID, text)
	if _, err := s.sender.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message for payment %s: %w", evt.PaymentID, err)
	}
	s.logger.Debug("Уведомление отправлено",
		zap.String("payment_id", evt.PaymentID),
		zap.String("status", evt.Status),
		zap.Int64("telegram_user_id", evt.TelegramUserID))
	return nil
}

// Text renders the user-facing message for evt.
func Text(evt domain.PaymentStatusEvent) (string, bool) {
	amount := evt.Amount + " " + string(evt.Currency)
	switch evt.Status {
	case string(domain.PaymentStatusWaitingForCapture):
		return fmt.Sprintf("💳 Платеж на %s авторизован и ожидает подтверждения.", amount), true
	case string(domain.PaymentStatusSucceeded):
		return fmt.Sprintf("✅ Оплата на %s прошла успешно. Спасибо!", amount), true
	case string(domain.PaymentStatusCanceled):
		return fmt.Sprintf("❌ Платеж на %s отменен.", amount), true
	case "refund." + string(domain.RefundStatusSucceeded):
		return fmt.Sprintf("↩️ Возврат %s выполнен.", amount), true
	case "refund." + string(domain.RefundStatusCanceled):
		return fmt.Sprintf("⚠️ Возврат %s отклонен.", amount), true
	}
	return "", false
}

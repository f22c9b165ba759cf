package webhooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yookassa/internal/domain"
	"yookassa/internal/repository/inbox_repo"
)

type PaymentApplier interface {
	ApplyRemoteStatus(ctx context.Context, remote *domain.Payment) (*domain.Payment, error)
}

type RefundApplier interface {
	ApplyRemoteRefund(ctx context.Context, remote *domain.Refund) (*domain.Refund, error)
}

// WebhookHandler applies an already authenticated provider notification.
type WebhookHandler interface {
	Handle(ctx context.Context, event *domain.WebhookEvent) error
}

type webhookHandler struct {
	payments PaymentApplier
	refunds  RefundApplier
	dedup    inbox_repo.Deduplicator
	logger   *zap.Logger
}

func NewWebhookHandler(payments PaymentApplier, refunds RefundApplier, dedup inbox_repo.Deduplicator, logger *zap.Logger) WebhookHandler {
	return &webhookHandler{
		payments: payments,
		refunds:  refunds,
		dedup:    dedup,
		logger:   logger.With(zap.String("component", "webhook_handler")),
	}
}

// Handle claims the event id, applies the embedded snapshot and releases the
// claim again if applying failed, so a redelivery gets another chance.
func (h *webhookHandler) Handle(ctx context.Context, event *domain.WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event without id", domain.ErrWebhook)
	}
	log := h.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	if !event.Type.Known() {
		log.Info("Неизвестный тип уведомления, пропускаем")
		return nil
	}
	if event.Type.IsPayment() && event.Payment == nil {
		return fmt.Errorf("%w: %s without payment object", domain.ErrWebhook, event.Type)
	}
	if event.Type.IsRefund() && event.Refund == nil {
		return fmt.Errorf("%w: %s without refund object", domain.ErrWebhook, event.Type)
	}

	claimed, err := h.dedup.Claim(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("не удалось проверить повтор уведомления %s: %w", event.ID, err)
	}
	if !claimed {
		log.Info("Повторное уведомление, уже обработано")
		return nil
	}

	if err := h.apply(ctx, event); err != nil {
		// The claim must not outlive a failed apply or the redelivery would be dropped.
		if relErr := h.dedup.Release(context.WithoutCancel(ctx), event.ID); relErr != nil {
			log.Error("Не удалось снять отметку об обработке уведомления", zap.Error(relErr))
		}
		log.Warn("Не удалось применить уведомление", zap.Error(err))
		return err
	}
	return nil
}

func (h *webhookHandler) apply(ctx context.Context, event *domain.WebhookEvent) error {
	switch {
	case event.Payment != nil:
		p, err := h.payments.ApplyRemoteStatus(ctx, event.Payment)
		if err != nil {
			return err
		}
		h.logger.Info("Уведомление о платеже применено",
			zap.String("event_id", event.ID),
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)))
	case event.Refund != nil:
		r, err := h.refunds.ApplyRemoteRefund(ctx, event.Refund)
		if err != nil {
			return err
		}
		h.logger.Info("Уведомление о возврате применено",
			zap.String("event_id", event.ID),
			zap.String("refund_id", r.ID),
			zap.String("payment_id", r.PaymentID),
			zap.String("status", string(r.Status)))
	}
	return nil
}

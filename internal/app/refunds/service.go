package refunds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"yookassa/internal/domain"
	"yookassa/internal/keylock"
	"yookassa/internal/outbox"
	"yookassa/internal/repository/payments_repo"
	"yookassa/internal/util"
	"yookassa/internal/yookassa"
)

type Provider interface {
	CreateRefund(ctx context.Context, idempotencyKey string, req yookassa.RefundRequest) (*domain.Refund, error)
	GetRefund(ctx context.Context, refundID string) (*domain.Refund, error)
}

// PaymentReader returns the freshest known view of a payment.
type PaymentReader interface {
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
}

type RefundService interface {
	CreateRefund(ctx context.Context, data domain.RefundData) (*domain.Refund, error)
	GetRefund(ctx context.Context, refundID string) (*domain.Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error)
	SyncRefund(ctx context.Context, refundID string) (*domain.Refund, error)
	// RefundableAmount is the captured amount minus refunds that are pending or succeeded.
	RefundableAmount(ctx context.Context, paymentID string) (domain.Amount, error)
	ApplyRemoteRefund(ctx context.Context, remote *domain.Refund) (*domain.Refund, error)
}

type refundService struct {
	storage   payments_repo.Storage
	payments  PaymentReader
	provider  Provider
	locks     *keylock.Locker
	publisher outbox.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

func NewRefundService(
	storage payments_repo.Storage,
	payments PaymentReader,
	provider Provider,
	locks *keylock.Locker,
	publisher outbox.Publisher,
	logger *zap.Logger,
) RefundService {
	if publisher == nil {
		publisher = outbox.NopPublisher{}
	}
	return &refundService{
		storage:   storage,
		payments:  payments,
		provider:  provider,
		locks:     locks,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(zap.String("component", "refund_service")),
	}
}

// LockKey guards every refund of one payment, so the refundable remainder is
// checked and reserved atomically.
func LockKey(paymentID string) string {
	return "refunds/" + paymentID
}

func (s *refundService) CreateRefund(ctx context.Context, data domain.RefundData) (*domain.Refund, error) {
	if data.PaymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", domain.ErrValidation)
	}
	if err := data.Amount.Validate(); err != nil {
		return nil, err
	}

	payment, err := s.payments.GetPayment(ctx, data.PaymentID)
	if err != nil {
		return nil, err
	}
	if data.Amount.Currency != payment.Amount.Currency {
		return nil, fmt.Errorf("%w: refund currency %s differs from payment currency %s",
			domain.ErrValidation, data.Amount.Currency, payment.Amount.Currency)
	}
	captured := payment.Captured()
	if data.Amount.Value.GreaterThan(captured.Value) {
		return nil, fmt.Errorf("%w: refund amount %s exceeds captured amount %s",
			domain.ErrValidation, data.Amount, captured)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment %s is %s", domain.ErrPaymentNotRefundable, payment.ID, payment.Status)
	}

	unlock := s.locks.Lock(LockKey(payment.ID))
	defer unlock()

	existing, err := s.storage.ListRefunds(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить возвраты платежа %s: %w", payment.ID, err)
	}
	if data.IdempotencyKey != "" {
		for _, r := range existing {
			if r.IdempotencyKey == data.IdempotencyKey {
				return r, nil
			}
		}
	}

	remaining := captured.Value.Sub(reserved(existing))
	if data.Amount.Value.GreaterThan(remaining) {
		s.logger.Warn("Недостаточно средств для возврата",
			zap.String("payment_id", payment.ID),
			zap.String("amount", data.Amount.String()),
			zap.String("remaining", remaining.StringFixed(2)))
		return nil, fmt.Errorf("%w: requested %s, remaining %s",
			domain.ErrInsufficientRefundableAmount, data.Amount, remaining.StringFixed(2))
	}

	key := data.IdempotencyKey
	if key == "" {
		key = util.GenerateUUID()
	}
	remote, err := s.provider.CreateRefund(ctx, key, yookassa.RefundRequest{
		PaymentID:   payment.ID,
		Amount:      data.Amount,
		Description: data.Description,
	})
	if err != nil {
		s.logger.Error("Провайдер не создал возврат", zap.String("payment_id", payment.ID), zap.Error(err))
		return nil, err
	}

	now := s.now()
	refund := remote.Clone()
	refund.PaymentID = payment.ID
	refund.IdempotencyKey = key
	if refund.Description == "" {
		refund.Description = data.Description
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	refund.UpdatedAt = now

	if err := s.storage.SaveRefund(ctx, refund); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return s.storage.GetRefund(ctx, refund.ID)
		}
		s.logger.Error("Не удалось сохранить возврат", zap.String("refund_id", refund.ID), zap.Error(err))
		return nil, fmt.Errorf("не удалось сохранить возврат %s: %w", refund.ID, err)
	}

	s.logger.Info("Возврат создан",
		zap.String("refund_id", refund.ID),
		zap.String("payment_id", payment.ID),
		zap.String("status", string(refund.Status)),
		zap.String("amount", refund.Amount.String()))
	s.publisher.Publish(domain.NewRefundStatusEvent(refund, payment))
	return refund, nil
}

func (s *refundService) GetRefund(ctx context.Context, refundID string) (*domain.Refund, error) {
	return s.storage.GetRefund(ctx, refundID)
}

func (s *refundService) ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error) {
	if _, err := s.storage.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.storage.ListRefunds(ctx, paymentID)
}

func (s *refundService) RefundableAmount(ctx context.Context, paymentID string) (domain.Amount, error) {
	payment, err := s.storage.Get(ctx, paymentID)
	if err != nil {
		return domain.Amount{}, err
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		return domain.Amount{Value: decimal.Zero, Currency: payment.Amount.Currency}, nil
	}
	list, err := s.storage.ListRefunds(ctx, paymentID)
	if err != nil {
		return domain.Amount{}, err
	}
	captured := payment.Captured()
	return domain.Amount{Value: captured.Value.Sub(reserved(list)), Currency: captured.Currency}, nil
}

func (s *refundService) SyncRefund(ctx context.Context, refundID string) (*domain.Refund, error) {
	local, err := s.storage.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if local.Status.IsTerminal() {
		return local, nil
	}
	remote, err := s.provider.GetRefund(ctx, refundID)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить статус возврата %s: %w", refundID, err)
	}
	return s.ApplyRemoteRefund(ctx, remote)
}

func (s *refundService) ApplyRemoteRefund(ctx context.Context, remote *domain.Refund) (*domain.Refund, error) {
	unlock := s.locks.Lock(LockKey(remote.PaymentID))
	defer unlock()

	local, err := s.storage.GetRefund(ctx, remote.ID)
	if errors.Is(err, domain.ErrRefundNotFound) {
		return s.adoptLocked(ctx, remote)
	}
	if err != nil {
		return nil, err
	}

	if local.Status == remote.Status {
		return local, nil
	}
	if !local.Status.CanTransitionTo(remote.Status) {
		s.logger.Warn("Переход статуса возврата отклонен",
			zap.String("refund_id", local.ID),
			zap.String("status", string(local.Status)),
			zap.String("remote_status", string(remote.Status)))
		return local, nil
	}

	if err := s.storage.UpdateRefundStatus(ctx, local.ID, remote.Status); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Warn("Статус возврата изменен параллельно", zap.String("refund_id", local.ID), zap.Error(err))
			return s.storage.GetRefund(ctx, local.ID)
		}
		return nil, fmt.Errorf("не удалось обновить статус возврата %s: %w", local.ID, err)
	}

	updated, err := s.storage.GetRefund(ctx, local.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Статус возврата обновлен",
		zap.String("refund_id", updated.ID),
		zap.String("payment_id", updated.PaymentID),
		zap.String("previous_status", string(local.Status)),
		zap.String("status", string(updated.Status)))
	s.publishRefund(ctx, updated)
	return updated, nil
}

// adoptLocked records a refund that was created outside this service, e.g. from
// the merchant dashboard, once its payment is known.
func (s *refundService) adoptLocked(ctx context.Context, remote *domain.Refund) (*domain.Refund, error) {
	if _, err := s.storage.Get(ctx, remote.PaymentID); err != nil {
		return nil, err
	}
	refund := remote.Clone()
	now := s.now()
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	refund.UpdatedAt = now
	if err := s.storage.SaveRefund(ctx, refund); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return s.storage.GetRefund(ctx, refund.ID)
		}
		return nil, fmt.Errorf("не удалось сохранить внешний возврат %s: %w", refund.ID, err)
	}
	s.logger.Info("Сохранен возврат, созданный вне сервиса",
		zap.String("refund_id", refund.ID),
		zap.String("payment_id", refund.PaymentID),
		zap.String("status", string(refund.Status)))
	s.publishRefund(ctx, refund)
	return refund, nil
}

func (s *refundService) publishRefund(ctx context.Context, r *domain.Refund) {
	payment, err := s.storage.Get(ctx, r.PaymentID)
	if err != nil {
		payment = nil
	}
	s.publisher.Publish(domain.NewRefundStatusEvent(r, payment))
}

func reserved(list []*domain.Refund) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range list {
		if r.Status.ReservesAmount() {
			sum = sum.Add(r.Amount.Value)
		}
	}
	return sum
}

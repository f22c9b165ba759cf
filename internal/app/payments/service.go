package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"yookassa/internal/app/receipts"
	"yookassa/internal/domain"
	"yookassa/internal/keylock"
	"yookassa/internal/outbox"
	"yookassa/internal/repository/payments_repo"
	"yookassa/internal/util"
	"yookassa/internal/yookassa"
)

// Provider is the slice of the remote API the payment service needs.
type Provider interface {
	CreatePayment(ctx context.Context, idempotencyKey string, req yookassa.PaymentRequest) (*domain.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	CapturePayment(ctx context.Context, idempotencyKey, paymentID string, amount *domain.Amount) (*domain.Payment, error)
	CancelPayment(ctx context.Context, idempotencyKey, paymentID string) (*domain.Payment, error)
}

type PaymentService interface {
	CreatePayment(ctx context.Context, data domain.PaymentData) (*domain.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	SyncStatus(ctx context.Context, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error)
	CapturePayment(ctx context.Context, paymentID string, amount *domain.Amount) (*domain.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	// ApplyRemoteStatus reconciles the stored record with a provider snapshot.
	ApplyRemoteStatus(ctx context.Context, remote *domain.Payment) (*domain.Payment, error)
}

type Options struct {
	Currencies  []domain.Currency
	AutoCapture bool
	ReturnURL   string
	PollOnRead  bool
}

type paymentService struct {
	storage    payments_repo.Storage
	provider   Provider
	receipts   receipts.ReceiptService
	locks      *keylock.Locker
	publisher  outbox.Publisher
	currencies map[domain.Currency]struct{}
	opts       Options
	group      singleflight.Group
	now        func() time.Time
	logger     *zap.Logger
}

func NewPaymentService(
	storage payments_repo.Storage,
	provider Provider,
	receiptService receipts.ReceiptService,
	locks *keylock.Locker,
	publisher outbox.Publisher,
	opts Options,
	logger *zap.Logger,
) PaymentService {
	if len(opts.Currencies) == 0 {
		opts.Currencies = []domain.Currency{domain.CurrencyRUB}
	}
	currencies := make(map[domain.Currency]struct{}, len(opts.Currencies))
	for _, c := range opts.Currencies {
		currencies[c] = struct{}{}
	}
	if publisher == nil {
		publisher = outbox.NopPublisher{}
	}
	return &paymentService{
		storage:    storage,
		provider:   provider,
		receipts:   receiptService,
		locks:      locks,
		publisher:  publisher,
		currencies: currencies,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(zap.String("component", "payment_service")),
	}
}

// LockKey is the keylock key guarding one payment's status.
func LockKey(paymentID string) string {
	return "payments/" + paymentID
}

func (s *paymentService) CreatePayment(ctx context.Context, data domain.PaymentData) (*domain.Payment, error) {
	if err := data.Amount.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.currencies[data.Amount.Currency]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCurrency, data.Amount.Currency)
	}

	var receipt *domain.Receipt
	if len(data.Items) > 0 {
		rd := domain.ReceiptData{Type: domain.ReceiptTypePayment, Items: data.Items}
		if data.Customer != nil {
			rd.Customer = *data.Customer
		}
		r, err := s.receipts.BuildReceipt(rd)
		if err != nil {
			return nil, err
		}
		if err := s.receipts.ValidateAgainst(r, data.Amount); err != nil {
			return nil, err
		}
		receipt = r
	}

	key := data.IdempotencyKey
	if key == "" {
		key = util.GenerateUUID()
	}

	// Concurrent calls with one key share a single provider round trip. The
	// shared call must not die with whichever caller started it.
	shareCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.createPayment(shareCtx, key, data, receipt)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		s.logger.Debug("Создание платежа объединено с параллельным запросом", zap.String("idempotency_key", key))
	}
	return res.Val.(*domain.Payment).Clone(), nil
}

func (s *paymentService) createPayment(ctx context.Context, key string, data domain.PaymentData, receipt *domain.Receipt) (*domain.Payment, error) {
	existing, err := s.storage.GetByIdempotencyKey(ctx, key)
	if err == nil {
		s.logger.Info("Платеж с таким ключом идемпотентности уже существует",
			zap.String("idempotency_key", key),
			zap.String("payment_id", existing.ID),
			zap.String("status", string(existing.Status)))
		return existing, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, fmt.Errorf("не удалось проверить ключ идемпотентности %s: %w", key, err)
	}

	capture := s.opts.AutoCapture
	if data.Capture != nil {
		capture = *data.Capture
	}
	returnURL := data.ReturnURL
	if returnURL == "" {
		returnURL = s.opts.ReturnURL
	}
	metadata := make(map[string]string, len(data.Metadata)+1)
	for k, v := range data.Metadata {
		metadata[k] = v
	}
	if data.Customer != nil && data.Customer.TelegramUserID != 0 {
		metadata["telegram_user_id"] = strconv.FormatInt(data.Customer.TelegramUserID, 10)
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	remote, err := s.provider.CreatePayment(ctx, key, yookassa.PaymentRequest{
		Amount:      data.Amount,
		Description: data.Description,
		ReturnURL:   returnURL,
		Capture:     capture,
		Metadata:    metadata,
		Receipt:     receipt,
	})
	if err != nil {
		s.logger.Error("Провайдер не создал платеж", zap.String("idempotency_key", key), zap.Error(err))
		return nil, err
	}

	now := s.now()
	payment := remote.Clone()
	payment.IdempotencyKey = key
	if data.Customer != nil {
		cust := *data.Customer
		payment.Customer = &cust
	}
	payment.Receipt = receipt
	if payment.Metadata == nil {
		payment.Metadata = metadata
	}
	if payment.Description == "" {
		payment.Description = data.Description
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	if err := s.storage.Save(ctx, payment); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if stored, getErr := s.storage.GetByIdempotencyKey(ctx, key); getErr == nil {
				return stored, nil
			}
		}
		s.logger.Error("Не удалось сохранить платеж", zap.String("payment_id", payment.ID), zap.Error(err))
		return nil, fmt.Errorf("не удалось сохранить платеж %s: %w", payment.ID, err)
	}

	s.logger.Info("Платеж создан",
		zap.String("payment_id", payment.ID),
		zap.String("idempotency_key", key),
		zap.String("status", string(payment.Status)),
		zap.String("amount", payment.Amount.String()),
		zap.String("currency", string(payment.Amount.Currency)))
	s.publisher.Publish(domain.NewPaymentStatusEvent(payment, ""))
	return payment, nil
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, err := s.storage.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !s.opts.PollOnRead || payment.Status.IsTerminal() {
		return payment, nil
	}

	synced, err := s.SyncStatus(ctx, paymentID)
	if err != nil {
		s.logger.Warn("Не удалось обновить статус платежа при чтении, возвращается сохраненная версия",
			zap.String("payment_id", paymentID), zap.Error(err))
		return payment, nil
	}
	return synced, nil
}

func (s *paymentService) SyncStatus(ctx context.Context, paymentID string) (*domain.Payment, error) {
	local, err := s.storage.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if local.Status.IsTerminal() {
		return local, nil
	}

	remote, err := s.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить статус платежа %s: %w", paymentID, err)
	}
	return s.ApplyRemoteStatus(ctx, remote)
}

func (s *paymentService) ListPayments(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown payment status %q", domain.ErrValidation, status)
	}
	return s.storage.ListByStatus(ctx, status)
}

func (s *paymentService) CapturePayment(ctx context.Context, paymentID string, amount *domain.Amount) (*domain.Payment, error) {
	local, err := s.storage.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if local.Status != domain.PaymentStatusWaitingForCapture {
		return nil, fmt.Errorf("%w: cannot capture payment %s in status %s", domain.ErrInvalidTransition, paymentID, local.Status)
	}
	if amount != nil {
		if err := amount.Validate(); err != nil {
			return nil, err
		}
		if amount.Currency != local.Amount.Currency || amount.Value.GreaterThan(local.Amount.Value) {
			return nil, fmt.Errorf("%w: capture amount %s %s exceeds authorized %s %s",
				domain.ErrValidation, amount, amount.Currency, local.Amount, local.Amount.Currency)
		}
	}

	remote, err := s.provider.CapturePayment(ctx, util.GenerateUUID(), paymentID, amount)
	if err != nil {
		s.logger.Error("Провайдер отклонил списание платежа", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, err
	}
	return s.ApplyRemoteStatus(ctx, remote)
}

func (s *paymentService) CancelPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	local, err := s.storage.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if local.Status != domain.PaymentStatusWaitingForCapture {
		return nil, fmt.Errorf("%w: cannot cancel payment %s in status %s", domain.ErrInvalidTransition, paymentID, local.Status)
	}

	remote, err := s.provider.CancelPayment(ctx, util.GenerateUUID(), paymentID)
	if err != nil {
		s.logger.Error("Провайдер отклонил отмену платежа", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, err
	}
	return s.ApplyRemoteStatus(ctx, remote)
}

func (s *paymentService) ApplyRemoteStatus(ctx context.Context, remote *domain.Payment) (*domain.Payment, error) {
	unlock := s.locks.Lock(LockKey(remote.ID))
	defer unlock()

	local, err := s.storage.Get(ctx, remote.ID)
	if err != nil {
		return nil, err
	}
	if local.Status == remote.Status {
		return local, nil
	}
	if !local.Status.CanTransitionTo(remote.Status) {
		// Stale or contradictory news; the stored status stands.
		s.logger.Warn("Переход статуса платежа отклонен",
			zap.String("payment_id", local.ID),
			zap.String("status", string(local.Status)),
			zap.String("remote_status", string(remote.Status)),
			zap.Error(domain.ErrInvalidTransition))
		return local, nil
	}

	if remote.Status == domain.PaymentStatusSucceeded {
		err = s.storage.Capture(ctx, local.ID, capturedAmount(local, remote))
	} else {
		err = s.storage.UpdateStatus(ctx, local.ID, remote.Status)
	}
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Warn("Статус платежа изменен параллельно, обновление пропущено",
				zap.String("payment_id", local.ID),
				zap.String("remote_status", string(remote.Status)),
				zap.Error(err))
			return s.storage.Get(ctx, local.ID)
		}
		return nil, fmt.Errorf("не удалось обновить статус платежа %s: %w", local.ID, err)
	}

	updated, err := s.storage.Get(ctx, local.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Статус платежа обновлен",
		zap.String("payment_id", updated.ID),
		zap.String("previous_status", string(local.Status)),
		zap.String("status", string(updated.Status)))
	s.publisher.Publish(domain.NewPaymentStatusEvent(updated, local.Status))
	return updated, nil
}

// capturedAmount takes the charged amount from the provider snapshot; a
// snapshot without a usable amount means the whole authorized sum.
func capturedAmount(local, remote *domain.Payment) domain.Amount {
	if payments_repo.CheckCaptured(local.Amount, remote.Amount) != nil {
		return local.Amount
	}
	return remote.Amount
}

package payments_repo

import (
	"context"
	"fmt"

	"yookassa/internal/domain"
)

// Storage persists payments and refunds. Every backend must behave identically:
//   - Get/GetRefund return domain.ErrPaymentNotFound / domain.ErrRefundNotFound when absent.
//   - Save/SaveRefund return domain.ErrAlreadyExists for a duplicate id or idempotency key.
//   - UpdateStatus is a no-op when the status is unchanged, applies forward moves and
//     returns domain.ErrConflict for anything else, atomically with respect to other writers.
//   - Capture is UpdateStatus(succeeded) that also records the captured amount in the same write.
//     The amount must match the payment currency and not exceed the authorized amount.
//   - An empty idempotency key is never unique: any number of payments may omit it.
type Storage interface {
	Save(ctx context.Context, payment *domain.Payment) error
	Get(ctx context.Context, id string) (*domain.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error
	Capture(ctx context.Context, id string, captured domain.Amount) error
	ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error)

	SaveRefund(ctx context.Context, refund *domain.Refund) error
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	UpdateRefundStatus(ctx context.Context, id string, status domain.RefundStatus) error
	ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error)

	Close() error
}

// CheckTransition decides an UpdateStatus call: apply=false with nil error is a no-op.
func CheckTransition(current, next domain.PaymentStatus) (apply bool, err error) {
	if !next.Valid() {
		return false, fmt.Errorf("%w: unknown payment status %q", domain.ErrValidation, next)
	}
	if current == next {
		return false, nil
	}
	if !current.CanTransitionTo(next) {
		return false, fmt.Errorf("%w: payment status %s -> %s", domain.ErrConflict, current, next)
	}
	return true, nil
}

func CheckRefundTransition(current, next domain.RefundStatus) (apply bool, err error) {
	if !next.Valid() {
		return false, fmt.Errorf("%w: unknown refund status %q", domain.ErrValidation, next)
	}
	if current == next {
		return false, nil
	}
	if !current.CanTransitionTo(next) {
		return false, fmt.Errorf("%w: refund status %s -> %s", domain.ErrConflict, current, next)
	}
	return true, nil
}

// CheckCaptured validates a captured amount against the authorized one.
func CheckCaptured(authorized, captured domain.Amount) error {
	if err := captured.Validate(); err != nil {
		return err
	}
	if captured.Currency != authorized.Currency {
		return fmt.Errorf("%w: captured currency %s differs from payment currency %s",
			domain.ErrValidation, captured.Currency, authorized.Currency)
	}
	if captured.Value.GreaterThan(authorized.Value) {
		return fmt.Errorf("%w: captured amount %s exceeds authorized %s", domain.ErrValidation, captured, authorized)
	}
	return nil
}

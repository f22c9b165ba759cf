// Package storagetest holds the behavioral suite every payments_repo.Storage must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yookassa/internal/domain"
	"yookassa/internal/repository/payments_repo"
)

// Factory returns an empty storage; the suite closes it.
type Factory func(t *testing.T) payments_repo.Storage

func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s payments_repo.Storage)
	}{
		{"SaveAndGet", testSaveAndGet},
		{"GetMissing", testGetMissing},
		{"DuplicateID", testDuplicateID},
		{"DuplicateIdempotencyKey", testDuplicateIdempotencyKey},
		{"GetByIdempotencyKey", testGetByIdempotencyKey},
		{"EmptyIdempotencyKey", testEmptyIdempotencyKey},
		{"UpdateStatusForward", testUpdateStatusForward},
		{"UpdateStatusSkip", testUpdateStatusSkip},
		{"UpdateStatusSameIsNoop", testUpdateStatusSame},
		{"UpdateStatusBackwardConflict", testUpdateStatusBackward},
		{"UpdateStatusTerminalSwap", testUpdateStatusTerminalSwap},
		{"UpdateStatusUnknown", testUpdateStatusUnknown},
		{"UpdateStatusMissing", testUpdateStatusMissing},
		{"UpdateStatusConcurrent", testUpdateStatusConcurrent},
		{"Capture", testCapture},
		{"CaptureRejectsInvalidAmount", testCaptureInvalidAmount},
		{"CaptureAfterCanceledConflict", testCaptureAfterCanceled},
		{"ListByStatus", testListByStatus},
		{"ReturnedCopiesAreDetached", testDetached},
		{"Refunds", testRefunds},
		{"RefundForMissingPayment", testRefundMissingPayment},
		{"RefundStatus", testRefundStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStorage(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newPayment(id string, offset time.Duration) *domain.Payment {
	return &domain.Payment{
		ID:              id,
		IdempotencyKey:  "key-" + id,
		Status:          domain.PaymentStatusPending,
		Amount:          domain.MustAmount("1000.00", domain.CurrencyRUB),
		Description:     "Order " + id,
		ConfirmationURL: "https://yoomoney.ru/checkout/" + id,
		Customer:        &domain.CustomerInfo{Email: "user@example.com", TelegramUserID: 42},
		Metadata:        map[string]string{"order_id": id},
		CreatedAt:       base.Add(offset),
		UpdatedAt:       base.Add(offset),
	}
}

func newRefund(id, paymentID, amount string, status domain.RefundStatus, offset time.Duration) *domain.Refund {
	return &domain.Refund{
		ID:             id,
		PaymentID:      paymentID,
		IdempotencyKey: "key-" + id,
		Status:         status,
		Amount:         domain.MustAmount(amount, domain.CurrencyRUB),
		CreatedAt:      base.Add(offset),
		UpdatedAt:      base.Add(offset),
	}
}

func requireStatus(t *testing.T, s payments_repo.Storage, id string, want domain.PaymentStatus) {
	t.Helper()
	p, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, p.Status)
}

func testSaveAndGet(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	in := newPayment("p-1", 0)
	in.Receipt = &domain.Receipt{
		Type:     domain.ReceiptTypePayment,
		Customer: domain.CustomerInfo{Email: "user@example.com"},
		Items: []domain.PaymentItem{{
			Description:    "Subscription",
			Quantity:       decimal.NewFromInt(1),
			Price:          domain.MustAmount("1000.00", domain.CurrencyRUB),
			VATCode:        domain.VATCodeNone,
			PaymentSubject: domain.PaymentSubjectService,
			PaymentMode:    domain.PaymentModeFullPayment,
		}},
	}
	require.NoError(t, s.Save(ctx, in))

	got, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, domain.PaymentStatusPending, got.Status)
	assert.True(t, in.Amount.Value.Equal(got.Amount.Value), "amount %s != %s", in.Amount, got.Amount)
	assert.Equal(t, domain.CurrencyRUB, got.Amount.Currency)
	assert.Equal(t, in.Description, got.Description)
	assert.Equal(t, in.ConfirmationURL, got.ConfirmationURL)
	require.NotNil(t, got.Customer)
	assert.Equal(t, int64(42), got.Customer.TelegramUserID)
	assert.Equal(t, "p-1", got.Metadata["order_id"])
	require.NotNil(t, got.Receipt)
	require.Len(t, got.Receipt.Items, 1)
	assert.Equal(t, domain.PaymentSubjectService, got.Receipt.Items[0].PaymentSubject)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
}

func testGetMissing(t *testing.T, s payments_repo.Storage) {
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func testDuplicateID(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	dup := newPayment("p-1", 0)
	dup.IdempotencyKey = "another"
	require.ErrorIs(t, s.Save(ctx, dup), domain.ErrAlreadyExists)
}

func testDuplicateIdempotencyKey(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	dup := newPayment("p-2", 0)
	dup.IdempotencyKey = "key-p-1"
	require.ErrorIs(t, s.Save(ctx, dup), domain.ErrAlreadyExists)

	_, err := s.Get(ctx, "p-2")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func testGetByIdempotencyKey(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	got, err := s.GetByIdempotencyKey(ctx, "key-p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)

	_, err = s.GetByIdempotencyKey(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func testEmptyIdempotencyKey(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	a := newPayment("p-1", 0)
	a.IdempotencyKey = ""
	b := newPayment("p-2", time.Second)
	b.IdempotencyKey = ""
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	got, err := s.Get(ctx, "p-2")
	require.NoError(t, err)
	assert.Empty(t, got.IdempotencyKey)

	_, err = s.GetByIdempotencyKey(ctx, "")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func testCapture(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))
	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusWaitingForCapture))

	require.NoError(t, s.Capture(ctx, "p-1", domain.MustAmount("400.00", domain.CurrencyRUB)))
	got, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)
	require.NotNil(t, got.CapturedAmount)
	assert.Equal(t, "400.00", got.Captured().String())
	assert.Equal(t, "1000.00", got.Amount.String())

	// Already succeeded: nothing changes.
	require.NoError(t, s.Capture(ctx, "p-1", domain.MustAmount("1000.00", domain.CurrencyRUB)))
	got, err = s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "400.00", got.Captured().String())

	require.ErrorIs(t, s.Capture(ctx, "nope", domain.MustAmount("1.00", domain.CurrencyRUB)), domain.ErrPaymentNotFound)
}

func testCaptureInvalidAmount(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	require.ErrorIs(t, s.Capture(ctx, "p-1", domain.MustAmount("1000.01", domain.CurrencyRUB)), domain.ErrValidation)
	require.ErrorIs(t, s.Capture(ctx, "p-1", domain.MustAmount("10.00", domain.CurrencyUSD)), domain.ErrValidation)
	requireStatus(t, s, "p-1", domain.PaymentStatusPending)

	got, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Nil(t, got.CapturedAmount)
	assert.Equal(t, "1000.00", got.Captured().String())
}

func testCaptureAfterCanceled(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))
	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusCanceled))

	require.ErrorIs(t, s.Capture(ctx, "p-1", domain.MustAmount("1000.00", domain.CurrencyRUB)), domain.ErrConflict)
	requireStatus(t, s, "p-1", domain.PaymentStatusCanceled)
}

func testUpdateStatusForward(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusWaitingForCapture))
	requireStatus(t, s, "p-1", domain.PaymentStatusWaitingForCapture)

	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusSucceeded))
	requireStatus(t, s, "p-1", domain.PaymentStatusSucceeded)
}

func testUpdateStatusSkip(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusSucceeded))
	requireStatus(t, s, "p-1", domain.PaymentStatusSucceeded)
}

func testUpdateStatusSame(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusPending))
	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusCanceled))
	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusCanceled))
	requireStatus(t, s, "p-1", domain.PaymentStatusCanceled)
}

func testUpdateStatusBackward(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))
	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusSucceeded))

	for _, st := range []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusWaitingForCapture} {
		err := s.UpdateStatus(ctx, "p-1", st)
		require.ErrorIs(t, err, domain.ErrConflict, "succeeded -> %s", st)
	}
	requireStatus(t, s, "p-1", domain.PaymentStatusSucceeded)
}

func testUpdateStatusTerminalSwap(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))
	require.NoError(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusCanceled))

	require.ErrorIs(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatusSucceeded), domain.ErrConflict)
	requireStatus(t, s, "p-1", domain.PaymentStatusCanceled)
}

func testUpdateStatusUnknown(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	require.ErrorIs(t, s.UpdateStatus(ctx, "p-1", domain.PaymentStatus("refunded")), domain.ErrValidation)
	requireStatus(t, s, "p-1", domain.PaymentStatusPending)
}

func testUpdateStatusMissing(t *testing.T, s payments_repo.Storage) {
	err := s.UpdateStatus(context.Background(), "nope", domain.PaymentStatusSucceeded)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

// Racing writers may interleave in any order; the stored status must still end
// terminal and never regress.
func testUpdateStatusConcurrent(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))

	statuses := []domain.PaymentStatus{
		domain.PaymentStatusWaitingForCapture,
		domain.PaymentStatusSucceeded,
		domain.PaymentStatusPending,
		domain.PaymentStatusWaitingForCapture,
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for _, st := range statuses {
			wg.Add(1)
			go func(st domain.PaymentStatus) {
				defer wg.Done()
				err := s.UpdateStatus(ctx, "p-1", st)
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrConflict)
				}
			}(st)
		}
	}
	wg.Wait()
	requireStatus(t, s, "p-1", domain.PaymentStatusSucceeded)
}

func testListByStatus(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	for i := 3; i >= 1; i-- {
		require.NoError(t, s.Save(ctx, newPayment(fmt.Sprintf("p-%d", i), time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.UpdateStatus(ctx, "p-2", domain.PaymentStatusSucceeded))

	pending, err := s.ListByStatus(ctx, domain.PaymentStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p-1", pending[0].ID)
	assert.Equal(t, "p-3", pending[1].ID)

	succeeded, err := s.ListByStatus(ctx, domain.PaymentStatusSucceeded)
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, "p-2", succeeded[0].ID)

	canceled, err := s.ListByStatus(ctx, domain.PaymentStatusCanceled)
	require.NoError(t, err)
	assert.Empty(t, canceled)
}

func testDetached(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	in := newPayment("p-1", 0)
	require.NoError(t, s.Save(ctx, in))
	in.Status = domain.PaymentStatusSucceeded
	in.Metadata["order_id"] = "mutated"

	got, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	got.Customer.Email = "changed@example.com"

	again, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, again.Status)
	assert.Equal(t, "p-1", again.Metadata["order_id"])
	assert.Equal(t, "user@example.com", again.Customer.Email)
}

func testRefunds(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))
	require.NoError(t, s.Save(ctx, newPayment("p-2", 0)))

	require.NoError(t, s.SaveRefund(ctx, newRefund("r-2", "p-1", "300.00", domain.RefundStatusPending, 2*time.Minute)))
	require.NoError(t, s.SaveRefund(ctx, newRefund("r-1", "p-1", "200.50", domain.RefundStatusSucceeded, time.Minute)))
	require.NoError(t, s.SaveRefund(ctx, newRefund("r-3", "p-2", "1.00", domain.RefundStatusPending, 0)))

	require.ErrorIs(t, s.SaveRefund(ctx, newRefund("r-1", "p-1", "1.00", domain.RefundStatusPending, 0)), domain.ErrAlreadyExists)

	got, err := s.GetRefund(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.PaymentID)
	assert.Equal(t, domain.RefundStatusSucceeded, got.Status)
	assert.Equal(t, "200.50", got.Amount.String())

	_, err = s.GetRefund(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrRefundNotFound)

	list, err := s.ListRefunds(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r-1", list[0].ID)
	assert.Equal(t, "r-2", list[1].ID)

	none, err := s.ListRefunds(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRefundMissingPayment(t *testing.T, s payments_repo.Storage) {
	err := s.SaveRefund(context.Background(), newRefund("r-1", "ghost", "1.00", domain.RefundStatusPending, 0))
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func testRefundStatus(t *testing.T, s payments_repo.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newPayment("p-1", 0)))
	require.NoError(t, s.SaveRefund(ctx, newRefund("r-1", "p-1", "100.00", domain.RefundStatusPending, 0)))

	require.NoError(t, s.UpdateRefundStatus(ctx, "r-1", domain.RefundStatusPending))
	require.NoError(t, s.UpdateRefundStatus(ctx, "r-1", domain.RefundStatusSucceeded))
	require.NoError(t, s.UpdateRefundStatus(ctx, "r-1", domain.RefundStatusSucceeded))
	require.ErrorIs(t, s.UpdateRefundStatus(ctx, "r-1", domain.RefundStatusCanceled), domain.ErrConflict)
	require.ErrorIs(t, s.UpdateRefundStatus(ctx, "r-1", domain.RefundStatusPending), domain.ErrConflict)
	require.ErrorIs(t, s.UpdateRefundStatus(ctx, "r-1", domain.RefundStatus("bogus")), domain.ErrValidation)
	require.ErrorIs(t, s.UpdateRefundStatus(ctx, "missing", domain.RefundStatusSucceeded), domain.ErrRefundNotFound)

	got, err := s.GetRefund(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSucceeded, got.Status)
}

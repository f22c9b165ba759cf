package refunds

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yookassa/internal/app/payments"
	"yookassa/internal/app/receipts"
	"yookassa/internal/domain"
	"yookassa/internal/keylock"
	"yookassa/internal/outbox"
	"yookassa/internal/repository/payments_repo/memory"
	"yookassa/internal/yookassa"
	"yookassa/internal/yookassa/yookassatest"
)

type fixture struct {
	payments payments.PaymentService
	refunds  RefundService
	storage  *memory.Storage
	provider *yookassatest.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{storage: memory.New(), provider: yookassatest.New()}
	locks := keylock.New()
	f.payments = payments.NewPaymentService(f.storage, f.provider, receipts.NewReceiptService(zap.NewNop()),
		locks, outbox.NopPublisher{}, payments.Options{PollOnRead: true}, zap.NewNop())
	f.refunds = NewRefundService(f.storage, f.payments, f.provider, locks, nil, zap.NewNop())
	return f
}

func rub(v string) domain.Amount { return domain.MustAmount(v, domain.CurrencyRUB) }

// succeededPayment creates a payment and settles it remotely; the local record
// catches up through poll-on-read.
func (f *fixture) succeededPayment(t *testing.T, amount string) *domain.Payment {
	t.Helper()
	p, err := f.payments.CreatePayment(context.Background(), domain.PaymentData{Amount: rub(amount)})
	require.NoError(t, err)
	f.provider.SetPaymentStatus(p.ID, domain.PaymentStatusSucceeded)
	return p
}

func TestCreateRefund_FullThenInsufficient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.succeededPayment(t, "1000")

	r, err := f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("1000")})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSucceeded, r.Status)
	assert.NotEmpty(t, r.IdempotencyKey)

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("1")})
	require.ErrorIs(t, err, domain.ErrInsufficientRefundableAmount)
	require.ErrorIs(t, err, domain.ErrRefund)
	assert.Equal(t, 1, f.provider.Calls("CreateRefund"))
}

func TestCreateRefund_PartialRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.succeededPayment(t, "100")

	_, err := f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("40")})
	require.NoError(t, err)
	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("60.01")})
	require.ErrorIs(t, err, domain.ErrInsufficientRefundableAmount)
	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("60")})
	require.NoError(t, err)

	left, err := f.refunds.RefundableAmount(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, left.Value.IsZero())

	list, err := f.refunds.ListRefunds(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreateRefund_AboveCapturedIsValidationError(t *testing.T) {
	f := newFixture(t)
	p := f.succeededPayment(t, "1000")

	_, err := f.refunds.CreateRefund(context.Background(), domain.RefundData{PaymentID: p.ID, Amount: rub("1000.01")})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, f.provider.Calls("CreateRefund"))
}

func TestCreateRefund_PartialCaptureLimitsRefunds(t *testing.T) {
	f := newFixture(t)
	f.provider.InitialStatus = domain.PaymentStatusWaitingForCapture
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("1000")})
	require.NoError(t, err)

	part := rub("400")
	captured, err := f.payments.CapturePayment(ctx, p.ID, &part)
	require.NoError(t, err)
	assert.Equal(t, "400.00", captured.Captured().String())

	left, err := f.refunds.RefundableAmount(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "400.00", left.String())

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("800")})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, f.provider.Calls("CreateRefund"))

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("400")})
	require.NoError(t, err)
	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("0.01")})
	require.ErrorIs(t, err, domain.ErrInsufficientRefundableAmount)
	assert.Equal(t, 1, f.provider.Calls("CreateRefund"))
}

func TestCreateRefund_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.succeededPayment(t, "100")

	cases := map[string]domain.RefundData{
		"no payment":     {Amount: rub("1")},
		"zero":           {PaymentID: p.ID, Amount: rub("0")},
		"negative":       {PaymentID: p.ID, Amount: rub("-1")},
		"other currency": {PaymentID: p.ID, Amount: domain.MustAmount("1", domain.CurrencyUSD)},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.refunds.CreateRefund(ctx, data)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Equal(t, 0, f.provider.Calls("CreateRefund"))
}

func TestCreateRefund_NotRefundable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("10")})
	require.ErrorIs(t, err, domain.ErrPaymentNotRefundable)

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: "missing", Amount: rub("10")})
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestCreateRefund_ProviderRejects(t *testing.T) {
	f := newFixture(t)
	p := f.succeededPayment(t, "100")
	f.provider.CreateRefundFn = func(context.Context, string, yookassa.RefundRequest) error {
		return errors.Join(domain.ErrRefund, errors.New("yookassa responded 400"))
	}

	_, err := f.refunds.CreateRefund(context.Background(), domain.RefundData{PaymentID: p.ID, Amount: rub("10")})
	require.ErrorIs(t, err, domain.ErrRefund)
	list, _ := f.refunds.ListRefunds(context.Background(), p.ID)
	assert.Empty(t, list)
}

func TestCreateRefund_PendingReservesAmount(t *testing.T) {
	f := newFixture(t)
	f.provider.RefundStatus = domain.RefundStatusPending
	ctx := context.Background()
	p := f.succeededPayment(t, "100")

	r, err := f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("100")})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusPending, r.Status)

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("1")})
	require.ErrorIs(t, err, domain.ErrInsufficientRefundableAmount)

	// A canceled refund frees its amount.
	f.provider.SetRefundStatus(r.ID, domain.RefundStatusCanceled)
	synced, err := f.refunds.SyncRefund(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCanceled, synced.Status)

	f.provider.RefundStatus = domain.RefundStatusSucceeded
	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("100")})
	require.NoError(t, err)
}

func TestCreateRefund_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.succeededPayment(t, "100")
	data := domain.RefundData{PaymentID: p.ID, Amount: rub("30"), IdempotencyKey: "refund-1"}

	a, err := f.refunds.CreateRefund(ctx, data)
	require.NoError(t, err)
	b, err := f.refunds.CreateRefund(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, f.provider.Calls("CreateRefund"))
}

func TestCreateRefund_ConcurrentNeverOverRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.succeededPayment(t, "1000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("300")})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientRefundableAmount)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	list, err := f.refunds.ListRefunds(ctx, p.ID)
	require.NoError(t, err)
	total := decimal.Zero
	for _, r := range list {
		total = total.Add(r.Amount.Value)
	}
	assert.True(t, total.LessThanOrEqual(decimal.NewFromInt(1000)), "refunded %s", total)
}

func TestApplyRemoteRefund(t *testing.T) {
	f := newFixture(t)
	f.provider.RefundStatus = domain.RefundStatusPending
	ctx := context.Background()
	p := f.succeededPayment(t, "100")

	r, err := f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("10")})
	require.NoError(t, err)

	remote := r.Clone()
	remote.Status = domain.RefundStatusSucceeded
	got, err := f.refunds.ApplyRemoteRefund(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSucceeded, got.Status)

	// Stale pending snapshot is dropped.
	remote.Status = domain.RefundStatusPending
	got, err = f.refunds.ApplyRemoteRefund(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSucceeded, got.Status)
}

func TestApplyRemoteRefund_AdoptsExternalRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.succeededPayment(t, "100")
	_, err := f.payments.GetPayment(ctx, p.ID)
	require.NoError(t, err)

	external := &domain.Refund{ID: "dash-1", PaymentID: p.ID, Status: domain.RefundStatusSucceeded, Amount: rub("25")}
	got, err := f.refunds.ApplyRemoteRefund(ctx, external)
	require.NoError(t, err)
	assert.Equal(t, "dash-1", got.ID)

	left, err := f.refunds.RefundableAmount(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "75.00", left.String())

	_, err = f.refunds.ApplyRemoteRefund(ctx, &domain.Refund{ID: "dash-2", PaymentID: "ghost", Status: domain.RefundStatusSucceeded, Amount: rub("1")})
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestGetRefund(t *testing.T) {
	f := newFixture(t)
	_, err := f.refunds.GetRefund(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrRefundNotFound)

	_, err = f.refunds.ListRefunds(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yookassa/internal/app/payments"
	"yookassa/internal/app/receipts"
	"yookassa/internal/app/refunds"
	"yookassa/internal/domain"
	"yookassa/internal/keylock"
	inboxmemory "yookassa/internal/repository/inbox_repo/memory"
	"yookassa/internal/repository/payments_repo/memory"
	"yookassa/internal/yookassa"
	"yookassa/internal/yookassa/yookassatest"
)

type countingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentStatusEvent
}

func (p *countingPublisher) Publish(evt domain.PaymentStatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	payments  payments.PaymentService
	refunds   refunds.RefundService
	handler   WebhookHandler
	storage   *memory.Storage
	provider  *yookassatest.Provider
	publisher *countingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{storage: memory.New(), provider: yookassatest.New(), publisher: &countingPublisher{}}
	locks := keylock.New()
	f.payments = payments.NewPaymentService(f.storage, f.provider, receipts.NewReceiptService(zap.NewNop()),
		locks, f.publisher, payments.Options{PollOnRead: true}, zap.NewNop())
	f.refunds = refunds.NewRefundService(f.storage, f.payments, f.provider, locks, f.publisher, zap.NewNop())
	f.handler = NewWebhookHandler(f.payments, f.refunds, inboxmemory.New(time.Hour, 100), zap.NewNop())
	return f
}

func rub(v string) domain.Amount { return domain.MustAmount(v, domain.CurrencyRUB) }

func paymentEvent(p *domain.Payment, status domain.PaymentStatus) *domain.WebhookEvent {
	snap := p.Clone()
	snap.Status = status
	typ := domain.WebhookEventType("payment." + string(status))
	return &domain.WebhookEvent{ID: string(typ) + ":" + p.ID, Type: typ, Payment: snap, ReceivedAt: time.Now()}
}

func TestHandle_AppliesPaymentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)

	require.NoError(t, f.handler.Handle(ctx, paymentEvent(p, domain.PaymentStatusWaitingForCapture)))
	stored, _ := f.storage.Get(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusWaitingForCapture, stored.Status)
}

func TestHandle_DuplicateAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)
	before := f.publisher.count()

	ev := paymentEvent(p, domain.PaymentStatusSucceeded)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.handler.Handle(ctx, ev))
		}()
	}
	wg.Wait()

	assert.Equal(t, before+1, f.publisher.count())
	stored, _ := f.storage.Get(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
}

// Webhooks and polling race on one payment while the provider moves it
// forward; every transition must be applied once and never undone.
func TestHandle_SerializedWithPolling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)
	created := f.publisher.count()

	stop := make(chan struct{})
	observed := make(chan []domain.PaymentStatus, 1)
	go func() {
		var seen []domain.PaymentStatus
		for {
			select {
			case <-stop:
				observed <- seen
				return
			default:
			}
			stored, err := f.storage.Get(ctx, p.ID)
			if err == nil && (len(seen) == 0 || seen[len(seen)-1] != stored.Status) {
				seen = append(seen, stored.Status)
			}
		}
	}()

	race := func(status domain.PaymentStatus) {
		f.provider.SetPaymentStatus(p.ID, status)
		ev := paymentEvent(p, status)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(3)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.handler.Handle(ctx, ev))
			}()
			go func() {
				defer wg.Done()
				_, err := f.payments.SyncStatus(ctx, p.ID)
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := f.payments.GetPayment(ctx, p.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}
	race(domain.PaymentStatusWaitingForCapture)
	race(domain.PaymentStatusSucceeded)
	close(stop)
	seen := <-observed

	assert.Equal(t, created+2, f.publisher.count())
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1].CanTransitionTo(seen[i]), "status went %s -> %s", seen[i-1], seen[i])
	}
	stored, err := f.storage.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
}

func TestHandle_OutOfOrderStaysTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)

	require.NoError(t, f.handler.Handle(ctx, paymentEvent(p, domain.PaymentStatusSucceeded)))
	require.NoError(t, f.handler.Handle(ctx, paymentEvent(p, domain.PaymentStatusWaitingForCapture)))

	stored, _ := f.storage.Get(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
}

func TestHandle_CanceledAfterSucceededIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)

	require.NoError(t, f.handler.Handle(ctx, paymentEvent(p, domain.PaymentStatusCanceled)))
	require.NoError(t, f.handler.Handle(ctx, paymentEvent(p, domain.PaymentStatusSucceeded)))

	stored, _ := f.storage.Get(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusCanceled, stored.Status)
}

func TestHandle_UnknownTypeIgnored(t *testing.T) {
	f := newFixture(t)
	err := f.handler.Handle(context.Background(), &domain.WebhookEvent{ID: "deal.closed:d-1", Type: "deal.closed"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.publisher.count())
}

func TestHandle_Malformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.handler.Handle(ctx, nil), domain.ErrWebhook)
	require.ErrorIs(t, f.handler.Handle(ctx, &domain.WebhookEvent{Type: domain.WebhookEventPaymentSucceeded}), domain.ErrWebhook)
	require.ErrorIs(t, f.handler.Handle(ctx, &domain.WebhookEvent{ID: "x", Type: domain.WebhookEventPaymentSucceeded}), domain.ErrWebhook)
	require.ErrorIs(t, f.handler.Handle(ctx, &domain.WebhookEvent{ID: "y", Type: domain.WebhookEventRefundSucceeded}), domain.ErrWebhook)
}

func TestHandle_UnknownPaymentReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := &domain.Payment{ID: "later", Status: domain.PaymentStatusPending, Amount: rub("10"), IdempotencyKey: "k"}
	ev := paymentEvent(ghost, domain.PaymentStatusSucceeded)

	require.ErrorIs(t, f.handler.Handle(ctx, ev), domain.ErrPaymentNotFound)

	// The record commits, the provider redelivers.
	require.NoError(t, f.storage.Save(ctx, ghost))
	require.NoError(t, f.handler.Handle(ctx, ev))
	stored, _ := f.storage.Get(ctx, "later")
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
}

type failingDedup struct{}

func (failingDedup) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingDedup) Release(context.Context, string) error { return nil }

func TestHandle_DedupFailureIsNotWebhookError(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(f.payments, f.refunds, failingDedup{}, zap.NewNop())
	p, err := f.payments.CreatePayment(context.Background(), domain.PaymentData{Amount: rub("1")})
	require.NoError(t, err)

	err = h.Handle(context.Background(), paymentEvent(p, domain.PaymentStatusSucceeded))
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrWebhook))
}

func TestHandle_RefundEvent(t *testing.T) {
	f := newFixture(t)
	f.provider.RefundStatus = domain.RefundStatusPending
	ctx := context.Background()
	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("100")})
	require.NoError(t, err)
	f.provider.SetPaymentStatus(p.ID, domain.PaymentStatusSucceeded)
	require.NoError(t, f.handler.Handle(ctx, paymentEvent(p, domain.PaymentStatusSucceeded)))

	r, err := f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("40")})
	require.NoError(t, err)
	require.Equal(t, domain.RefundStatusPending, r.Status)

	snap := r.Clone()
	snap.Status = domain.RefundStatusSucceeded
	require.NoError(t, f.handler.Handle(ctx, &domain.WebhookEvent{
		ID: "refund.succeeded:" + r.ID, Type: domain.WebhookEventRefundSucceeded, Refund: snap,
	}))

	got, err := f.refunds.GetRefund(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSucceeded, got.Status)
}

// Create 1000 RUB, provider says pending, the webhook settles it, then one full
// refund goes through and any further refund is refused.
func TestScenario_WebhookThenRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.CreatePayment(ctx, domain.PaymentData{Amount: rub("1000")})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, p.Status)

	f.provider.SetPaymentStatus(p.ID, domain.PaymentStatusSucceeded)
	body := []byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"` + p.ID +
		`","status":"succeeded","paid":true,"amount":{"value":"1000.00","currency":"RUB"}}}`)
	ev, err := yookassa.ParseNotification(body, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.handler.Handle(ctx, ev))

	got, err := f.payments.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("1000")})
	require.NoError(t, err)

	_, err = f.refunds.CreateRefund(ctx, domain.RefundData{PaymentID: p.ID, Amount: rub("1")})
	require.ErrorIs(t, err, domain.ErrInsufficientRefundableAmount)
}

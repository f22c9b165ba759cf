// Package yookassatest provides an in-memory stand-in for the YooKassa API.
package yookassatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"yookassa/internal/domain"
	"yookassa/internal/yookassa"
)

// Provider keeps remote payments and refunds in memory and honors idempotency
// keys the way the real API does. The Fn hooks, when set, run before the
// default behavior; a non-nil error from them is returned as is.
type Provider struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
	refunds  map[string]*domain.Refund
	keys     map[string]string
	calls    map[string]int

	// InitialStatus is the status of a new payment; pending when empty.
	InitialStatus domain.PaymentStatus
	// RefundStatus is the status of a new refund; succeeded when empty.
	RefundStatus domain.RefundStatus

	CreatePaymentFn func(ctx context.Context, key string, req yookassa.PaymentRequest) error
	GetPaymentFn    func(ctx context.Context, paymentID string) error
	CreateRefundFn  func(ctx context.Context, key string, req yookassa.RefundRequest) error
}

func New() *Provider {
	return &Provider{
		payments: make(map[string]*domain.Payment),
		refunds:  make(map[string]*domain.Refund),
		keys:     make(map[string]string),
		calls:    make(map[string]int),
	}
}

// Calls returns how many times method reached the default behavior or a hook.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// Payments returns the number of distinct remote payments.
func (p *Provider) Payments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payments)
}

// SetPaymentStatus moves a remote payment as the provider would on its own.
func (p *Provider) SetPaymentStatus(paymentID string, status domain.PaymentStatus) *domain.Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[paymentID]
	if !ok {
		return nil
	}
	pay.Status = status
	return pay.Clone()
}

func (p *Provider) SetRefundStatus(refundID string, status domain.RefundStatus) *domain.Refund {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.refunds[refundID]
	if !ok {
		return nil
	}
	r.Status = status
	return r.Clone()
}

func (p *Provider) CreatePayment(ctx context.Context, key string, req yookassa.PaymentRequest) (*domain.Payment, error) {
	p.record("CreatePayment")
	if p.CreatePaymentFn != nil {
		if err := p.CreatePaymentFn(ctx, key, req); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.keys["payment:"+key]; ok {
		return p.payments[id].Clone(), nil
	}

	status := p.InitialStatus
	if status == "" {
		status = domain.PaymentStatusPending
	}
	now := time.Now().UTC()
	pay := &domain.Payment{
		ID:              uuid.NewString(),
		Status:          status,
		Amount:          req.Amount,
		Description:     req.Description,
		ConfirmationURL: "https://yoomoney.ru/checkout/payments/v2/contract",
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.payments[pay.ID] = pay
	p.keys["payment:"+key] = pay.ID
	return pay.Clone(), nil
}

func (p *Provider) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p.record("GetPayment")
	if p.GetPaymentFn != nil {
		if err := p.GetPaymentFn(ctx, paymentID); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
	}
	return pay.Clone(), nil
}

func (p *Provider) CapturePayment(_ context.Context, key, paymentID string, amount *domain.Amount) (*domain.Payment, error) {
	p.record("CapturePayment")
	return p.finish(key, paymentID, domain.PaymentStatusSucceeded, amount)
}

func (p *Provider) CancelPayment(_ context.Context, key, paymentID string) (*domain.Payment, error) {
	p.record("CancelPayment")
	return p.finish(key, paymentID, domain.PaymentStatusCanceled, nil)
}

func (p *Provider) finish(key, paymentID string, status domain.PaymentStatus, amount *domain.Amount) (*domain.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
	}
	if _, seen := p.keys["finish:"+key]; seen {
		return pay.Clone(), nil
	}
	if pay.Status != domain.PaymentStatusWaitingForCapture {
		return nil, fmt.Errorf("%w: payment %s is %s", domain.ErrPayment, paymentID, pay.Status)
	}
	pay.Status = status
	if amount != nil {
		pay.Amount = *amount
	}
	p.keys["finish:"+key] = paymentID
	return pay.Clone(), nil
}

func (p *Provider) CreateRefund(ctx context.Context, key string, req yookassa.RefundRequest) (*domain.Refund, error) {
	p.record("CreateRefund")
	if p.CreateRefundFn != nil {
		if err := p.CreateRefundFn(ctx, key, req); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.keys["refund:"+key]; ok {
		return p.refunds[id].Clone(), nil
	}

	pay, ok := p.payments[req.PaymentID]
	if !ok || pay.Status != domain.PaymentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment %s cannot be refunded", domain.ErrRefund, req.PaymentID)
	}
	refunded := decimal.Zero
	for _, r := range p.refunds {
		if r.PaymentID == req.PaymentID && r.Status.ReservesAmount() {
			refunded = refunded.Add(r.Amount.Value)
		}
	}
	if refunded.Add(req.Amount.Value).GreaterThan(pay.Amount.Value) {
		return nil, fmt.Errorf("%w: refund exceeds payment %s", domain.ErrRefund, req.PaymentID)
	}

	status := p.RefundStatus
	if status == "" {
		status = domain.RefundStatusSucceeded
	}
	now := time.Now().UTC()
	r := &domain.Refund{
		ID:          uuid.NewString(),
		PaymentID:   req.PaymentID,
		Status:      status,
		Amount:      req.Amount,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.refunds[r.ID] = r
	p.keys["refund:"+key] = r.ID
	return r.Clone(), nil
}

func (p *Provider) GetRefund(_ context.Context, refundID string) (*domain.Refund, error) {
	p.record("GetRefund")
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRefundNotFound, refundID)
	}
	return r.Clone(), nil
}

func (p *Provider) record(method string) {
	p.mu.Lock()
	p.calls[method]++
	p.mu.Unlock()
}

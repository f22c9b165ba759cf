package domain

import "time"

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusCanceled  RefundStatus = "canceled"
)

func (s RefundStatus) Valid() bool {
	switch s {
	case RefundStatusPending, RefundStatusSucceeded, RefundStatusCanceled:
		return true
	}
	return false
}

func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusSucceeded || s == RefundStatusCanceled
}

// CanTransitionTo allows only pending -> succeeded|canceled.
func (s RefundStatus) CanTransitionTo(target RefundStatus) bool {
	return s == RefundStatusPending && target.IsTerminal()
}

// ReservesAmount reports whether a refund in this status counts against the
// payment's refundable remainder.
func (s RefundStatus) ReservesAmount() bool {
	return s == RefundStatusPending || s == RefundStatusSucceeded
}

type Refund struct {
	ID             string       `json:"id"`
	PaymentID      string       `json:"payment_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Status         RefundStatus `json:"status"`
	Amount         Amount       `json:"amount"`
	Description    string       `json:"description,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (r *Refund) Clone() *Refund {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

type RefundData struct {
	PaymentID      string
	Amount         Amount
	Description    string
	IdempotencyKey string
}

package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusWaitingForCapture PaymentStatus = "waiting_for_capture"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusCanceled          PaymentStatus = "canceled"
)

// paymentStatusRank orders statuses; succeeded and canceled share the top rank
// and are mutually unreachable.
var paymentStatusRank = map[PaymentStatus]int{
	PaymentStatusPending:           0,
	PaymentStatusWaitingForCapture: 1,
	PaymentStatusSucceeded:         2,
	PaymentStatusCanceled:          2,
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentStatusRank[s]
	return ok
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusCanceled
}

// CanTransitionTo reports whether target is strictly ahead of s in the status order.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	from, ok := paymentStatusRank[s]
	if !ok {
		return false
	}
	to, ok := paymentStatusRank[target]
	if !ok {
		return false
	}
	return to > from
}

// PaymentStatusPredecessors returns every status that may legally move to target.
func PaymentStatusPredecessors(target PaymentStatus) []PaymentStatus {
	var out []PaymentStatus
	for _, s := range []PaymentStatus{PaymentStatusPending, PaymentStatusWaitingForCapture, PaymentStatusSucceeded, PaymentStatusCanceled} {
		if s.CanTransitionTo(target) {
			out = append(out, s)
		}
	}
	return out
}

type Payment struct {
	ID              string            `json:"id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	Status          PaymentStatus     `json:"status"`
	Amount          Amount            `json:"amount"`
	CapturedAmount  *Amount           `json:"captured_amount,omitempty"`
	Description     string            `json:"description,omitempty"`
	ConfirmationURL string            `json:"confirmation_url,omitempty"`
	Customer        *CustomerInfo     `json:"customer,omitempty"`
	Receipt         *Receipt          `json:"receipt,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IsPaid mirrors the provider's "paid" flag: funds are held or captured.
func (p *Payment) IsPaid() bool {
	return p.Status == PaymentStatusWaitingForCapture || p.Status == PaymentStatusSucceeded
}

// Captured is the amount actually charged. Until a capture is recorded it is
// the authorized amount.
func (p *Payment) Captured() Amount {
	if p.CapturedAmount != nil {
		return *p.CapturedAmount
	}
	return p.Amount
}

// Clone returns a deep copy so stored records never alias caller memory.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	if p.CapturedAmount != nil {
		captured := *p.CapturedAmount
		c.CapturedAmount = &captured
	}
	if p.Customer != nil {
		cust := *p.Customer
		c.Customer = &cust
	}
	if p.Receipt != nil {
		c.Receipt = p.Receipt.Clone()
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// PaymentData is the caller's intent to create a payment.
type PaymentData struct {
	Amount         Amount
	Description    string
	ReturnURL      string
	Capture        *bool
	Customer       *CustomerInfo
	Items          []PaymentItem
	Metadata       map[string]string
	IdempotencyKey string
}

type CustomerInfo struct {
	FullName       string `json:"full_name,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	INN            string `json:"inn,omitempty"`
	TelegramUserID int64  `json:"telegram_user_id,omitempty"`
}

func (c *CustomerInfo) HasContact() bool {
	return c != nil && (c.Email != "" || c.Phone != "")
}

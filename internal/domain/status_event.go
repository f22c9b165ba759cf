package domain

import "time"

// PaymentStatusEvent is published after a payment or refund record changes.
type PaymentStatusEvent struct {
	PaymentID      string            `json:"payment_id"`
	RefundID       string            `json:"refund_id,omitempty"`
	Status         string            `json:"status"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	Amount         string            `json:"amount"`
	Currency       Currency          `json:"currency"`
	TelegramUserID int64             `json:"telegram_user_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

func NewPaymentStatusEvent(p *Payment, previous PaymentStatus) PaymentStatusEvent {
	evt := PaymentStatusEvent{
		PaymentID:      p.ID,
		Status:         string(p.Status),
		PreviousStatus: string(previous),
		Amount:         p.Amount.String(),
		Currency:       p.Amount.Currency,
		Metadata:       p.Metadata,
		Timestamp:      p.UpdatedAt,
	}
	if p.Customer != nil {
		evt.TelegramUserID = p.Customer.TelegramUserID
	}
	return evt
}

func NewRefundStatusEvent(r *Refund, p *Payment) PaymentStatusEvent {
	evt := PaymentStatusEvent{
		PaymentID: r.PaymentID,
		RefundID:  r.ID,
		Status:    "refund." + string(r.Status),
		Amount:    r.Amount.String(),
		Currency:  r.Amount.Currency,
		Timestamp: r.UpdatedAt,
	}
	if p != nil && p.Customer != nil {
		evt.TelegramUserID = p.Customer.TelegramUserID
	}
	return evt
}

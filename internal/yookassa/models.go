package yookassa

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yookassa/internal/domain"
)

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func fromAmount(a domain.Amount) amount {
	return amount{Value: a.String(), Currency: string(a.Currency)}
}

func (a amount) toDomain() (domain.Amount, error) {
	d, err := decimal.NewFromString(a.Value)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("invalid amount value %q", a.Value)
	}
	if a.Currency == "" {
		return domain.Amount{}, fmt.Errorf("amount currency is empty")
	}
	return domain.Amount{Value: d, Currency: domain.Currency(a.Currency)}, nil
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type receiptCustomer struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	INN      string `json:"inn,omitempty"`
}

type receiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         amount `json:"amount"`
	VATCode        int    `json:"vat_code"`
	PaymentSubject string `json:"payment_subject,omitempty"`
	PaymentMode    string `json:"payment_mode,omitempty"`
}

type receipt struct {
	Customer receiptCustomer `json:"customer"`
	Items    []receiptItem   `json:"items"`
}

func fromReceipt(r *domain.Receipt) *receipt {
	if r == nil {
		return nil
	}
	out := &receipt{
		Customer: receiptCustomer{
			FullName: r.Customer.FullName,
			Email:    r.Customer.Email,
			Phone:    r.Customer.Phone,
			INN:      r.Customer.INN,
		},
		Items: make([]receiptItem, 0, len(r.Items)),
	}
	for _, item := range r.Items {
		out.Items = append(out.Items, receiptItem{
			Description:    item.Description,
			Quantity:       item.Quantity.String(),
			Amount:         fromAmount(item.Price),
			VATCode:        int(item.VATCode),
			PaymentSubject: string(item.PaymentSubject),
			PaymentMode:    string(item.PaymentMode),
		})
	}
	return out
}

type createPaymentRequest struct {
	Amount       amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation *confirmation     `json:"confirmation,omitempty"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Receipt      *receipt          `json:"receipt,omitempty"`
}

type capturePaymentRequest struct {
	Amount *amount `json:"amount,omitempty"`
}

type paymentObject struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       *amount           `json:"amount"`
	Description  string            `json:"description,omitempty"`
	Confirmation *confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
}

func (o *paymentObject) toDomain() (*domain.Payment, error) {
	if o.ID == "" {
		return nil, fmt.Errorf("payment object has no id")
	}
	status := domain.PaymentStatus(o.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("payment %s has unknown status %q", o.ID, o.Status)
	}
	if o.Amount == nil {
		return nil, fmt.Errorf("payment %s has no amount", o.ID)
	}
	amt, err := o.Amount.toDomain()
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", o.ID, err)
	}
	createdAt, err := parseTime(o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", o.ID, err)
	}

	p := &domain.Payment{
		ID:          o.ID,
		Status:      status,
		Amount:      amt,
		Description: o.Description,
		Metadata:    o.Metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if o.Confirmation != nil {
		p.ConfirmationURL = o.Confirmation.ConfirmationURL
	}
	return p, nil
}

type createRefundRequest struct {
	PaymentID   string `json:"payment_id"`
	Amount      amount `json:"amount"`
	Description string `json:"description,omitempty"`
}

type refundObject struct {
	ID          string  `json:"id"`
	PaymentID   string  `json:"payment_id"`
	Status      string  `json:"status"`
	Amount      *amount `json:"amount"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

func (o *refundObject) toDomain() (*domain.Refund, error) {
	if o.ID == "" {
		return nil, fmt.Errorf("refund object has no id")
	}
	if o.PaymentID == "" {
		return nil, fmt.Errorf("refund %s has no payment_id", o.ID)
	}
	status := domain.RefundStatus(o.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("refund %s has unknown status %q", o.ID, o.Status)
	}
	if o.Amount == nil {
		return nil, fmt.Errorf("refund %s has no amount", o.ID)
	}
	amt, err := o.Amount.toDomain()
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", o.ID, err)
	}
	createdAt, err := parseTime(o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", o.ID, err)
	}
	return &domain.Refund{
		ID:          o.ID,
		PaymentID:   o.PaymentID,
		Status:      status,
		Amount:      amt,
		Description: o.Description,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// errorBody is the provider's error document.
type errorBody struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Parameter   string `json:"parameter"`
}

type notification struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid created_at %q", s)
	}
	return t.UTC(), nil
}

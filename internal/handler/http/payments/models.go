package payments_http

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yookassa/internal/domain"
)

type AmountRequest struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type CustomerRequest struct {
	FullName       string `json:"full_name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	INN            string `json:"inn"`
	TelegramUserID int64  `json:"telegram_user_id"`
}

type ItemRequest struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	VATCode        int    `json:"vat_code"`
	PaymentSubject string `json:"payment_subject"`
	PaymentMode    string `json:"payment_mode"`
}

type CreatePaymentRequest struct {
	Amount         AmountRequest     `json:"amount"`
	Description    string            `json:"description"`
	ReturnURL      string            `json:"return_url"`
	Capture        *bool             `json:"capture"`
	Customer       *CustomerRequest  `json:"customer"`
	Items          []ItemRequest     `json:"items"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type CapturePaymentRequest struct {
	Amount *AmountRequest `json:"amount"`
}

type CreateRefundRequest struct {
	Amount         AmountRequest `json:"amount"`
	Description    string        `json:"description"`
	IdempotencyKey string        `json:"idempotency_key"`
}

type AmountResponse struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type PaymentResponse struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Paid            bool              `json:"paid"`
	Amount          AmountResponse    `json:"amount"`
	CapturedAmount  *AmountResponse   `json:"captured_amount,omitempty"`
	Description     string            `json:"description,omitempty"`
	ConfirmationURL string            `json:"confirmation_url,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

type RefundResponse struct {
	ID          string         `json:"id"`
	PaymentID   string         `json:"payment_id"`
	Status      string         `json:"status"`
	Amount      AmountResponse `json:"amount"`
	Description string         `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type RefundableResponse struct {
	PaymentID  string         `json:"payment_id"`
	Refundable AmountResponse `json:"refundable"`
}

func (a AmountRequest) toDomain() (domain.Amount, error) {
	if a.Value == "" {
		return domain.Amount{}, fmt.Errorf("%w: amount value is required", domain.ErrValidation)
	}
	return domain.NewAmount(a.Value, domain.Currency(a.Currency))
}

func (r CreatePaymentRequest) toDomain(headerKey string) (domain.PaymentData, error) {
	amount, err := r.Amount.toDomain()
	if err != nil {
		return domain.PaymentData{}, err
	}
	data := domain.PaymentData{
		Amount:         amount,
		Description:    r.Description,
		ReturnURL:      r.ReturnURL,
		Capture:        r.Capture,
		Metadata:       r.Metadata,
		IdempotencyKey: r.IdempotencyKey,
	}
	if headerKey != "" {
		data.IdempotencyKey = headerKey
	}
	if r.Customer != nil {
		data.Customer = &domain.CustomerInfo{
			FullName:       r.Customer.FullName,
			Email:          r.Customer.Email,
			Phone:          r.Customer.Phone,
			INN:            r.Customer.INN,
			TelegramUserID: r.Customer.TelegramUserID,
		}
	}
	for i, item := range r.Items {
		qty, err := decimal.NewFromString(item.Quantity)
		if err != nil {
			return domain.PaymentData{}, fmt.Errorf("%w: item %d has invalid quantity %q", domain.ErrValidation, i, item.Quantity)
		}
		price, err := domain.NewAmount(item.Price, amount.Currency)
		if err != nil {
			return domain.PaymentData{}, fmt.Errorf("item %d: %w", i, err)
		}
		data.Items = append(data.Items, domain.PaymentItem{
			Description:    item.Description,
			Quantity:       qty,
			Price:          price,
			VATCode:        domain.VATCode(item.VATCode),
			PaymentSubject: domain.PaymentSubject(item.PaymentSubject),
			PaymentMode:    domain.PaymentMode(item.PaymentMode),
		})
	}
	return data, nil
}

func toAmountResponse(a domain.Amount) AmountResponse {
	return AmountResponse{Value: a.String(), Currency: string(a.Currency)}
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	resp := PaymentResponse{
		ID:              p.ID,
		Status:          string(p.Status),
		Paid:            p.IsPaid(),
		Amount:          toAmountResponse(p.Amount),
		Description:     p.Description,
		ConfirmationURL: p.ConfirmationURL,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.CapturedAmount != nil {
		captured := toAmountResponse(*p.CapturedAmount)
		resp.CapturedAmount = &captured
	}
	return resp
}

func toRefundResponse(r *domain.Refund) RefundResponse {
	return RefundResponse{
		ID:          r.ID,
		PaymentID:   r.PaymentID,
		Status:      string(r.Status),
		Amount:      toAmountResponse(r.Amount),
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

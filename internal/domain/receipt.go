package domain

import "github.com/shopspring/decimal"

// PaymentItem is one receipt line: unit price times quantity.
type PaymentItem struct {
	Description    string          `json:"description"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          Amount          `json:"price"`
	VATCode        VATCode         `json:"vat_code"`
	PaymentSubject PaymentSubject  `json:"payment_subject,omitempty"`
	PaymentMode    PaymentMode     `json:"payment_mode,omitempty"`
}

func (i PaymentItem) Total() decimal.Decimal {
	return i.Price.Value.Mul(i.Quantity).Round(2)
}

type Receipt struct {
	Type     ReceiptType   `json:"type"`
	Customer CustomerInfo  `json:"customer"`
	Items    []PaymentItem `json:"items"`
}

func (r *Receipt) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.Items {
		total = total.Add(item.Total())
	}
	return total
}

func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]PaymentItem(nil), r.Items...)
	return &c
}

// ReceiptData is the caller's input for building a receipt.
type ReceiptData struct {
	Type     ReceiptType
	Customer CustomerInfo
	Items    []PaymentItem
}

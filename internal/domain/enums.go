package domain

// VATCode is the provider's vat_code. Values are a fiscal vocabulary owned by
// the provider; they are passed through unchanged.
type VATCode int

const (
	VATCodeNone         VATCode = 1
	VATCode0            VATCode = 2
	VATCode10           VATCode = 3
	VATCode20           VATCode = 4
	VATCode10Calculated VATCode = 5
	VATCode20Calculated VATCode = 6
)

func (c VATCode) Valid() bool {
	return c >= VATCodeNone && c <= VATCode20Calculated
}

type PaymentSubject string

const (
	PaymentSubjectCommodity PaymentSubject = "commodity"
	PaymentSubjectService   PaymentSubject = "service"
	PaymentSubjectJob       PaymentSubject = "job"
	PaymentSubjectPayment   PaymentSubject = "payment"
	PaymentSubjectComposite PaymentSubject = "composite"
	PaymentSubjectAnother   PaymentSubject = "another"
)

type PaymentMode string

const (
	PaymentModeFullPrepayment PaymentMode = "full_prepayment"
	PaymentModeFullPayment    PaymentMode = "full_payment"
)

type ReceiptType string

const (
	ReceiptTypePayment ReceiptType = "payment"
	ReceiptTypeRefund  ReceiptType = "refund"
)

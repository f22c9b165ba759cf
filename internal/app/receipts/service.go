package receipts

import (
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"yookassa/internal/domain"
)

// maxItemDescription is the provider's limit on a receipt line description.
const maxItemDescription = 128

type ReceiptService interface {
	BuildReceipt(data domain.ReceiptData) (*domain.Receipt, error)
	ValidateAgainst(receipt *domain.Receipt, amount domain.Amount) error
}

type receiptService struct {
	logger *zap.Logger
}

func NewReceiptService(logger *zap.Logger) ReceiptService {
	return &receiptService{logger: logger.With(zap.String("component", "receipt_service"))}
}

// BuildReceipt checks the structure of a receipt and fills defaults. Fiscal
// content (which VAT code applies) is the caller's concern.
func (s *receiptService) BuildReceipt(data domain.ReceiptData) (*domain.Receipt, error) {
	if !data.Customer.HasContact() {
		return nil, fmt.Errorf("%w: receipt customer needs an email or phone", domain.ErrValidation)
	}
	if len(data.Items) == 0 {
		return nil, fmt.Errorf("%w: receipt has no items", domain.ErrValidation)
	}

	receiptType := data.Type
	if receiptType == "" {
		receiptType = domain.ReceiptTypePayment
	}

	currency := data.Items[0].Price.Currency
	items := make([]domain.PaymentItem, 0, len(data.Items))
	for i, item := range data.Items {
		if item.Description == "" {
			return nil, fmt.Errorf("%w: item %d has no description", domain.ErrValidation, i)
		}
		if utf8.RuneCountInString(item.Description) > maxItemDescription {
			return nil, fmt.Errorf("%w: item %d description is longer than %d characters", domain.ErrValidation, i, maxItemDescription)
		}
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", domain.ErrValidation, i)
		}
		if err := item.Price.Validate(); err != nil {
			return nil, fmt.Errorf("item %d price: %w", i, err)
		}
		if item.Price.Currency != currency {
			return nil, fmt.Errorf("%w: item %d currency %s differs from %s", domain.ErrValidation, i, item.Price.Currency, currency)
		}
		if !item.VATCode.Valid() {
			return nil, fmt.Errorf("%w: item %d has unknown vat code %d", domain.ErrValidation, i, item.VATCode)
		}
		if item.PaymentSubject == "" {
			item.PaymentSubject = domain.PaymentSubjectCommodity
		}
		if item.PaymentMode == "" {
			item.PaymentMode = domain.PaymentModeFullPayment
		}
		items = append(items, item)
	}

	return &domain.Receipt{
		Type:     receiptType,
		Customer: data.Customer,
		Items:    items,
	}, nil
}

// ValidateAgainst requires the receipt total to equal the charged amount.
func (s *receiptService) ValidateAgainst(receipt *domain.Receipt, amount domain.Amount) error {
	if receipt == nil {
		return nil
	}
	if len(receipt.Items) > 0 && receipt.Items[0].Price.Currency != amount.Currency {
		return fmt.Errorf("%w: receipt currency %s differs from payment currency %s",
			domain.ErrValidation, receipt.Items[0].Price.Currency, amount.Currency)
	}
	total := receipt.Total()
	if !total.Equal(amount.Value.Round(2)) {
		s.logger.Warn("Сумма чека не совпадает с суммой платежа",
			zap.String("receipt_total", total.StringFixed(2)),
			zap.String("amount", amount.String()))
		return fmt.Errorf("%w: receipt total %s does not match amount %s", domain.ErrValidation, total.StringFixed(2), amount)
	}
	return nil
}

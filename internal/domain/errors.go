package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrUnsupportedCurrency = fmt.Errorf("%w: unsupported currency", ErrValidation)

	ErrPayment           = errors.New("payment error")
	ErrPaymentCreation   = fmt.Errorf("%w: payment creation failed", ErrPayment)
	ErrPaymentNotFound   = fmt.Errorf("%w: payment not found", ErrPayment)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrPayment)

	ErrRefund                       = errors.New("refund error")
	ErrRefundNotFound               = fmt.Errorf("%w: refund not found", ErrRefund)
	ErrPaymentNotRefundable         = fmt.Errorf("%w: payment is not refundable", ErrRefund)
	ErrInsufficientRefundableAmount = fmt.Errorf("%w: insufficient refundable amount", ErrRefund)

	ErrWebhook             = errors.New("webhook error")
	ErrWebhookUnauthorized = fmt.Errorf("%w: unauthenticated notification", ErrWebhook)

	// ErrConflict is returned by storage when a status update would move backward.
	ErrConflict      = errors.New("status conflict")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrProviderUnavailable means transient provider failures exhausted the retry budget.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

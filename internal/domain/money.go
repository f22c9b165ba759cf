package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyRUB Currency = "RUB"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// Amount is a monetary value in major units with at most two fractional digits.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

func NewAmount(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: invalid amount %q", ErrValidation, value)
	}
	return Amount{Value: d, Currency: currency}, nil
}

// MustAmount panics on malformed input; meant for constants and tests.
func MustAmount(value string, currency Currency) Amount {
	a, err := NewAmount(value, currency)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Validate() error {
	if !a.Value.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	if a.Value.Exponent() < -2 && !a.Value.Equal(a.Value.Round(2)) {
		return fmt.Errorf("%w: amount %s has more than two decimal places", ErrValidation, a.Value)
	}
	if a.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	return nil
}

// String renders the provider wire form, e.g. "1000.00".
func (a Amount) String() string {
	return a.Value.StringFixed(2)
}

// Package money converts between decimal major-unit amounts and int64 minor units.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	// ErrInvalidCurrency is returned when a currency code is not a recognised ISO 4217 code.
	ErrInvalidCurrency = errors.New("money: invalid currency")
	// ErrInvalidAmount is returned when an amount cannot be represented in minor units.
	ErrInvalidAmount = errors.New("money: invalid amount")
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// NormalizeCurrency validates and upper-cases an ISO 4217 currency code.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// Scale returns the number of minor-unit digits for the currency (2 for NGN/USD, 0 for JPY).
func Scale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinor shifts a major-unit decimal to the currency's minor unit using banker's rounding.
func ToMinor(value decimal.Decimal, code string) (int64, error) {
	scale, err := Scale(code)
	if err != nil {
		return 0, err
	}
	minor := value.Shift(scale).RoundBank(0)
	if minor.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, value.String())
	}
	return minor.IntPart(), nil
}

// Format renders minor units as a fixed-point major-unit string, e.g. 2000 NGN → "20.00".
func Format(minor int64, code string) string {
	scale, err := Scale(code)
	if err != nil {
		scale = 2
	}
	return decimal.New(minor, -scale).StringFixed(scale)
}

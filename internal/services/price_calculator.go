package services

import (
	"fmt"
	"math"
	"strings"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/money"
)

// PriceCalculator derives the frozen amount charged for a cart snapshot. It performs no I/O.
type PriceCalculator struct{}

// Calculate sums the line items and applies discount then credits, all in minor units.
func (PriceCalculator) Calculate(input domain.PriceInput) (domain.PriceBreakdown, error) {
	currency, err := money.NormalizeCurrency(input.Currency)
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: %v", ErrInvalidPricingInput, err)
	}
	if len(input.Items) == 0 {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: cart is empty", ErrInvalidPricingInput)
	}
	if input.Discount < 0 {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: discount must not be negative", ErrInvalidPricingInput)
	}
	if input.Credits < 0 {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: credits must not be negative", ErrInvalidPricingInput)
	}

	var subtotal int64
	for i, item := range input.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: items[%d] product id is required", ErrInvalidPricingInput, i)
		}
		if item.Quantity <= 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: items[%d] quantity must be positive", ErrInvalidPricingInput, i)
		}
		if item.UnitPrice < 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: items[%d] unit price must not be negative", ErrInvalidPricingInput, i)
		}
		if item.UnitPrice > 0 && int64(item.Quantity) > math.MaxInt64/item.UnitPrice {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: items[%d] total overflows", ErrInvalidPricingInput, i)
		}
		line := item.Total()
		if subtotal > math.MaxInt64-line {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: subtotal overflows", ErrInvalidPricingInput)
		}
		subtotal += line
	}

	if input.Discount > subtotal {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: discount %d exceeds subtotal %d", ErrInvalidPricingInput, input.Discount, subtotal)
	}
	if input.Credits > subtotal {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: credits %d exceed subtotal %d", ErrInvalidPricingInput, input.Credits, subtotal)
	}

	amount := subtotal - input.Discount - input.Credits
	if amount < 0 {
		amount = 0
	}

	return domain.PriceBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: input.Discount,
		Credits:  input.Credits,
		Amount:   amount,
	}, nil
}

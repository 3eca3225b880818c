package domain

// PriceInput is the cart snapshot handed to the price calculator. All amounts are minor units.
type PriceInput struct {
	Currency string
	Items    []LineItem
	Discount int64
	Credits  int64
}

// PriceBreakdown captures the frozen monetary result of pricing a checkout attempt.
type PriceBreakdown struct {
	Currency string
	Subtotal int64
	Discount int64
	Credits  int64
	Amount   int64
}

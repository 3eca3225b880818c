package domain

// Cart is the customer's basket as held by the cart store. Lines carry no prices.
type Cart struct {
	ID            string
	UserID        string
	Currency      string
	Items         []CartItem
	PromotionCode string
}

// CartItem is a product and quantity in a cart.
type CartItem struct {
	ProductID string
	Quantity  int
}

// CartQuote is a cart priced by the catalog at the time of the request. Discount and Credits are
// the amounts the catalog resolved for the promotion code and the customer's balance.
type CartQuote struct {
	Currency string
	Items    []LineItem
	Discount int64
	Credits  int64
}

// QuoteRequest asks the catalog to price a cart for a customer.
type QuoteRequest struct {
	UserID        string
	Cart          Cart
	PromotionCode string
	ApplyCredits  bool
}

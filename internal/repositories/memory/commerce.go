package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// CatalogProduct is a sellable product and its current price in minor units.
type CatalogProduct struct {
	Name      string
	Currency  string
	UnitPrice int64
}

// Commerce is an in-process cart store and catalog. Promotions are fixed amounts off the
// subtotal; credits are per-customer balances.
type Commerce struct {
	mu         sync.RWMutex
	carts      map[string]domain.Cart
	products   map[string]CatalogProduct
	promotions map[string]int64
	credits    map[string]int64
}

// NewCommerce constructs an empty cart store and catalog.
func NewCommerce() *Commerce {
	return &Commerce{
		carts:      make(map[string]domain.Cart),
		products:   make(map[string]CatalogProduct),
		promotions: make(map[string]int64),
		credits:    make(map[string]int64),
	}
}

// PutCart replaces the customer's active cart.
func (c *Commerce) PutCart(cart domain.Cart) {
	cart.Items = slices.Clone(cart.Items)
	c.mu.Lock()
	c.carts[cart.UserID] = cart
	c.mu.Unlock()
}

// SetProduct adds or reprices a product.
func (c *Commerce) SetProduct(productID string, product CatalogProduct) {
	product.Currency = strings.ToUpper(strings.TrimSpace(product.Currency))
	c.mu.Lock()
	c.products[productID] = product
	c.mu.Unlock()
}

// SetPromotion registers a promotion code worth amount minor units.
func (c *Commerce) SetPromotion(code string, amount int64) {
	c.mu.Lock()
	c.promotions[strings.ToUpper(strings.TrimSpace(code))] = amount
	c.mu.Unlock()
}

// SetCredits sets the customer's spendable balance.
func (c *Commerce) SetCredits(userID string, amount int64) {
	c.mu.Lock()
	c.credits[userID] = amount
	c.mu.Unlock()
}

// GetCart returns the customer's active cart.
func (c *Commerce) GetCart(_ context.Context, userID string) (domain.Cart, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cart, ok := c.carts[userID]
	if !ok {
		return domain.Cart{}, notFound("cart.get", "no cart for user %s", userID)
	}
	cart.Items = slices.Clone(cart.Items)
	return cart, nil
}

// QuoteCart prices the cart at current catalog prices. The promotion and credits are capped so
// the total never goes below zero.
func (c *Commerce) QuoteCart(_ context.Context, req domain.QuoteRequest) (domain.CartQuote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	quote := domain.CartQuote{
		Currency: strings.ToUpper(strings.TrimSpace(req.Cart.Currency)),
		Items:    make([]domain.LineItem, 0, len(req.Cart.Items)),
	}
	var subtotal int64
	for _, line := range req.Cart.Items {
		product, ok := c.products[line.ProductID]
		if !ok {
			return domain.CartQuote{}, conflict("cart.quote", "product %s is no longer sold", line.ProductID)
		}
		if quote.Currency == "" {
			quote.Currency = product.Currency
		}
		if product.Currency != quote.Currency {
			return domain.CartQuote{}, conflict("cart.quote", "product %s is priced in %s, cart is %s", line.ProductID, product.Currency, quote.Currency)
		}
		item := domain.LineItem{
			ProductID: line.ProductID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			UnitPrice: product.UnitPrice,
		}
		quote.Items = append(quote.Items, item)
		subtotal += item.Total()
	}

	if code := strings.ToUpper(strings.TrimSpace(req.PromotionCode)); code != "" {
		amount, ok := c.promotions[code]
		if !ok {
			return domain.CartQuote{}, conflict("cart.quote", "promotion %s is not valid", code)
		}
		quote.Discount = min(amount, subtotal)
	}
	if req.ApplyCredits {
		quote.Credits = min(c.credits[req.UserID], subtotal-quote.Discount)
	}
	return quote, nil
}

package memory

import (
	"context"
	"errors"
	"testing"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

func TestCommerceQuoteCapsPromotionAndCredits(t *testing.T) {
	c := NewCommerce()
	c.SetProduct("p1", CatalogProduct{Name: "Stamp", Currency: "ngn", UnitPrice: 1500})
	c.SetPromotion("half", 2000)
	c.SetCredits("user_1", 5000)
	cart := domain.Cart{ID: "cart_1", UserID: "user_1", Items: []domain.CartItem{{ProductID: "p1", Quantity: 2}}}
	c.PutCart(cart)

	got, err := c.GetCart(context.Background(), "user_1")
	if err != nil || got.ID != "cart_1" {
		t.Fatalf("GetCart: %+v %v", got, err)
	}
	quote, err := c.QuoteCart(context.Background(), domain.QuoteRequest{UserID: "user_1", Cart: got, PromotionCode: "HALF", ApplyCredits: true})
	if err != nil {
		t.Fatalf("QuoteCart: %v", err)
	}
	if quote.Currency != "NGN" || len(quote.Items) != 1 || quote.Items[0].UnitPrice != 1500 {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if quote.Discount != 2000 || quote.Credits != 1000 {
		t.Fatalf("expected discount 2000 and credits capped at 1000, got %d %d", quote.Discount, quote.Credits)
	}

	noCredits, err := c.QuoteCart(context.Background(), domain.QuoteRequest{UserID: "user_1", Cart: got})
	if err != nil || noCredits.Credits != 0 || noCredits.Discount != 0 {
		t.Fatalf("expected a plain quote, got %+v %v", noCredits, err)
	}
}

func TestCommerceErrors(t *testing.T) {
	c := NewCommerce()
	c.SetProduct("p1", CatalogProduct{Currency: "NGN", UnitPrice: 100})
	c.SetProduct("p2", CatalogProduct{Currency: "USD", UnitPrice: 100})

	_, err := c.GetCart(context.Background(), "nobody")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	for name, req := range map[string]domain.QuoteRequest{
		"unknown product": {Cart: domain.Cart{Items: []domain.CartItem{{ProductID: "p9", Quantity: 1}}}},
		"mixed currency":  {Cart: domain.Cart{Items: []domain.CartItem{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}}}},
		"bad promotion":   {Cart: domain.Cart{Items: []domain.CartItem{{ProductID: "p1", Quantity: 1}}}, PromotionCode: "X"},
	} {
		_, err := c.QuoteCart(context.Background(), req)
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("%s: expected conflict, got %v", name, err)
		}
	}
}

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
	"github.com/hanko-field/reconciler/internal/services"
)

const checkoutBody = `{
	"cartId": " cart_1 ",
	"provider": "Paystack",
	"promotionCode": "WELCOME",
	"applyCredits": true,
	"deliveryAddress": {"recipientName": "Ada", "line1": "1 Marina", "city": "Lagos", "country": "NG"}
}`

func newOrderRouter(svc services.ReconciliationService) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, svc).Routes)
	return router
}

func TestOrderHandlersCheckoutSuccess(t *testing.T) {
	expires := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	var captured services.CreatePendingOrderCommand
	svc := &stubReconciliationService{
		createFn: func(_ context.Context, cmd services.CreatePendingOrderCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				PendingOrder: services.PendingOrder{
					ID:               "pend_123",
					PaymentReference: "ref_abc",
					Provider:         "paystack",
					Currency:         "NGN",
					CartSnapshot:     []domain.LineItem{{ProductID: "prod-1", Name: "Jollof tray", Quantity: 2, UnitPrice: 1250}},
					Subtotal:         2500,
					Discount:         500,
					Amount:           2000,
					Status:           domain.PendingOrderStatusAwaitingPayment,
					ExpiresAt:        expires,
				},
				AuthorizationURL: "https://checkout.paystack.com/abc",
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/orders/checkout", strings.NewReader(checkoutBody))
	req = asUser(req, "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/pending-orders/pend_123" {
		t.Fatalf("unexpected location %q", loc)
	}
	if captured.UserID != "user-1" || captured.Email != "user-1@example.com" {
		t.Fatalf("unexpected caller in command: %#v", captured)
	}
	if captured.CartID != "cart_1" || captured.Provider != "paystack" {
		t.Fatalf("expected trimmed cart id and normalised provider, got %q %q", captured.CartID, captured.Provider)
	}
	if captured.PromotionCode != "WELCOME" || !captured.ApplyCredits {
		t.Fatalf("expected promotion and credits to be forwarded, got %#v", captured)
	}
	if captured.DeliveryAddress.City != "Lagos" {
		t.Fatalf("unexpected address %#v", captured.DeliveryAddress)
	}

	var data checkoutResponse
	env := decodeEnvelope(t, rr.Body.Bytes(), &data)
	if !env.Success {
		t.Fatalf("expected success envelope")
	}
	if data.AuthorizationURL != "https://checkout.paystack.com/abc" {
		t.Fatalf("unexpected authorization url %q", data.AuthorizationURL)
	}
	if data.PendingOrder.Amount.Minor != 2000 || data.PendingOrder.Amount.Formatted != "20.00" {
		t.Fatalf("unexpected amount %#v", data.PendingOrder.Amount)
	}
	if data.PendingOrder.ExpiresAt != "2024-05-01T10:30:00Z" {
		t.Fatalf("unexpected expiry %q", data.PendingOrder.ExpiresAt)
	}
}

func TestOrderHandlersCheckoutValidation(t *testing.T) {
	called := false
	svc := &stubReconciliationService{
		createFn: func(context.Context, services.CreatePendingOrderCommand) (services.CheckoutResult, error) {
			called = true
			return services.CheckoutResult{}, nil
		},
	}

	body := `{"cartId":"  ","promotionCode":"FREE STUFF!","applyCredits":"yes"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/orders/checkout", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if called {
		t.Fatalf("service must not be called for invalid input")
	}
	env := decodeEnvelope(t, rr.Body.Bytes(), nil)
	fields := map[string]bool{}
	for _, fe := range env.Errors {
		fields[fe.Field] = true
		if fe.Kind != services.KindValidation {
			t.Fatalf("expected validation kind, got %s", fe.Kind)
		}
	}
	if !fields["cartId"] || !fields["promotionCode"] || !fields["applyCredits"] {
		t.Fatalf("expected cartId, promotionCode and applyCredits errors, got %#v", env.Errors)
	}
}

func TestOrderHandlersCheckoutRejectsClientPricing(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
	}{
		"line prices": {
			body:  `{"cartId":"cart_1","items":[{"productId":"p1","quantity":2,"unitPrice":"0.01"}]}`,
			field: "items",
		},
		"amount": {
			body:  `{"cartId":"cart_1","amount":1}`,
			field: "amount",
		},
		"discount": {
			body:  `{"cartId":"cart_1","discount":"99999"}`,
			field: "discount",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			called := false
			svc := &stubReconciliationService{
				createFn: func(context.Context, services.CreatePendingOrderCommand) (services.CheckoutResult, error) {
					called = true
					return services.CheckoutResult{}, nil
				},
			}
			req := asUser(httptest.NewRequest(http.MethodPost, "/orders/checkout", strings.NewReader(tc.body)), "user-1")
			rr := httptest.NewRecorder()
			newOrderRouter(svc).ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d (%s)", rr.Code, rr.Body.String())
			}
			if called {
				t.Fatalf("service must not be called")
			}
			env := decodeEnvelope(t, rr.Body.Bytes(), nil)
			if len(env.Errors) != 1 || env.Errors[0].Field != tc.field {
				t.Fatalf("expected %s field error, got %#v", tc.field, env.Errors)
			}
		})
	}
}

type initializeRecorder struct {
	payments.Gateway
	requests []payments.InitializeRequest
}

func (g *initializeRecorder) Name() string { return "paystack" }

func (g *initializeRecorder) Initialize(_ context.Context, req payments.InitializeRequest) (payments.InitializeResult, error) {
	g.requests = append(g.requests, req)
	return payments.InitializeResult{AuthorizationURL: "https://checkout.paystack.com/" + req.Reference}, nil
}

func TestOrderHandlersCheckoutChargesCatalogPrices(t *testing.T) {
	commerce := memory.NewCommerce()
	commerce.SetProduct("p1", memory.CatalogProduct{Name: "Hanko", Currency: "NGN", UnitPrice: 4500})
	commerce.PutCart(domain.Cart{ID: "cart_1", UserID: "user-1", Currency: "NGN", Items: []domain.CartItem{{ProductID: "p1", Quantity: 2}}})

	gateway := &initializeRecorder{}
	manager, err := payments.NewManager([]payments.Gateway{gateway})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	registry := memory.NewRegistry(nil)
	svc, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		PendingOrders: registry.PendingOrders(),
		Orders:        registry.Orders(),
		Carts:         commerce,
		Pricer:        commerce,
		Gateways:      manager,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	body := `{"cartId":"cart_1","deliveryAddress":{"recipientName":"Ada","phone":"+2348000000000","line1":"1 Marina","city":"Lagos","country":"NG"}}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/orders/checkout", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	var data checkoutResponse
	decodeEnvelope(t, rr.Body.Bytes(), &data)
	if data.PendingOrder.Amount.Minor != 9000 {
		t.Fatalf("expected catalog amount 9000, got %#v", data.PendingOrder.Amount)
	}
	if len(gateway.requests) != 1 || gateway.requests[0].Amount != 9000 || gateway.requests[0].Currency != "NGN" {
		t.Fatalf("expected gateway to be charged the catalog amount, got %#v", gateway.requests)
	}
}

func TestOrderHandlersCheckoutRequiresIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/orders/checkout", strings.NewReader(checkoutBody))
	rr := httptest.NewRecorder()
	newOrderRouter(&stubReconciliationService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersCheckoutGatewayFailureKeepsPendingLocation(t *testing.T) {
	svc := &stubReconciliationService{
		createFn: func(context.Context, services.CreatePendingOrderCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{PendingOrder: services.PendingOrder{ID: "pend_9"}},
				fmt.Errorf("%w: timeout", services.ErrGatewayUnavailable)
		},
	}
	req := asUser(httptest.NewRequest(http.MethodPost, "/orders/checkout", strings.NewReader(checkoutBody)), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/pending-orders/pend_9" {
		t.Fatalf("expected pending order location, got %q", loc)
	}
	env := decodeEnvelope(t, rr.Body.Bytes(), nil)
	if len(env.Errors) != 1 || env.Errors[0].Kind != services.KindGatewayUnavailable {
		t.Fatalf("unexpected errors %#v", env.Errors)
	}
}

func TestOrderHandlersListOrdersFilter(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var (
		capturedUser   string
		capturedFilter services.OrderListFilter
	)
	svc := &stubReconciliationService{
		listFn: func(_ context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			capturedUser = userID
			capturedFilter = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{{ID: "ord_1", OrderNumber: "ORD-7K3Q-9XPM", Currency: "NGN", Amount: 2000, Status: domain.OrderStatusPending}},
				NextPageToken: "next",
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/orders?status=pending,shipped&status=pending&page_size=500&created_after=2024-03-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, asUser(req, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedUser != "user-1" {
		t.Fatalf("expected user-1, got %s", capturedUser)
	}
	if len(capturedFilter.Status) != 2 {
		t.Fatalf("expected 2 deduplicated statuses, got %v", capturedFilter.Status)
	}
	if capturedFilter.Pagination.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size clamp to %d, got %d", maxOrderPageSize, capturedFilter.Pagination.PageSize)
	}
	if capturedFilter.DateRange.From == nil || !capturedFilter.DateRange.From.Equal(from) {
		t.Fatalf("unexpected created_after %v", capturedFilter.DateRange.From)
	}

	var data orderListResponse
	decodeEnvelope(t, rr.Body.Bytes(), &data)
	if len(data.Items) != 1 || data.Items[0].OrderNumber != "ORD-7K3Q-9XPM" || data.NextPageToken != "next" {
		t.Fatalf("unexpected list payload %#v", data)
	}
	if data.Items[0].StatusHistory != nil {
		t.Fatalf("list payload should omit history")
	}
}

func TestOrderHandlersListOrdersRejectsBadTimestamp(t *testing.T) {
	req := asUser(httptest.NewRequest(http.MethodGet, "/orders?created_before=yesterday", nil), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(&stubReconciliationService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	env := decodeEnvelope(t, rr.Body.Bytes(), nil)
	if env.Errors[0].Field != "created_before" {
		t.Fatalf("expected created_before field error, got %#v", env.Errors)
	}
}

func TestOrderHandlersListOrdersRejectsBadPageToken(t *testing.T) {
	req := asUser(httptest.NewRequest(http.MethodGet, "/orders?page_token=%25%25%25", nil), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(&stubReconciliationService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	env := decodeEnvelope(t, rr.Body.Bytes(), nil)
	if env.Errors[0].Field != "page_token" {
		t.Fatalf("expected page_token field error, got %#v", env.Errors)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	svc := &stubReconciliationService{
		getOrderFn: func(_ context.Context, orderID, userID string) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: %s owned by someone else", services.ErrOrderNotFound, orderID)
		},
	}
	req := asUser(httptest.NewRequest(http.MethodGet, "/orders/ord_x", nil), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	env := decodeEnvelope(t, rr.Body.Bytes(), nil)
	if env.Message != "order not found" {
		t.Fatalf("expected sanitised message, got %q", env.Message)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubReconciliationService{
		cancelOrderFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusCancelled}, nil
		},
	}

	t.Run("with reason", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodPost, "/orders/ord_1:cancel", strings.NewReader(`{"reason":"changed my mind"}`)), "user-1")
		rr := httptest.NewRecorder()
		newOrderRouter(svc).ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.Reason != "changed my mind" {
			t.Fatalf("unexpected command %#v", captured)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodPost, "/orders/ord_2:cancel", nil), "user-1")
		rr := httptest.NewRecorder()
		newOrderRouter(svc).ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if captured.OrderID != "ord_2" || captured.Reason != "" {
			t.Fatalf("unexpected command %#v", captured)
		}
	})

	t.Run("illegal transition", func(t *testing.T) {
		svc.cancelOrderFn = func(context.Context, services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: shipped -> cancelled", services.ErrIllegalTransition)
		}
		req := asUser(httptest.NewRequest(http.MethodPost, "/orders/ord_3:cancel", nil), "user-1")
		rr := httptest.NewRecorder()
		newOrderRouter(svc).ServeHTTP(rr, req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", rr.Code)
		}
	})
}

func TestOrderHandlersInvoiceLink(t *testing.T) {
	expires := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	svc := &stubReconciliationService{
		invoiceURLFn: func(_ context.Context, orderID, userID string) (services.InvoiceLink, error) {
			if orderID != "ord_1" || userID != "user-1" {
				t.Fatalf("unexpected args %s %s", orderID, userID)
			}
			return services.InvoiceLink{InvoiceNumber: "INV-4D2M-8QZT", URL: "https://storage.googleapis.com/signed", ExpiresAt: expires}, nil
		},
	}
	req := asUser(httptest.NewRequest(http.MethodGet, "/orders/ord_1/invoice", nil), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store cache control")
	}
	var data invoiceLinkResponse
	decodeEnvelope(t, rr.Body.Bytes(), &data)
	if data.InvoiceNumber != "INV-4D2M-8QZT" || data.ExpiresAt != "2024-05-01T10:05:00Z" {
		t.Fatalf("unexpected invoice payload %#v", data)
	}
}

func TestOrderHandlersInvoiceNotReady(t *testing.T) {
	svc := &stubReconciliationService{
		invoiceURLFn: func(context.Context, string, string) (services.InvoiceLink, error) {
			return services.InvoiceLink{}, services.ErrInvoiceNotReady
		},
	}
	req := asUser(httptest.NewRequest(http.MethodGet, "/orders/ord_1/invoice", nil), "user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

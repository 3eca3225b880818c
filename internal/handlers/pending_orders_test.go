package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/services"
)

func newPendingOrderRouter(svc services.ReconciliationService) chi.Router {
	router := chi.NewRouter()
	router.Route("/pending-orders", NewPendingOrderHandlers(nil, svc).Routes)
	return router
}

func TestPendingOrderHandlersGet(t *testing.T) {
	svc := &stubReconciliationService{
		getPendingFn: func(_ context.Context, id, userID string) (services.PendingOrder, error) {
			if userID != "user-1" {
				return services.PendingOrder{}, services.ErrPendingOrderNotFound
			}
			return services.PendingOrder{ID: id, Status: domain.PendingOrderStatusConsumed, OrderID: "ord_1", Currency: "NGN", Amount: 2000}, nil
		},
	}

	rr := httptest.NewRecorder()
	newPendingOrderRouter(svc).ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodGet, "/pending-orders/pend_1", nil), "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var data pendingOrderPayload
	decodeEnvelope(t, rr.Body.Bytes(), &data)
	if data.ID != "pend_1" || data.OrderID != "ord_1" || data.Status != "consumed" {
		t.Fatalf("unexpected payload %#v", data)
	}

	rr = httptest.NewRecorder()
	newPendingOrderRouter(svc).ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodGet, "/pending-orders/pend_1", nil), "intruder"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for foreign pending order, got %d", rr.Code)
	}
	env := decodeEnvelope(t, rr.Body.Bytes(), nil)
	if env.Message != "pending order not found" {
		t.Fatalf("unexpected message %q", env.Message)
	}
}

func TestPendingOrderHandlersCancelClosed(t *testing.T) {
	svc := &stubReconciliationService{
		cancelPendFn: func(context.Context, string, string) (services.PendingOrder, error) {
			return services.PendingOrder{}, fmt.Errorf("%w: consumed", services.ErrPendingOrderClosed)
		},
	}
	rr := httptest.NewRecorder()
	newPendingOrderRouter(svc).ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodPost, "/pending-orders/pend_1:cancel", nil), "user-1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestPendingOrderHandlersRetryPayment(t *testing.T) {
	svc := &stubReconciliationService{
		retryFn: func(_ context.Context, id, userID string) (services.CheckoutResult, error) {
			return services.CheckoutResult{
				PendingOrder:     services.PendingOrder{ID: id, Status: domain.PendingOrderStatusAwaitingPayment},
				AuthorizationURL: "https://checkout.example/retry",
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newPendingOrderRouter(svc).ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodPost, "/pending-orders/pend_1:retry-payment", nil), "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var data checkoutResponse
	decodeEnvelope(t, rr.Body.Bytes(), &data)
	if data.AuthorizationURL != "https://checkout.example/retry" || data.PendingOrder.Status != "awaiting_payment" {
		t.Fatalf("unexpected payload %#v", data)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

var errNotImplemented = errors.New("not implemented")

type stubReconciliationService struct {
	createFn       func(context.Context, services.CreatePendingOrderCommand) (services.CheckoutResult, error)
	retryFn        func(context.Context, string, string) (services.CheckoutResult, error)
	getPendingFn   func(context.Context, string, string) (services.PendingOrder, error)
	cancelPendFn   func(context.Context, string, string) (services.PendingOrder, error)
	confirmFn      func(context.Context, services.PaymentConfirmation) (services.Order, error)
	verifyFn       func(context.Context, string, string) (services.PaymentVerification, error)
	statusFn       func(context.Context, string) (services.PaymentStatus, error)
	webhookFn      func(context.Context, string, []byte, string) (services.WebhookOutcome, error)
	expireFn       func(context.Context, int) (services.ExpireResult, error)
	getOrderFn     func(context.Context, string, string) (services.Order, error)
	listFn         func(context.Context, string, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	listAllFn      func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	cancelOrderFn  func(context.Context, services.CancelOrderCommand) (services.Order, error)
	updateStatusFn func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	statsFn        func(context.Context) (services.OrderStats, error)
	renderFn       func(context.Context, string) (services.Order, error)
	redispatchFn   func(context.Context, int) (int, error)
	invoiceURLFn   func(context.Context, string, string) (services.InvoiceLink, error)
}

func (s *stubReconciliationService) CreatePendingOrder(ctx context.Context, cmd services.CreatePendingOrderCommand) (services.CheckoutResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errNotImplemented
}

func (s *stubReconciliationService) RetryPaymentInitialization(ctx context.Context, pendingOrderID, userID string) (services.CheckoutResult, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, pendingOrderID, userID)
	}
	return services.CheckoutResult{}, errNotImplemented
}

func (s *stubReconciliationService) GetPendingOrder(ctx context.Context, pendingOrderID, userID string) (services.PendingOrder, error) {
	if s.getPendingFn != nil {
		return s.getPendingFn(ctx, pendingOrderID, userID)
	}
	return services.PendingOrder{}, errNotImplemented
}

func (s *stubReconciliationService) CancelPendingOrder(ctx context.Context, pendingOrderID, userID string) (services.PendingOrder, error) {
	if s.cancelPendFn != nil {
		return s.cancelPendFn(ctx, pendingOrderID, userID)
	}
	return services.PendingOrder{}, errNotImplemented
}

func (s *stubReconciliationService) ConfirmPayment(ctx context.Context, confirmation services.PaymentConfirmation) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, confirmation)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubReconciliationService) VerifyPayment(ctx context.Context, reference, userID string) (services.PaymentVerification, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, reference, userID)
	}
	return services.PaymentVerification{}, errNotImplemented
}

func (s *stubReconciliationService) CheckPaymentStatus(ctx context.Context, reference string) (services.PaymentStatus, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, reference)
	}
	return "", errNotImplemented
}

func (s *stubReconciliationService) HandleWebhook(ctx context.Context, provider string, rawBody []byte, signature string) (services.WebhookOutcome, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, provider, rawBody, signature)
	}
	return services.WebhookOutcome{}, errNotImplemented
}

func (s *stubReconciliationService) ExpirePendingOrders(ctx context.Context, limit int) (services.ExpireResult, error) {
	if s.expireFn != nil {
		return s.expireFn(ctx, limit)
	}
	return services.ExpireResult{}, errNotImplemented
}

func (s *stubReconciliationService) GetOrder(ctx context.Context, orderID, userID string) (services.Order, error) {
	if s.getOrderFn != nil {
		return s.getOrderFn(ctx, orderID, userID)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubReconciliationService) ListOrders(ctx context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubReconciliationService) ListAllOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listAllFn != nil {
		return s.listAllFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubReconciliationService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelOrderFn != nil {
		return s.cancelOrderFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubReconciliationService) UpdateOrderStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubReconciliationService) Stats(ctx context.Context) (services.OrderStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return services.OrderStats{}, errNotImplemented
}

func (s *stubReconciliationService) RenderInvoice(ctx context.Context, orderID string) (services.Order, error) {
	if s.renderFn != nil {
		return s.renderFn(ctx, orderID)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubReconciliationService) RedispatchMissingInvoices(ctx context.Context, limit int) (int, error) {
	if s.redispatchFn != nil {
		return s.redispatchFn(ctx, limit)
	}
	return 0, errNotImplemented
}

func (s *stubReconciliationService) InvoiceDownloadURL(ctx context.Context, orderID, userID string) (services.InvoiceLink, error) {
	if s.invoiceURLFn != nil {
		return s.invoiceURLFn(ctx, orderID, userID)
	}
	return services.InvoiceLink{}, errNotImplemented
}

var _ services.ReconciliationService = (*stubReconciliationService)(nil)

type stubWebhookGateway struct {
	name   string
	header string
}

func (g *stubWebhookGateway) Name() string { return g.name }

func (g *stubWebhookGateway) Initialize(context.Context, payments.InitializeRequest) (payments.InitializeResult, error) {
	return payments.InitializeResult{}, errNotImplemented
}

func (g *stubWebhookGateway) Verify(context.Context, string) (domain.PaymentConfirmation, error) {
	return domain.PaymentConfirmation{}, errNotImplemented
}

func (g *stubWebhookGateway) VerifyWebhookSignature([]byte, string) bool { return true }

func (g *stubWebhookGateway) SignatureHeader() string { return g.header }

func (g *stubWebhookGateway) ParseWebhook([]byte) (payments.WebhookEvent, error) {
	return payments.WebhookEvent{}, errNotImplemented
}

type stubGatewayResolver struct {
	gateways map[string]payments.Gateway
}

func (r *stubGatewayResolver) Resolve(provider string) (payments.Gateway, error) {
	if g, ok := r.gateways[provider]; ok {
		return g, nil
	}
	return nil, errors.New("unknown provider")
}

func (r *stubGatewayResolver) DefaultProvider() string { return "paystack" }

type envelopeBody struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Data    json.RawMessage    `json:"data"`
	Errors  []httpx.FieldError `json:"errors"`
}

func decodeEnvelope(t *testing.T, body []byte, data any) envelopeBody {
	t.Helper()
	var env envelopeBody
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, body)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("failed to parse data: %v", err)
		}
	}
	return env
}

func asUser(req *http.Request, uid string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com", Roles: roles}))
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

const maxWebhookBodySize int64 = 1 << 20

// WebhookHandlers receives signed payment gateway notifications.
type WebhookHandlers struct {
	reconcile services.ReconciliationService
	gateways  services.GatewayResolver
}

// NewWebhookHandlers constructs webhook handlers. The resolver supplies each provider's signature header.
func NewWebhookHandlers(reconcile services.ReconciliationService, gateways services.GatewayResolver) *WebhookHandlers {
	return &WebhookHandlers{reconcile: reconcile, gateways: gateways}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.payment)
}

type webhookResponse struct {
	Disposition string `json:"disposition"`
	Reference   string `json:"reference,omitempty"`
	OrderID     string `json:"orderId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (h *WebhookHandlers) payment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil || h.gateways == nil {
		serviceUnavailable(ctx, w)
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	gateway, err := h.gateways.Resolve(provider)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(services.KindNotFound, "unknown payment provider", http.StatusNotFound))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	signature := strings.TrimSpace(r.Header.Get(gateway.SignatureHeader()))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "missing webhook signature", http.StatusBadRequest))
		return
	}

	outcome, err := h.reconcile.HandleWebhook(ctx, provider, body, signature)
	switch {
	case errors.Is(err, services.ErrInvalidWebhookSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case err != nil:
		// Gateways redeliver on 5xx.
		httpx.WriteError(ctx, w, httpx.NewError(services.KindUnavailable, "webhook could not be applied; retry later", http.StatusServiceUnavailable))
		return
	}

	httpx.WriteJSON(ctx, w, http.StatusOK, "", webhookResponse{
		Disposition: string(outcome.Disposition),
		Reference:   outcome.Reference,
		OrderID:     outcome.OrderID,
		Reason:      outcome.Reason,
	})
}

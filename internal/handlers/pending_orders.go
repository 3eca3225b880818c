package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

// PendingOrderHandlers exposes the caller's in-flight checkouts.
type PendingOrderHandlers struct {
	authn     *auth.Authenticator
	reconcile services.ReconciliationService
}

// NewPendingOrderHandlers constructs pending order handlers.
func NewPendingOrderHandlers(authn *auth.Authenticator, reconcile services.ReconciliationService) *PendingOrderHandlers {
	return &PendingOrderHandlers{authn: authn, reconcile: reconcile}
}

// Routes registers the /pending-orders endpoints.
func (h *PendingOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/{pendingOrderID}", h.get)
	r.Post("/{pendingOrderID}:cancel", h.cancel)
	r.Post("/{pendingOrderID}:retry-payment", h.retryPayment)
}

func (h *PendingOrderHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	pending, err := h.reconcile.GetPendingOrder(ctx, chi.URLParam(r, "pendingOrderID"), identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", buildPendingOrderPayload(pending))
}

func (h *PendingOrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	pending, err := h.reconcile.CancelPendingOrder(ctx, chi.URLParam(r, "pendingOrderID"), identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "pending order cancelled", buildPendingOrderPayload(pending))
}

func (h *PendingOrderHandlers) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	result, err := h.reconcile.RetryPaymentInitialization(ctx, chi.URLParam(r, "pendingOrderID"), identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "payment initialised", checkoutResponse{
		PendingOrder:     buildPendingOrderPayload(result.PendingOrder),
		AuthorizationURL: result.AuthorizationURL,
	})
}

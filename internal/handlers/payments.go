package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

const (
	defaultPollLimit  = 30
	defaultPollWindow = time.Minute
)

// PaymentHandlers lets customers poll a payment reference after the gateway redirect.
type PaymentHandlers struct {
	authn     *auth.Authenticator
	reconcile services.ReconciliationService
	limiter   rateLimiter
}

// PaymentHandlersOption customises payment handlers.
type PaymentHandlersOption func(*PaymentHandlers)

// WithPollRateLimit caps verify/status calls per user within window. A non-positive limit disables it.
func WithPollRateLimit(limit int, window time.Duration) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.limiter = newKeyedLimiter(limit, window, nil)
	}
}

// NewPaymentHandlers constructs payment polling handlers.
func NewPaymentHandlers(authn *auth.Authenticator, reconcile services.ReconciliationService, opts ...PaymentHandlersOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:     authn,
		reconcile: reconcile,
		limiter:   newKeyedLimiter(defaultPollLimit, defaultPollWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/{reference}/verify", h.verify)
	r.Get("/{reference}/status", h.status)
}

type paymentVerificationResponse struct {
	Reference string        `json:"reference"`
	Status    string        `json:"status"`
	Order     *orderPayload `json:"order,omitempty"`
}

func (h *PaymentHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok || !h.allow(w, r, identity.UID) {
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	result, err := h.reconcile.VerifyPayment(ctx, reference, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := paymentVerificationResponse{Reference: reference, Status: string(result.Status)}
	if result.Order != nil {
		payload := buildOrderPayload(*result.Order, false)
		resp.Order = &payload
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", resp)
}

func (h *PaymentHandlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok || !h.allow(w, r, identity.UID) {
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	status, err := h.reconcile.CheckPaymentStatus(ctx, reference)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", paymentVerificationResponse{Reference: reference, Status: string(status)})
}

func (h *PaymentHandlers) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.limiter == nil {
		return true
	}
	ok, wait := h.limiter.Allow(key)
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many payment checks; slow down", http.StatusTooManyRequests))
	return false
}

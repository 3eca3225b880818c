package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxCheckoutRequestBody = 32 * 1024
	maxOrderCancelBodySize = 4 * 1024
	maxPromotionCodeLength = 32
)

// OrderHandlers exposes checkout and the customer's order history.
type OrderHandlers struct {
	authn       *auth.Authenticator
	reconcile   services.ReconciliationService
	idempotency func(http.Handler) http.Handler
	basePath    string
}

// OrderHandlersOption customises order handlers.
type OrderHandlersOption func(*OrderHandlers)

// WithCheckoutIdempotency guards POST /orders/checkout with the idempotency middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, reconcile services.ReconciliationService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:     authn,
		reconcile: reconcile,
		basePath:  apiPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	checkout := r
	if h.idempotency != nil {
		checkout = r.With(h.idempotency)
	}
	checkout.Post("/checkout", h.checkout)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Get("/{orderID}/invoice", h.invoice)
}

type checkoutAddressRequest struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2"`
	City          string `json:"city"`
	Region        string `json:"region"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country"`
}

// checkoutRequest is everything a customer may choose at checkout. Lines and amounts are
// loaded from the cart and catalog; any other field is rejected.
type checkoutRequest struct {
	CartID          string                 `json:"cartId"`
	Email           string                 `json:"email"`
	Provider        string                 `json:"provider"`
	PromotionCode   string                 `json:"promotionCode"`
	ApplyCredits    bool                   `json:"applyCredits"`
	DeliveryAddress checkoutAddressRequest `json:"deliveryAddress"`
	Notes           string                 `json:"notes"`
}

type checkoutResponse struct {
	PendingOrder     pendingOrderPayload `json:"pendingOrder"`
	AuthorizationURL string              `json:"authorizationUrl"`
}

func (h *OrderHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req checkoutRequest
	var typeErr *json.UnmarshalTypeError
	if err := decodeStrict(body, &req); err != nil && !errors.As(err, &typeErr) {
		if field, ok := unknownField(err); ok {
			httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, field+" is not accepted at checkout", http.StatusBadRequest).WithField(field))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd, verr := buildCheckoutCommand(req, identity, typeErr)
	if verr != nil {
		httpx.WriteError(ctx, w, *verr)
		return
	}

	result, err := h.reconcile.CreatePendingOrder(ctx, cmd)
	if err != nil {
		if id := strings.TrimSpace(result.PendingOrder.ID); id != "" {
			w.Header().Set("Location", fmt.Sprintf("%s/pending-orders/%s", h.basePath, id))
		}
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("%s/pending-orders/%s", h.basePath, result.PendingOrder.ID))
	httpx.WriteJSON(ctx, w, http.StatusCreated, "checkout started", checkoutResponse{
		PendingOrder:     buildPendingOrderPayload(result.PendingOrder),
		AuthorizationURL: result.AuthorizationURL,
	})
}

// buildCheckoutCommand collects every field error at once. typeErr is a field the decoder
// skipped because its JSON type was wrong.
func buildCheckoutCommand(req checkoutRequest, identity *auth.Identity, typeErr *json.UnmarshalTypeError) (services.CreatePendingOrderCommand, *httpx.Error) {
	var verr *httpx.Error
	addFieldError := func(field, message string) {
		fe := httpx.FieldError{Kind: services.KindValidation, Message: message, Field: field}
		if verr == nil {
			e := httpx.NewError(services.KindValidation, "checkout request is invalid", http.StatusBadRequest)
			e.Errors = []httpx.FieldError{fe}
			verr = &e
			return
		}
		next := verr.Append(fe)
		verr = &next
	}

	if typeErr != nil {
		addFieldError(typeErr.Field, fmt.Sprintf("%s must be a %s", typeErr.Field, typeErr.Type))
	}
	cartID := strings.TrimSpace(req.CartID)
	if cartID == "" {
		addFieldError("cartId", "cartId is required")
	}
	promotion := strings.TrimSpace(req.PromotionCode)
	if !validPromotionCode(promotion) {
		addFieldError("promotionCode", fmt.Sprintf("promotionCode must be up to %d letters, digits, '-' or '_'", maxPromotionCodeLength))
	}

	return services.CreatePendingOrderCommand{
		UserID:        identity.UID,
		Email:         firstNonEmpty(req.Email, identity.Email),
		CartID:        cartID,
		PromotionCode: promotion,
		ApplyCredits:  req.ApplyCredits,
		Notes:         req.Notes,
		Provider:      strings.ToLower(strings.TrimSpace(req.Provider)),
		DeliveryAddress: domain.DeliveryAddress{
			RecipientName: req.DeliveryAddress.RecipientName,
			Phone:         req.DeliveryAddress.Phone,
			Line1:         req.DeliveryAddress.Line1,
			Line2:         req.DeliveryAddress.Line2,
			City:          req.DeliveryAddress.City,
			Region:        req.DeliveryAddress.Region,
			PostalCode:    req.DeliveryAddress.PostalCode,
			Country:       req.DeliveryAddress.Country,
		},
	}, verr
}

func validPromotionCode(code string) bool {
	if len(code) > maxPromotionCodeLength {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	filter, verr := parseOrderListFilter(r)
	if verr != nil {
		httpx.WriteError(ctx, w, *verr)
		return
	}
	page, err := h.reconcile.ListOrders(ctx, identity.UID, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", buildOrderList(page, false))
}

func parseOrderListFilter(r *http.Request) (services.OrderListFilter, *httpx.Error) {
	query := r.URL.Query()
	var filter services.OrderListFilter
	for _, status := range parseFilterValues(query["status"]) {
		filter.Status = append(filter.Status, domain.OrderStatus(status))
	}

	for _, bound := range []struct {
		param string
		dest  **time.Time
	}{
		{param: "created_after", dest: &filter.DateRange.From},
		{param: "created_before", dest: &filter.DateRange.To},
	} {
		raw := strings.TrimSpace(query.Get(bound.param))
		if raw == "" {
			continue
		}
		ts, err := parseTimeParam(raw)
		if err != nil {
			e := httpx.NewError(services.KindValidation, bound.param+" must be a valid RFC3339 timestamp", http.StatusBadRequest).WithField(bound.param)
			return filter, &e
		}
		*bound.dest = &ts
	}

	page, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		field := pagination.PageSizeParam
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			field = pagination.PageTokenParam
		}
		e := httpx.NewError(services.KindValidation, field+" is invalid", http.StatusBadRequest).WithField(field)
		return filter, &e
	}
	filter.Pagination = services.Pagination{PageSize: page.PageSize, PageToken: page.PageToken}
	return filter, nil
}

func buildOrderList(page domain.CursorPage[domain.Order], withHistory bool) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order, withHistory))
	}
	return orderListResponse{Items: items, NextPageToken: strings.TrimSpace(page.NextPageToken)}
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	order, err := h.reconcile.GetOrder(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", buildOrderPayload(order, true))
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	order, err := h.reconcile.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  identity.UID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "order cancelled", buildOrderPayload(order, true))
}

type invoiceLinkResponse struct {
	InvoiceNumber string `json:"invoiceNumber"`
	URL           string `json:"url"`
	ExpiresAt     string `json:"expiresAt"`
}

func (h *OrderHandlers) invoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	link, err := h.reconcile.InvoiceDownloadURL(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(ctx, w, http.StatusOK, "", invoiceLinkResponse{
		InvoiceNumber: link.InvoiceNumber,
		URL:           link.URL,
		ExpiresAt:     formatTime(link.ExpiresAt),
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

const maxStatusUpdateBodySize = 4 * 1024

// AdminOrderHandlers exposes order administration to staff and admins.
type AdminOrderHandlers struct {
	authn     *auth.Authenticator
	reconcile services.ReconciliationService
}

func NewAdminOrderHandlers(authn *auth.Authenticator, reconcile services.ReconciliationService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, reconcile: reconcile}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/orders", h.listOrders)
	r.Put("/orders/{orderID}/status", h.updateStatus)
	r.Get("/stats", h.stats)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	filter, verr := parseOrderListFilter(r)
	if verr != nil {
		httpx.WriteError(ctx, w, *verr)
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))

	page, err := h.reconcile.ListAllOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", buildOrderList(page, true))
}

type statusUpdateRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxStatusUpdateBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req statusUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, "status is required", http.StatusBadRequest).WithField("status"))
		return
	}

	order, err := h.reconcile.UpdateOrderStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  status,
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "order status updated", buildOrderPayload(order, true))
}

type statusCountPayload struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type statsResponse struct {
	Currency         string               `json:"currency"`
	Counts           []statusCountPayload `json:"counts"`
	Revenue          moneyPayload         `json:"revenue"`
	OpenPendingCount int64                `json:"openPendingCount"`
	GeneratedAt      string               `json:"generatedAt"`
}

func (h *AdminOrderHandlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	stats, err := h.reconcile.Stats(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	counts := make([]statusCountPayload, 0, len(stats.CountsByStatus))
	for status, count := range stats.CountsByStatus {
		counts = append(counts, statusCountPayload{Status: string(status), Count: count})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Status < counts[j].Status })

	httpx.WriteJSON(ctx, w, http.StatusOK, "", statsResponse{
		Currency:         stats.Currency,
		Counts:           counts,
		Revenue:          newMoney(stats.Revenue, stats.Currency),
		OpenPendingCount: stats.OpenPendingCount,
		GeneratedAt:      formatTime(stats.GeneratedAt),
	})
}

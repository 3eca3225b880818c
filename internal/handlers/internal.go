package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/jobs"
	"github.com/hanko-field/reconciler/internal/services"
)

const (
	maxPushBodySize     int64 = 256 << 10
	defaultSweepLimit         = 100
	maxMaintenanceLimit       = 1000
)

// InternalHandlers serves Pub/Sub push deliveries and scheduler-triggered maintenance. The group
// is expected to sit behind OIDC authentication.
type InternalHandlers struct {
	reconcile services.ReconciliationService
}

func NewInternalHandlers(reconcile services.ReconciliationService) *InternalHandlers {
	return &InternalHandlers{reconcile: reconcile}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/tasks/invoices", h.renderInvoice)
	r.Post("/maintenance/pending-orders:expire", h.expirePendingOrders)
	r.Post("/maintenance/invoices:redispatch", h.redispatchInvoices)
}

type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type invoiceTaskResponse struct {
	OrderID       string `json:"orderId"`
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Rendered      bool   `json:"rendered"`
	Reason        string `json:"reason,omitempty"`
}

func (h *InternalHandlers) renderInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	body, err := readLimitedBody(r, maxPushBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, "invalid push envelope", http.StatusBadRequest))
		return
	}
	task, err := jobs.DecodeInvoiceTask(envelope.Message.Data)
	if err != nil {
		// Acknowledge so a malformed message is not redelivered forever.
		httpx.WriteJSON(ctx, w, http.StatusOK, "invoice task discarded", invoiceTaskResponse{Reason: err.Error()})
		return
	}

	order, err := h.reconcile.RenderInvoice(ctx, task.OrderID)
	switch {
	case err == nil:
		httpx.WriteJSON(ctx, w, http.StatusOK, "invoice rendered", invoiceTaskResponse{
			OrderID:       order.ID,
			InvoiceNumber: order.InvoiceNumber,
			Rendered:      true,
		})
	case services.IsTransient(err):
		httpx.WriteError(ctx, w, httpx.NewError(services.KindUnavailable, "invoice rendering failed; retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteJSON(ctx, w, http.StatusOK, "invoice task discarded", invoiceTaskResponse{
			OrderID: task.OrderID,
			Reason:  services.ErrorKind(err),
		})
	}
}

type expireResponse struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (h *InternalHandlers) expirePendingOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	limit, ok := parseMaintenanceLimit(w, r)
	if !ok {
		return
	}
	result, err := h.reconcile.ExpirePendingOrders(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", expireResponse{
		Scanned:   result.Scanned,
		Expired:   result.Expired,
		Confirmed: result.Confirmed,
		Failed:    result.Failed,
		Skipped:   result.Skipped,
	})
}

func (h *InternalHandlers) redispatchInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		serviceUnavailable(ctx, w)
		return
	}
	limit, ok := parseMaintenanceLimit(w, r)
	if !ok {
		return
	}
	count, err := h.reconcile.RedispatchMissingInvoices(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(ctx, w, http.StatusOK, "", map[string]int{"dispatched": count})
}

func parseMaintenanceLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultSweepLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError(services.KindValidation, "limit must be a positive integer", http.StatusBadRequest).WithField("limit"))
		return 0, false
	}
	if limit > maxMaintenanceLimit {
		limit = maxMaintenanceLimit
	}
	return limit, true
}

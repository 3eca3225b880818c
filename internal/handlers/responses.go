package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/money"
	"github.com/hanko-field/reconciler/internal/services"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError(services.KindValidation, err.Error(), status))
}

// decodeStrict decodes a single JSON document and reports fields the target does not declare.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON document")
	}
	return nil
}

// unknownField extracts the field name from a DisallowUnknownFields error.
func unknownField(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(msg, prefix), `"`), true
}

// requireUser returns the authenticated customer or writes a 401.
func requireUser(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(services.KindUnauthenticated, "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError(services.KindUnavailable, "reconciliation service unavailable", http.StatusServiceUnavailable))
}

// statusForKind maps service error kinds to HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindUnauthenticated:
		return http.StatusUnauthorized
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict, services.KindIllegalTransition:
		return http.StatusConflict
	case services.KindPaymentMismatch, services.KindPaymentFailed:
		return http.StatusUnprocessableEntity
	case services.KindGatewayRejected:
		return http.StatusBadGateway
	case services.KindGatewayUnavailable, services.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	kind := services.ErrorKind(err)
	message := err.Error()
	switch kind {
	case services.KindInternal:
		message = "failed to process request"
	case services.KindUnavailable:
		message = "service temporarily unavailable; retry later"
	case services.KindGatewayUnavailable:
		message = "payment gateway unavailable; retry later"
	case services.KindNotFound:
		// Repository detail stays in logs.
		switch {
		case errors.Is(err, services.ErrOrderNotFound):
			message = "order not found"
		case errors.Is(err, services.ErrPendingOrderNotFound):
			message = "pending order not found"
		default:
			message = "unknown payment reference"
		}
	default:
		message = strings.TrimPrefix(message, "reconcile: ")
	}
	httpx.WriteError(ctx, w, httpx.NewError(kind, message, statusForKind(kind)))
}

type moneyPayload struct {
	Minor     int64  `json:"minor"`
	Formatted string `json:"formatted"`
}

func newMoney(minor int64, currency string) moneyPayload {
	return moneyPayload{Minor: minor, Formatted: money.Format(minor, currency)}
}

type lineItemPayload struct {
	ProductID string       `json:"productId"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice moneyPayload `json:"unitPrice"`
	Total     moneyPayload `json:"total"`
}

type addressPayload struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone,omitempty"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country"`
}

type statusChangePayload struct {
	Status    string `json:"status"`
	ChangedBy string `json:"changedBy"`
	Reason    string `json:"reason,omitempty"`
	At        string `json:"at"`
}

type orderPayload struct {
	ID               string                `json:"id"`
	OrderNumber      string                `json:"orderNumber"`
	UserID           string                `json:"userId"`
	Status           string                `json:"status"`
	Currency         string                `json:"currency"`
	Items            []lineItemPayload     `json:"items"`
	DeliveryAddress  addressPayload        `json:"deliveryAddress"`
	DeliveryNotes    string                `json:"deliveryNotes,omitempty"`
	Subtotal         moneyPayload          `json:"subtotal"`
	Discount         moneyPayload          `json:"discount"`
	Credits          moneyPayload          `json:"credits"`
	Amount           moneyPayload          `json:"amount"`
	InvoiceNumber    string                `json:"invoiceNumber"`
	InvoiceReady     bool                  `json:"invoiceReady"`
	PaymentReference string                `json:"paymentReference"`
	Provider         string                `json:"provider"`
	CreatedAt        string                `json:"createdAt"`
	UpdatedAt        string                `json:"updatedAt"`
	StatusHistory    []statusChangePayload `json:"statusHistory,omitempty"`
}

type pendingOrderPayload struct {
	ID               string            `json:"id"`
	PaymentReference string            `json:"paymentReference"`
	Provider         string            `json:"provider"`
	Status           string            `json:"status"`
	Currency         string            `json:"currency"`
	Items            []lineItemPayload `json:"items"`
	DeliveryAddress  addressPayload    `json:"deliveryAddress"`
	Subtotal         moneyPayload      `json:"subtotal"`
	Discount         moneyPayload      `json:"discount"`
	Credits          moneyPayload      `json:"credits"`
	Amount           moneyPayload      `json:"amount"`
	AuthorizationURL string            `json:"authorizationUrl,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	OrderID          string            `json:"orderId,omitempty"`
	ExpiresAt        string            `json:"expiresAt"`
	CreatedAt        string            `json:"createdAt"`
}

func buildLineItems(items []domain.LineItem, currency string) []lineItemPayload {
	out := make([]lineItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, lineItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: newMoney(item.UnitPrice, currency),
			Total:     newMoney(item.Total(), currency),
		})
	}
	return out
}

func buildAddress(addr domain.DeliveryAddress) addressPayload {
	return addressPayload{
		RecipientName: addr.RecipientName,
		Phone:         addr.Phone,
		Line1:         addr.Line1,
		Line2:         addr.Line2,
		City:          addr.City,
		Region:        addr.Region,
		PostalCode:    addr.PostalCode,
		Country:       addr.Country,
	}
}

func buildOrderPayload(order domain.Order, withHistory bool) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		UserID:           order.UserID,
		Status:           string(order.Status),
		Currency:         order.Currency,
		Items:            buildLineItems(order.LineItems, order.Currency),
		DeliveryAddress:  buildAddress(order.DeliveryAddress),
		DeliveryNotes:    order.DeliveryNotes,
		Subtotal:         newMoney(order.Subtotal, order.Currency),
		Discount:         newMoney(order.Discount, order.Currency),
		Credits:          newMoney(order.Credits, order.Currency),
		Amount:           newMoney(order.Amount, order.Currency),
		InvoiceNumber:    order.InvoiceNumber,
		InvoiceReady:     strings.TrimSpace(order.InvoiceDocumentRef) != "",
		PaymentReference: order.PaymentReference,
		Provider:         order.Provider,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
	}
	if withHistory {
		payload.StatusHistory = make([]statusChangePayload, 0, len(order.StatusHistory))
		for _, change := range order.StatusHistory {
			payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
				Status:    string(change.Status),
				ChangedBy: change.ChangedBy,
				Reason:    change.Reason,
				At:        formatTime(change.At),
			})
		}
	}
	return payload
}

func buildPendingOrderPayload(pending domain.PendingOrder) pendingOrderPayload {
	return pendingOrderPayload{
		ID:               pending.ID,
		PaymentReference: pending.PaymentReference,
		Provider:         pending.Provider,
		Status:           string(pending.Status),
		Currency:         pending.Currency,
		Items:            buildLineItems(pending.CartSnapshot, pending.Currency),
		DeliveryAddress:  buildAddress(pending.DeliveryAddress),
		Subtotal:         newMoney(pending.Subtotal, pending.Currency),
		Discount:         newMoney(pending.Discount, pending.Currency),
		Credits:          newMoney(pending.Credits, pending.Currency),
		Amount:           newMoney(pending.Amount, pending.Currency),
		AuthorizationURL: pending.AuthorizationURL,
		FailureReason:    pending.FailureReason,
		OrderID:          pending.OrderID,
		ExpiresAt:        formatTime(pending.ExpiresAt),
		CreatedAt:        formatTime(pending.CreatedAt),
	}
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 timestamp")
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/storage"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	maxResponseBytes   = 1 << 20
)

var (
	// ErrRendererUnavailable marks transient failures; the caller should retry later.
	ErrRendererUnavailable = errors.New("invoice renderer unavailable")
	// ErrRendererRejected marks requests the renderer refused outright.
	ErrRendererRejected = errors.New("invoice renderer rejected request")
)

// Config configures the HTTP renderer client.
type Config struct {
	BaseURL     string
	Token       string
	Bucket      string
	Timeout     time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
}

// HTTPRenderer asks an external rendering service to produce the invoice PDF for an order
// and write it to Cloud Storage.
type HTTPRenderer struct {
	endpoint    string
	token       string
	bucket      string
	client      *http.Client
	maxAttempts int
	backoff     func() gax.Backoff
}

// NewHTTPRenderer validates cfg.
func NewHTTPRenderer(cfg Config) (*HTTPRenderer, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("invoice renderer: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invoice renderer: invalid base url: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("invoice renderer: bucket is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &HTTPRenderer{
		endpoint:    base + "/v1/invoices:render",
		token:       strings.TrimSpace(cfg.Token),
		bucket:      bucket,
		client:      client,
		maxAttempts: attempts,
		backoff: func() gax.Backoff {
			return gax.Backoff{Initial: 250 * time.Millisecond, Max: 4 * time.Second, Multiplier: 2}
		},
	}, nil
}

type renderLine struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

type renderAddress struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone,omitempty"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country"`
}

type renderRequest struct {
	OrderID          string        `json:"orderId"`
	OrderNumber      string        `json:"orderNumber"`
	InvoiceNumber    string        `json:"invoiceNumber"`
	PaymentReference string        `json:"paymentReference"`
	Currency         string        `json:"currency"`
	Lines            []renderLine  `json:"lines"`
	Subtotal         int64         `json:"subtotal"`
	Discount         int64         `json:"discount"`
	Credits          int64         `json:"credits"`
	Amount           int64         `json:"amount"`
	BillTo           renderAddress `json:"billTo"`
	IssuedAt         time.Time     `json:"issuedAt"`
	Destination      string        `json:"destination"`
}

type renderResponse struct {
	InvoiceNumber string `json:"invoiceNumber"`
	DocumentRef   string `json:"documentRef"`
}

// RenderInvoice renders order and returns the stored document reference. The destination is
// deterministic per invoice number so a retried render overwrites the same object.
func (r *HTTPRenderer) RenderInvoice(ctx context.Context, order domain.Order) (domain.InvoiceDocument, error) {
	if strings.TrimSpace(order.InvoiceNumber) == "" {
		return domain.InvoiceDocument{}, fmt.Errorf("%w: order %s has no invoice number", ErrRendererRejected, order.ID)
	}
	object, err := storage.InvoiceObject(order.InvoiceNumber, order.CreatedAt)
	if err != nil {
		return domain.InvoiceDocument{}, fmt.Errorf("%w: %v", ErrRendererRejected, err)
	}
	destination := storage.ObjectRef{Bucket: r.bucket, Object: object}.String()

	body, err := json.Marshal(buildRenderRequest(order, destination))
	if err != nil {
		return domain.InvoiceDocument{}, fmt.Errorf("invoice renderer: encode request: %w", err)
	}

	var resp renderResponse
	backoff := r.backoff()
	for attempt := 1; ; attempt++ {
		err = r.post(ctx, body, &resp)
		if err == nil || !errors.Is(err, ErrRendererUnavailable) || attempt >= r.maxAttempts {
			break
		}
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			break
		}
	}
	if err != nil {
		return domain.InvoiceDocument{}, err
	}

	ref := strings.TrimSpace(resp.DocumentRef)
	if ref == "" {
		ref = destination
	}
	number := strings.TrimSpace(resp.InvoiceNumber)
	if number == "" {
		number = order.InvoiceNumber
	}
	return domain.InvoiceDocument{InvoiceNumber: number, DocumentURL: ref}, nil
}

func buildRenderRequest(order domain.Order, destination string) renderRequest {
	lines := make([]renderLine, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		lines = append(lines, renderLine{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total(),
		})
	}
	addr := order.DeliveryAddress
	return renderRequest{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		InvoiceNumber:    order.InvoiceNumber,
		PaymentReference: order.PaymentReference,
		Currency:         order.Currency,
		Lines:            lines,
		Subtotal:         order.Subtotal,
		Discount:         order.Discount,
		Credits:          order.Credits,
		Amount:           order.Amount,
		BillTo: renderAddress{
			RecipientName: addr.RecipientName,
			Phone:         addr.Phone,
			Line1:         addr.Line1,
			Line2:         addr.Line2,
			City:          addr.City,
			Region:        addr.Region,
			PostalCode:    addr.PostalCode,
			Country:       addr.Country,
		},
		IssuedAt:    order.CreatedAt.UTC(),
		Destination: destination,
	}
}

func (r *HTTPRenderer) post(ctx context.Context, body []byte, out *renderResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invoice renderer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRendererUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrRendererUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRendererRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRendererUnavailable, err)
	}
	return nil
}

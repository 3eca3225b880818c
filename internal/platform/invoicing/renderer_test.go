package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

func sampleOrder() domain.Order {
	return domain.Order{
		ID:               "01JABCD",
		OrderNumber:      "ORD-AB12-CD34",
		InvoiceNumber:    "INV-EF56-GH78",
		PaymentReference: "rcn_ref",
		Currency:         "NGN",
		LineItems: []domain.LineItem{
			{ProductID: "sku-1", Name: "Rice 5kg", Quantity: 2, UnitPrice: 450000},
		},
		Subtotal:  900000,
		Discount:  50000,
		Amount:    850000,
		CreatedAt: time.Date(2025, 2, 14, 10, 0, 0, 0, time.UTC),
	}
}

func newTestRenderer(t *testing.T, url string) *HTTPRenderer {
	t.Helper()
	r, err := NewHTTPRenderer(Config{BaseURL: url, Token: "tok", Bucket: "invoices-test", MaxAttempts: 3})
	require.NoError(t, err)
	r.backoff = func() gax.Backoff { return gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond} }
	return r
}

func TestHTTPRendererSendsOrderAndDestination(t *testing.T) {
	var got renderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/invoices:render", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"invoiceNumber":"INV-EF56-GH78"}`))
	}))
	defer srv.Close()

	doc, err := newTestRenderer(t, srv.URL).RenderInvoice(context.Background(), sampleOrder())
	require.NoError(t, err)

	assert.Equal(t, "gs://invoices-test/invoices/2025/02/INV-EF56-GH78.pdf", got.Destination)
	assert.Equal(t, "gs://invoices-test/invoices/2025/02/INV-EF56-GH78.pdf", doc.DocumentURL)
	assert.Equal(t, "INV-EF56-GH78", doc.InvoiceNumber)
	require.Len(t, got.Lines, 1)
	assert.EqualValues(t, 900000, got.Lines[0].Total)
	assert.EqualValues(t, 850000, got.Amount)
}

func TestHTTPRendererPrefersReturnedDocumentRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"documentRef":"gs://other/custom.pdf"}`))
	}))
	defer srv.Close()

	doc, err := newTestRenderer(t, srv.URL).RenderInvoice(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, "gs://other/custom.pdf", doc.DocumentURL)
}

func TestHTTPRendererRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestRenderer(t, srv.URL).RenderInvoice(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPRendererDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad order", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestRenderer(t, srv.URL).RenderInvoice(context.Background(), sampleOrder())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRendererRejected))
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPRendererRequiresInvoiceNumber(t *testing.T) {
	r := newTestRenderer(t, "http://renderer.invalid")
	order := sampleOrder()
	order.InvoiceNumber = ""
	_, err := r.RenderInvoice(context.Background(), order)
	assert.ErrorIs(t, err, ErrRendererRejected)
}

func TestNewHTTPRendererValidation(t *testing.T) {
	_, err := NewHTTPRenderer(Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewHTTPRenderer(Config{BaseURL: "http://renderer"})
	assert.Error(t, err)
}

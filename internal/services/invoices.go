package services

import (
	"context"
	"fmt"
	"strings"
)

// RenderInvoice asks the renderer for the order's invoice document and records its location.
// Orders that already carry a document are returned unchanged.
func (s *reconciliationService) RenderInvoice(ctx context.Context, orderID string) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.RenderInvoice")
	defer span.End()

	order, err := s.GetOrder(ctx, orderID, "")
	if err != nil {
		return Order{}, err
	}
	if order.InvoiceDocumentRef != "" {
		return order, nil
	}
	if s.renderer == nil {
		return Order{}, fmt.Errorf("%w: invoice renderer not configured", ErrReconcileUnavailable)
	}

	doc, err := s.renderer.RenderInvoice(ctx, order)
	if err != nil {
		span.RecordError(err)
		return Order{}, fmt.Errorf("%w: render invoice: %v", ErrReconcileUnavailable, err)
	}
	if strings.TrimSpace(doc.DocumentURL) == "" {
		return Order{}, fmt.Errorf("%w: renderer returned no document", ErrReconcileUnavailable)
	}
	if doc.InvoiceNumber != "" && doc.InvoiceNumber != order.InvoiceNumber {
		s.logger(ctx, "reconcile.invoice.number_mismatch", map[string]any{
			"orderId":  order.ID,
			"expected": order.InvoiceNumber,
			"rendered": doc.InvoiceNumber,
		})
	}

	updated, err := s.orders.AttachInvoice(ctx, order.ID, doc.DocumentURL, s.now())
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	s.logger(ctx, "reconcile.invoice.attached", map[string]any{
		"orderId":       updated.ID,
		"invoiceNumber": updated.InvoiceNumber,
	})
	return updated, nil
}

// RedispatchMissingInvoices re-queues rendering for orders still lacking a document after the
// retry window.
func (s *reconciliationService) RedispatchMissingInvoices(ctx context.Context, limit int) (int, error) {
	if s.invoices == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	orders, err := s.orders.ListMissingInvoices(ctx, s.now().Add(-s.invoiceRetryAfter), limit)
	if err != nil {
		return 0, mapRepositoryError(err, ErrOrderNotFound)
	}

	dispatched := 0
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		err := s.invoices.DispatchInvoice(ctx, InvoiceTask{
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			InvoiceNumber: order.InvoiceNumber,
			RequestedAt:   s.now(),
		})
		if err != nil {
			s.logger(ctx, "reconcile.invoice.redispatch_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// InvoiceDownloadURL returns a short-lived link to the caller's invoice.
func (s *reconciliationService) InvoiceDownloadURL(ctx context.Context, orderID, userID string) (InvoiceLink, error) {
	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		return InvoiceLink{}, err
	}
	ref := strings.TrimSpace(order.InvoiceDocumentRef)
	if ref == "" {
		return InvoiceLink{}, ErrInvoiceNotReady
	}
	if !strings.HasPrefix(ref, "gs://") {
		return InvoiceLink{InvoiceNumber: order.InvoiceNumber, URL: ref}, nil
	}
	if s.signer == nil {
		return InvoiceLink{}, fmt.Errorf("%w: invoice signer not configured", ErrReconcileUnavailable)
	}

	url, err := s.signer.SignedURL(ctx, ref, s.invoiceURLTTL)
	if err != nil {
		return InvoiceLink{}, fmt.Errorf("%w: sign invoice url: %v", ErrReconcileUnavailable, err)
	}
	return InvoiceLink{
		InvoiceNumber: order.InvoiceNumber,
		URL:           url,
		ExpiresAt:     s.now().Add(s.invoiceURLTTL),
	}, nil
}

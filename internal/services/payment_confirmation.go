package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// materializableStatuses lists pending order states from which a successful payment still
// produces an order. An expired pending order was merely unpaid within the window; money that
// arrives late is honoured.
var materializableStatuses = []domain.PendingOrderStatus{
	domain.PendingOrderStatusAwaitingPayment,
	domain.PendingOrderStatusInitFailed,
	domain.PendingOrderStatusExpired,
}

const (
	outcomeCreated   = "created"
	outcomeDuplicate = "duplicate"
	outcomeMismatch  = "mismatch"
	outcomeFailed    = "failed"
	outcomeUnknown   = "unknown_reference"
	outcomeClosed    = "closed"
	outcomeError     = "error"
)

// ConfirmPayment materialises the order for a successful confirmation exactly once. Concurrent
// callers for the same reference all receive the same order.
func (s *reconciliationService) ConfirmPayment(ctx context.Context, confirmation PaymentConfirmation) (Order, error) {
	order, _, err := s.confirmOutcome(ctx, confirmation)
	return order, err
}

func (s *reconciliationService) confirm(ctx context.Context, confirmation PaymentConfirmation) (Order, string, error) {
	reference := strings.TrimSpace(confirmation.Reference)
	if reference == "" {
		return Order{}, outcomeError, fmt.Errorf("%w: payment reference is required", ErrReconcileInvalidInput)
	}

	pending, err := s.pending.FindByReference(ctx, reference)
	if err != nil {
		if !isNotFound(err) {
			return Order{}, outcomeError, mapRepositoryError(err, ErrUnknownReference)
		}
		order, err := s.orders.FindByPaymentReference(ctx, reference)
		if err != nil {
			if isNotFound(err) {
				s.logger(ctx, "reconcile.confirm.unknown_reference", map[string]any{
					"reference": reference,
					"source":    string(confirmation.Source),
				})
				return Order{}, outcomeUnknown, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
			}
			return Order{}, outcomeError, mapRepositoryError(err, ErrUnknownReference)
		}
		return order, outcomeDuplicate, nil
	}

	if pending.Status == domain.PendingOrderStatusConsumed {
		order, err := s.orders.FindByPaymentReference(ctx, reference)
		if err != nil {
			return Order{}, outcomeError, mapRepositoryError(err, ErrOrderNotFound)
		}
		return order, outcomeDuplicate, nil
	}

	if confirmation.GatewayStatus != domain.GatewayStatusSuccess {
		reason := fmt.Sprintf("gateway reported %s", confirmation.GatewayStatus)
		s.failPending(ctx, pending, reason)
		return Order{}, outcomeFailed, fmt.Errorf("%w: %s", ErrPaymentFailed, reason)
	}

	if !slices.Contains(materializableStatuses, pending.Status) {
		s.logger(ctx, "reconcile.confirm.closed_pending_order_paid", map[string]any{
			"reference":  reference,
			"status":     string(pending.Status),
			"amountPaid": confirmation.AmountPaid,
			"action":     "manual_refund_required",
		})
		return Order{}, outcomeClosed, fmt.Errorf("%w: pending order is %s", ErrPendingOrderClosed, pending.Status)
	}

	if confirmation.AmountPaid != pending.Amount || !strings.EqualFold(strings.TrimSpace(confirmation.Currency), pending.Currency) {
		reason := fmt.Sprintf("amount mismatch: paid %d %s, expected %d %s",
			confirmation.AmountPaid, strings.ToUpper(confirmation.Currency), pending.Amount, pending.Currency)
		s.logger(ctx, "reconcile.confirm.amount_mismatch", map[string]any{
			"reference": reference,
			"paid":      confirmation.AmountPaid,
			"expected":  pending.Amount,
			"currency":  confirmation.Currency,
			"source":    string(confirmation.Source),
		})
		s.failPending(ctx, pending, reason)
		return Order{}, outcomeMismatch, fmt.Errorf("%w: %s", ErrPaymentMismatch, reason)
	}

	order, created, err := s.materialize(ctx, pending)
	if err != nil {
		if errors.Is(err, ErrPendingOrderClosed) {
			return Order{}, outcomeClosed, err
		}
		return Order{}, outcomeError, err
	}
	if !created {
		return order, outcomeDuplicate, nil
	}

	s.metrics.OrderMaterialized(order.Provider)
	s.logger(ctx, "reconcile.order.materialized", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"reference":   reference,
		"source":      string(confirmation.Source),
		"amount":      order.Amount,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:             orderEventCreated,
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		UserID:           order.UserID,
		PaymentReference: order.PaymentReference,
		CurrentStatus:    string(order.Status),
		ActorID:          systemActor,
		Amount:           order.Amount,
		Currency:         order.Currency,
		OccurredAt:       order.CreatedAt,
	})
	s.dispatchInvoice(ctx, order)
	return order, outcomeCreated, nil
}

// materialize builds the order and hands it to the store's atomic create, retrying with fresh
// identifier candidates on collisions.
func (s *reconciliationService) materialize(ctx context.Context, pending domain.PendingOrder) (Order, bool, error) {
	orderID := s.newOrderID()
	for attempt := 1; attempt <= s.identifierAttempts; attempt++ {
		now := s.now()
		order := Order{
			ID:               orderID,
			OrderNumber:      s.identifiers.OrderNumber(),
			InvoiceNumber:    s.identifiers.InvoiceNumber(),
			UserID:           pending.UserID,
			LineItems:        slices.Clone(pending.CartSnapshot),
			DeliveryAddress:  pending.DeliveryAddress,
			DeliveryNotes:    pending.DeliveryNotes,
			Currency:         pending.Currency,
			Subtotal:         pending.Subtotal,
			Discount:         pending.Discount,
			Credits:          pending.Credits,
			Amount:           pending.Amount,
			Status:           domain.OrderStatusProcessing,
			PaymentReference: pending.PaymentReference,
			Provider:         pending.Provider,
			CreatedAt:        now,
			UpdatedAt:        now,
			StatusHistory: []domain.StatusChange{
				{Status: domain.OrderStatusPending, ChangedBy: systemActor, Reason: "order created", At: now},
				{Status: domain.OrderStatusProcessing, ChangedBy: systemActor, Reason: "payment confirmed", At: now},
			},
		}

		result, err := s.orders.Materialize(ctx, repositories.MaterializeOrderCommand{
			Order:                  order,
			AllowedPendingStatuses: materializableStatuses,
			ConsumedAt:             now,
		})
		if err == nil {
			return result.Order, result.Created, nil
		}

		var idErr *repositories.IdentifierConflictError
		if errors.As(err, &idErr) {
			s.metrics.IdentifierCollision()
			s.logger(ctx, "reconcile.identifier.collision", map[string]any{
				"identifier": idErr.Identifier,
				"attempt":    attempt,
			})
			continue
		}

		var stateErr *repositories.PendingOrderStateError
		if errors.As(err, &stateErr) {
			if stateErr.Current.Status == domain.PendingOrderStatusConsumed {
				existing, findErr := s.orders.FindByPaymentReference(ctx, pending.PaymentReference)
				if findErr != nil {
					return Order{}, false, mapRepositoryError(findErr, ErrOrderNotFound)
				}
				return existing, false, nil
			}
			return Order{}, false, fmt.Errorf("%w: pending order is %s", ErrPendingOrderClosed, stateErr.Current.Status)
		}

		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			// Lost a commit race at the datastore; the winner's order is authoritative.
			existing, findErr := s.orders.FindByPaymentReference(ctx, pending.PaymentReference)
			if findErr == nil {
				return existing, false, nil
			}
		}
		return Order{}, false, mapRepositoryError(err, ErrUnknownReference)
	}
	return Order{}, false, fmt.Errorf("%w: after %d attempts", ErrIdentifierExhausted, s.identifierAttempts)
}

func (s *reconciliationService) failPending(ctx context.Context, pending domain.PendingOrder, reason string) {
	if !pending.Status.Live() && pending.Status != domain.PendingOrderStatusExpired {
		return
	}
	_, err := s.pending.Transition(ctx, repositories.PendingOrderTransition{
		Reference: pending.PaymentReference,
		From:      materializableStatuses,
		To:        domain.PendingOrderStatusFailed,
		Reason:    reason,
		At:        s.now(),
	})
	if err != nil {
		var stateErr *repositories.PendingOrderStateError
		if errors.As(err, &stateErr) {
			return
		}
		s.logger(ctx, "reconcile.pending_order.fail_update_failed", map[string]any{
			"reference": pending.PaymentReference,
			"error":     err.Error(),
		})
	}
}

func (s *reconciliationService) dispatchInvoice(ctx context.Context, order Order) {
	if s.invoices == nil {
		return
	}
	err := s.invoices.DispatchInvoice(ctx, InvoiceTask{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		InvoiceNumber: order.InvoiceNumber,
		RequestedAt:   s.now(),
	})
	if err != nil {
		s.logger(ctx, "reconcile.invoice.dispatch_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

// VerifyPayment polls the gateway on the caller's behalf and confirms inline.
func (s *reconciliationService) VerifyPayment(ctx context.Context, reference, userID string) (PaymentVerification, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return PaymentVerification{}, fmt.Errorf("%w: payment reference is required", ErrReconcileInvalidInput)
	}

	if order, err := s.orders.FindByPaymentReference(ctx, reference); err == nil {
		if userID != "" && order.UserID != userID {
			return PaymentVerification{}, ErrUnknownReference
		}
		return PaymentVerification{Status: domain.PaymentStatusCompleted, Order: &order}, nil
	} else if !isNotFound(err) {
		return PaymentVerification{}, mapRepositoryError(err, ErrUnknownReference)
	}

	pending, err := s.pending.FindByReference(ctx, reference)
	if err != nil {
		return PaymentVerification{}, mapRepositoryError(err, ErrUnknownReference)
	}
	if userID != "" && pending.UserID != userID {
		return PaymentVerification{}, ErrUnknownReference
	}
	if !pending.Status.Live() && pending.Status != domain.PendingOrderStatusExpired {
		return PaymentVerification{Status: recordedPaymentStatus(pending.Status)}, nil
	}

	confirmation, err := s.verifyWithGateway(ctx, pending)
	if err != nil {
		if errors.Is(err, payments.ErrReferenceNotFound) {
			return PaymentVerification{Status: recordedPaymentStatus(pending.Status)}, nil
		}
		return PaymentVerification{}, mapGatewayError(err)
	}
	if confirmation.GatewayStatus == domain.GatewayStatusAbandoned {
		return PaymentVerification{Status: recordedPaymentStatus(pending.Status)}, nil
	}

	order, err := s.ConfirmPayment(ctx, confirmation)
	if err != nil {
		return PaymentVerification{}, err
	}
	return PaymentVerification{Status: domain.PaymentStatusCompleted, Order: &order}, nil
}

// CheckPaymentStatus reports the coarse payment state, confirming inline when the gateway now
// reports success.
func (s *reconciliationService) CheckPaymentStatus(ctx context.Context, reference string) (PaymentStatus, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", fmt.Errorf("%w: payment reference is required", ErrReconcileInvalidInput)
	}

	if _, err := s.orders.FindByPaymentReference(ctx, reference); err == nil {
		return domain.PaymentStatusCompleted, nil
	} else if !isNotFound(err) {
		return "", mapRepositoryError(err, ErrUnknownReference)
	}

	pending, err := s.pending.FindByReference(ctx, reference)
	if err != nil {
		return "", mapRepositoryError(err, ErrUnknownReference)
	}
	if !pending.Status.Live() {
		return recordedPaymentStatus(pending.Status), nil
	}

	confirmation, err := s.verifyWithGateway(ctx, pending)
	if err != nil {
		if !errors.Is(err, payments.ErrReferenceNotFound) {
			s.logger(ctx, "reconcile.status.verify_failed", map[string]any{
				"reference": reference,
				"error":     err.Error(),
			})
		}
		return domain.PaymentStatusPending, nil
	}

	switch confirmation.GatewayStatus {
	case domain.GatewayStatusSuccess, domain.GatewayStatusFailed:
		if _, err := s.ConfirmPayment(ctx, confirmation); err != nil {
			switch {
			case errors.Is(err, ErrPaymentMismatch), errors.Is(err, ErrPaymentFailed):
				return domain.PaymentStatusFailed, nil
			case errors.Is(err, ErrPendingOrderClosed):
				current, findErr := s.pending.FindByReference(ctx, reference)
				if findErr != nil {
					return "", mapRepositoryError(findErr, ErrUnknownReference)
				}
				return recordedPaymentStatus(current.Status), nil
			default:
				return "", err
			}
		}
		return domain.PaymentStatusCompleted, nil
	default:
		return domain.PaymentStatusPending, nil
	}
}

// HandleWebhook authenticates and applies a gateway notification. Terminal business outcomes are
// reported through WebhookOutcome with a nil error so the gateway stops redelivering; only
// transient failures are returned as errors.
func (s *reconciliationService) HandleWebhook(ctx context.Context, provider string, rawBody []byte, signature string) (WebhookOutcome, error) {
	gateway, err := s.gateways.Resolve(provider)
	if err != nil {
		return WebhookOutcome{}, fmt.Errorf("%w: %v", ErrReconcileInvalidInput, err)
	}
	if !gateway.VerifyWebhookSignature(rawBody, signature) {
		s.logger(ctx, "reconcile.webhook.signature_invalid", map[string]any{"provider": gateway.Name()})
		return WebhookOutcome{}, ErrInvalidWebhookSignature
	}

	event, err := gateway.ParseWebhook(rawBody)
	if err != nil {
		return WebhookOutcome{Disposition: WebhookRejected, Reason: err.Error()}, nil
	}
	if event.Type == payments.WebhookEventIgnored {
		return WebhookOutcome{Disposition: WebhookIgnored, Reason: event.RawType}, nil
	}

	reference := event.Confirmation.Reference
	_, outcome, err := s.confirmOutcome(ctx, event.Confirmation)
	switch {
	case err == nil:
		return outcome, nil
	case IsTransient(err):
		return WebhookOutcome{Reference: reference}, err
	default:
		s.logger(ctx, "reconcile.webhook.rejected", map[string]any{
			"reference": reference,
			"kind":      ErrorKind(err),
			"error":     err.Error(),
		})
		return WebhookOutcome{Disposition: WebhookRejected, Reference: reference, Reason: ErrorKind(err)}, nil
	}
}

func (s *reconciliationService) confirmOutcome(ctx context.Context, confirmation PaymentConfirmation) (Order, WebhookOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.ConfirmPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.reference", confirmation.Reference),
		attribute.String("payment.source", string(confirmation.Source)),
	)

	order, outcome, err := s.confirm(ctx, confirmation)
	s.metrics.ConfirmationProcessed(confirmation.Source, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return Order{}, WebhookOutcome{}, err
	}
	disposition := WebhookProcessed
	if outcome == outcomeDuplicate {
		disposition = WebhookDuplicate
	}
	return order, WebhookOutcome{Disposition: disposition, Reference: confirmation.Reference, OrderID: order.ID}, nil
}

// ExpirePendingOrders closes live pending orders past their TTL after a last gateway check.
func (s *reconciliationService) ExpirePendingOrders(ctx context.Context, limit int) (ExpireResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	stale, err := s.pending.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return ExpireResult{}, mapRepositoryError(err, ErrPendingOrderNotFound)
	}

	var result ExpireResult
	for _, pending := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		confirmation, verifyErr := s.verifyWithGateway(ctx, pending)
		switch {
		case verifyErr == nil && confirmation.GatewayStatus != domain.GatewayStatusAbandoned:
			confirmation.Source = domain.ConfirmationSourceSweep
			if _, err := s.ConfirmPayment(ctx, confirmation); err != nil {
				result.Failed++
				if IsTransient(err) {
					s.logger(ctx, "reconcile.sweep.confirm_failed", map[string]any{
						"reference": pending.PaymentReference,
						"error":     err.Error(),
					})
				}
				continue
			}
			result.Confirmed++
			continue
		case verifyErr != nil && !errors.Is(verifyErr, payments.ErrReferenceNotFound):
			s.logger(ctx, "reconcile.sweep.verify_failed", map[string]any{
				"reference": pending.PaymentReference,
				"error":     verifyErr.Error(),
			})
			result.Skipped++
			continue
		}

		_, err := s.pending.Transition(ctx, repositories.PendingOrderTransition{
			Reference: pending.PaymentReference,
			From:      domain.LivePendingOrderStatuses,
			To:        domain.PendingOrderStatusExpired,
			Reason:    "payment window elapsed",
			At:        s.now(),
		})
		if err != nil {
			var stateErr *repositories.PendingOrderStateError
			if errors.As(err, &stateErr) {
				result.Skipped++
				continue
			}
			return result, mapRepositoryError(err, ErrPendingOrderNotFound)
		}
		result.Expired++
	}

	if result.Expired > 0 {
		s.metrics.PendingOrdersExpired(result.Expired)
	}
	s.logger(ctx, "reconcile.sweep.completed", map[string]any{
		"scanned":   result.Scanned,
		"expired":   result.Expired,
		"confirmed": result.Confirmed,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	})
	return result, nil
}

func (s *reconciliationService) verifyWithGateway(ctx context.Context, pending domain.PendingOrder) (PaymentConfirmation, error) {
	gateway, err := s.gateways.Resolve(pending.Provider)
	if err != nil {
		return PaymentConfirmation{}, err
	}
	confirmation, err := gateway.Verify(ctx, pending.PaymentReference)
	if err != nil {
		return PaymentConfirmation{}, err
	}
	if confirmation.Reference == "" {
		confirmation.Reference = pending.PaymentReference
	}
	if confirmation.Source == "" {
		confirmation.Source = domain.ConfirmationSourcePoll
	}
	return confirmation, nil
}

func recordedPaymentStatus(status domain.PendingOrderStatus) PaymentStatus {
	switch status {
	case domain.PendingOrderStatusConsumed:
		return domain.PaymentStatusCompleted
	case domain.PendingOrderStatusFailed:
		return domain.PaymentStatusFailed
	case domain.PendingOrderStatusCancelled:
		return domain.PaymentStatusCancelled
	case domain.PendingOrderStatusExpired:
		return domain.PaymentStatusExpired
	default:
		return domain.PaymentStatusPending
	}
}

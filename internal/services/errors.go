package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories"
)

var (
	// ErrReconcileInvalidInput signals the caller provided invalid data.
	ErrReconcileInvalidInput = errors.New("reconcile: invalid input")
	// ErrInvalidPricingInput signals the cart could not be priced.
	ErrInvalidPricingInput = errors.New("reconcile: invalid pricing input")
	// ErrGatewayUnavailable indicates the payment gateway could not be reached. Safe to retry.
	ErrGatewayUnavailable = errors.New("reconcile: payment gateway unavailable")
	// ErrGatewayRejected indicates the payment gateway refused the request.
	ErrGatewayRejected = errors.New("reconcile: payment gateway rejected request")
	// ErrPaymentMismatch indicates the paid amount or currency differs from the frozen amount.
	ErrPaymentMismatch = errors.New("reconcile: payment amount mismatch")
	// ErrPaymentFailed indicates the gateway reported a failed payment.
	ErrPaymentFailed = errors.New("reconcile: payment failed")
	// ErrUnknownReference indicates no pending order or order exists for the payment reference.
	ErrUnknownReference = errors.New("reconcile: unknown payment reference")
	// ErrIllegalTransition indicates the requested order status change is not allowed.
	ErrIllegalTransition = errors.New("reconcile: illegal status transition")
	// ErrIdentifierExhausted indicates no unique order/invoice number could be reserved.
	ErrIdentifierExhausted = errors.New("reconcile: identifier attempts exhausted")
	// ErrAlreadyConfirmed indicates the pending order was already materialised into an order.
	ErrAlreadyConfirmed = errors.New("reconcile: payment already confirmed")
	// ErrPendingOrderNotFound indicates the pending order could not be located for the caller.
	ErrPendingOrderNotFound = errors.New("reconcile: pending order not found")
	// ErrOrderNotFound indicates the order could not be located for the caller.
	ErrOrderNotFound = errors.New("reconcile: order not found")
	// ErrPendingOrderClosed indicates the pending order was cancelled, failed or expired.
	ErrPendingOrderClosed = errors.New("reconcile: pending order closed")
	// ErrReconcileUnavailable indicates a datastore or collaborator failure. Safe to retry.
	ErrReconcileUnavailable = errors.New("reconcile: unavailable")
	// ErrInvalidWebhookSignature indicates a webhook body failed signature verification.
	ErrInvalidWebhookSignature = errors.New("reconcile: invalid webhook signature")
	// ErrCartNotFound indicates the customer has no cart to check out.
	ErrCartNotFound = errors.New("reconcile: cart not found")
	// ErrCartNotReady indicates the cart changed or cannot be checked out as it stands.
	ErrCartNotReady = errors.New("reconcile: cart not ready")
	// ErrInvoiceNotReady indicates the invoice document has not been rendered yet.
	ErrInvoiceNotReady = errors.New("reconcile: invoice not ready")
)

// Error kinds surfaced in API error envelopes.
const (
	KindValidation         = "validation"
	KindUnauthenticated    = "unauthenticated"
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindPaymentMismatch    = "payment_mismatch"
	KindPaymentFailed      = "payment_failed"
	KindIllegalTransition  = "illegal_transition"
	KindGatewayUnavailable = "gateway_unavailable"
	KindGatewayRejected    = "gateway_rejected"
	KindUnavailable        = "unavailable"
	KindInternal           = "internal"
)

// ErrorKind maps service errors onto stable kinds used by transports.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconcileInvalidInput), errors.Is(err, ErrInvalidPricingInput):
		return KindValidation
	case errors.Is(err, ErrInvalidWebhookSignature):
		return KindUnauthenticated
	case errors.Is(err, ErrPendingOrderNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrUnknownReference),
		errors.Is(err, ErrCartNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrPendingOrderClosed), errors.Is(err, ErrInvoiceNotReady),
		errors.Is(err, ErrCartNotReady):
		return KindConflict
	case errors.Is(err, ErrPaymentMismatch):
		return KindPaymentMismatch
	case errors.Is(err, ErrPaymentFailed):
		return KindPaymentFailed
	case errors.Is(err, ErrIllegalTransition):
		return KindIllegalTransition
	case errors.Is(err, ErrGatewayUnavailable):
		return KindGatewayUnavailable
	case errors.Is(err, ErrGatewayRejected):
		return KindGatewayRejected
	case errors.Is(err, ErrReconcileUnavailable), errors.Is(err, ErrIdentifierExhausted),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// IsTransient reports whether the failure may succeed on redelivery.
func IsTransient(err error) bool {
	switch ErrorKind(err) {
	case KindUnavailable, KindGatewayUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

func mapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrGatewayRejected), errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	case errors.Is(err, payments.ErrReferenceNotFound):
		return fmt.Errorf("%w: %v", ErrUnknownReference, err)
	default:
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
}

func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
}

// mapCommerceError translates cart store and catalog failures.
func mapCommerceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartNotReady, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

package repositories

import (
	"fmt"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// PendingOrderStateError reports a compare-and-swap miss on a pending order. Current holds the
// record as stored so callers can decide how to react (e.g. a consumed pending order).
type PendingOrderStateError struct {
	Op      string
	Current domain.PendingOrder
}

// Error implements the error interface.
func (e *PendingOrderStateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: pending order %s is %s", e.Op, e.Current.PaymentReference, e.Current.Status)
}

func (e *PendingOrderStateError) IsNotFound() bool    { return false }
func (e *PendingOrderStateError) IsConflict() bool    { return e != nil }
func (e *PendingOrderStateError) IsUnavailable() bool { return false }

// OrderStateError reports a compare-and-swap miss on an order status.
type OrderStateError struct {
	Op      string
	Current domain.Order
}

// Error implements the error interface.
func (e *OrderStateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: order %s is %s", e.Op, e.Current.ID, e.Current.Status)
}

func (e *OrderStateError) IsNotFound() bool    { return false }
func (e *OrderStateError) IsConflict() bool    { return e != nil }
func (e *OrderStateError) IsUnavailable() bool { return false }

// IdentifierConflictError reports that a candidate order or invoice number is already taken.
type IdentifierConflictError struct {
	Op         string
	Identifier string
}

// Error implements the error interface.
func (e *IdentifierConflictError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: identifier %s already reserved", e.Op, e.Identifier)
}

func (e *IdentifierConflictError) IsNotFound() bool    { return false }
func (e *IdentifierConflictError) IsConflict() bool    { return e != nil }
func (e *IdentifierConflictError) IsUnavailable() bool { return false }

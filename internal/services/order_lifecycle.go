package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxReasonLength      = 500
)

// GetOrder returns the order owned by userID. Admin callers pass an empty userID.
func (s *reconciliationService) GetOrder(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrReconcileInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if userID != "" && order.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *reconciliationService) ListOrders(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrReconcileInvalidInput)
	}
	filter.UserID = userID
	return s.listOrders(ctx, filter)
}

func (s *reconciliationService) ListAllOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	return s.listOrders(ctx, filter)
}

func (s *reconciliationService) listOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Status {
		if _, ok := domain.ParseOrderStatus(string(status)); !ok {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown order status %q", ErrReconcileInvalidInput, status)
		}
	}
	if from, to := filter.DateRange.From, filter.DateRange.To; from != nil && to != nil && to.Before(*from) {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: date range end precedes start", ErrReconcileInvalidInput)
	}
	switch size := filter.Pagination.PageSize; {
	case size <= 0:
		filter.Pagination.PageSize = defaultOrderPageSize
	case size > maxOrderPageSize:
		filter.Pagination.PageSize = maxOrderPageSize
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: invalid page token", ErrReconcileInvalidInput)
		}
		return domain.CursorPage[Order]{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return page, nil
}

// CancelOrder lets the owning customer cancel an order that has not shipped.
func (s *reconciliationService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrReconcileInvalidInput)
	}
	reason := s.sanitize(cmd.Reason)
	if len([]rune(reason)) > maxReasonLength {
		return Order{}, fmt.Errorf("%w: reason exceeds %d characters", ErrReconcileInvalidInput, maxReasonLength)
	}
	if reason == "" {
		reason = "cancelled by customer"
	}

	order, err := s.GetOrder(ctx, cmd.OrderID, userID)
	if err != nil {
		return Order{}, err
	}
	return s.changeStatus(ctx, order, domain.OrderStatusCancelled, userID, reason, func(current domain.OrderStatus) error {
		if !current.CustomerCancellable() {
			return fmt.Errorf("%w: cannot cancel an order that is %s", ErrIllegalTransition, current)
		}
		return nil
	})
}

// UpdateOrderStatus applies an operator status change subject to the order state machine.
func (s *reconciliationService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	target, ok := domain.ParseOrderStatus(cmd.Status)
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown order status %q", ErrReconcileInvalidInput, cmd.Status)
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrReconcileInvalidInput)
	}
	reason := s.sanitize(cmd.Reason)
	if len([]rune(reason)) > maxReasonLength {
		return Order{}, fmt.Errorf("%w: reason exceeds %d characters", ErrReconcileInvalidInput, maxReasonLength)
	}

	order, err := s.GetOrder(ctx, cmd.OrderID, "")
	if err != nil {
		return Order{}, err
	}
	return s.changeStatus(ctx, order, target, actor, reason, nil)
}

// changeStatus performs a compare-and-swap status write, re-validating against the stored
// status whenever a concurrent writer wins.
func (s *reconciliationService) changeStatus(ctx context.Context, order Order, target domain.OrderStatus, actor, reason string, guard func(domain.OrderStatus) error) (Order, error) {
	current := order
	for attempt := 0; attempt < maxStatusCASAttempts; attempt++ {
		if current.Status.IsTerminal() {
			return Order{}, fmt.Errorf("%w: order is %s and closed", ErrIllegalTransition, current.Status)
		}
		if guard != nil {
			if err := guard(current.Status); err != nil {
				return Order{}, err
			}
		}
		if !domain.CanTransition(current.Status, target) {
			return Order{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, target)
		}

		updated, err := s.orders.AppendStatus(ctx, repositories.OrderStatusUpdate{
			OrderID:  current.ID,
			Expected: current.Status,
			Change: domain.StatusChange{
				Status:    target,
				ChangedBy: actor,
				Reason:    reason,
				At:        s.now(),
			},
		})
		if err == nil {
			s.logger(ctx, "reconcile.order.status_changed", map[string]any{
				"orderId":  updated.ID,
				"from":     string(current.Status),
				"to":       string(target),
				"actor":    actor,
				"attempts": attempt + 1,
			})
			s.publishEvent(ctx, OrderEvent{
				Type:             orderEventStatusChanged,
				OrderID:          updated.ID,
				OrderNumber:      updated.OrderNumber,
				UserID:           updated.UserID,
				PaymentReference: updated.PaymentReference,
				PreviousStatus:   string(current.Status),
				CurrentStatus:    string(updated.Status),
				ActorID:          actor,
				Amount:           updated.Amount,
				Currency:         updated.Currency,
				OccurredAt:       updated.UpdatedAt,
			})
			return updated, nil
		}

		var stateErr *repositories.OrderStateError
		if !errors.As(err, &stateErr) {
			return Order{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		current = stateErr.Current
	}
	return Order{}, fmt.Errorf("%w: order %s changed concurrently", ErrReconcileUnavailable, order.ID)
}

// Stats aggregates order counts by status and realised revenue.
func (s *reconciliationService) Stats(ctx context.Context) (OrderStats, error) {
	aggregate, err := s.orders.Aggregate(ctx, revenueStatuses)
	if err != nil {
		return OrderStats{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	live, err := s.pending.CountLive(ctx)
	if err != nil {
		return OrderStats{}, mapRepositoryError(err, ErrPendingOrderNotFound)
	}

	counts := make(map[domain.OrderStatus]int64, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		counts[status] = aggregate.CountsByStatus[status]
	}
	return OrderStats{
		Currency:         s.statsCurrency,
		CountsByStatus:   counts,
		Revenue:          aggregate.Revenue,
		OpenPendingCount: live,
		GeneratedAt:      s.now(),
	}, nil
}

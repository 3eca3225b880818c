package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// OrderRepository implements repositories.OrderRepository.
type OrderRepository struct {
	store *Store
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns a repository backed by store.
func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{store: store}
}

func (r *OrderRepository) Materialize(_ context.Context, cmd repositories.MaterializeOrderCommand) (repositories.MaterializeResult, error) {
	const op = "orders.materialize"
	order := cmd.Order
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.orderByRef[order.PaymentReference]; ok {
		return repositories.MaterializeResult{Order: cloneOrder(s.orders[existingID]), Created: false}, nil
	}

	pending, ok := s.pendingByRef[order.PaymentReference]
	if !ok {
		return repositories.MaterializeResult{}, notFound(op, "reference %s not found", order.PaymentReference)
	}
	if !slices.Contains(cmd.AllowedPendingStatuses, pending.Status) {
		return repositories.MaterializeResult{}, &repositories.PendingOrderStateError{Op: op, Current: clonePending(pending)}
	}
	if _, taken := s.orderNumbers[order.OrderNumber]; taken {
		return repositories.MaterializeResult{}, &repositories.IdentifierConflictError{Op: op, Identifier: order.OrderNumber}
	}
	if _, taken := s.invoiceNumber[order.InvoiceNumber]; taken {
		return repositories.MaterializeResult{}, &repositories.IdentifierConflictError{Op: op, Identifier: order.InvoiceNumber}
	}
	if _, exists := s.orders[order.ID]; exists {
		return repositories.MaterializeResult{}, conflict(op, "order %s already exists", order.ID)
	}

	s.orders[order.ID] = cloneOrder(order)
	s.orderByRef[order.PaymentReference] = order.ID
	s.orderNumbers[order.OrderNumber] = order.ID
	s.invoiceNumber[order.InvoiceNumber] = order.ID

	pending.Status = domain.PendingOrderStatusConsumed
	pending.OrderID = order.ID
	pending.FailureReason = ""
	pending.UpdatedAt = cmd.ConsumedAt
	s.pendingByRef[order.PaymentReference] = pending

	return repositories.MaterializeResult{Order: cloneOrder(order), Created: true}, nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByPaymentReference(_ context.Context, reference string) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.orderByRef[reference]
	if !ok {
		return domain.Order{}, notFound("orders.get", "no order for reference %s", reference)
	}
	return cloneOrder(s.orders[id]), nil
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	afterAt, afterID, hasCursor, err := pagination.DecodeTimeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	s := r.store
	s.mu.Lock()
	matched := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		if from := filter.DateRange.From; from != nil && order.CreatedAt.Before(*from) {
			continue
		}
		if to := filter.DateRange.To; to != nil && order.CreatedAt.After(*to) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	s.mu.Unlock()

	slices.SortFunc(matched, newestFirst)

	start := 0
	if hasCursor {
		start = len(matched)
		for i, order := range matched {
			if order.CreatedAt.Before(afterAt) || (order.CreatedAt.Equal(afterAt) && order.ID < afterID) {
				start = i
				break
			}
		}
	}
	matched = matched[start:]

	page := domain.CursorPage[domain.Order]{}
	if len(matched) > size {
		last := matched[size-1]
		token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		matched = matched[:size]
	}
	page.Items = matched
	return page, nil
}

func (r *OrderRepository) AppendStatus(_ context.Context, cmd repositories.OrderStatusUpdate) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[cmd.OrderID]
	if !ok {
		return domain.Order{}, notFound("orders.append_status", "order %s not found", cmd.OrderID)
	}
	if order.Status != cmd.Expected {
		return domain.Order{}, &repositories.OrderStateError{Op: "orders.append_status", Current: cloneOrder(order)}
	}
	order = cloneOrder(order)
	order.Status = cmd.Change.Status
	order.StatusHistory = append(order.StatusHistory, cmd.Change)
	order.UpdatedAt = cmd.Change.At
	s.orders[order.ID] = order
	return cloneOrder(order), nil
}

func (r *OrderRepository) AttachInvoice(_ context.Context, orderID, documentRef string, at time.Time) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.attach_invoice", "order %s not found", orderID)
	}
	if order.InvoiceDocumentRef != "" {
		return cloneOrder(order), nil
	}
	order.InvoiceDocumentRef = documentRef
	order.UpdatedAt = at
	s.orders[orderID] = order
	return cloneOrder(order), nil
}

func (r *OrderRepository) ListMissingInvoices(_ context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []domain.Order
	for _, order := range s.orders {
		if order.InvoiceDocumentRef != "" || order.CreatedAt.After(createdBefore) {
			continue
		}
		missing = append(missing, cloneOrder(order))
	}
	slices.SortFunc(missing, func(a, b domain.Order) int { return -newestFirst(a, b) })
	if limit > 0 && len(missing) > limit {
		missing = missing[:limit]
	}
	return missing, nil
}

func (r *OrderRepository) Aggregate(_ context.Context, revenueStatuses []domain.OrderStatus) (repositories.OrderAggregate, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := repositories.OrderAggregate{CountsByStatus: make(map[domain.OrderStatus]int64)}
	for _, order := range s.orders {
		agg.CountsByStatus[order.Status]++
		if slices.Contains(revenueStatuses, order.Status) {
			agg.Revenue += order.Amount
		}
	}
	return agg, nil
}

func newestFirst(a, b domain.Order) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

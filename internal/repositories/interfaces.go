package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	PendingOrders() PendingOrderRepository
	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// PendingOrderRepository persists checkout attempts keyed by their payment reference.
type PendingOrderRepository interface {
	// Insert stores a new pending order. It returns a conflict RepositoryError when the
	// payment reference is already taken.
	Insert(ctx context.Context, pending domain.PendingOrder) error
	FindByID(ctx context.Context, pendingOrderID string) (domain.PendingOrder, error)
	FindByReference(ctx context.Context, reference string) (domain.PendingOrder, error)
	// Transition atomically moves the pending order to cmd.To when its current status is one of
	// cmd.From. A status mismatch yields *PendingOrderStateError carrying the stored record.
	Transition(ctx context.Context, cmd PendingOrderTransition) (domain.PendingOrder, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.PendingOrder, error)
	CountLive(ctx context.Context) (int64, error)
}

// PendingOrderTransition describes a compare-and-swap status change on a pending order.
type PendingOrderTransition struct {
	Reference        string
	From             []domain.PendingOrderStatus
	To               domain.PendingOrderStatus
	Reason           string
	AuthorizationURL string
	AccessCode       string
	At               time.Time
}

// OrderRepository persists finalised orders and their status history.
type OrderRepository interface {
	// Materialize creates the order, reserves its order and invoice numbers, and consumes the
	// pending order in a single atomic unit. When an order already exists for the payment
	// reference it is returned with Created=false and nothing is written.
	Materialize(ctx context.Context, cmd MaterializeOrderCommand) (MaterializeResult, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// AppendStatus sets the status and appends the history entry only when the stored status
	// still equals cmd.Expected. A mismatch yields *OrderStateError.
	AppendStatus(ctx context.Context, cmd OrderStatusUpdate) (domain.Order, error)
	AttachInvoice(ctx context.Context, orderID, documentRef string, at time.Time) (domain.Order, error)
	ListMissingInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
	Aggregate(ctx context.Context, revenueStatuses []domain.OrderStatus) (OrderAggregate, error)
}

// MaterializeOrderCommand carries the fully built order. The pending order consumed is the one
// sharing Order.PaymentReference.
type MaterializeOrderCommand struct {
	Order                  domain.Order
	AllowedPendingStatuses []domain.PendingOrderStatus
	ConsumedAt             time.Time
}

// MaterializeResult reports the stored order and whether this call created it.
type MaterializeResult struct {
	Order   domain.Order
	Created bool
}

// OrderStatusUpdate is a compare-and-swap status change on an order.
type OrderStatusUpdate struct {
	OrderID  string
	Expected domain.OrderStatus
	Change   domain.StatusChange
}

// OrderListFilter narrows order listings. An empty UserID lists every customer's orders.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// OrderAggregate is the raw aggregation used to build admin statistics.
type OrderAggregate struct {
	CountsByStatus map[domain.OrderStatus]int64
	Revenue        int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

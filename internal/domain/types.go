package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is a generic cursor-paginated result.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// LineItem captures a cart line at the price quoted when it was added to the cart.
// UnitPrice is expressed in the currency's minor unit.
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
}

// Total returns quantity multiplied by unit price.
func (l LineItem) Total() int64 {
	return int64(l.Quantity) * l.UnitPrice
}

// DeliveryAddress is the shipping destination snapshot stored with pending orders and orders.
type DeliveryAddress struct {
	RecipientName string
	Phone         string
	Line1         string
	Line2         string
	City          string
	Region        string
	PostalCode    string
	Country       string
}

// PendingOrderStatus enumerates the lifecycle of a checkout attempt.
type PendingOrderStatus string

const (
	// PendingOrderStatusAwaitingPayment indicates the gateway was initialised and payment is outstanding.
	PendingOrderStatusAwaitingPayment PendingOrderStatus = "awaiting_payment"
	// PendingOrderStatusInitFailed indicates gateway initialisation failed; the reference may be reused.
	PendingOrderStatusInitFailed PendingOrderStatus = "init_failed"
	// PendingOrderStatusConsumed indicates the pending order was materialised into an order.
	PendingOrderStatusConsumed PendingOrderStatus = "consumed"
	// PendingOrderStatusFailed indicates the payment failed or did not match the quoted amount.
	PendingOrderStatusFailed PendingOrderStatus = "failed"
	// PendingOrderStatusCancelled indicates the owning user cancelled the checkout.
	PendingOrderStatusCancelled PendingOrderStatus = "cancelled"
	// PendingOrderStatusExpired indicates the pending order outlived its TTL without payment.
	PendingOrderStatusExpired PendingOrderStatus = "expired"
)

// Live reports whether the pending order can still be paid, cancelled or consumed.
func (s PendingOrderStatus) Live() bool {
	return s == PendingOrderStatusAwaitingPayment || s == PendingOrderStatusInitFailed
}

// LivePendingOrderStatuses lists statuses from which a pending order may still change.
var LivePendingOrderStatuses = []PendingOrderStatus{
	PendingOrderStatusAwaitingPayment,
	PendingOrderStatusInitFailed,
}

// PendingOrder is a priced checkout attempt handed to the payment gateway but not yet confirmed.
type PendingOrder struct {
	ID               string
	UserID           string
	CustomerEmail    string
	PaymentReference string
	Provider         string
	Currency         string
	CartSnapshot     []LineItem
	DeliveryAddress  DeliveryAddress
	DeliveryNotes    string
	Subtotal         int64
	Discount         int64
	Credits          int64
	Amount           int64
	Status           PendingOrderStatus
	FailureReason    string
	AuthorizationURL string
	AccessCode       string
	OrderID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state recorded when an order row is created.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment cleared and the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled by the customer or an operator.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed indicates the order could not be fulfilled.
	OrderStatusFailed OrderStatus = "failed"
)

// OrderStatuses lists every known order status.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusFailed,
}

// StatusChange is a single append-only entry in an order's status history.
type StatusChange struct {
	Status    OrderStatus
	ChangedBy string
	Reason    string
	At        time.Time
}

// Order is the durable post-payment record of a purchase.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	LineItems          []LineItem
	DeliveryAddress    DeliveryAddress
	DeliveryNotes      string
	Currency           string
	Subtotal           int64
	Discount           int64
	Credits            int64
	Amount             int64
	Status             OrderStatus
	InvoiceNumber      string
	InvoiceDocumentRef string
	PaymentReference   string
	Provider           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StatusHistory      []StatusChange
}

// GatewayStatus is the outcome reported by the payment gateway.
type GatewayStatus string

const (
	// GatewayStatusSuccess indicates the payment cleared.
	GatewayStatusSuccess GatewayStatus = "success"
	// GatewayStatusFailed indicates the payment was declined or errored.
	GatewayStatusFailed GatewayStatus = "failed"
	// GatewayStatusAbandoned indicates the customer has not completed payment.
	GatewayStatusAbandoned GatewayStatus = "abandoned"
)

// ConfirmationSource identifies the channel a payment confirmation arrived on.
type ConfirmationSource string

const (
	// ConfirmationSourceWebhook is a signed server-to-server notification.
	ConfirmationSourceWebhook ConfirmationSource = "webhook"
	// ConfirmationSourcePoll is a client-initiated verification call.
	ConfirmationSourcePoll ConfirmationSource = "poll"
	// ConfirmationSourceSweep is a verification triggered by the expiry sweeper.
	ConfirmationSourceSweep ConfirmationSource = "sweep"
)

// PaymentConfirmation is a transient gateway report processed idempotently.
type PaymentConfirmation struct {
	Reference     string
	GatewayStatus GatewayStatus
	AmountPaid    int64
	Currency      string
	RawPayload    []byte
	Source        ConfirmationSource
}

// PaymentStatus is the coarse status returned to clients polling a payment reference.
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusExpired   PaymentStatus = "expired"
)

// InvoiceDocument is the result returned by the invoice rendering collaborator.
type InvoiceDocument struct {
	InvoiceNumber string
	DocumentURL   string
}

// OrderStats aggregates order counts and revenue for admin reporting.
type OrderStats struct {
	Currency         string
	CountsByStatus   map[OrderStatus]int64
	Revenue          int64
	OpenPendingCount int64
	GeneratedAt      time.Time
}

package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	PendingOrder        = domain.PendingOrder
	PaymentConfirmation = domain.PaymentConfirmation
	PaymentStatus       = domain.PaymentStatus
	OrderStats          = domain.OrderStats
	OrderListFilter     = repositories.OrderListFilter
	QuoteRequest        = domain.QuoteRequest
)

// ReconciliationService turns priced carts into paid orders exactly once per payment reference.
type ReconciliationService interface {
	CreatePendingOrder(ctx context.Context, cmd CreatePendingOrderCommand) (CheckoutResult, error)
	RetryPaymentInitialization(ctx context.Context, pendingOrderID, userID string) (CheckoutResult, error)
	GetPendingOrder(ctx context.Context, pendingOrderID, userID string) (PendingOrder, error)
	CancelPendingOrder(ctx context.Context, pendingOrderID, userID string) (PendingOrder, error)

	ConfirmPayment(ctx context.Context, confirmation PaymentConfirmation) (Order, error)
	VerifyPayment(ctx context.Context, reference, userID string) (PaymentVerification, error)
	CheckPaymentStatus(ctx context.Context, reference string) (PaymentStatus, error)
	HandleWebhook(ctx context.Context, provider string, rawBody []byte, signature string) (WebhookOutcome, error)
	ExpirePendingOrders(ctx context.Context, limit int) (ExpireResult, error)

	GetOrder(ctx context.Context, orderID, userID string) (Order, error)
	ListOrders(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListAllOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Stats(ctx context.Context) (OrderStats, error)

	RenderInvoice(ctx context.Context, orderID string) (Order, error)
	RedispatchMissingInvoices(ctx context.Context, limit int) (int, error)
	InvoiceDownloadURL(ctx context.Context, orderID, userID string) (InvoiceLink, error)
}

// SystemService exposes operational metadata for health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// CreatePendingOrderCommand carries a validated checkout request. The cart and every amount
// are loaded server side; the caller only names the cart it is checking out.
type CreatePendingOrderCommand struct {
	UserID          string
	Email           string
	CartID          string
	PromotionCode   string
	ApplyCredits    bool
	DeliveryAddress domain.DeliveryAddress
	Notes           string
	Provider        string
}

// CheckoutResult returns the persisted pending order and the hosted payment page.
type CheckoutResult struct {
	PendingOrder     PendingOrder
	AuthorizationURL string
}

// PaymentVerification is the outcome of a client-initiated verification.
type PaymentVerification struct {
	Status PaymentStatus
	Order  *Order
}

// WebhookDisposition classifies how a webhook delivery was handled.
type WebhookDisposition string

const (
	WebhookProcessed WebhookDisposition = "processed"
	WebhookDuplicate WebhookDisposition = "duplicate"
	WebhookIgnored   WebhookDisposition = "ignored"
	WebhookRejected  WebhookDisposition = "rejected"
)

// WebhookOutcome reports the result of a signed gateway notification.
type WebhookOutcome struct {
	Disposition WebhookDisposition
	Reference   string
	OrderID     string
	Reason      string
}

// ExpireResult summarises one sweep over stale pending orders.
type ExpireResult struct {
	Scanned   int
	Expired   int
	Confirmed int
	Failed    int
	Skipped   int
}

// CancelOrderCommand is a customer-initiated order cancellation.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
}

// UpdateOrderStatusCommand is an operator-initiated status change.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  string
	ActorID string
	Reason  string
}

// InvoiceLink is a time-limited download URL for a rendered invoice.
type InvoiceLink struct {
	InvoiceNumber string
	URL           string
	ExpiresAt     time.Time
}

// CartSource loads the customer's current cart. Errors follow the repositories.RepositoryError
// categories: not found, conflict (cart not ready for checkout) and unavailable.
type CartSource interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
}

// CatalogPricer prices cart lines at current catalog prices and resolves the promotion code and
// spendable credits to amounts. Errors follow the same categories as CartSource.
type CatalogPricer interface {
	QuoteCart(ctx context.Context, req QuoteRequest) (domain.CartQuote, error)
}

// GatewayResolver selects the payment gateway for a provider name.
type GatewayResolver interface {
	Resolve(provider string) (payments.Gateway, error)
	DefaultProvider() string
}

// IdentifierSource yields order and invoice number candidates.
type IdentifierSource interface {
	OrderNumber() string
	InvoiceNumber() string
}

// InvoiceTask asks the invoice worker to render the document for an order.
type InvoiceTask struct {
	OrderID       string
	OrderNumber   string
	InvoiceNumber string
	RequestedAt   time.Time
}

// InvoiceDispatcher queues invoice rendering out of band.
type InvoiceDispatcher interface {
	DispatchInvoice(ctx context.Context, task InvoiceTask) error
}

// InvoiceRenderer is the external invoice rendering collaborator.
type InvoiceRenderer interface {
	RenderInvoice(ctx context.Context, order Order) (domain.InvoiceDocument, error)
}

// InvoiceURLSigner issues time-limited download URLs for stored invoice documents.
type InvoiceURLSigner interface {
	SignedURL(ctx context.Context, documentRef string, ttl time.Duration) (string, error)
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type             string
	OrderID          string
	OrderNumber      string
	UserID           string
	PaymentReference string
	PreviousStatus   string
	CurrentStatus    string
	ActorID          string
	Amount           int64
	Currency         string
	OccurredAt       time.Time
}

// ReconcileMetrics records reconciliation outcomes.
type ReconcileMetrics interface {
	ConfirmationProcessed(source domain.ConfirmationSource, outcome string)
	OrderMaterialized(provider string)
	IdentifierCollision()
	PendingOrdersExpired(count int)
}

type noopMetrics struct{}

func (noopMetrics) ConfirmationProcessed(domain.ConfirmationSource, string) {}
func (noopMetrics) OrderMaterialized(string)                               {}
func (noopMetrics) IdentifierCollision()                                   {}
func (noopMetrics) PendingOrdersExpired(int)                               {}

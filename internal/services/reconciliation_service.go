package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	systemActor = "system"

	defaultPendingOrderTTL    = 30 * time.Minute
	defaultIdentifierAttempts = 5
	defaultInvoiceRetryAfter  = 15 * time.Minute
	defaultInvoiceURLTTL      = 15 * time.Minute
	defaultSweepLimit         = 100
	maxNotesLength            = 500
	maxStatusCASAttempts      = 3
)

// revenueStatuses lists the order statuses whose amounts count as realised revenue.
var revenueStatuses = []domain.OrderStatus{
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

// ReconciliationServiceDeps wires the collaborators of the reconciliation engine.
type ReconciliationServiceDeps struct {
	PendingOrders repositories.PendingOrderRepository
	Orders        repositories.OrderRepository
	Carts         CartSource
	Pricer        CatalogPricer
	Gateways      GatewayResolver
	Identifiers   IdentifierSource
	Invoices      InvoiceDispatcher
	Renderer      InvoiceRenderer
	Signer        InvoiceURLSigner
	Events        OrderEventPublisher
	Metrics       ReconcileMetrics
	Sanitize      func(string) string

	Clock              func() time.Time
	OrderIDGenerator   func() string
	PendingIDGenerator func() string
	ReferenceGenerator func() string
	Logger             func(ctx context.Context, event string, fields map[string]any)

	PendingOrderTTL    time.Duration
	IdentifierAttempts int
	InvoiceRetryAfter  time.Duration
	InvoiceURLTTL      time.Duration
	CallbackURL        string
	StatsCurrency      string
}

type reconciliationService struct {
	pending     repositories.PendingOrderRepository
	orders      repositories.OrderRepository
	carts       CartSource
	pricer      CatalogPricer
	gateways    GatewayResolver
	identifiers IdentifierSource
	pricing     PriceCalculator
	invoices    InvoiceDispatcher
	renderer    InvoiceRenderer
	signer      InvoiceURLSigner
	events      OrderEventPublisher
	metrics     ReconcileMetrics
	sanitize    func(string) string
	tracer      trace.Tracer

	now          func() time.Time
	newOrderID   func() string
	newPendingID func() string
	newReference func() string
	logger       func(ctx context.Context, event string, fields map[string]any)

	pendingTTL         time.Duration
	identifierAttempts int
	invoiceRetryAfter  time.Duration
	invoiceURLTTL      time.Duration
	callbackURL        string
	statsCurrency      string
}

var _ ReconciliationService = (*reconciliationService)(nil)

// NewReconciliationService constructs the engine validating required dependencies.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.PendingOrders == nil {
		return nil, errors.New("reconciliation service: pending order repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("reconciliation service: cart source is required")
	}
	if deps.Pricer == nil {
		return nil, errors.New("reconciliation service: catalog pricer is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("reconciliation service: gateway resolver is required")
	}

	identifiers := deps.Identifiers
	if identifiers == nil {
		gen, err := NewIdentifierGenerator()
		if err != nil {
			return nil, err
		}
		identifiers = gen
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newOrderID := deps.OrderIDGenerator
	if newOrderID == nil {
		newOrderID = func() string { return ulid.Make().String() }
	}
	newPendingID := deps.PendingIDGenerator
	if newPendingID == nil {
		newPendingID = uuid.NewString
	}
	newReference := deps.ReferenceGenerator
	if newReference == nil {
		newReference = func() string { return "rcn_" + strings.ToLower(ulid.Make().String()) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	ttl := deps.PendingOrderTTL
	if ttl <= 0 {
		ttl = defaultPendingOrderTTL
	}
	attempts := deps.IdentifierAttempts
	if attempts <= 0 {
		attempts = defaultIdentifierAttempts
	}
	retryAfter := deps.InvoiceRetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultInvoiceRetryAfter
	}
	urlTTL := deps.InvoiceURLTTL
	if urlTTL <= 0 {
		urlTTL = defaultInvoiceURLTTL
	}

	return &reconciliationService{
		pending:     deps.PendingOrders,
		orders:      deps.Orders,
		carts:       deps.Carts,
		pricer:      deps.Pricer,
		gateways:    deps.Gateways,
		identifiers: identifiers,
		invoices:    deps.Invoices,
		renderer:    deps.Renderer,
		signer:      deps.Signer,
		events:      deps.Events,
		metrics:     metrics,
		sanitize:    sanitize,
		tracer:      otel.Tracer("github.com/hanko-field/reconciler/internal/services"),
		now: func() time.Time {
			return clock().UTC()
		},
		newOrderID:         newOrderID,
		newPendingID:       newPendingID,
		newReference:       newReference,
		logger:             logger,
		pendingTTL:         ttl,
		identifierAttempts: attempts,
		invoiceRetryAfter:  retryAfter,
		invoiceURLTTL:      urlTTL,
		callbackURL:        strings.TrimSpace(deps.CallbackURL),
		statsCurrency:      strings.ToUpper(strings.TrimSpace(deps.StatsCurrency)),
	}, nil
}

// CreatePendingOrder loads and prices the customer's cart, persists the pending order and
// initialises the gateway. Prices come from the catalog, never from the caller.
func (s *reconciliationService) CreatePendingOrder(ctx context.Context, cmd CreatePendingOrderCommand) (CheckoutResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: user id is required", ErrReconcileInvalidInput)
	}
	cartID := strings.TrimSpace(cmd.CartID)
	if cartID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: cart id is required", ErrReconcileInvalidInput)
	}
	email := strings.TrimSpace(cmd.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: a valid email is required", ErrReconcileInvalidInput)
	}
	address, err := normaliseAddress(cmd.DeliveryAddress)
	if err != nil {
		return CheckoutResult{}, err
	}
	notes := s.sanitize(cmd.Notes)
	if utf8.RuneCountInString(notes) > maxNotesLength {
		return CheckoutResult{}, fmt.Errorf("%w: delivery notes exceed %d characters", ErrReconcileInvalidInput, maxNotesLength)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return CheckoutResult{}, mapCommerceError(err)
	}
	if !strings.EqualFold(strings.TrimSpace(cart.ID), cartID) {
		return CheckoutResult{}, fmt.Errorf("%w: cart %s is no longer the active cart", ErrCartNotReady, cartID)
	}
	if len(cart.Items) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: cart is empty", ErrInvalidPricingInput)
	}

	quote, err := s.pricer.QuoteCart(ctx, QuoteRequest{
		UserID:        userID,
		Cart:          cart,
		PromotionCode: strings.TrimSpace(cmd.PromotionCode),
		ApplyCredits:  cmd.ApplyCredits,
	})
	if err != nil {
		return CheckoutResult{}, mapCommerceError(err)
	}
	items, err := quotedItems(cart, quote, s.sanitize)
	if err != nil {
		return CheckoutResult{}, err
	}
	breakdown, err := s.pricing.Calculate(domain.PriceInput{
		Currency: quote.Currency,
		Items:    items,
		Discount: quote.Discount,
		Credits:  quote.Credits,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	gateway, err := s.gateways.Resolve(cmd.Provider)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrReconcileInvalidInput, err)
	}

	now := s.now()
	pending := domain.PendingOrder{
		ID:               s.newPendingID(),
		UserID:           userID,
		CustomerEmail:    email,
		PaymentReference: s.newReference(),
		Provider:         gateway.Name(),
		Currency:         breakdown.Currency,
		CartSnapshot:     items,
		DeliveryAddress:  address,
		DeliveryNotes:    notes,
		Subtotal:         breakdown.Subtotal,
		Discount:         breakdown.Discount,
		Credits:          breakdown.Credits,
		Amount:           breakdown.Amount,
		Status:           domain.PendingOrderStatusAwaitingPayment,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(s.pendingTTL),
	}
	if err := s.pending.Insert(ctx, pending); err != nil {
		return CheckoutResult{}, mapRepositoryError(err, ErrPendingOrderNotFound)
	}

	s.logger(ctx, "reconcile.pending_order.created", map[string]any{
		"pendingOrderId": pending.ID,
		"reference":      pending.PaymentReference,
		"amount":         pending.Amount,
		"currency":       pending.Currency,
		"provider":       pending.Provider,
	})

	return s.initializePayment(ctx, gateway, pending)
}

// RetryPaymentInitialization re-initialises the gateway for the same reference.
func (s *reconciliationService) RetryPaymentInitialization(ctx context.Context, pendingOrderID, userID string) (CheckoutResult, error) {
	pending, err := s.GetPendingOrder(ctx, pendingOrderID, userID)
	if err != nil {
		return CheckoutResult{}, err
	}
	switch {
	case pending.Status == domain.PendingOrderStatusConsumed:
		return CheckoutResult{PendingOrder: pending}, ErrAlreadyConfirmed
	case !pending.Status.Live():
		return CheckoutResult{PendingOrder: pending}, fmt.Errorf("%w: pending order is %s", ErrPendingOrderClosed, pending.Status)
	case pending.Status == domain.PendingOrderStatusAwaitingPayment && pending.AuthorizationURL != "":
		return CheckoutResult{PendingOrder: pending, AuthorizationURL: pending.AuthorizationURL}, nil
	}

	gateway, err := s.gateways.Resolve(pending.Provider)
	if err != nil {
		return CheckoutResult{}, mapGatewayError(err)
	}
	return s.initializePayment(ctx, gateway, pending)
}

func (s *reconciliationService) initializePayment(ctx context.Context, gateway payments.Gateway, pending domain.PendingOrder) (CheckoutResult, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.InitializePayment")
	defer span.End()

	result, initErr := gateway.Initialize(ctx, payments.InitializeRequest{
		Amount:      pending.Amount,
		Currency:    pending.Currency,
		Reference:   pending.PaymentReference,
		Email:       pending.CustomerEmail,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			"pendingOrderId": pending.ID,
			"userId":         pending.UserID,
		},
	})

	transition := repositories.PendingOrderTransition{
		Reference: pending.PaymentReference,
		From:      domain.LivePendingOrderStatuses,
		At:        s.now(),
	}
	if initErr != nil {
		span.RecordError(initErr)
		transition.To = domain.PendingOrderStatusInitFailed
		transition.Reason = initErr.Error()
	} else {
		transition.To = domain.PendingOrderStatusAwaitingPayment
		transition.AuthorizationURL = result.AuthorizationURL
		transition.AccessCode = result.AccessCode
	}

	updated, err := s.pending.Transition(ctx, transition)
	if err != nil {
		var stateErr *repositories.PendingOrderStateError
		if errors.As(err, &stateErr) {
			// A confirmation or cancellation landed while the gateway call was in flight.
			pending = stateErr.Current
			if pending.Status == domain.PendingOrderStatusConsumed {
				return CheckoutResult{PendingOrder: pending}, ErrAlreadyConfirmed
			}
			return CheckoutResult{PendingOrder: pending}, fmt.Errorf("%w: pending order is %s", ErrPendingOrderClosed, pending.Status)
		}
		return CheckoutResult{PendingOrder: pending}, mapRepositoryError(err, ErrPendingOrderNotFound)
	}

	if initErr != nil {
		s.logger(ctx, "reconcile.pending_order.init_failed", map[string]any{
			"pendingOrderId": updated.ID,
			"reference":      updated.PaymentReference,
			"error":          initErr.Error(),
		})
		return CheckoutResult{PendingOrder: updated}, mapGatewayError(initErr)
	}
	return CheckoutResult{PendingOrder: updated, AuthorizationURL: updated.AuthorizationURL}, nil
}

// GetPendingOrder returns the caller's pending order. Foreign pending orders read as not found.
func (s *reconciliationService) GetPendingOrder(ctx context.Context, pendingOrderID, userID string) (PendingOrder, error) {
	pendingOrderID = strings.TrimSpace(pendingOrderID)
	if pendingOrderID == "" {
		return PendingOrder{}, fmt.Errorf("%w: pending order id is required", ErrReconcileInvalidInput)
	}
	pending, err := s.pending.FindByID(ctx, pendingOrderID)
	if err != nil {
		return PendingOrder{}, mapRepositoryError(err, ErrPendingOrderNotFound)
	}
	if userID != "" && pending.UserID != userID {
		return PendingOrder{}, ErrPendingOrderNotFound
	}
	return pending, nil
}

// CancelPendingOrder closes a live pending order through the same compare-and-swap used by
// materialisation, so it cannot overwrite a concurrent confirmation.
func (s *reconciliationService) CancelPendingOrder(ctx context.Context, pendingOrderID, userID string) (PendingOrder, error) {
	pending, err := s.GetPendingOrder(ctx, pendingOrderID, userID)
	if err != nil {
		return PendingOrder{}, err
	}

	updated, err := s.pending.Transition(ctx, repositories.PendingOrderTransition{
		Reference: pending.PaymentReference,
		From:      domain.LivePendingOrderStatuses,
		To:        domain.PendingOrderStatusCancelled,
		Reason:    "cancelled by customer",
		At:        s.now(),
	})
	if err != nil {
		var stateErr *repositories.PendingOrderStateError
		if !errors.As(err, &stateErr) {
			return PendingOrder{}, mapRepositoryError(err, ErrPendingOrderNotFound)
		}
		switch stateErr.Current.Status {
		case domain.PendingOrderStatusConsumed:
			return stateErr.Current, ErrAlreadyConfirmed
		case domain.PendingOrderStatusCancelled:
			return stateErr.Current, nil
		default:
			return stateErr.Current, fmt.Errorf("%w: pending order is %s", ErrPendingOrderClosed, stateErr.Current.Status)
		}
	}

	s.logger(ctx, "reconcile.pending_order.cancelled", map[string]any{
		"pendingOrderId": updated.ID,
		"reference":      updated.PaymentReference,
	})
	return updated, nil
}

// quotedItems returns the quoted lines in cart order after checking the quote prices exactly
// the cart's products and quantities.
func quotedItems(cart domain.Cart, quote domain.CartQuote, sanitize func(string) string) ([]domain.LineItem, error) {
	if cart.Currency != "" && !strings.EqualFold(strings.TrimSpace(cart.Currency), strings.TrimSpace(quote.Currency)) {
		return nil, fmt.Errorf("%w: quote currency %s does not match cart currency %s", ErrCartNotReady, quote.Currency, cart.Currency)
	}
	priced := make(map[string]domain.LineItem, len(quote.Items))
	for _, item := range quote.Items {
		priced[strings.TrimSpace(item.ProductID)] = item
	}
	items := make([]domain.LineItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		id := strings.TrimSpace(line.ProductID)
		item, ok := priced[id]
		if !ok || item.Quantity != line.Quantity {
			return nil, fmt.Errorf("%w: quote does not cover %s x%d", ErrCartNotReady, id, line.Quantity)
		}
		delete(priced, id)
		item.ProductID = id
		item.Name = sanitize(item.Name)
		items = append(items, item)
	}
	if len(priced) > 0 {
		return nil, fmt.Errorf("%w: quote prices products outside the cart", ErrCartNotReady)
	}
	return items, nil
}

func normaliseAddress(addr domain.DeliveryAddress) (domain.DeliveryAddress, error) {
	addr.RecipientName = strings.TrimSpace(addr.RecipientName)
	addr.Phone = strings.TrimSpace(addr.Phone)
	addr.Line1 = strings.TrimSpace(addr.Line1)
	addr.Line2 = strings.TrimSpace(addr.Line2)
	addr.City = strings.TrimSpace(addr.City)
	addr.Region = strings.TrimSpace(addr.Region)
	addr.PostalCode = strings.TrimSpace(addr.PostalCode)
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))

	var missing []string
	if addr.RecipientName == "" {
		missing = append(missing, "recipientName")
	}
	if addr.Phone == "" {
		missing = append(missing, "phone")
	}
	if addr.Line1 == "" {
		missing = append(missing, "line1")
	}
	if addr.City == "" {
		missing = append(missing, "city")
	}
	if addr.Country == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return domain.DeliveryAddress{}, fmt.Errorf("%w: delivery address missing %s", ErrReconcileInvalidInput, strings.Join(missing, ", "))
	}
	return addr, nil
}

func (s *reconciliationService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "reconcile.event.publish_failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

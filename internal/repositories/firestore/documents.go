package firestore

import (
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

const (
	pendingOrdersCollection   = "pendingOrders"
	ordersCollection          = "orders"
	orderReferencesCollection = "orderReferences"
	orderNumbersCollection    = "orderNumbers"
	invoiceNumbersCollection  = "invoiceNumbers"
)

type lineItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
}

type addressDocument struct {
	RecipientName string `firestore:"recipientName"`
	Phone         string `firestore:"phone"`
	Line1         string `firestore:"line1"`
	Line2         string `firestore:"line2,omitempty"`
	City          string `firestore:"city"`
	Region        string `firestore:"region,omitempty"`
	PostalCode    string `firestore:"postalCode,omitempty"`
	Country       string `firestore:"country"`
}

type statusChangeDocument struct {
	Status    string    `firestore:"status"`
	ChangedBy string    `firestore:"changedBy"`
	Reason    string    `firestore:"reason,omitempty"`
	At        time.Time `firestore:"at"`
}

// pendingOrderDocument is stored under pendingOrders/{paymentReference}.
type pendingOrderDocument struct {
	ID               string             `firestore:"id"`
	UserID           string             `firestore:"userId"`
	CustomerEmail    string             `firestore:"customerEmail"`
	Provider         string             `firestore:"provider"`
	Currency         string             `firestore:"currency"`
	CartSnapshot     []lineItemDocument `firestore:"cartSnapshot"`
	DeliveryAddress  addressDocument    `firestore:"deliveryAddress"`
	DeliveryNotes    string             `firestore:"deliveryNotes,omitempty"`
	Subtotal         int64              `firestore:"subtotal"`
	Discount         int64              `firestore:"discount"`
	Credits          int64              `firestore:"credits"`
	Amount           int64              `firestore:"amount"`
	Status           string             `firestore:"status"`
	FailureReason    string             `firestore:"failureReason,omitempty"`
	AuthorizationURL string             `firestore:"authorizationUrl,omitempty"`
	AccessCode       string             `firestore:"accessCode,omitempty"`
	OrderID          string             `firestore:"orderId,omitempty"`
	CreatedAt        time.Time          `firestore:"createdAt"`
	UpdatedAt        time.Time          `firestore:"updatedAt"`
	ExpiresAt        time.Time          `firestore:"expiresAt"`
}

// orderDocument is stored under orders/{orderID}.
type orderDocument struct {
	OrderNumber        string                 `firestore:"orderNumber"`
	UserID             string                 `firestore:"userId"`
	LineItems          []lineItemDocument     `firestore:"lineItems"`
	DeliveryAddress    addressDocument        `firestore:"deliveryAddress"`
	DeliveryNotes      string                 `firestore:"deliveryNotes,omitempty"`
	Currency           string                 `firestore:"currency"`
	Subtotal           int64                  `firestore:"subtotal"`
	Discount           int64                  `firestore:"discount"`
	Credits            int64                  `firestore:"credits"`
	Amount             int64                  `firestore:"amount"`
	Status             string                 `firestore:"status"`
	InvoiceNumber      string                 `firestore:"invoiceNumber"`
	InvoiceDocumentRef string                 `firestore:"invoiceDocumentRef"`
	PaymentReference   string                 `firestore:"paymentReference"`
	Provider           string                 `firestore:"provider"`
	CreatedAt          time.Time              `firestore:"createdAt"`
	UpdatedAt          time.Time              `firestore:"updatedAt"`
	StatusHistory      []statusChangeDocument `firestore:"statusHistory"`
}

// claimDocument reserves a unique key (payment reference, order number or invoice number) for an order.
type claimDocument struct {
	OrderID   string    `firestore:"orderId"`
	ClaimedAt time.Time `firestore:"claimedAt"`
}

func newLineItemDocuments(items []domain.LineItem) []lineItemDocument {
	docs := make([]lineItemDocument, len(items))
	for i, item := range items {
		docs[i] = lineItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	return docs
}

func lineItemsToDomain(docs []lineItemDocument) []domain.LineItem {
	items := make([]domain.LineItem, len(docs))
	for i, doc := range docs {
		items[i] = domain.LineItem{
			ProductID: doc.ProductID,
			Name:      doc.Name,
			Quantity:  doc.Quantity,
			UnitPrice: doc.UnitPrice,
		}
	}
	return items
}

func newAddressDocument(addr domain.DeliveryAddress) addressDocument {
	return addressDocument(addr)
}

func (d addressDocument) toDomain() domain.DeliveryAddress {
	return domain.DeliveryAddress(d)
}

func newStatusChangeDocument(change domain.StatusChange) statusChangeDocument {
	return statusChangeDocument{
		Status:    string(change.Status),
		ChangedBy: change.ChangedBy,
		Reason:    change.Reason,
		At:        change.At.UTC(),
	}
}

func newPendingOrderDocument(p domain.PendingOrder) pendingOrderDocument {
	return pendingOrderDocument{
		ID:               p.ID,
		UserID:           p.UserID,
		CustomerEmail:    p.CustomerEmail,
		Provider:         p.Provider,
		Currency:         p.Currency,
		CartSnapshot:     newLineItemDocuments(p.CartSnapshot),
		DeliveryAddress:  newAddressDocument(p.DeliveryAddress),
		DeliveryNotes:    p.DeliveryNotes,
		Subtotal:         p.Subtotal,
		Discount:         p.Discount,
		Credits:          p.Credits,
		Amount:           p.Amount,
		Status:           string(p.Status),
		FailureReason:    p.FailureReason,
		AuthorizationURL: p.AuthorizationURL,
		AccessCode:       p.AccessCode,
		OrderID:          p.OrderID,
		CreatedAt:        p.CreatedAt.UTC(),
		UpdatedAt:        p.UpdatedAt.UTC(),
		ExpiresAt:        p.ExpiresAt.UTC(),
	}
}

func (d pendingOrderDocument) toDomain(reference string) domain.PendingOrder {
	return domain.PendingOrder{
		ID:               d.ID,
		UserID:           d.UserID,
		CustomerEmail:    d.CustomerEmail,
		PaymentReference: reference,
		Provider:         d.Provider,
		Currency:         d.Currency,
		CartSnapshot:     lineItemsToDomain(d.CartSnapshot),
		DeliveryAddress:  d.DeliveryAddress.toDomain(),
		DeliveryNotes:    d.DeliveryNotes,
		Subtotal:         d.Subtotal,
		Discount:         d.Discount,
		Credits:          d.Credits,
		Amount:           d.Amount,
		Status:           domain.PendingOrderStatus(strings.TrimSpace(d.Status)),
		FailureReason:    d.FailureReason,
		AuthorizationURL: d.AuthorizationURL,
		AccessCode:       d.AccessCode,
		OrderID:          d.OrderID,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ExpiresAt:        d.ExpiresAt,
	}
}

func newOrderDocument(o domain.Order) orderDocument {
	history := make([]statusChangeDocument, len(o.StatusHistory))
	for i, change := range o.StatusHistory {
		history[i] = newStatusChangeDocument(change)
	}
	return orderDocument{
		OrderNumber:        o.OrderNumber,
		UserID:             o.UserID,
		LineItems:          newLineItemDocuments(o.LineItems),
		DeliveryAddress:    newAddressDocument(o.DeliveryAddress),
		DeliveryNotes:      o.DeliveryNotes,
		Currency:           o.Currency,
		Subtotal:           o.Subtotal,
		Discount:           o.Discount,
		Credits:            o.Credits,
		Amount:             o.Amount,
		Status:             string(o.Status),
		InvoiceNumber:      o.InvoiceNumber,
		InvoiceDocumentRef: o.InvoiceDocumentRef,
		PaymentReference:   o.PaymentReference,
		Provider:           o.Provider,
		CreatedAt:          o.CreatedAt.UTC(),
		UpdatedAt:          o.UpdatedAt.UTC(),
		StatusHistory:      history,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	history := make([]domain.StatusChange, len(d.StatusHistory))
	for i, change := range d.StatusHistory {
		history[i] = domain.StatusChange{
			Status:    domain.OrderStatus(change.Status),
			ChangedBy: change.ChangedBy,
			Reason:    change.Reason,
			At:        change.At,
		}
	}
	return domain.Order{
		ID:                 id,
		OrderNumber:        d.OrderNumber,
		UserID:             d.UserID,
		LineItems:          lineItemsToDomain(d.LineItems),
		DeliveryAddress:    d.DeliveryAddress.toDomain(),
		DeliveryNotes:      d.DeliveryNotes,
		Currency:           d.Currency,
		Subtotal:           d.Subtotal,
		Discount:           d.Discount,
		Credits:            d.Credits,
		Amount:             d.Amount,
		Status:             domain.OrderStatus(strings.TrimSpace(d.Status)),
		InvoiceNumber:      d.InvoiceNumber,
		InvoiceDocumentRef: d.InvoiceDocumentRef,
		PaymentReference:   d.PaymentReference,
		Provider:           d.Provider,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		StatusHistory:      history,
	}
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

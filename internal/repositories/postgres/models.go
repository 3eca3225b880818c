package postgres

import (
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

type lineItemJSON struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type addressJSON struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country"`
}

type statusChangeJSON struct {
	Status    string    `json:"status"`
	ChangedBy string    `json:"changedBy"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type pendingOrderModel struct {
	ID               string         `gorm:"primaryKey"`
	PaymentReference string         `gorm:"uniqueIndex;not null"`
	UserID           string         `gorm:"not null"`
	CustomerEmail    string         `gorm:"not null"`
	Provider         string         `gorm:"not null"`
	Currency         string         `gorm:"type:char(3);not null"`
	CartSnapshot     []lineItemJSON `gorm:"type:jsonb;serializer:json;not null"`
	DeliveryAddress  addressJSON    `gorm:"type:jsonb;serializer:json;not null"`
	DeliveryNotes    string
	Subtotal         int64
	Discount         int64
	Credits          int64
	Amount           int64
	Status           string `gorm:"index:idx_pending_orders_status_expires"`
	FailureReason    string
	AuthorizationURL string `gorm:"column:authorization_url"`
	AccessCode       string
	OrderID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time `gorm:"index:idx_pending_orders_status_expires"`
}

func (pendingOrderModel) TableName() string { return "pending_orders" }

type orderModel struct {
	ID                 string             `gorm:"primaryKey"`
	OrderNumber        string             `gorm:"uniqueIndex;not null"`
	InvoiceNumber      string             `gorm:"uniqueIndex;not null"`
	PaymentReference   string             `gorm:"uniqueIndex;not null"`
	UserID             string             `gorm:"not null"`
	LineItems          []lineItemJSON     `gorm:"type:jsonb;serializer:json;not null"`
	DeliveryAddress    addressJSON        `gorm:"type:jsonb;serializer:json;not null"`
	DeliveryNotes      string
	Currency           string `gorm:"type:char(3);not null"`
	Subtotal           int64
	Discount           int64
	Credits            int64
	Amount             int64
	Status             string
	InvoiceDocumentRef string
	Provider           string
	StatusHistory      []statusChangeJSON `gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (orderModel) TableName() string { return "orders" }

func newLineItems(items []domain.LineItem) []lineItemJSON {
	out := make([]lineItemJSON, len(items))
	for i, item := range items {
		out[i] = lineItemJSON(item)
	}
	return out
}

func lineItemsToDomain(items []lineItemJSON) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		out[i] = domain.LineItem(item)
	}
	return out
}

func newPendingOrderModel(p domain.PendingOrder) pendingOrderModel {
	return pendingOrderModel{
		ID:               p.ID,
		PaymentReference: p.PaymentReference,
		UserID:           p.UserID,
		CustomerEmail:    p.CustomerEmail,
		Provider:         p.Provider,
		Currency:         p.Currency,
		CartSnapshot:     newLineItems(p.CartSnapshot),
		DeliveryAddress:  addressJSON(p.DeliveryAddress),
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

func (m pendingOrderModel) toDomain() domain.PendingOrder {
	return domain.PendingOrder{
		ID:               m.ID,
		UserID:           m.UserID,
		CustomerEmail:    m.CustomerEmail,
		PaymentReference: m.PaymentReference,
		Provider:         m.Provider,
		Currency:         m.Currency,
		CartSnapshot:     lineItemsToDomain(m.CartSnapshot),
		DeliveryAddress:  domain.DeliveryAddress(m.DeliveryAddress),
		DeliveryNotes:    m.DeliveryNotes,
		Subtotal:         m.Subtotal,
		Discount:         m.Discount,
		Credits:          m.Credits,
		Amount:           m.Amount,
		Status:           domain.PendingOrderStatus(m.Status),
		FailureReason:    m.FailureReason,
		AuthorizationURL: m.AuthorizationURL,
		AccessCode:       m.AccessCode,
		OrderID:          m.OrderID,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
		ExpiresAt:        m.ExpiresAt.UTC(),
	}
}

func newOrderModel(o domain.Order) orderModel {
	history := make([]statusChangeJSON, len(o.StatusHistory))
	for i, change := range o.StatusHistory {
		history[i] = newStatusChange(change)
	}
	return orderModel{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		InvoiceNumber:      o.InvoiceNumber,
		PaymentReference:   o.PaymentReference,
		UserID:             o.UserID,
		LineItems:          newLineItems(o.LineItems),
		DeliveryAddress:    addressJSON(o.DeliveryAddress),
		DeliveryNotes:      o.DeliveryNotes,
		Currency:           o.Currency,
		Subtotal:           o.Subtotal,
		Discount:           o.Discount,
		Credits:            o.Credits,
		Amount:             o.Amount,
		Status:             string(o.Status),
		InvoiceDocumentRef: o.InvoiceDocumentRef,
		Provider:           o.Provider,
		StatusHistory:      history,
		CreatedAt:          o.CreatedAt.UTC(),
		UpdatedAt:          o.UpdatedAt.UTC(),
	}
}

func newStatusChange(change domain.StatusChange) statusChangeJSON {
	return statusChangeJSON{
		Status:    string(change.Status),
		ChangedBy: change.ChangedBy,
		Reason:    change.Reason,
		At:        change.At.UTC(),
	}
}

func (m orderModel) toDomain() domain.Order {
	history := make([]domain.StatusChange, len(m.StatusHistory))
	for i, change := range m.StatusHistory {
		history[i] = domain.StatusChange{
			Status:    domain.OrderStatus(change.Status),
			ChangedBy: change.ChangedBy,
			Reason:    change.Reason,
			At:        change.At.UTC(),
		}
	}
	return domain.Order{
		ID:                 m.ID,
		OrderNumber:        m.OrderNumber,
		UserID:             m.UserID,
		LineItems:          lineItemsToDomain(m.LineItems),
		DeliveryAddress:    domain.DeliveryAddress(m.DeliveryAddress),
		DeliveryNotes:      m.DeliveryNotes,
		Currency:           m.Currency,
		Subtotal:           m.Subtotal,
		Discount:           m.Discount,
		Credits:            m.Credits,
		Amount:             m.Amount,
		Status:             domain.OrderStatus(m.Status),
		InvoiceNumber:      m.InvoiceNumber,
		InvoiceDocumentRef: m.InvoiceDocumentRef,
		PaymentReference:   m.PaymentReference,
		Provider:           m.Provider,
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
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

// Package memory provides mutex-guarded repositories used by tests and local development.
package memory

import (
	"context"
	"slices"
	"sync"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// Store holds every pending order and order behind a single lock so that materialisation is atomic
// across both collections.
type Store struct {
	mu sync.Mutex

	pendingByRef  map[string]domain.PendingOrder
	pendingIDs    map[string]string
	orders        map[string]domain.Order
	orderByRef    map[string]string
	orderNumbers  map[string]string
	invoiceNumber map[string]string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		pendingByRef:  make(map[string]domain.PendingOrder),
		pendingIDs:    make(map[string]string),
		orders:        make(map[string]domain.Order),
		orderByRef:    make(map[string]string),
		orderNumbers:  make(map[string]string),
		invoiceNumber: make(map[string]string),
	}
}

// Registry adapts Store to repositories.Registry.
type Registry struct {
	store   *Store
	pending *PendingOrderRepository
	orders  *OrderRepository
	health  repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires memory-backed repositories around a fresh store.
func NewRegistry(health repositories.HealthRepository) *Registry {
	store := NewStore()
	return &Registry{
		store:   store,
		pending: &PendingOrderRepository{store: store},
		orders:  &OrderRepository{store: store},
		health:  health,
	}
}

func (r *Registry) PendingOrders() repositories.PendingOrderRepository { return r.pending }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }
func (r *Registry) Close(context.Context) error                        { return nil }

func clonePending(p domain.PendingOrder) domain.PendingOrder {
	p.CartSnapshot = slices.Clone(p.CartSnapshot)
	return p
}

func cloneOrder(o domain.Order) domain.Order {
	o.LineItems = slices.Clone(o.LineItems)
	o.StatusHistory = slices.Clone(o.StatusHistory)
	return o
}

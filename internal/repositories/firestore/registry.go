package firestore

import (
	"context"

	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// Registry exposes Firestore-backed repositories sharing one provider.
type Registry struct {
	provider *pfirestore.Provider
	pending  *PendingOrderRepository
	orders   *OrderRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires the Firestore repositories. The provider is closed by Close.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	pending, err := NewPendingOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, pending: pending, orders: orders, health: health}, nil
}

func (r *Registry) PendingOrders() repositories.PendingOrderRepository { return r.pending }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

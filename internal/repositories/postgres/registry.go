package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/hanko-field/reconciler/internal/repositories"
)

// Registry exposes Postgres-backed repositories sharing one connection pool.
type Registry struct {
	db      *gorm.DB
	pending *PendingOrderRepository
	orders  *OrderRepository
	health  repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

func NewRegistry(db *gorm.DB, health repositories.HealthRepository) *Registry {
	return &Registry{
		db:      db,
		pending: NewPendingOrderRepository(db),
		orders:  NewOrderRepository(db),
		health:  health,
	}
}

func (r *Registry) PendingOrders() repositories.PendingOrderRepository { return r.pending }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

func (r *Registry) Close(context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database accepts connections.
func (r *Registry) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

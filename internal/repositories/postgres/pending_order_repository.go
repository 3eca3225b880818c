package postgres

import (
	"context"
	"errors"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// PendingOrderRepository implements repositories.PendingOrderRepository on Postgres.
type PendingOrderRepository struct {
	db *gorm.DB
}

var _ repositories.PendingOrderRepository = (*PendingOrderRepository)(nil)

func NewPendingOrderRepository(db *gorm.DB) *PendingOrderRepository {
	return &PendingOrderRepository{db: db}
}

func (r *PendingOrderRepository) Insert(ctx context.Context, pending domain.PendingOrder) error {
	model := newPendingOrderModel(pending)
	return wrapError("pending_orders.insert", r.db.WithContext(ctx).Create(&model).Error)
}

func (r *PendingOrderRepository) FindByID(ctx context.Context, pendingOrderID string) (domain.PendingOrder, error) {
	var model pendingOrderModel
	if err := r.db.WithContext(ctx).Where("id = ?", pendingOrderID).Take(&model).Error; err != nil {
		return domain.PendingOrder{}, wrapError("pending_orders.get", err)
	}
	return model.toDomain(), nil
}

func (r *PendingOrderRepository) FindByReference(ctx context.Context, reference string) (domain.PendingOrder, error) {
	var model pendingOrderModel
	if err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).Take(&model).Error; err != nil {
		return domain.PendingOrder{}, wrapError("pending_orders.get", err)
	}
	return model.toDomain(), nil
}

func (r *PendingOrderRepository) Transition(ctx context.Context, cmd repositories.PendingOrderTransition) (domain.PendingOrder, error) {
	const op = "pending_orders.transition"
	var updated domain.PendingOrder
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model pendingOrderModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_reference = ?", cmd.Reference).
			Take(&model).Error; err != nil {
			return err
		}
		current := model.toDomain()
		if !slices.Contains(cmd.From, current.Status) {
			return &repositories.PendingOrderStateError{Op: op, Current: current}
		}

		changes := map[string]any{
			"status":         string(cmd.To),
			"failure_reason": cmd.Reason,
			"updated_at":     cmd.At.UTC(),
		}
		if cmd.AuthorizationURL != "" {
			changes["authorization_url"] = cmd.AuthorizationURL
		}
		if cmd.AccessCode != "" {
			changes["access_code"] = cmd.AccessCode
		}
		if err := tx.Model(&pendingOrderModel{}).Where("id = ?", model.ID).Updates(changes).Error; err != nil {
			return err
		}

		current.Status = cmd.To
		current.FailureReason = cmd.Reason
		current.UpdatedAt = cmd.At.UTC()
		if cmd.AuthorizationURL != "" {
			current.AuthorizationURL = cmd.AuthorizationURL
		}
		if cmd.AccessCode != "" {
			current.AccessCode = cmd.AccessCode
		}
		updated = current
		return nil
	})
	if err != nil {
		var stateErr *repositories.PendingOrderStateError
		if errors.As(err, &stateErr) {
			return domain.PendingOrder{}, stateErr
		}
		return domain.PendingOrder{}, wrapError(op, err)
	}
	return updated, nil
}

func (r *PendingOrderRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.PendingOrder, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", statusStrings(domain.LivePendingOrderStatuses)).
		Where("expires_at <= ?", before.UTC()).
		Order("expires_at ASC, payment_reference ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []pendingOrderModel
	if err := query.Find(&models).Error; err != nil {
		return nil, wrapError("pending_orders.list_expired", err)
	}
	out := make([]domain.PendingOrder, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (r *PendingOrderRepository) CountLive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&pendingOrderModel{}).
		Where("status IN ?", statusStrings(domain.LivePendingOrderStatuses)).
		Count(&count).Error
	return count, wrapError("pending_orders.count_live", err)
}

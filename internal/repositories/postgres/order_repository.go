package postgres

import (
	"context"
	"errors"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// OrderRepository implements repositories.OrderRepository on Postgres. Unique indexes on
// payment_reference, order_number and invoice_number back the materialisation guarantees.
type OrderRepository struct {
	db *gorm.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Materialize locks the pending order row so concurrent confirmations for one reference queue
// behind each other; the first commits and the rest observe its order.
func (r *OrderRepository) Materialize(ctx context.Context, cmd repositories.MaterializeOrderCommand) (repositories.MaterializeResult, error) {
	const op = "orders.materialize"
	order := cmd.Order
	var result repositories.MaterializeResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending pendingOrderModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_reference = ?", order.PaymentReference).
			Take(&pending).Error; err != nil {
			return err
		}

		var existing orderModel
		err := tx.Where("payment_reference = ?", order.PaymentReference).Take(&existing).Error
		switch {
		case err == nil:
			result = repositories.MaterializeResult{Order: existing.toDomain(), Created: false}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		current := pending.toDomain()
		if !slices.Contains(cmd.AllowedPendingStatuses, current.Status) {
			return &repositories.PendingOrderStateError{Op: op, Current: current}
		}

		var taken int64
		if err := tx.Model(&orderModel{}).
			Where("order_number = ? OR invoice_number = ?", order.OrderNumber, order.InvoiceNumber).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return &repositories.IdentifierConflictError{Op: op, Identifier: order.OrderNumber + "/" + order.InvoiceNumber}
		}

		model := newOrderModel(order)
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// A concurrent writer claimed one of the numbers after the check above.
				return &repositories.IdentifierConflictError{Op: op, Identifier: order.OrderNumber}
			}
			return err
		}
		if err := tx.Model(&pendingOrderModel{}).Where("id = ?", pending.ID).Updates(map[string]any{
			"status":         string(domain.PendingOrderStatusConsumed),
			"order_id":       order.ID,
			"failure_reason": "",
			"updated_at":     cmd.ConsumedAt.UTC(),
		}).Error; err != nil {
			return err
		}
		result = repositories.MaterializeResult{Order: model.toDomain(), Created: true}
		return nil
	})
	if err != nil {
		var stateErr *repositories.PendingOrderStateError
		if errors.As(err, &stateErr) {
			return repositories.MaterializeResult{}, stateErr
		}
		var idErr *repositories.IdentifierConflictError
		if errors.As(err, &idErr) {
			return repositories.MaterializeResult{}, idErr
		}
		return repositories.MaterializeResult{}, wrapError(op, err)
	}
	return result, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var model orderModel
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).Take(&model).Error; err != nil {
		return domain.Order{}, wrapError("orders.get", err)
	}
	return model.toDomain(), nil
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	var model orderModel
	if err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).Take(&model).Error; err != nil {
		return domain.Order{}, wrapError("orders.get_by_reference", err)
	}
	return model.toDomain(), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	afterAt, afterID, hasCursor, err := pagination.DecodeTimeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	query := r.db.WithContext(ctx).Model(&orderModel{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status IN ?", statusStrings(filter.Status))
	}
	if from := filter.DateRange.From; from != nil {
		query = query.Where("created_at >= ?", from.UTC())
	}
	if to := filter.DateRange.To; to != nil {
		query = query.Where("created_at <= ?", to.UTC())
	}
	if hasCursor {
		query = query.Where("(created_at, id) < (?, ?)", afterAt.UTC(), afterID)
	}

	var models []orderModel
	if err := query.Order("created_at DESC, id DESC").Limit(size + 1).Find(&models).Error; err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	if len(models) > size {
		models = models[:size]
		last := models[size-1]
		token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	page.Items = make([]domain.Order, len(models))
	for i, m := range models {
		page.Items[i] = m.toDomain()
	}
	return page, nil
}

func (r *OrderRepository) AppendStatus(ctx context.Context, cmd repositories.OrderStatusUpdate) (domain.Order, error) {
	const op = "orders.append_status"
	var updated domain.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model orderModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", cmd.OrderID).Take(&model).Error; err != nil {
			return err
		}
		if domain.OrderStatus(model.Status) != cmd.Expected {
			return &repositories.OrderStateError{Op: op, Current: model.toDomain()}
		}
		model.Status = string(cmd.Change.Status)
		model.StatusHistory = append(model.StatusHistory, newStatusChange(cmd.Change))
		model.UpdatedAt = cmd.Change.At.UTC()
		if err := tx.Model(&orderModel{ID: model.ID}).Select("status", "status_history", "updated_at").Updates(&model).Error; err != nil {
			return err
		}
		updated = model.toDomain()
		return nil
	})
	if err != nil {
		var stateErr *repositories.OrderStateError
		if errors.As(err, &stateErr) {
			return domain.Order{}, stateErr
		}
		return domain.Order{}, wrapError(op, err)
	}
	return updated, nil
}

func (r *OrderRepository) AttachInvoice(ctx context.Context, orderID, documentRef string, at time.Time) (domain.Order, error) {
	db := r.db.WithContext(ctx)
	err := db.Model(&orderModel{}).
		Where("id = ? AND invoice_document_ref = ''", orderID).
		Updates(map[string]any{"invoice_document_ref": documentRef, "updated_at": at.UTC()}).Error
	if err != nil {
		return domain.Order{}, wrapError("orders.attach_invoice", err)
	}
	return r.FindByID(ctx, orderID)
}

func (r *OrderRepository) ListMissingInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	query := r.db.WithContext(ctx).
		Where("invoice_document_ref = ''").
		Where("created_at <= ?", createdBefore.UTC()).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []orderModel
	if err := query.Find(&models).Error; err != nil {
		return nil, wrapError("orders.list_missing_invoices", err)
	}
	out := make([]domain.Order, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

type statusAggregateRow struct {
	Status string
	Count  int64
	Amount int64
}

func (r *OrderRepository) Aggregate(ctx context.Context, revenueStatuses []domain.OrderStatus) (repositories.OrderAggregate, error) {
	var rows []statusAggregateRow
	err := r.db.WithContext(ctx).Model(&orderModel{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return repositories.OrderAggregate{}, wrapError("orders.aggregate", err)
	}

	agg := repositories.OrderAggregate{CountsByStatus: make(map[domain.OrderStatus]int64, len(rows))}
	for _, row := range rows {
		status := domain.OrderStatus(row.Status)
		agg.CountsByStatus[status] = row.Count
		if slices.Contains(revenueStatuses, status) {
			agg.Revenue += row.Amount
		}
	}
	return agg, nil
}

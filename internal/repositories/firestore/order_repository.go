package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/reconciler/internal/domain"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// OrderRepository stores orders plus claim documents that make the payment reference, order
// number and invoice number unique across the collection.
type OrderRepository struct {
	provider       *pfirestore.Provider
	orders         *pfirestore.Collection[orderDocument]
	pending        *pfirestore.Collection[pendingOrderDocument]
	references     *pfirestore.Collection[claimDocument]
	orderNumbers   *pfirestore.Collection[claimDocument]
	invoiceNumbers *pfirestore.Collection[claimDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:       provider,
		orders:         pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		pending:        pfirestore.NewCollection[pendingOrderDocument](provider, pendingOrdersCollection),
		references:     pfirestore.NewCollection[claimDocument](provider, orderReferencesCollection),
		orderNumbers:   pfirestore.NewCollection[claimDocument](provider, orderNumbersCollection),
		invoiceNumbers: pfirestore.NewCollection[claimDocument](provider, invoiceNumbersCollection),
	}, nil
}

// Materialize runs every read before any write, as Firestore transactions require. The
// reference claim read makes concurrent materialisations of the same pending order contend on
// one document, so exactly one transaction commits and the others observe its claim on retry.
func (r *OrderRepository) Materialize(ctx context.Context, cmd repositories.MaterializeOrderCommand) (repositories.MaterializeResult, error) {
	const op = "orders.materialize"
	order := cmd.Order
	reference := order.PaymentReference

	var result repositories.MaterializeResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refDoc, err := r.references.Ref(ctx, reference)
		if err != nil {
			return err
		}
		pendingDoc, err := r.pending.Ref(ctx, reference)
		if err != nil {
			return err
		}
		orderDoc, err := r.orders.Ref(ctx, order.ID)
		if err != nil {
			return err
		}
		numberDoc, err := r.orderNumbers.Ref(ctx, order.OrderNumber)
		if err != nil {
			return err
		}
		invoiceDoc, err := r.invoiceNumbers.Ref(ctx, order.InvoiceNumber)
		if err != nil {
			return err
		}

		claimSnap, err := tx.Get(refDoc)
		switch status.Code(err) {
		case codes.OK:
			var claim claimDocument
			if err := claimSnap.DataTo(&claim); err != nil {
				return fmt.Errorf("decode reference claim %s: %w", reference, err)
			}
			existingRef, err := r.orders.Ref(ctx, claim.OrderID)
			if err != nil {
				return err
			}
			existingSnap, err := tx.Get(existingRef)
			if err != nil {
				return err
			}
			var existing orderDocument
			if err := existingSnap.DataTo(&existing); err != nil {
				return fmt.Errorf("decode order %s: %w", claim.OrderID, err)
			}
			result = repositories.MaterializeResult{Order: existing.toDomain(claim.OrderID), Created: false}
			return nil
		case codes.NotFound:
		default:
			return err
		}

		pendingSnap, err := tx.Get(pendingDoc)
		if err != nil {
			return err
		}
		var pending pendingOrderDocument
		if err := pendingSnap.DataTo(&pending); err != nil {
			return fmt.Errorf("decode pending order %s: %w", reference, err)
		}
		current := pending.toDomain(reference)
		if !slices.Contains(cmd.AllowedPendingStatuses, current.Status) {
			return &repositories.PendingOrderStateError{Op: op, Current: current}
		}

		if taken, err := exists(tx, numberDoc); err != nil {
			return err
		} else if taken {
			return &repositories.IdentifierConflictError{Op: op, Identifier: order.OrderNumber}
		}
		if taken, err := exists(tx, invoiceDoc); err != nil {
			return err
		} else if taken {
			return &repositories.IdentifierConflictError{Op: op, Identifier: order.InvoiceNumber}
		}

		claim := claimDocument{OrderID: order.ID, ClaimedAt: cmd.ConsumedAt.UTC()}
		if err := tx.Create(orderDoc, newOrderDocument(order)); err != nil {
			return err
		}
		if err := tx.Create(refDoc, claim); err != nil {
			return err
		}
		if err := tx.Create(numberDoc, claim); err != nil {
			return err
		}
		if err := tx.Create(invoiceDoc, claim); err != nil {
			return err
		}
		if err := tx.Update(pendingDoc, []firestore.Update{
			{Path: "status", Value: string(domain.PendingOrderStatusConsumed)},
			{Path: "orderId", Value: order.ID},
			{Path: "failureReason", Value: ""},
			{Path: "updatedAt", Value: cmd.ConsumedAt.UTC()},
		}); err != nil {
			return err
		}
		result = repositories.MaterializeResult{Order: order, Created: true}
		return nil
	})
	if err == nil {
		return result, nil
	}

	wrapped := wrapStateError(op, err)
	var repoErr repositories.RepositoryError
	if errors.As(wrapped, &repoErr) && repoErr.IsConflict() && !isTypedStateError(wrapped) {
		// A concurrent commit created the claim between our read and write.
		if existing, findErr := r.FindByPaymentReference(ctx, reference); findErr == nil {
			return repositories.MaterializeResult{Order: existing, Created: false}, nil
		}
	}
	return repositories.MaterializeResult{}, wrapped
}

func exists(tx *firestore.Transaction, ref *firestore.DocumentRef) (bool, error) {
	_, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.OK:
		return true, nil
	case codes.NotFound:
		return false, nil
	default:
		return false, err
	}
}

func isTypedStateError(err error) bool {
	var pendingErr *repositories.PendingOrderStateError
	var idErr *repositories.IdentifierConflictError
	return errors.As(err, &pendingErr) || errors.As(err, &idErr)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	claim, err := r.references.Get(ctx, reference)
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, claim.Data.OrderID)
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

	docs, err := r.orders.Find(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(filter.Status) > 0 {
			q = q.Where("status", "in", statusStrings(filter.Status))
		}
		if from := filter.DateRange.From; from != nil {
			q = q.Where("createdAt", ">=", from.UTC())
		}
		if to := filter.DateRange.To; to != nil {
			q = q.Where("createdAt", "<=", to.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if hasCursor {
			q = q.StartAfter(afterAt, afterID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

func (r *OrderRepository) AppendStatus(ctx context.Context, cmd repositories.OrderStatusUpdate) (domain.Order, error) {
	const op = "orders.appendStatus"
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Ref(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", cmd.OrderID, err)
		}
		current := doc.toDomain(cmd.OrderID)
		if current.Status != cmd.Expected {
			return &repositories.OrderStateError{Op: op, Current: current}
		}

		at := cmd.Change.At.UTC()
		doc.Status = string(cmd.Change.Status)
		doc.StatusHistory = append(doc.StatusHistory, newStatusChangeDocument(cmd.Change))
		doc.UpdatedAt = at
		if err := tx.Update(ref, []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "statusHistory", Value: doc.StatusHistory},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}
		updated = doc.toDomain(cmd.OrderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapStateError(op, err)
	}
	return updated, nil
}

func (r *OrderRepository) AttachInvoice(ctx context.Context, orderID, documentRef string, at time.Time) (domain.Order, error) {
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if doc.InvoiceDocumentRef != "" {
			updated = doc.toDomain(orderID)
			return nil
		}
		doc.InvoiceDocumentRef = documentRef
		doc.UpdatedAt = at.UTC()
		if err := tx.Update(ref, []firestore.Update{
			{Path: "invoiceDocumentRef", Value: documentRef},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.attachInvoice", err)
	}
	return updated, nil
}

func (r *OrderRepository) ListMissingInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	docs, err := r.orders.Find(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("invoiceDocumentRef", "==", "").
			Where("createdAt", "<=", createdBefore.UTC()).
			OrderBy("createdAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// Aggregate issues one count aggregation per status plus a sum over revenue statuses, avoiding a
// full collection scan.
func (r *OrderRepository) Aggregate(ctx context.Context, revenueStatuses []domain.OrderStatus) (repositories.OrderAggregate, error) {
	const op = "orders.aggregate"
	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.OrderAggregate{}, err
	}
	coll := client.Collection(ordersCollection)

	agg := repositories.OrderAggregate{CountsByStatus: make(map[domain.OrderStatus]int64, len(domain.OrderStatuses))}
	for _, s := range domain.OrderStatuses {
		count, err := countQuery(ctx, op, coll.Where("status", "==", string(s)))
		if err != nil {
			return repositories.OrderAggregate{}, err
		}
		agg.CountsByStatus[s] = count
	}
	if len(revenueStatuses) == 0 {
		return agg, nil
	}

	revenue := coll.Where("status", "in", statusStrings(revenueStatuses))
	result, err := revenue.NewAggregationQuery().WithSum("amount", "revenue").Get(ctx)
	if err != nil {
		return repositories.OrderAggregate{}, pfirestore.WrapError(op, err)
	}
	agg.Revenue = aggregateInt(result["revenue"])
	return agg, nil
}

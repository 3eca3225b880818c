package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/reconciler/internal/domain"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// PendingOrderRepository stores pending orders keyed by payment reference so that every
// compare-and-swap touches a single document.
type PendingOrderRepository struct {
	provider *pfirestore.Provider
	pending  *pfirestore.Collection[pendingOrderDocument]
}

var _ repositories.PendingOrderRepository = (*PendingOrderRepository)(nil)

// NewPendingOrderRepository constructs a Firestore-backed pending order repository.
func NewPendingOrderRepository(provider *pfirestore.Provider) (*PendingOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("pending order repository requires firestore provider")
	}
	return &PendingOrderRepository{
		provider: provider,
		pending:  pfirestore.NewCollection[pendingOrderDocument](provider, pendingOrdersCollection),
	}, nil
}

func (r *PendingOrderRepository) Insert(ctx context.Context, pending domain.PendingOrder) error {
	ref, err := r.pending.Ref(ctx, pending.PaymentReference)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newPendingOrderDocument(pending)); err != nil {
		return pfirestore.WrapError("pendingOrders.insert", err)
	}
	return nil
}

func (r *PendingOrderRepository) FindByID(ctx context.Context, pendingOrderID string) (domain.PendingOrder, error) {
	id := strings.TrimSpace(pendingOrderID)
	docs, err := r.pending.Find(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("id", "==", id).Limit(1)
	})
	if err != nil {
		return domain.PendingOrder{}, err
	}
	if len(docs) == 0 {
		return domain.PendingOrder{}, pfirestore.WrapError("pendingOrders.get", status.Errorf(codes.NotFound, "pending order %s not found", id))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *PendingOrderRepository) FindByReference(ctx context.Context, reference string) (domain.PendingOrder, error) {
	doc, err := r.pending.Get(ctx, reference)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *PendingOrderRepository) Transition(ctx context.Context, cmd repositories.PendingOrderTransition) (domain.PendingOrder, error) {
	const op = "pendingOrders.transition"
	var updated domain.PendingOrder
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.pending.Ref(ctx, cmd.Reference)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc pendingOrderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode pending order %s: %w", cmd.Reference, err)
		}
		current := doc.toDomain(cmd.Reference)
		if !slices.Contains(cmd.From, current.Status) {
			return &repositories.PendingOrderStateError{Op: op, Current: current}
		}

		at := cmd.At.UTC()
		updates := []firestore.Update{
			{Path: "status", Value: string(cmd.To)},
			{Path: "failureReason", Value: cmd.Reason},
			{Path: "updatedAt", Value: at},
		}
		current.Status = cmd.To
		current.FailureReason = cmd.Reason
		current.UpdatedAt = at
		if cmd.AuthorizationURL != "" {
			updates = append(updates, firestore.Update{Path: "authorizationUrl", Value: cmd.AuthorizationURL})
			current.AuthorizationURL = cmd.AuthorizationURL
		}
		if cmd.AccessCode != "" {
			updates = append(updates, firestore.Update{Path: "accessCode", Value: cmd.AccessCode})
			current.AccessCode = cmd.AccessCode
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return domain.PendingOrder{}, wrapStateError(op, err)
	}
	return updated, nil
}

func (r *PendingOrderRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.PendingOrder, error) {
	docs, err := r.pending.Find(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "in", statusStrings(domain.LivePendingOrderStatuses)).
			Where("expiresAt", "<=", before.UTC()).
			OrderBy("expiresAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	expired := make([]domain.PendingOrder, 0, len(docs))
	for _, doc := range docs {
		expired = append(expired, doc.Data.toDomain(doc.ID))
	}
	return expired, nil
}

func (r *PendingOrderRepository) CountLive(ctx context.Context) (int64, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	query := client.Collection(pendingOrdersCollection).
		Where("status", "in", statusStrings(domain.LivePendingOrderStatuses))
	return countQuery(ctx, "pendingOrders.countLive", query)
}

func countQuery(ctx context.Context, op string, query firestore.Query) (int64, error) {
	result, err := query.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError(op, err)
	}
	return aggregateInt(result["count"]), nil
}

func aggregateInt(value any) int64 {
	switch v := value.(type) {
	case *firestorepb.Value:
		if v == nil {
			return 0
		}
		if _, ok := v.GetValueType().(*firestorepb.Value_DoubleValue); ok {
			return int64(v.GetDoubleValue())
		}
		return v.GetIntegerValue()
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// wrapStateError keeps typed state errors visible to callers and wraps everything else.
func wrapStateError(op string, err error) error {
	var pendingErr *repositories.PendingOrderStateError
	if errors.As(err, &pendingErr) {
		return pendingErr
	}
	var orderErr *repositories.OrderStateError
	if errors.As(err, &orderErr) {
		return orderErr
	}
	var idErr *repositories.IdentifierConflictError
	if errors.As(err, &idErr) {
		return idErr
	}
	return pfirestore.WrapError(op, err)
}

package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// PendingOrderRepository implements repositories.PendingOrderRepository.
type PendingOrderRepository struct {
	store *Store
}

var _ repositories.PendingOrderRepository = (*PendingOrderRepository)(nil)

// NewPendingOrderRepository returns a repository backed by store.
func NewPendingOrderRepository(store *Store) *PendingOrderRepository {
	return &PendingOrderRepository{store: store}
}

func (r *PendingOrderRepository) Insert(_ context.Context, pending domain.PendingOrder) error {
	ref := strings.TrimSpace(pending.PaymentReference)
	if ref == "" {
		return conflict("pending_orders.insert", "payment reference is required")
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pendingByRef[ref]; exists {
		return conflict("pending_orders.insert", "reference %s already exists", ref)
	}
	if _, exists := s.pendingIDs[pending.ID]; exists {
		return conflict("pending_orders.insert", "pending order %s already exists", pending.ID)
	}
	s.pendingByRef[ref] = clonePending(pending)
	s.pendingIDs[pending.ID] = ref
	return nil
}

func (r *PendingOrderRepository) FindByID(_ context.Context, pendingOrderID string) (domain.PendingOrder, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.pendingIDs[pendingOrderID]
	if !ok {
		return domain.PendingOrder{}, notFound("pending_orders.get", "pending order %s not found", pendingOrderID)
	}
	return clonePending(s.pendingByRef[ref]), nil
}

func (r *PendingOrderRepository) FindByReference(_ context.Context, reference string) (domain.PendingOrder, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pendingByRef[reference]
	if !ok {
		return domain.PendingOrder{}, notFound("pending_orders.get", "reference %s not found", reference)
	}
	return clonePending(pending), nil
}

func (r *PendingOrderRepository) Transition(_ context.Context, cmd repositories.PendingOrderTransition) (domain.PendingOrder, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pendingByRef[cmd.Reference]
	if !ok {
		return domain.PendingOrder{}, notFound("pending_orders.transition", "reference %s not found", cmd.Reference)
	}
	if !slices.Contains(cmd.From, pending.Status) {
		return domain.PendingOrder{}, &repositories.PendingOrderStateError{Op: "pending_orders.transition", Current: clonePending(pending)}
	}

	pending.Status = cmd.To
	pending.FailureReason = cmd.Reason
	if cmd.AuthorizationURL != "" {
		pending.AuthorizationURL = cmd.AuthorizationURL
	}
	if cmd.AccessCode != "" {
		pending.AccessCode = cmd.AccessCode
	}
	pending.UpdatedAt = cmd.At
	s.pendingByRef[cmd.Reference] = pending
	return clonePending(pending), nil
}

func (r *PendingOrderRepository) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.PendingOrder, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []domain.PendingOrder
	for _, pending := range s.pendingByRef {
		if !pending.Status.Live() || pending.ExpiresAt.After(before) {
			continue
		}
		expired = append(expired, clonePending(pending))
	}
	slices.SortFunc(expired, func(a, b domain.PendingOrder) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.PaymentReference, b.PaymentReference)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (r *PendingOrderRepository) CountLive(context.Context) (int64, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, pending := range s.pendingByRef {
		if pending.Status.Live() {
			count++
		}
	}
	return count, nil
}

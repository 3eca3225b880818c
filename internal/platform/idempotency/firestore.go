package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
)

const firestoreCollection = "idempotencyKeys"

// FirestoreStore keeps entries in the idempotencyKeys collection, one document per key hash.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider, collection: firestoreCollection}
}

type entryDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Completed   bool                `firestore:"completed"`
	Status      int                 `firestore:"responseStatus"`
	Header      map[string][]string `firestore:"responseHeader"`
	Body        []byte              `firestore:"responseBody"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func newEntryDocument(e Entry) entryDocument {
	return entryDocument{
		Key: e.Key, Fingerprint: e.Fingerprint, Completed: e.Completed,
		Status: e.Status, Header: e.Header, Body: e.Body,
		CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt,
	}
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key: d.Key, Fingerprint: d.Fingerprint, Completed: d.Completed,
		Status: d.Status, Header: http.Header(d.Header), Body: d.Body,
		CreatedAt: d.CreatedAt, ExpiresAt: d.ExpiresAt,
	}
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

// load reads the entry inside tx; a missing document yields nil.
func load(tx *firestore.Transaction, ref *firestore.DocumentRef) (*Entry, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := pfirestore.Decode[entryDocument](snap)
	if err != nil {
		return nil, err
	}
	entry := doc.entry()
	return &entry, nil
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}
	var (
		outcome Outcome
		entry   Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := load(tx, ref)
		if err != nil {
			return err
		}
		outcome, entry, err = claimOutcome(existing, key, fingerprint, now.UTC(), ttl)
		if err != nil || outcome != OutcomeFresh {
			return err
		}
		return tx.Set(ref, newEntryDocument(entry))
	})
	if err != nil {
		return 0, Entry{}, unwrapMismatch(err)
	}
	return outcome, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := load(tx, ref)
		if err != nil {
			return err
		}
		entry := Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		if existing != nil {
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			entry = *existing
		}
		entry.Completed = true
		entry.Status = resp.Status
		entry.Header = replayableHeader(resp.Header)
		entry.Body = resp.Body
		entry.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, newEntryDocument(entry))
	})
	return unwrapMismatch(err)
}

func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.abandon", err)
	}
	return nil
}

// CleanupExpired deletes up to limit expired documents in a single batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	snaps, err := client.Collection(s.collection).Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil || len(snaps) == 0 {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	writer := client.BulkWriter(ctx)
	for _, snap := range snaps {
		if _, err := writer.Delete(snap.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	writer.End()
	return len(snaps), nil
}

// unwrapMismatch surfaces ErrFingerprintMismatch from a transaction body unchanged.
func unwrapMismatch(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFingerprintMismatch) {
		return ErrFingerprintMismatch
	}
	return err
}

package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Snapshot pairs a decoded document with its ID.
type Snapshot[T any] struct {
	ID   string
	Data T
}

// Collection is a typed view over one top-level collection. Documents decode through the
// `firestore` struct tags of T.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Ref resolves the document reference for id, for use inside transactions.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.name+".ref", errors.New("firestore: document id is required"))
	}
	if c.provider == nil || c.name == "" {
		return nil, WrapError(c.name+".ref", errors.New("firestore: collection is not configured"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

func (c *Collection[T]) Get(ctx context.Context, id string) (Snapshot[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Snapshot[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Snapshot[T]{}, WrapError(c.name+".get", err)
	}
	return decodeSnapshot[T](snap, c.name)
}

// Find runs the query shaped by build and decodes every result.
func (c *Collection[T]) Find(ctx context.Context, build func(firestore.Query) firestore.Query) ([]Snapshot[T], error) {
	if c.provider == nil || c.name == "" {
		return nil, WrapError(c.name+".find", errors.New("firestore: collection is not configured"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(c.name).Query
	if build != nil {
		query = build(query)
	}

	it := query.Documents(ctx)
	defer it.Stop()
	var out []Snapshot[T]
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.name+".find", err)
		}
		decoded, err := decodeSnapshot[T](snap, c.name)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
}

// Decode reads a snapshot obtained inside a transaction.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var out T
	err := snap.DataTo(&out)
	return out, err
}

func decodeSnapshot[T any](snap *firestore.DocumentSnapshot, collection string) (Snapshot[T], error) {
	data, err := Decode[T](snap)
	if err != nil {
		return Snapshot[T]{}, WrapError(collection+".decode", err)
	}
	return Snapshot[T]{ID: snap.Ref.ID, Data: data}, nil
}

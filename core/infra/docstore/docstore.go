// Package docstore persists JSON documents with ordered secondary indexes.
// Components build their narrow stores on top of it so the backing
// technology (process memory or Redis) can change without touching them.
package docstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no document exists for the id.
var ErrNotFound = errors.New("document not found")

// Index names one secondary index entry of a document.
type Index struct {
	Name  string
	Value string
}

// By is shorthand for an Index literal.
func By(name, value string) Index { return Index{Name: name, Value: value} }

// Store is a keyed document store. List results follow first-insertion order;
// re-putting an existing id replaces the document but keeps its position.
type Store[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Put(ctx context.Context, id string, doc T, indexes ...Index) error
	List(ctx context.Context, idx Index) ([]T, error)
	ListAll(ctx context.Context) ([]T, error)
	Count(ctx context.Context, idx Index) (int, error)
}

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Documents are kept as JSON so callers never
// share mutable state with the store.
type Memory[T any] struct {
	mu      sync.RWMutex
	docs    map[string][]byte
	order   []string
	indexes map[Index][]string
	members map[Index]map[string]struct{}
}

// NewMemory constructs an empty in-memory store.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{
		docs:    make(map[string][]byte),
		indexes: make(map[Index][]string),
		members: make(map[Index]map[string]struct{}),
	}
}

func (m *Memory[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	data, ok := m.docs[id]
	m.mu.RUnlock()
	var out T
	if !ok {
		return out, ErrNotFound
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal document %s: %w", id, err)
	}
	return out, nil
}

func (m *Memory[T]) Put(_ context.Context, id string, doc T, indexes ...Index) error {
	if id == "" {
		return fmt.Errorf("document id required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[id]; !exists {
		m.order = append(m.order, id)
	}
	m.docs[id] = data
	for _, idx := range indexes {
		set := m.members[idx]
		if set == nil {
			set = make(map[string]struct{})
			m.members[idx] = set
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		m.indexes[idx] = append(m.indexes[idx], id)
	}
	return nil
}

func (m *Memory[T]) List(ctx context.Context, idx Index) ([]T, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.indexes[idx]...)
	m.mu.RUnlock()
	return m.load(ctx, ids)
}

func (m *Memory[T]) ListAll(ctx context.Context) ([]T, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()
	return m.load(ctx, ids)
}

func (m *Memory[T]) Count(_ context.Context, idx Index) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indexes[idx]), nil
}

func (m *Memory[T]) load(ctx context.Context, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		doc, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

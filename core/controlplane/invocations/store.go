// Package invocations is the ledger of invocation envelopes.
package invocations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const (
	idxWorkspace = "workspace"
	idxSwarmRun  = "swarm_run"
)

// Store records envelopes. It applies no lifecycle rules of its own; the
// middleware chain decides which status an envelope moves to.
type Store struct {
	mu   sync.Mutex
	docs docstore.Store[model.InvocationEnvelope]
	now  func() time.Time
}

func NewStore(docs docstore.Store[model.InvocationEnvelope]) *Store {
	return &Store{docs: docs, now: func() time.Time { return time.Now().UTC() }}
}

// Save inserts or replaces an envelope.
func (s *Store) Save(ctx context.Context, env model.InvocationEnvelope) error {
	if strings.TrimSpace(env.ID) == "" {
		return model.ValidationDenied("id", "invocation id required")
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, env)
}

// Update merges the non-nil fields of patch into the stored envelope.
func (s *Store) Update(ctx context.Context, id string, patch model.InvocationPatch) (*model.InvocationEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(&env)
	env.UpdatedAt = s.now()
	if err := s.put(ctx, env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.InvocationEnvelope, error) {
	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// ListByWorkspace returns envelopes in first-save order.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID string) ([]model.InvocationEnvelope, error) {
	out, err := s.docs.List(ctx, docstore.By(idxWorkspace, workspaceID))
	if err != nil {
		return nil, fmt.Errorf("list invocations for workspace %s: %w", workspaceID, err)
	}
	return out, nil
}

func (s *Store) ListBySwarmRun(ctx context.Context, swarmRunID string) ([]model.InvocationEnvelope, error) {
	if strings.TrimSpace(swarmRunID) == "" {
		return []model.InvocationEnvelope{}, nil
	}
	out, err := s.docs.List(ctx, docstore.By(idxSwarmRun, swarmRunID))
	if err != nil {
		return nil, fmt.Errorf("list invocations for swarm run %s: %w", swarmRunID, err)
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, id string) (model.InvocationEnvelope, error) {
	env, err := s.docs.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return env, model.NotFound("invocation", id)
	}
	if err != nil {
		return env, fmt.Errorf("load invocation %s: %w", id, err)
	}
	return env, nil
}

func (s *Store) put(ctx context.Context, env model.InvocationEnvelope) error {
	indexes := []docstore.Index{docstore.By(idxWorkspace, env.WorkspaceID)}
	if env.SwarmRunID != "" {
		indexes = append(indexes, docstore.By(idxSwarmRun, env.SwarmRunID))
	}
	if err := s.docs.Put(ctx, env.ID, env, indexes...); err != nil {
		return fmt.Errorf("save invocation %s: %w", env.ID, err)
	}
	return nil
}

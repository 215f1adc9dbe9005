// Package bindings maps each tenant workspace to exactly one gateway.
package bindings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const indexGateway = "gateway"

// GatewayLookup confirms that a gateway exists before binding to it.
type GatewayLookup interface {
	Get(ctx context.Context, id string) (*model.Gateway, error)
}

// BindInput is one workspace-to-gateway binding.
type BindInput struct {
	WorkspaceID       string
	GatewayID         string
	DefaultSessionKey string
	AgentIDPrefix     string
}

// Service owns workspace bindings.
type Service struct {
	mu       sync.Mutex
	store    docstore.Store[model.WorkspaceBinding]
	gateways GatewayLookup
	now      func() time.Time
}

// NewService builds a binding service. gateways may be nil, in which case the
// gateway id is not checked.
func NewService(store docstore.Store[model.WorkspaceBinding], gateways GatewayLookup) *Service {
	return &Service{store: store, gateways: gateways, now: func() time.Time { return time.Now().UTC() }}
}

// Bind upserts the binding for a workspace. The last write wins; CreatedAt
// survives overwrites.
func (s *Service) Bind(ctx context.Context, in BindInput) (*model.WorkspaceBinding, error) {
	workspaceID := strings.TrimSpace(in.WorkspaceID)
	gatewayID := strings.TrimSpace(in.GatewayID)
	if workspaceID == "" {
		return nil, model.ValidationDenied("workspace_id", "workspace id required")
	}
	if gatewayID == "" {
		return nil, model.ValidationDenied("gateway_id", "gateway id required")
	}
	if s.gateways != nil {
		if _, err := s.gateways.Get(ctx, gatewayID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	binding := model.WorkspaceBinding{
		WorkspaceID:       workspaceID,
		GatewayID:         gatewayID,
		DefaultSessionKey: in.DefaultSessionKey,
		AgentIDPrefix:     in.AgentIDPrefix,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	existing, err := s.store.Get(ctx, workspaceID)
	switch {
	case err == nil:
		binding.CreatedAt = existing.CreatedAt
	case !errors.Is(err, docstore.ErrNotFound):
		return nil, fmt.Errorf("load binding %s: %w", workspaceID, err)
	}
	if err := s.store.Put(ctx, workspaceID, binding, docstore.By(indexGateway, gatewayID)); err != nil {
		return nil, fmt.Errorf("save binding %s: %w", workspaceID, err)
	}
	logging.Info("bindings", "workspace bound", "workspace_id", workspaceID, "gateway_id", gatewayID)
	return &binding, nil
}

// GetForWorkspace returns the workspace's binding. An unbound workspace is
// NotFound, which is how unbound tenants are refused service.
func (s *Service) GetForWorkspace(ctx context.Context, workspaceID string) (*model.WorkspaceBinding, error) {
	binding, err := s.store.Get(ctx, workspaceID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NotFound("workspace_binding", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load binding %s: %w", workspaceID, err)
	}
	return &binding, nil
}

// ListForGateway returns the workspaces currently bound to a gateway. The
// index keeps stale members after a rebind, so entries are re-checked.
func (s *Service) ListForGateway(ctx context.Context, gatewayID string) ([]model.WorkspaceBinding, error) {
	all, err := s.store.List(ctx, docstore.By(indexGateway, gatewayID))
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	out := all[:0]
	for _, b := range all {
		if b.GatewayID == gatewayID {
			out = append(out, b)
		}
	}
	return out, nil
}

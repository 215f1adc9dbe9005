// Package catalog classifies tools per gateway: risk tier, approval
// requirement, scope restrictions and review state.
package catalog

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

// RegisterInput describes one catalog entry. Zero values of the optional
// fields select the defaults.
type RegisterInput struct {
	ToolName          string
	GatewayID         string
	RiskTier          model.RiskTier
	ApprovalRequired  model.ApprovalRequirement
	AllowedActions    []string
	AllowedWorkspaces []string
	AllowedRoles      []string
	ReviewStatus      model.ReviewStatus
}

// Catalog owns tool classifications.
type Catalog struct {
	mu    sync.Mutex
	store docstore.Store[model.ToolCatalogEntry]
	now   func() time.Time
}

func New(store docstore.Store[model.ToolCatalogEntry]) *Catalog {
	return &Catalog{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func entryKey(gatewayID, toolName string) string {
	return gatewayID + "/" + toolName
}

// Register stores an entry, replacing any previous entry for the same tool
// and gateway. A quarantined entry stays quarantined across re-registration.
func (c *Catalog) Register(ctx context.Context, in RegisterInput) (*model.ToolCatalogEntry, error) {
	tool := strings.TrimSpace(in.ToolName)
	gatewayID := strings.TrimSpace(in.GatewayID)
	if tool == "" {
		return nil, model.ValidationDenied("tool_name", "tool name required")
	}
	if gatewayID == "" {
		return nil, model.ValidationDenied("gateway_id", "gateway id required")
	}
	if !in.RiskTier.Valid() {
		return nil, model.ValidationDenied("risk_tier", fmt.Sprintf("risk tier %d out of range 0-3", in.RiskTier))
	}
	approval := in.ApprovalRequired
	if approval == "" {
		approval = model.DefaultApproval(in.RiskTier)
	} else if !approval.Valid() {
		return nil, model.ValidationDenied("approval_required", fmt.Sprintf("unknown approval requirement %q", approval))
	}
	review := in.ReviewStatus
	if review == "" {
		review = model.ReviewPending
	} else if !review.Valid() {
		return nil, model.ValidationDenied("review_status", fmt.Sprintf("unknown review status %q", review))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := entryKey(gatewayID, tool)
	now := c.now()
	entry := model.ToolCatalogEntry{
		ToolName:          tool,
		GatewayID:         gatewayID,
		RiskTier:          in.RiskTier,
		ApprovalRequired:  approval,
		AllowedActions:    in.AllowedActions,
		AllowedWorkspaces: in.AllowedWorkspaces,
		AllowedRoles:      in.AllowedRoles,
		ReviewStatus:      review,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	existing, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		entry.CreatedAt = existing.CreatedAt
		if existing.ReviewStatus == model.ReviewQuarantined {
			entry.ReviewStatus = model.ReviewQuarantined
		}
		logging.Warn("catalog", "overwriting catalog entry", "tool", tool, "gateway_id", gatewayID)
	case !errors.Is(err, docstore.ErrNotFound):
		return nil, fmt.Errorf("load catalog entry %s: %w", key, err)
	}
	if err := c.store.Put(ctx, key, entry, docstore.By(indexGateway, gatewayID)); err != nil {
		return nil, fmt.Errorf("save catalog entry %s: %w", key, err)
	}
	return &entry, nil
}

// Get looks up a tool by exact name, then the gateway's wildcard entry.
// ok is false when neither exists.
func (c *Catalog) Get(ctx context.Context, toolName, gatewayID string) (*model.ToolCatalogEntry, bool, error) {
	for _, name := range []string{toolName, model.WildcardTool} {
		entry, err := c.store.Get(ctx, entryKey(gatewayID, name))
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("load catalog entry: %w", err)
		}
		return &entry, true, nil
	}
	return nil, false, nil
}

// Quarantine blocks an exact entry. Quarantining twice is a no-op.
func (c *Catalog) Quarantine(ctx context.Context, toolName, gatewayID string) (*model.ToolCatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := entryKey(gatewayID, toolName)
	entry, err := c.store.Get(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NotFound("tool", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog entry %s: %w", key, err)
	}
	if entry.ReviewStatus == model.ReviewQuarantined {
		return &entry, nil
	}
	entry.ReviewStatus = model.ReviewQuarantined
	entry.UpdatedAt = c.now()
	if err := c.store.Put(ctx, key, entry, docstore.By(indexGateway, gatewayID)); err != nil {
		return nil, fmt.Errorf("save catalog entry %s: %w", key, err)
	}
	logging.Warn("catalog", "tool quarantined", "tool", toolName, "gateway_id", gatewayID)
	return &entry, nil
}

// ListForGateway returns the gateway's entries in registration order.
func (c *Catalog) ListForGateway(ctx context.Context, gatewayID string) ([]model.ToolCatalogEntry, error) {
	out, err := c.store.List(ctx, docstore.By(indexGateway, gatewayID))
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	return out, nil
}

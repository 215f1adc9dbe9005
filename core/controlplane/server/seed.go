package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/bindings"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/catalog"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/gateways"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/policy"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/config"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

// Seed applies a bundle. It is safe to re-run against persistent storage:
// known gateways are left alone and a workspace's rules are only seeded
// while it has none.
func Seed(ctx context.Context, app *App, b *config.Bundle) error {
	if b == nil {
		return nil
	}
	for _, g := range b.Gateways {
		if g.ID != "" {
			if _, err := app.Gateways.Get(ctx, g.ID); err == nil {
				continue
			} else if !errors.Is(err, model.ErrNotFound) {
				return err
			}
		}
		if _, err := app.Gateways.Register(ctx, gateways.RegisterInput{
			ID:           g.ID,
			Environment:  g.Environment,
			Host:         g.Host,
			Port:         g.Port,
			AuthMode:     model.AuthMode(g.AuthMode),
			TokenRef:     g.TokenRef,
			BasePath:     g.BasePath,
			LoopbackOnly: g.LoopbackOnly,
		}); err != nil {
			return fmt.Errorf("gateway %s: %w", g.ID, err)
		}
	}
	for _, bd := range b.Bindings {
		if _, err := app.Bindings.Bind(ctx, bindings.BindInput{
			WorkspaceID:       bd.WorkspaceID,
			GatewayID:         bd.GatewayID,
			DefaultSessionKey: bd.DefaultSessionKey,
			AgentIDPrefix:     bd.AgentIDPrefix,
		}); err != nil {
			return fmt.Errorf("binding %s: %w", bd.WorkspaceID, err)
		}
	}
	for _, t := range b.Tools {
		if _, err := app.Catalog.Register(ctx, catalog.RegisterInput{
			ToolName:          t.ToolName,
			GatewayID:         t.GatewayID,
			RiskTier:          model.RiskTier(t.RiskTier),
			ApprovalRequired:  model.ApprovalRequirement(t.ApprovalRequired),
			AllowedActions:    t.AllowedActions,
			AllowedWorkspaces: t.AllowedWorkspaces,
			AllowedRoles:      t.AllowedRoles,
			ReviewStatus:      model.ReviewStatus(t.ReviewStatus),
		}); err != nil {
			return fmt.Errorf("tool %s on %s: %w", t.ToolName, t.GatewayID, err)
		}
	}
	if err := seedRules(ctx, app.Policy, b.Rules); err != nil {
		return err
	}
	for _, k := range b.KillSwitches {
		if _, err := app.KillSwitches.Activate(ctx, model.KillScope(k.Scope), k.TargetID, k.Reason, k.ActivatedBy); err != nil {
			return fmt.Errorf("kill switch %s/%s: %w", k.Scope, k.TargetID, err)
		}
	}
	logging.Info("server", "bundle seeded", "gateways", len(b.Gateways), "bindings", len(b.Bindings),
		"tools", len(b.Tools), "rules", len(b.Rules), "kill_switches", len(b.KillSwitches))
	return nil
}

func seedRules(ctx context.Context, compiler *policy.Compiler, rules []config.BundleRule) error {
	seeded := map[string]bool{}
	for _, r := range rules {
		if _, checked := seeded[r.WorkspaceID]; !checked {
			existing, err := compiler.ListRules(ctx, r.WorkspaceID)
			if err != nil {
				return err
			}
			seeded[r.WorkspaceID] = len(existing) == 0
			if len(existing) > 0 {
				logging.Info("server", "skipping bundle rules, workspace already has rules", "workspace", r.WorkspaceID, "rules", len(existing))
			}
		}
		if !seeded[r.WorkspaceID] {
			continue
		}
		if _, err := compiler.AddRule(ctx, policy.AddRuleInput{
			WorkspaceID: r.WorkspaceID,
			Role:        r.Role,
			ToolName:    r.ToolName,
			Action:      r.Action,
			Decision:    model.Decision(r.Decision),
		}); err != nil {
			return fmt.Errorf("rule %s/%s/%s: %w", r.WorkspaceID, r.Role, r.ToolName, err)
		}
	}
	return nil
}

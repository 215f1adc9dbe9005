// Package policy stores per-workspace authorization rules, evaluates them
// with deny-wins semantics, and compiles catalog snapshots into allow/deny
// lists.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const indexWorkspace = "workspace"

// AddRuleInput is one new rule. An empty Action means every action.
type AddRuleInput struct {
	WorkspaceID string
	Role        string
	ToolName    string
	Action      string
	Decision    model.Decision
}

// CatalogSource lists a gateway's catalog entries at compile time.
type CatalogSource interface {
	ListForGateway(ctx context.Context, gatewayID string) ([]model.ToolCatalogEntry, error)
}

// Compiler owns policy rules and compiled snapshots.
type Compiler struct {
	mu    sync.Mutex
	rules docstore.Store[model.PolicyRule]
	now   func() time.Time

	group    singleflight.Group
	cacheMu  sync.RWMutex
	compiled map[string]model.CompiledPolicy
}

func NewCompiler(rules docstore.Store[model.PolicyRule]) *Compiler {
	return &Compiler{
		rules:    rules,
		now:      func() time.Time { return time.Now().UTC() },
		compiled: make(map[string]model.CompiledPolicy),
	}
}

// AddRule appends a rule. Rules are never edited; a later rule supersedes an
// earlier one only through evaluation order.
func (c *Compiler) AddRule(ctx context.Context, in AddRuleInput) (*model.PolicyRule, error) {
	workspaceID := strings.TrimSpace(in.WorkspaceID)
	role := strings.TrimSpace(in.Role)
	tool := strings.TrimSpace(in.ToolName)
	action := strings.TrimSpace(in.Action)
	if action == "" {
		action = model.Wildcard
	}
	switch {
	case workspaceID == "":
		return nil, model.ValidationDenied("workspace_id", "workspace id required")
	case role == "":
		return nil, model.ValidationDenied("role", "role required")
	case tool == "":
		return nil, model.ValidationDenied("tool_name", "tool name required")
	case !in.Decision.Valid():
		return nil, model.ValidationDenied("decision", fmt.Sprintf("decision must be allow or deny, got %q", in.Decision))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	count, err := c.rules.Count(ctx, docstore.By(indexWorkspace, workspaceID))
	if err != nil {
		return nil, fmt.Errorf("count rules: %w", err)
	}
	rule := model.PolicyRule{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Role:        role,
		ToolName:    tool,
		Action:      action,
		Decision:    in.Decision,
		Version:     count + 1,
		CreatedAt:   c.now(),
	}
	if err := c.rules.Put(ctx, rule.ID, rule, docstore.By(indexWorkspace, workspaceID)); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}
	logging.Info("policy", "rule added", "workspace_id", workspaceID, "rule_id", rule.ID, "decision", rule.Decision, "version", rule.Version)
	return &rule, nil
}

// ListRules returns a workspace's rules in insertion order.
func (c *Compiler) ListRules(ctx context.Context, workspaceID string) ([]model.PolicyRule, error) {
	rules, err := c.rules.List(ctx, docstore.By(indexWorkspace, workspaceID))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// Evaluate returns the first matching deny rule, else the first matching
// allow rule, else a deny with no matched rule.
func (c *Compiler) Evaluate(ctx context.Context, workspaceID string, roles []string, toolName, action string) (model.PolicyDecision, error) {
	rules, err := c.ListRules(ctx, workspaceID)
	if err != nil {
		return model.PolicyDecision{Decision: model.DecisionDeny}, err
	}
	return Evaluate(rules, roles, toolName, action), nil
}

// Evaluate is the pure decision function over an ordered rule list.
func Evaluate(rules []model.PolicyRule, roles []string, toolName, action string) model.PolicyDecision {
	for _, decision := range []model.Decision{model.DecisionDeny, model.DecisionAllow} {
		for _, rule := range rules {
			if rule.Decision == decision && ruleMatches(rule, roles, toolName, action) {
				return model.PolicyDecision{Decision: decision, MatchedRuleID: rule.ID}
			}
		}
	}
	return model.PolicyDecision{Decision: model.DecisionDeny}
}

func ruleMatches(rule model.PolicyRule, roles []string, toolName, action string) bool {
	if !matchValue(rule.ToolName, toolName) || !matchValue(rule.Action, action) {
		return false
	}
	if rule.Role == model.Wildcard {
		return true
	}
	for _, role := range roles {
		if role == rule.Role {
			return true
		}
	}
	return false
}

func matchValue(pattern, value string) bool {
	return pattern == model.Wildcard || pattern == value
}

// Compile materializes the effective tool lists for an agent on a gateway.
// Concurrent compiles of the same key share one computation; the result is
// kept for Cached. A snapshot is never consulted for live decisions.
func (c *Compiler) Compile(ctx context.Context, workspaceID, gatewayID, agentID string, catalog CatalogSource) (*model.CompiledPolicy, error) {
	key := cacheKey(workspaceID, gatewayID, agentID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		compiled, err := c.compile(ctx, workspaceID, gatewayID, agentID, catalog)
		if err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		c.compiled[key] = compiled
		c.cacheMu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	out := clonePolicy(v.(model.CompiledPolicy))
	return &out, nil
}

// Cached returns the last compiled snapshot for the key, if any.
func (c *Compiler) Cached(workspaceID, gatewayID, agentID string) (*model.CompiledPolicy, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	compiled, ok := c.compiled[cacheKey(workspaceID, gatewayID, agentID)]
	if !ok {
		return nil, false
	}
	out := clonePolicy(compiled)
	return &out, true
}

func (c *Compiler) compile(ctx context.Context, workspaceID, gatewayID, agentID string, catalog CatalogSource) (model.CompiledPolicy, error) {
	rules, err := c.ListRules(ctx, workspaceID)
	if err != nil {
		return model.CompiledPolicy{}, err
	}
	entries, err := catalog.ListForGateway(ctx, gatewayID)
	if err != nil {
		return model.CompiledPolicy{}, fmt.Errorf("list catalog: %w", err)
	}

	out := model.CompiledPolicy{
		WorkspaceID:   workspaceID,
		GatewayID:     gatewayID,
		AgentID:       agentID,
		ToolsAllow:    []string{},
		ToolsDeny:     []string{},
		ToolGroups:    []string{},
		PolicyVersion: len(rules),
		CompiledAt:    c.now(),
	}
	groups := map[string]struct{}{}
	for _, entry := range entries {
		if entry.ReviewStatus.Blocks() || deniedByRule(rules, entry.ToolName) {
			out.ToolsDeny = append(out.ToolsDeny, entry.ToolName)
			continue
		}
		out.ToolsAllow = append(out.ToolsAllow, entry.ToolName)
		for _, g := range model.GroupsForTool(entry.ToolName) {
			groups[g] = struct{}{}
		}
	}
	for g := range groups {
		out.ToolGroups = append(out.ToolGroups, g)
	}
	sort.Strings(out.ToolGroups)
	return out, nil
}

func deniedByRule(rules []model.PolicyRule, tool string) bool {
	for _, rule := range rules {
		if rule.Decision == model.DecisionDeny && matchValue(rule.ToolName, tool) {
			return true
		}
	}
	return false
}

func cacheKey(workspaceID, gatewayID, agentID string) string {
	return workspaceID + "|" + gatewayID + "|" + agentID
}

func clonePolicy(p model.CompiledPolicy) model.CompiledPolicy {
	p.ToolsAllow = append([]string{}, p.ToolsAllow...)
	p.ToolsDeny = append([]string{}, p.ToolsDeny...)
	p.ToolGroups = append([]string{}, p.ToolGroups...)
	return p
}

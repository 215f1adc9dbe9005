package model

import "time"

// Decision is an allow/deny verdict.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

func (d Decision) Valid() bool { return d == DecisionAllow || d == DecisionDeny }

// Wildcard matches any role, tool, or action in a policy rule.
const Wildcard = "*"

// DefaultDenyRuleID marks a deny that no rule matched.
const DefaultDenyRuleID = "default_deny"

// PolicyRule is one append-only authorization rule within a workspace.
type PolicyRule struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	ToolName    string    `json:"tool_name"`
	Action      string    `json:"action"`
	Decision    Decision  `json:"decision"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// PolicyDecision is the result of evaluating a workspace's rules.
type PolicyDecision struct {
	Decision      Decision `json:"decision"`
	MatchedRuleID string   `json:"matched_rule_id,omitempty"`
}

// CompiledPolicy is a point-in-time snapshot of an agent's effective tool lists.
type CompiledPolicy struct {
	WorkspaceID   string    `json:"workspace_id"`
	GatewayID     string    `json:"gateway_id"`
	AgentID       string    `json:"agent_id"`
	ToolsAllow    []string  `json:"tools_allow"`
	ToolsDeny     []string  `json:"tools_deny"`
	ToolGroups    []string  `json:"tool_groups"`
	PolicyVersion int       `json:"policy_version"`
	CompiledAt    time.Time `json:"compiled_at"`
}

// KillScope is the target class of a kill switch.
type KillScope string

const (
	KillScopeGateway KillScope = "gateway"
	KillScopeTool    KillScope = "tool"
	KillScopeSkill   KillScope = "skill"
	KillScopeAgent   KillScope = "agent"
)

func (s KillScope) Valid() bool {
	switch s {
	case KillScopeGateway, KillScopeTool, KillScopeSkill, KillScopeAgent:
		return true
	}
	return false
}

// KillSwitch is an operator emergency disable for one target.
type KillSwitch struct {
	Scope         KillScope  `json:"scope"`
	TargetID      string     `json:"target_id"`
	Active        bool       `json:"active"`
	Reason        string     `json:"reason,omitempty"`
	ActivatedBy   string     `json:"activated_by,omitempty"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Key is the storage identity of a kill switch.
func (k KillSwitch) Key() string { return KillSwitchKey(k.Scope, k.TargetID) }

// KillSwitchKey joins scope and target into one id.
func KillSwitchKey(scope KillScope, target string) string {
	return string(scope) + ":" + target
}

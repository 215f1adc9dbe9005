package model

import (
	"sort"
	"time"
)

// RiskTier classifies a tool from 0 (safe) to 3 (most dangerous).
type RiskTier int

const (
	RiskTierSafe RiskTier = iota
	RiskTierLow
	RiskTierHigh
	RiskTierCritical
)

func (t RiskTier) Valid() bool { return t >= RiskTierSafe && t <= RiskTierCritical }

// ApprovalRequirement is the confirmation a tool needs before dispatch.
type ApprovalRequirement string

const (
	ApprovalNone        ApprovalRequirement = "none"
	ApprovalUserConfirm ApprovalRequirement = "user_confirm"
	ApprovalAdmin       ApprovalRequirement = "admin"
	ApprovalBreakGlass  ApprovalRequirement = "break_glass"
)

func (a ApprovalRequirement) Valid() bool {
	switch a {
	case ApprovalNone, ApprovalUserConfirm, ApprovalAdmin, ApprovalBreakGlass:
		return true
	}
	return false
}

// DefaultApproval derives the approval requirement when none was given.
func DefaultApproval(tier RiskTier) ApprovalRequirement {
	if tier >= RiskTierHigh {
		return ApprovalUserConfirm
	}
	return ApprovalNone
}

// ReviewStatus tracks operator review of a catalog entry.
type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "pending"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
	ReviewQuarantined ReviewStatus = "quarantined"
)

func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewPending, ReviewApproved, ReviewRejected, ReviewQuarantined:
		return true
	}
	return false
}

// Blocks reports whether the review status short-circuits to deny.
func (r ReviewStatus) Blocks() bool {
	return r == ReviewQuarantined || r == ReviewRejected
}

// WildcardTool is the gateway-wide fallback catalog key.
const WildcardTool = "*"

// ToolCatalogEntry classifies one tool on one gateway.
type ToolCatalogEntry struct {
	ToolName          string              `json:"tool_name"`
	GatewayID         string              `json:"gateway_id"`
	RiskTier          RiskTier            `json:"risk_tier"`
	ApprovalRequired  ApprovalRequirement `json:"approval_required"`
	AllowedActions    []string            `json:"allowed_actions,omitempty"`
	AllowedWorkspaces []string            `json:"allowed_workspaces,omitempty"`
	AllowedRoles      []string            `json:"allowed_roles,omitempty"`
	ReviewStatus      ReviewStatus        `json:"review_status"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ToolGroups expands group tokens into concrete tool names.
var ToolGroups = map[string][]string{
	"group:runtime":    {"exec", "process"},
	"group:fs":         {"read", "write", "edit", "apply_patch"},
	"group:sessions":   {"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "session_status"},
	"group:memory":     {"memory_search", "memory_get"},
	"group:web":        {"web_search", "web_fetch"},
	"group:ui":         {"browser", "canvas"},
	"group:automation": {"cron", "gateway"},
	"group:messaging":  {"message"},
	"group:nodes":      {"nodes"},
	"group:agents":     {"agents_list"},
}

// GroupsForTool returns the group tokens that contain tool, sorted by name.
func GroupsForTool(tool string) []string {
	var out []string
	for group, tools := range ToolGroups {
		for _, t := range tools {
			if t == tool {
				out = append(out, group)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

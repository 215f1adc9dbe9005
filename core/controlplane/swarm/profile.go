package swarm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const (
	SandboxOff = "off"
	SandboxAll = "all"
)

// baseDeny applies to every non-coordinator role.
var baseDeny = []string{"gateway", "cron", "sessions_spawn", "sessions_send"}

type roleDefaults struct {
	allow []string
	deny  []string
}

var defaultsByRole = map[model.AgentRole]roleDefaults{
	model.RoleCoordinator: {allow: []string{"group:sessions", "group:memory", "agents_list"}},
	model.RoleResearcher: {
		allow: []string{"group:web", "group:memory", "read"},
		deny:  []string{"write", "edit", "apply_patch", "exec"},
	},
	model.RoleExecutor: {
		allow: []string{"group:runtime", "group:fs"},
		deny:  []string{"browser"},
	},
	model.RoleReviewer: {
		allow: []string{"read", "group:memory", "sessions_history"},
		deny:  []string{"write", "edit", "apply_patch", "exec", "process"},
	},
	model.RoleCustom: {},
}

// ProfileInput are the arguments of BuildAgentProfile.
type ProfileInput struct {
	AgentID           string
	Role              model.AgentRole
	WorkspaceID       string
	CustomAllow       []string
	CustomDeny        []string
	AllowSpawnTargets []string
}

// BuildAgentProfile derives an agent's tool policy from its role defaults and
// the caller's additions. Group tokens are expanded, denies win over allows
// and both lists come back sorted.
func BuildAgentProfile(in ProfileInput) (model.AgentProfile, error) {
	defaults, ok := defaultsByRole[in.Role]
	if !ok {
		return model.AgentProfile{}, model.ValidationDenied("role", fmt.Sprintf("unknown agent role %q", in.Role))
	}
	if strings.TrimSpace(in.AgentID) == "" {
		return model.AgentProfile{}, model.ValidationDenied("agent_id", "agent id required")
	}

	deny := expand(defaults.deny, in.CustomDeny)
	if in.Role != model.RoleCoordinator {
		deny = expand(baseDeny, deny)
	}
	denied := make(map[string]bool, len(deny))
	for _, tool := range deny {
		denied[tool] = true
	}
	allow := []string{}
	for _, tool := range expand(defaults.allow, in.CustomAllow) {
		if !denied[tool] {
			allow = append(allow, tool)
		}
	}

	sandbox := SandboxAll
	if in.Role == model.RoleCoordinator {
		sandbox = SandboxOff
	}
	var spawn []string
	if len(in.AllowSpawnTargets) > 0 {
		spawn = append(spawn, in.AllowSpawnTargets...)
	}
	return model.AgentProfile{
		AgentID:           in.AgentID,
		Role:              in.Role,
		WorkspaceID:       in.WorkspaceID,
		ToolsAllow:        allow,
		ToolsDeny:         deny,
		AllowSpawnTargets: spawn,
		SandboxMode:       sandbox,
	}, nil
}

// expand unions the lists, replacing group tokens with their members.
// Unknown group tokens are kept verbatim.
func expand(lists ...[]string) []string {
	seen := map[string]bool{}
	for _, list := range lists {
		for _, tok := range list {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if members, ok := model.ToolGroups[tok]; ok {
				for _, m := range members {
					seen[m] = true
				}
				continue
			}
			seen[tok] = true
		}
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

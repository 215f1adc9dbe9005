package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle is the operator seed file applied at startup: gateways, workspace
// bindings, catalog entries, policy rules and kill switches.
type Bundle struct {
	Gateways     []BundleGateway    `yaml:"gateways"`
	Bindings     []BundleBinding    `yaml:"bindings"`
	Tools        []BundleTool       `yaml:"tools"`
	Rules        []BundleRule       `yaml:"rules"`
	KillSwitches []BundleKillSwitch `yaml:"kill_switches"`
}

type BundleGateway struct {
	ID           string `yaml:"id"`
	Environment  string `yaml:"environment"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	AuthMode     string `yaml:"auth_mode"`
	TokenRef     string `yaml:"token_ref"`
	BasePath     string `yaml:"base_path"`
	LoopbackOnly bool   `yaml:"loopback_only"`
}

type BundleBinding struct {
	WorkspaceID       string `yaml:"workspace_id"`
	GatewayID         string `yaml:"gateway_id"`
	DefaultSessionKey string `yaml:"default_session_key"`
	AgentIDPrefix     string `yaml:"agent_id_prefix"`
}

type BundleTool struct {
	ToolName          string   `yaml:"tool_name"`
	GatewayID         string   `yaml:"gateway_id"`
	RiskTier          int      `yaml:"risk_tier"`
	ApprovalRequired  string   `yaml:"approval_required"`
	AllowedActions    []string `yaml:"allowed_actions"`
	AllowedWorkspaces []string `yaml:"allowed_workspaces"`
	AllowedRoles      []string `yaml:"allowed_roles"`
	ReviewStatus      string   `yaml:"review_status"`
}

type BundleRule struct {
	WorkspaceID string `yaml:"workspace_id"`
	Role        string `yaml:"role"`
	ToolName    string `yaml:"tool_name"`
	Action      string `yaml:"action"`
	Decision    string `yaml:"decision"`
}

type BundleKillSwitch struct {
	Scope       string `yaml:"scope"`
	TargetID    string `yaml:"target_id"`
	Reason      string `yaml:"reason"`
	ActivatedBy string `yaml:"activated_by"`
}

// LoadBundle reads and parses a seed bundle from disk.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return ParseBundle(data)
}

// ParseBundle validates the YAML document against the embedded schema before
// decoding it. An empty document yields an empty bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	if len(data) == 0 {
		return &Bundle{}, nil
	}
	if err := validateConfigSchema("bundle", bundleSchemaFile, data); err != nil {
		return nil, err
	}
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return &bundle, nil
}

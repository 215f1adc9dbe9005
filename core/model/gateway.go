package model

import (
	"net"
	"strings"
	"time"
)

// GatewayStatus is the lifecycle status of an execution backend.
type GatewayStatus string

const (
	GatewayOnline   GatewayStatus = "online"
	GatewayDegraded GatewayStatus = "degraded"
	GatewayOffline  GatewayStatus = "offline"
	GatewayRevoked  GatewayStatus = "revoked"
)

// Valid reports whether s is a known gateway status.
func (s GatewayStatus) Valid() bool {
	switch s {
	case GatewayOnline, GatewayDegraded, GatewayOffline, GatewayRevoked:
		return true
	}
	return false
}

// Dispatchable is false for gateways that must never receive invocations.
func (s GatewayStatus) Dispatchable() bool {
	return s == GatewayOnline || s == GatewayDegraded
}

// CanTransitionGateway reports whether a gateway may move from one status to another.
// Revocation is permanent.
func CanTransitionGateway(from, to GatewayStatus) bool {
	if !to.Valid() {
		return false
	}
	if from == GatewayRevoked {
		return to == GatewayRevoked
	}
	return true
}

// AuthMode selects how the control plane authenticates to a gateway.
type AuthMode string

const (
	AuthToken    AuthMode = "token"
	AuthPassword AuthMode = "password"
	AuthNone     AuthMode = "none"
)

func (m AuthMode) Valid() bool {
	return m == AuthToken || m == AuthPassword || m == AuthNone
}

// Gateway is an external tool-execution backend.
type Gateway struct {
	ID                string        `json:"id"`
	Environment       string        `json:"environment,omitempty"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	AuthMode          AuthMode      `json:"auth_mode"`
	TokenRef          string        `json:"token_ref,omitempty"`
	Status            GatewayStatus `json:"status"`
	BasePath          string        `json:"base_path"`
	LoopbackOnly      bool          `json:"loopback_only"`
	LastError         string        `json:"last_error,omitempty"`
	LastHealthCheckAt *time.Time    `json:"last_health_check_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WorkspaceBinding maps a tenant workspace to its gateway.
type WorkspaceBinding struct {
	WorkspaceID       string    `json:"workspace_id"`
	GatewayID         string    `json:"gateway_id"`
	DefaultSessionKey string    `json:"default_session_key,omitempty"`
	AgentIDPrefix     string    `json:"agent_id_prefix,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

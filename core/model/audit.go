package model

import "time"

// AuditDetails is the closed set of extra fields an audit entry may carry.
type AuditDetails struct {
	Stage         string              `json:"stage,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	InvocationID  string              `json:"invocation_id,omitempty"`
	GatewayID     string              `json:"gateway_id,omitempty"`
	MatchedRuleID string              `json:"matched_rule_id,omitempty"`
	Approval      ApprovalRequirement `json:"approval,omitempty"`
	HTTPStatus    int                 `json:"http_status,omitempty"`
	DurationMs    int64               `json:"duration_ms,omitempty"`
	ArgsRedacted  map[string]any      `json:"args_redacted,omitempty"`
	Error         string              `json:"error,omitempty"`
	SecretRefs    bool                `json:"secret_refs,omitempty"`
}

// AuditEntry is an immutable record of a decision point.
type AuditEntry struct {
	ID            string       `json:"id"`
	Timestamp     time.Time    `json:"timestamp"`
	EventType     string       `json:"event_type"`
	WorkspaceID   string       `json:"workspace_id"`
	ActorID       string       `json:"actor_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	TraceID       string       `json:"trace_id,omitempty"`
	SpanID        string       `json:"span_id,omitempty"`
	Resource      string       `json:"resource,omitempty"`
	Action        string       `json:"action,omitempty"`
	Decision      Decision     `json:"decision"`
	RiskTier      RiskTier     `json:"risk_tier"`
	Details       AuditDetails `json:"details"`
}

// AuditFilter selects entries; every non-empty field must match.
type AuditFilter struct {
	WorkspaceID   string
	CorrelationID string
	TraceID       string
	EventType     string
}

// Matches reports whether e satisfies every supplied field of f.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	return true
}

package model

import "time"

// InvocationStatus is the lifecycle of one invocation envelope.
type InvocationStatus string

const (
	InvocationPending          InvocationStatus = "pending"
	InvocationAwaitingApproval InvocationStatus = "awaiting_approval"
	InvocationExecuting        InvocationStatus = "executing"
	InvocationSucceeded        InvocationStatus = "succeeded"
	InvocationFailed           InvocationStatus = "failed"
	InvocationPolicyDenied     InvocationStatus = "policy_denied"
)

var invocationTransitions = map[InvocationStatus][]InvocationStatus{
	InvocationPending:   {InvocationAwaitingApproval, InvocationExecuting, InvocationPolicyDenied},
	InvocationExecuting: {InvocationSucceeded, InvocationFailed, InvocationPolicyDenied},
}

// CanTransitionInvocation reports whether an envelope may move from one status to another.
func CanTransitionInvocation(from, to InvocationStatus) bool {
	for _, next := range invocationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is legal.
func (s InvocationStatus) Terminal() bool {
	return len(invocationTransitions[s]) == 0
}

// InvocationRequest is the raw tool call sent to a gateway.
type InvocationRequest struct {
	Tool       string         `json:"tool"`
	Action     string         `json:"action,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	SessionKey string         `json:"sessionKey,omitempty"`
}

// EnvelopeRequest is the stored, redacted view of an invocation request.
type EnvelopeRequest struct {
	Tool       string `json:"tool"`
	Action     string `json:"action,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// InvocationEnvelope is the persisted record of one invocation attempt.
type InvocationEnvelope struct {
	ID               string              `json:"id"`
	WorkspaceID      string              `json:"workspace_id"`
	AgentRunID       string              `json:"agent_run_id,omitempty"`
	SwarmRunID       string              `json:"swarm_run_id,omitempty"`
	SwarmTaskID      string              `json:"swarm_task_id,omitempty"`
	AgentID          string              `json:"agent_id,omitempty"`
	ActorID          string              `json:"actor_id,omitempty"`
	CorrelationID    string              `json:"correlation_id,omitempty"`
	GatewayID        string              `json:"gateway_id"`
	Request          EnvelopeRequest     `json:"request"`
	ArgsRedacted     map[string]any      `json:"args_redacted,omitempty"`
	PolicyDecision   Decision            `json:"policy_decision,omitempty"`
	MatchedRuleID    string              `json:"matched_rule_id,omitempty"`
	RiskTier         RiskTier            `json:"risk_tier"`
	ApprovalRequired ApprovalRequirement `json:"approval_required"`
	Status           InvocationStatus    `json:"status"`
	DenyReason       string              `json:"deny_reason,omitempty"`
	HTTPStatus       int                 `json:"http_status,omitempty"`
	DurationMs       int64               `json:"duration_ms,omitempty"`
	ResponseHash     string              `json:"response_hash,omitempty"`
	ResponseSummary  string              `json:"response_summary,omitempty"`
	Error            string              `json:"error,omitempty"`
	TraceID          string              `json:"trace_id,omitempty"`
	SpanID           string              `json:"span_id,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

// InvocationPatch carries the fields an update may change; nil means unchanged.
type InvocationPatch struct {
	Status          *InvocationStatus
	PolicyDecision  *Decision
	MatchedRuleID   *string
	DenyReason      *string
	HTTPStatus      *int
	DurationMs      *int64
	ResponseHash    *string
	ResponseSummary *string
	Error           *string
	CompletedAt     *time.Time
}

// Apply merges the non-nil fields of p into env.
func (p InvocationPatch) Apply(env *InvocationEnvelope) {
	if p.Status != nil {
		env.Status = *p.Status
	}
	if p.PolicyDecision != nil {
		env.PolicyDecision = *p.PolicyDecision
	}
	if p.MatchedRuleID != nil {
		env.MatchedRuleID = *p.MatchedRuleID
	}
	if p.DenyReason != nil {
		env.DenyReason = *p.DenyReason
	}
	if p.HTTPStatus != nil {
		env.HTTPStatus = *p.HTTPStatus
	}
	if p.DurationMs != nil {
		env.DurationMs = *p.DurationMs
	}
	if p.ResponseHash != nil {
		env.ResponseHash = *p.ResponseHash
	}
	if p.ResponseSummary != nil {
		env.ResponseSummary = *p.ResponseSummary
	}
	if p.Error != nil {
		env.Error = *p.Error
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		env.CompletedAt = &t
	}
}

// RequestContext is the identity context supplied by the caller's authz layer.
type RequestContext struct {
	CorrelationID string
	ActorID       string
	WorkspaceID   string
	Roles         []string
}

// Package middleware is the authorize-then-execute pipeline every tool
// invocation passes through before it reaches a gateway.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/gatewayclient"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/metrics"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/secrets"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const (
	summaryLimit = 500

	unauditedMarker = "audit record missing"

	EventDenied           = "tool_invoke.denied"
	EventApprovalRequired = "tool_invoke.approval_required"
	EventSucceeded        = "tool_invoke.succeeded"
	EventBackendDenied    = "tool_invoke.backend_denied"
	EventFailed           = "tool_invoke.failed"
	EventError            = "tool_invoke.error"

	StageKillSwitch    = "kill_switch"
	StageGatewayStatus = "gateway_status"
	StageCatalogReview = "catalog_review"
	StageCatalogScope  = "catalog_scope"
	StagePolicy        = "policy"
)

// Collaborators, narrowed to what the chain calls.
type (
	BindingSource interface {
		GetForWorkspace(ctx context.Context, workspaceID string) (*model.WorkspaceBinding, error)
	}
	GatewaySource interface {
		Get(ctx context.Context, id string) (*model.Gateway, error)
	}
	KillSwitches interface {
		IsKilled(ctx context.Context, scope model.KillScope, targetID string) (bool, error)
	}
	CatalogSource interface {
		Get(ctx context.Context, toolName, gatewayID string) (*model.ToolCatalogEntry, bool, error)
	}
	PolicyEvaluator interface {
		Evaluate(ctx context.Context, workspaceID string, roles []string, toolName, action string) (model.PolicyDecision, error)
	}
	Ledger interface {
		Save(ctx context.Context, env model.InvocationEnvelope) error
		Update(ctx context.Context, id string, patch model.InvocationPatch) (*model.InvocationEnvelope, error)
	}
	AuditRecorder interface {
		Record(ctx context.Context, entry model.AuditEntry) (*model.AuditEntry, error)
	}
	GatewayClient interface {
		Invoke(ctx context.Context, target gatewayclient.Target, req model.InvocationRequest) (gatewayclient.Response, error)
	}
	CredentialResolver interface {
		Resolve(ctx context.Context, ref string) (string, error)
	}
)

// Deps wires a Chain. Metrics, Credentials and Tracer are optional.
type Deps struct {
	Bindings     BindingSource
	Gateways     GatewaySource
	KillSwitches KillSwitches
	Catalog      CatalogSource
	Policy       PolicyEvaluator
	Invocations  Ledger
	Audit        AuditRecorder
	Client       GatewayClient
	Credentials  CredentialResolver
	Metrics      metrics.Pipeline
	Tracer       trace.Tracer
}

// Options are per-call flags supplied by the caller.
type Options struct {
	ConfirmHighRisk bool
	AgentRunID      string
	SwarmRunID      string
	SwarmTaskID     string
	AgentID         string
}

// Result is the outcome of one invocation. Denials and approval pauses are
// results, never errors.
type Result struct {
	InvocationID     string                 `json:"invocation_id"`
	Status           model.InvocationStatus `json:"status"`
	Blocked          bool                   `json:"blocked"`
	Reason           string                 `json:"reason,omitempty"`
	RequiresApproval bool                   `json:"requires_approval"`
	Decision         model.Decision         `json:"decision"`
	MatchedRuleID    string                 `json:"matched_rule_id,omitempty"`
	RiskTier         model.RiskTier         `json:"risk_tier"`
	HTTPStatus       int                    `json:"http_status,omitempty"`
	ResponseSummary  string                 `json:"response_summary,omitempty"`
	DurationMs       int64                  `json:"duration_ms,omitempty"`
}

// Chain executes invocations. A single Execute call is sequential; callers
// bound parallelism across calls.
type Chain struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Chain {
	if d.Credentials == nil {
		d.Credentials = secrets.EnvResolver{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("opensheath/middleware")
	}
	return &Chain{d: d, now: func() time.Time { return time.Now().UTC() }}
}

// invocation carries the state threaded through the stages of one call.
type invocation struct {
	rc      model.RequestContext
	req     model.InvocationRequest
	opts    Options
	gateway *model.Gateway
	binding *model.WorkspaceBinding
	env     model.InvocationEnvelope
}

// Execute runs the pipeline. Missing workspace, binding or gateway and
// infrastructure failures are errors; every other outcome is a Result paired
// with exactly one audit entry.
func (c *Chain) Execute(ctx context.Context, rc model.RequestContext, req model.InvocationRequest, opts Options) (*Result, error) {
	ctx, span := c.d.Tracer.Start(ctx, "invocation.execute", trace.WithAttributes(
		attribute.String("opensheath.workspace_id", rc.WorkspaceID),
		attribute.String("opensheath.tool", req.Tool),
		attribute.String("opensheath.action", req.Action),
	))
	defer span.End()

	if strings.TrimSpace(rc.WorkspaceID) == "" {
		return nil, model.ValidationDenied("workspace_id", "workspace id required")
	}
	if strings.TrimSpace(req.Tool) == "" {
		return nil, model.ValidationDenied("tool", "tool name required")
	}

	inv := &invocation{rc: rc, req: req, opts: opts}
	if err := c.resolve(ctx, inv); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	inv.env = c.newEnvelope(ctx, inv)
	span.SetAttributes(attribute.String("opensheath.invocation_id", inv.env.ID))

	res, err := c.authorize(ctx, inv)
	if err != nil || res != nil {
		return res, err
	}
	return c.dispatch(ctx, inv)
}

func (c *Chain) resolve(ctx context.Context, inv *invocation) error {
	ctx, span := c.d.Tracer.Start(ctx, "invocation.resolve_binding")
	defer span.End()
	binding, err := c.d.Bindings.GetForWorkspace(ctx, inv.rc.WorkspaceID)
	if err != nil {
		return err
	}
	gw, err := c.d.Gateways.Get(ctx, binding.GatewayID)
	if err != nil {
		return err
	}
	inv.binding, inv.gateway = binding, gw
	span.SetAttributes(attribute.String("opensheath.gateway_id", gw.ID))
	return nil
}

func (c *Chain) newEnvelope(ctx context.Context, inv *invocation) model.InvocationEnvelope {
	traceID, spanID := traceIDs(ctx, inv.rc.CorrelationID)
	now := c.now()
	return model.InvocationEnvelope{
		ID:            uuid.NewString(),
		WorkspaceID:   inv.rc.WorkspaceID,
		AgentRunID:    inv.opts.AgentRunID,
		SwarmRunID:    inv.opts.SwarmRunID,
		SwarmTaskID:   inv.opts.SwarmTaskID,
		AgentID:       inv.opts.AgentID,
		ActorID:       inv.rc.ActorID,
		CorrelationID: inv.rc.CorrelationID,
		GatewayID:     inv.gateway.ID,
		Request: model.EnvelopeRequest{
			Tool:       inv.req.Tool,
			Action:     inv.req.Action,
			SessionKey: sessionKey(inv),
		},
		ArgsRedacted: secrets.RedactArgs(inv.req.Args),
		Status:       model.InvocationPending,
		TraceID:      traceID,
		SpanID:       spanID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// authorize runs every pre-dispatch stage. A non-nil Result ends the call.
func (c *Chain) authorize(ctx context.Context, inv *invocation) (*Result, error) {
	ctx, span := c.d.Tracer.Start(ctx, "invocation.authorize")
	defer span.End()

	killTargets := []struct {
		scope  model.KillScope
		target string
	}{
		{model.KillScopeGateway, inv.gateway.ID},
		{model.KillScopeTool, inv.req.Tool},
		{model.KillScopeAgent, inv.opts.AgentID},
	}
	for _, kt := range killTargets {
		if kt.target == "" {
			continue
		}
		killed, err := c.d.KillSwitches.IsKilled(ctx, kt.scope, kt.target)
		if err != nil {
			return nil, fmt.Errorf("check kill switch: %w", err)
		}
		if killed {
			return c.deny(ctx, inv, StageKillSwitch, fmt.Sprintf("kill switch active for %s %s", kt.scope, kt.target), "")
		}
	}

	if !inv.gateway.Status.Dispatchable() {
		return c.deny(ctx, inv, StageGatewayStatus, fmt.Sprintf("gateway %s is %s", inv.gateway.ID, inv.gateway.Status), "")
	}

	entry, known, err := c.d.Catalog.Get(ctx, inv.req.Tool, inv.gateway.ID)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}
	inv.env.RiskTier, inv.env.ApprovalRequired = model.RiskTierCritical, model.ApprovalAdmin
	if known {
		inv.env.RiskTier, inv.env.ApprovalRequired = entry.RiskTier, entry.ApprovalRequired
		if entry.ReviewStatus.Blocks() {
			return c.deny(ctx, inv, StageCatalogReview, fmt.Sprintf("tool %s is %s", inv.req.Tool, entry.ReviewStatus), "")
		}
		if reason := scopeViolation(entry, inv); reason != "" {
			return c.deny(ctx, inv, StageCatalogScope, reason, "")
		}
	}
	span.SetAttributes(attribute.Int("opensheath.risk_tier", int(inv.env.RiskTier)), attribute.Bool("opensheath.catalogued", known))

	decision, err := c.d.Policy.Evaluate(ctx, inv.rc.WorkspaceID, inv.rc.Roles, inv.req.Tool, inv.req.Action)
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}
	if decision.Decision != model.DecisionAllow {
		ruleID := decision.MatchedRuleID
		if ruleID == "" {
			ruleID = model.DefaultDenyRuleID
		}
		return c.deny(ctx, inv, StagePolicy, "denied by policy rule "+ruleID, ruleID)
	}
	inv.env.PolicyDecision = model.DecisionAllow
	inv.env.MatchedRuleID = decision.MatchedRuleID

	if inv.env.RiskTier >= model.RiskTierHigh && inv.env.ApprovalRequired != model.ApprovalNone && !inv.opts.ConfirmHighRisk {
		return c.awaitApproval(ctx, inv)
	}
	return nil, nil
}

func (c *Chain) deny(ctx context.Context, inv *invocation, stage, reason, ruleID string) (*Result, error) {
	now := c.now()
	env := &inv.env
	env.Status = model.InvocationPolicyDenied
	env.PolicyDecision = model.DecisionDeny
	env.MatchedRuleID = ruleID
	env.DenyReason = reason
	env.CompletedAt = &now
	env.UpdatedAt = now
	if err := c.d.Invocations.Save(ctx, *env); err != nil {
		return nil, fmt.Errorf("save denied invocation: %w", err)
	}
	if err := c.audit(ctx, inv, EventDenied, model.DecisionDeny, model.AuditDetails{Stage: stage, Reason: reason, MatchedRuleID: ruleID}); err != nil {
		return nil, err
	}
	c.d.Metrics.IncDenied(stage)
	c.d.Metrics.ObserveInvocation(inv.req.Tool, "denied", 0)
	logging.Info("middleware", "invocation denied", "invocation_id", env.ID, "workspace", env.WorkspaceID,
		"tool", inv.req.Tool, "stage", stage, "reason", reason)
	return &Result{
		InvocationID:  env.ID,
		Status:        env.Status,
		Blocked:       true,
		Reason:        reason,
		Decision:      model.DecisionDeny,
		MatchedRuleID: ruleID,
		RiskTier:      env.RiskTier,
	}, nil
}

func (c *Chain) awaitApproval(ctx context.Context, inv *invocation) (*Result, error) {
	env := &inv.env
	env.Status = model.InvocationAwaitingApproval
	env.UpdatedAt = c.now()
	if err := c.d.Invocations.Save(ctx, *env); err != nil {
		return nil, fmt.Errorf("save invocation awaiting approval: %w", err)
	}
	reason := fmt.Sprintf("risk tier %d requires %s approval", env.RiskTier, env.ApprovalRequired)
	if err := c.audit(ctx, inv, EventApprovalRequired, model.DecisionAllow, model.AuditDetails{Reason: reason, Approval: env.ApprovalRequired}); err != nil {
		return nil, err
	}
	c.d.Metrics.ObserveInvocation(inv.req.Tool, "awaiting_approval", 0)
	return &Result{
		InvocationID:     env.ID,
		Status:           env.Status,
		Reason:           reason,
		RequiresApproval: true,
		Decision:         model.DecisionAllow,
		MatchedRuleID:    env.MatchedRuleID,
		RiskTier:         env.RiskTier,
	}, nil
}

func (c *Chain) dispatch(ctx context.Context, inv *invocation) (*Result, error) {
	ctx, span := c.d.Tracer.Start(ctx, "invocation.dispatch")
	defer span.End()

	env := &inv.env
	env.Status = model.InvocationExecuting
	env.UpdatedAt = c.now()
	if err := c.d.Invocations.Save(ctx, *env); err != nil {
		return nil, fmt.Errorf("save executing invocation: %w", err)
	}

	start := time.Now()
	resp, err := c.invoke(ctx, inv)
	durationMs := time.Since(start).Milliseconds()
	completed := c.now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway invoke failed")
		return nil, c.fail(ctx, inv, err, durationMs, completed)
	}

	status, event, decision := classify(resp.HTTPStatus)
	hash := sha256.Sum256(resp.Body)
	summary := truncateRunes(string(resp.Body), summaryLimit)
	patch := model.InvocationPatch{
		Status:          &status,
		HTTPStatus:      &resp.HTTPStatus,
		DurationMs:      &durationMs,
		ResponseHash:    strPtr(hex.EncodeToString(hash[:])),
		ResponseSummary: &summary,
		CompletedAt:     &completed,
	}
	var reason string
	if status == model.InvocationPolicyDenied {
		reason = "gateway denied the invocation"
		deny := model.DecisionDeny
		patch.PolicyDecision = &deny
		patch.DenyReason = &reason
	}
	if _, err := c.d.Invocations.Update(ctx, env.ID, patch); err != nil {
		return nil, fmt.Errorf("record invocation outcome: %w", err)
	}
	if err := c.audit(ctx, inv, event, decision, model.AuditDetails{Reason: reason, HTTPStatus: resp.HTTPStatus, DurationMs: durationMs}); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.HTTPStatus))
	c.d.Metrics.ObserveInvocation(inv.req.Tool, string(status), float64(durationMs)/1000)
	if status == model.InvocationPolicyDenied {
		c.d.Metrics.IncDenied("backend")
	}
	return &Result{
		InvocationID:    env.ID,
		Status:          status,
		Blocked:         status == model.InvocationPolicyDenied,
		Reason:          reason,
		Decision:        decision,
		MatchedRuleID:   env.MatchedRuleID,
		RiskTier:        env.RiskTier,
		HTTPStatus:      resp.HTTPStatus,
		ResponseSummary: summary,
		DurationMs:      durationMs,
	}, nil
}

func (c *Chain) invoke(ctx context.Context, inv *invocation) (gatewayclient.Response, error) {
	token := ""
	if inv.gateway.AuthMode != model.AuthNone && inv.gateway.TokenRef != "" {
		resolved, err := c.d.Credentials.Resolve(ctx, inv.gateway.TokenRef)
		if err != nil {
			return gatewayclient.Response{}, fmt.Errorf("resolve gateway credential: %w", err)
		}
		token = resolved
	}
	target := gatewayclient.Target{
		Host:     inv.gateway.Host,
		Port:     inv.gateway.Port,
		Token:    token,
		AuthMode: inv.gateway.AuthMode,
		BasePath: inv.gateway.BasePath,
	}
	req := inv.req
	req.SessionKey = inv.env.Request.SessionKey
	return c.d.Client.Invoke(ctx, target, req)
}

// fail records an infrastructure failure and returns the Unavailable error
// the caller sees.
func (c *Chain) fail(ctx context.Context, inv *invocation, cause error, durationMs int64, completed time.Time) error {
	status := model.InvocationFailed
	msg := cause.Error()
	if _, err := c.d.Invocations.Update(ctx, inv.env.ID, model.InvocationPatch{
		Status:      &status,
		Error:       &msg,
		DurationMs:  &durationMs,
		CompletedAt: &completed,
	}); err != nil {
		return fmt.Errorf("record invocation failure: %w", err)
	}
	if err := c.audit(ctx, inv, EventError, model.DecisionAllow, model.AuditDetails{Error: msg, DurationMs: durationMs}); err != nil {
		return err
	}
	c.d.Metrics.ObserveInvocation(inv.req.Tool, "error", float64(durationMs)/1000)
	logging.Error("middleware", "gateway invoke failed", "invocation_id", inv.env.ID, "gateway", inv.gateway.ID,
		"tool", inv.req.Tool, "err", cause)
	return model.Unavailable(fmt.Sprintf("gateway %s unreachable", inv.gateway.ID), cause)
}

func (c *Chain) audit(ctx context.Context, inv *invocation, event string, decision model.Decision, details model.AuditDetails) error {
	details.InvocationID = inv.env.ID
	details.GatewayID = inv.gateway.ID
	details.ArgsRedacted = inv.env.ArgsRedacted
	details.SecretRefs = secrets.ContainsSecretRefs(inv.req.Args)
	_, err := c.d.Audit.Record(ctx, model.AuditEntry{
		EventType:     event,
		WorkspaceID:   inv.rc.WorkspaceID,
		ActorID:       inv.rc.ActorID,
		CorrelationID: inv.rc.CorrelationID,
		TraceID:       inv.env.TraceID,
		SpanID:        inv.env.SpanID,
		Resource:      inv.req.Tool,
		Action:        inv.req.Action,
		Decision:      decision,
		RiskTier:      inv.env.RiskTier,
		Details:       details,
	})
	if err != nil {
		c.markUnaudited(ctx, inv, event, err)
		return fmt.Errorf("record audit %s: %w", event, err)
	}
	return nil
}

// markUnaudited flags an envelope whose state was persisted but whose audit
// entry could not be written, so the gap is visible in the ledger.
func (c *Chain) markUnaudited(ctx context.Context, inv *invocation, event string, cause error) {
	logging.Error("middleware", "invocation persisted without audit entry", "invocation_id", inv.env.ID,
		"workspace", inv.rc.WorkspaceID, "event", event, "err", cause)
	msg := fmt.Sprintf("%s: %s: %v", unauditedMarker, event, cause)
	if _, err := c.d.Invocations.Update(ctx, inv.env.ID, model.InvocationPatch{Error: &msg}); err != nil {
		logging.Error("middleware", "mark unaudited invocation failed", "invocation_id", inv.env.ID, "err", err)
	}
}

func classify(httpStatus int) (model.InvocationStatus, string, model.Decision) {
	switch httpStatus {
	case 200:
		return model.InvocationSucceeded, EventSucceeded, model.DecisionAllow
	case 404:
		return model.InvocationPolicyDenied, EventBackendDenied, model.DecisionDeny
	default:
		return model.InvocationFailed, EventFailed, model.DecisionAllow
	}
}

// scopeViolation enforces the catalog entry's non-empty allow lists.
func scopeViolation(entry *model.ToolCatalogEntry, inv *invocation) string {
	if len(entry.AllowedWorkspaces) > 0 && !listed(entry.AllowedWorkspaces, inv.rc.WorkspaceID) {
		return fmt.Sprintf("tool %s is not enabled for workspace %s", entry.ToolName, inv.rc.WorkspaceID)
	}
	if len(entry.AllowedActions) > 0 && !listed(entry.AllowedActions, inv.req.Action) {
		return fmt.Sprintf("action %q is not allowed for tool %s", inv.req.Action, entry.ToolName)
	}
	if len(entry.AllowedRoles) > 0 {
		for _, role := range inv.rc.Roles {
			if listed(entry.AllowedRoles, role) {
				return ""
			}
		}
		return fmt.Sprintf("no caller role may use tool %s", entry.ToolName)
	}
	return ""
}

func listed(list []string, v string) bool {
	for _, item := range list {
		if item == model.Wildcard || item == v {
			return true
		}
	}
	return false
}

func sessionKey(inv *invocation) string {
	if inv.req.SessionKey != "" {
		return inv.req.SessionKey
	}
	return inv.binding.DefaultSessionKey
}

// traceIDs reads the active span, falling back to the correlation id when
// tracing is disabled.
func traceIDs(ctx context.Context, correlationID string) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return correlationID, correlationID
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func strPtr(s string) *string { return &s }

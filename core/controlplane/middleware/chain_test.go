package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/audit"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/bindings"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/catalog"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/gateways"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/invocations"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/killswitch"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/policy"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/gatewayclient"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/secrets"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

type fakeGateway struct {
	mu      sync.Mutex
	calls   []model.InvocationRequest
	targets []gatewayclient.Target
	status  int
	body    string
	err     error
}

func (f *fakeGateway) Invoke(_ context.Context, target gatewayclient.Target, req model.InvocationRequest) (gatewayclient.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.targets = append(f.targets, target)
	if f.err != nil {
		return gatewayclient.Response{}, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return gatewayclient.Response{HTTPStatus: status, Body: []byte(f.body)}, nil
}

type harness struct {
	chain    *Chain
	gateways *gateways.Registry
	bindings *bindings.Service
	catalog  *catalog.Catalog
	policy   *policy.Compiler
	switches *killswitch.Switches
	ledger   *invocations.Store
	trail    *audit.Trail
	client   *fakeGateway
	spans    *tracetest.SpanRecorder
	gw       *model.Gateway
}

// newHarness registers gateway G, binds workspace W to it and catalogs echo
// at tier 0 with an allow rule for role member.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		gateways: gateways.NewRegistry(docstore.NewMemory[model.Gateway]()),
		catalog:  catalog.New(docstore.NewMemory[model.ToolCatalogEntry]()),
		policy:   policy.NewCompiler(docstore.NewMemory[model.PolicyRule]()),
		switches: killswitch.New(docstore.NewMemory[model.KillSwitch]()),
		ledger:   invocations.NewStore(docstore.NewMemory[model.InvocationEnvelope]()),
		trail:    audit.NewTrail(audit.NewDocStore(docstore.NewMemory[model.AuditEntry]())),
		client:   &fakeGateway{body: `{"ok":true}`},
		spans:    tracetest.NewSpanRecorder(),
	}
	h.bindings = bindings.NewService(docstore.NewMemory[model.WorkspaceBinding](), h.gateways)

	gw, err := h.gateways.Register(ctx, gateways.RegisterInput{ID: "G", Host: "127.0.0.1", Port: 18789, AuthMode: model.AuthToken, TokenRef: "env:TEST_GATEWAY_TOKEN"})
	if err != nil {
		t.Fatalf("register gateway: %v", err)
	}
	h.gw = gw
	if _, err := h.bindings.Bind(ctx, bindings.BindInput{WorkspaceID: "W", GatewayID: "G", DefaultSessionKey: "main"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := h.catalog.Register(ctx, catalog.RegisterInput{ToolName: "echo", GatewayID: "G", RiskTier: model.RiskTierSafe, ReviewStatus: model.ReviewApproved}); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if _, err := h.policy.AddRule(ctx, policy.AddRuleInput{WorkspaceID: "W", Role: "member", ToolName: "echo", Decision: model.DecisionAllow}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	h.chain = New(Deps{
		Bindings:     h.bindings,
		Gateways:     h.gateways,
		KillSwitches: h.switches,
		Catalog:      h.catalog,
		Policy:       h.policy,
		Invocations:  h.ledger,
		Audit:        h.trail,
		Client:       h.client,
		Credentials:  secrets.EnvResolver{Lookup: func(name string) (string, bool) { return "s3cret-" + name, true }},
		Tracer:       tp.Tracer("test"),
	})
	return h
}

func member(ws string) model.RequestContext {
	return model.RequestContext{CorrelationID: "corr-1", ActorID: "user-1", WorkspaceID: ws, Roles: []string{"member"}}
}

func (h *harness) auditEvents(t *testing.T) []model.AuditEntry {
	t.Helper()
	entries, err := h.trail.List(context.Background(), model.AuditFilter{WorkspaceID: "W"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func TestScenarioAllowedInvocationSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo", Args: map[string]any{"text": "hi"}}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.InvocationSucceeded || res.Blocked || res.RequiresApproval || res.HTTPStatus != 200 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.client.calls) != 1 || h.client.calls[0].SessionKey != "main" {
		t.Fatalf("expected one dispatch with the binding session key: %+v", h.client.calls)
	}
	if h.client.targets[0].Token != "s3cret-TEST_GATEWAY_TOKEN" {
		t.Fatalf("credential not resolved: %+v", h.client.targets[0])
	}

	env, err := h.ledger.Get(ctx, res.InvocationID)
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if env.Status != model.InvocationSucceeded || env.CompletedAt == nil || env.ResponseHash == "" || env.ResponseSummary != `{"ok":true}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.TraceID == "" || env.TraceID == "corr-1" {
		t.Fatalf("expected a real trace id on the envelope, got %q", env.TraceID)
	}
	events := h.auditEvents(t)
	if len(events) != 1 || events[0].EventType != EventSucceeded || events[0].Decision != model.DecisionAllow {
		t.Fatalf("expected exactly one success audit entry: %+v", events)
	}
	if len(h.spans.Ended()) == 0 {
		t.Fatalf("expected spans to be recorded")
	}
}

func TestScenarioHighRiskAwaitsApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog.Register(ctx, catalog.RegisterInput{ToolName: "delete_all", GatewayID: "G", RiskTier: model.RiskTierCritical, ApprovalRequired: model.ApprovalAdmin, ReviewStatus: model.ReviewApproved})
	h.policy.AddRule(ctx, policy.AddRuleInput{WorkspaceID: "W", Role: "member", ToolName: "delete_all", Decision: model.DecisionAllow})

	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "delete_all"}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.RequiresApproval || res.Status != model.InvocationAwaitingApproval || res.Blocked {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.client.calls) != 0 {
		t.Fatalf("no gateway call may happen before approval")
	}
	env, _ := h.ledger.Get(ctx, res.InvocationID)
	if env.Status != model.InvocationAwaitingApproval {
		t.Fatalf("unexpected envelope status %s", env.Status)
	}
	events := h.auditEvents(t)
	if len(events) != 1 || events[0].EventType != EventApprovalRequired {
		t.Fatalf("unexpected audit: %+v", events)
	}

	confirmed, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "delete_all"}, Options{ConfirmHighRisk: true})
	if err != nil {
		t.Fatalf("confirmed execute: %v", err)
	}
	if confirmed.Status != model.InvocationSucceeded || confirmed.InvocationID == res.InvocationID {
		t.Fatalf("confirmation must dispatch with a new envelope: %+v", confirmed)
	}
}

func TestScenarioKillSwitchBlocksAllowedTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.switches.Activate(ctx, model.KillScopeTool, "echo", "incident", "oncall")

	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo"}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Blocked || res.Status != model.InvocationPolicyDenied || !strings.Contains(res.Reason, "kill switch") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.client.calls) != 0 {
		t.Fatalf("killed tool must not be dispatched")
	}
	events := h.auditEvents(t)
	if len(events) != 1 || events[0].EventType != EventDenied || events[0].Decision != model.DecisionDeny || events[0].Details.Stage != StageKillSwitch {
		t.Fatalf("unexpected audit: %+v", events)
	}
}

func TestDenyStages(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *harness)
		req    model.InvocationRequest
		rc     model.RequestContext
		opts   Options
		stage  string
		ruleID string
	}{
		{
			name:  "agent kill switch",
			setup: func(h *harness) { h.switches.Activate(context.Background(), model.KillScopeAgent, "agent-7", "", "") },
			req:   model.InvocationRequest{Tool: "echo"},
			opts:  Options{AgentID: "agent-7"},
			stage: StageKillSwitch,
		},
		{
			name:  "gateway kill switch",
			setup: func(h *harness) { h.switches.Activate(context.Background(), model.KillScopeGateway, "G", "", "") },
			req:   model.InvocationRequest{Tool: "echo"},
			stage: StageKillSwitch,
		},
		{
			name:  "offline gateway",
			setup: func(h *harness) { h.gateways.UpdateStatus(context.Background(), "G", model.GatewayOffline, "down") },
			req:   model.InvocationRequest{Tool: "echo"},
			stage: StageGatewayStatus,
		},
		{
			name:  "quarantined tool",
			setup: func(h *harness) { h.catalog.Quarantine(context.Background(), "echo", "G") },
			req:   model.InvocationRequest{Tool: "echo"},
			stage: StageCatalogReview,
		},
		{
			name: "catalog workspace scope",
			setup: func(h *harness) {
				h.catalog.Register(context.Background(), catalog.RegisterInput{ToolName: "echo", GatewayID: "G", AllowedWorkspaces: []string{"other"}, ReviewStatus: model.ReviewApproved})
			},
			req:   model.InvocationRequest{Tool: "echo"},
			stage: StageCatalogScope,
		},
		{
			name: "catalog role scope",
			setup: func(h *harness) {
				h.catalog.Register(context.Background(), catalog.RegisterInput{ToolName: "echo", GatewayID: "G", AllowedRoles: []string{"admin"}, ReviewStatus: model.ReviewApproved})
			},
			req:   model.InvocationRequest{Tool: "echo"},
			stage: StageCatalogScope,
		},
		{
			name:   "no matching rule",
			req:    model.InvocationRequest{Tool: "echo"},
			rc:     model.RequestContext{WorkspaceID: "W", Roles: []string{"viewer"}},
			stage:  StagePolicy,
			ruleID: model.DefaultDenyRuleID,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.setup != nil {
				tc.setup(h)
			}
			rc := tc.rc
			if rc.WorkspaceID == "" {
				rc = member("W")
			}
			res, err := h.chain.Execute(context.Background(), rc, tc.req, tc.opts)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if !res.Blocked || res.Decision != model.DecisionDeny {
				t.Fatalf("expected denial, got %+v", res)
			}
			if tc.ruleID != "" && res.MatchedRuleID != tc.ruleID {
				t.Fatalf("expected rule %q, got %q", tc.ruleID, res.MatchedRuleID)
			}
			events := h.auditEvents(t)
			if len(events) != 1 || events[0].Details.Stage != tc.stage {
				t.Fatalf("expected one %s audit entry, got %+v", tc.stage, events)
			}
			if len(h.client.calls) != 0 {
				t.Fatalf("denied invocation reached the gateway")
			}
		})
	}
}

func TestPolicyDenyRecordsMatchedRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule, _ := h.policy.AddRule(ctx, policy.AddRuleInput{WorkspaceID: "W", Role: "*", ToolName: "echo", Decision: model.DecisionDeny})
	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo"}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Blocked || res.MatchedRuleID != rule.ID {
		t.Fatalf("deny must win and name its rule: %+v", res)
	}
	env, _ := h.ledger.Get(ctx, res.InvocationID)
	if env.MatchedRuleID != rule.ID || env.PolicyDecision != model.DecisionDeny {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestUnknownToolFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.policy.AddRule(ctx, policy.AddRuleInput{WorkspaceID: "W", Role: "member", ToolName: "mystery", Decision: model.DecisionAllow})
	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "mystery"}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.RequiresApproval || res.RiskTier != model.RiskTierCritical {
		t.Fatalf("unknown tool must be treated as critical: %+v", res)
	}
}

func TestBackendStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   model.InvocationStatus
		event  string
	}{
		{404, model.InvocationPolicyDenied, EventBackendDenied},
		{500, model.InvocationFailed, EventFailed},
		{202, model.InvocationFailed, EventFailed},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.client.status = tc.status
		res, err := h.chain.Execute(context.Background(), member("W"), model.InvocationRequest{Tool: "echo"}, Options{})
		if err != nil {
			t.Fatalf("%d: execute: %v", tc.status, err)
		}
		if res.Status != tc.want || res.HTTPStatus != tc.status {
			t.Fatalf("%d: unexpected result %+v", tc.status, res)
		}
		events := h.auditEvents(t)
		if len(events) != 1 || events[0].EventType != tc.event {
			t.Fatalf("%d: unexpected audit %+v", tc.status, events)
		}
	}
}

func TestGatewayErrorIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.client.err = errors.New("dial tcp: connection refused")
	ctx := context.Background()
	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo"}, Options{})
	if !errors.Is(err, model.ErrUnavailable) || res != nil {
		t.Fatalf("expected unavailable error, got %+v %v", res, err)
	}
	envs, _ := h.ledger.ListByWorkspace(ctx, "W")
	if len(envs) != 1 || envs[0].Status != model.InvocationFailed || !strings.Contains(envs[0].Error, "connection refused") {
		t.Fatalf("unexpected envelope: %+v", envs)
	}
	events := h.auditEvents(t)
	if len(events) != 1 || events[0].EventType != EventError {
		t.Fatalf("unexpected audit: %+v", events)
	}
}

func TestArgumentsRedacted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	args := map[string]any{
		"apiKey": "sk-live-123",
		"nested": map[string]any{"password": "hunter2", "user": "bob"},
		"ref":    "secret://vault/db",
		"text":   "hello",
	}
	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo", Args: args}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	env, _ := h.ledger.Get(ctx, res.InvocationID)
	if env.ArgsRedacted["apiKey"] != secrets.Redacted || env.ArgsRedacted["ref"] != secrets.Redacted || env.ArgsRedacted["text"] != "hello" {
		t.Fatalf("unexpected redaction: %+v", env.ArgsRedacted)
	}
	nested := env.ArgsRedacted["nested"].(map[string]any)
	if nested["password"] != secrets.Redacted || nested["user"] != "bob" {
		t.Fatalf("nested values not redacted: %+v", nested)
	}
	events := h.auditEvents(t)
	if events[0].Details.ArgsRedacted["apiKey"] != secrets.Redacted {
		t.Fatalf("audit must carry redacted args only: %+v", events[0].Details.ArgsRedacted)
	}
	if h.client.calls[0].Args["apiKey"] != "sk-live-123" {
		t.Fatalf("gateway must receive the original args")
	}
}

func TestTypedNestedArgumentsRedacted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	args := map[string]any{
		"items": []map[string]any{{"apiKey": "sk-live-123", "name": "a"}},
		"creds": map[string]map[string]string{"db": {"password": "hunter2"}},
		"mount": "secret://vault/db",
	}
	res, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo", Args: args}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	env, _ := h.ledger.Get(ctx, res.InvocationID)
	events := h.auditEvents(t)
	if len(events) != 1 || !events[0].Details.SecretRefs {
		t.Fatalf("expected one audit entry flagging secret refs: %+v", events)
	}
	for name, redacted := range map[string]map[string]any{"ledger": env.ArgsRedacted, "audit": events[0].Details.ArgsRedacted} {
		encoded, _ := json.Marshal(redacted)
		for _, secret := range []string{"sk-live-123", "hunter2", "vault/db"} {
			if strings.Contains(string(encoded), secret) {
				t.Fatalf("%s args leak %s: %s", name, secret, encoded)
			}
		}
		if !strings.Contains(string(encoded), `"name":"a"`) {
			t.Fatalf("%s args lost plain values: %s", name, encoded)
		}
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, model.AuditEntry) (*model.AuditEntry, error) {
	return nil, errors.New("audit store down")
}

func TestAuditFailureMarksEnvelope(t *testing.T) {
	h := newHarness(t)
	h.chain.d.Audit = failingRecorder{}
	ctx := context.Background()
	if _, err := h.chain.Execute(ctx, member("W"), model.InvocationRequest{Tool: "echo"}, Options{}); err == nil {
		t.Fatalf("expected audit failure to surface")
	}
	envs, _ := h.ledger.ListByWorkspace(ctx, "W")
	if len(envs) != 1 || envs[0].Status != model.InvocationSucceeded {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}
	if !strings.HasPrefix(envs[0].Error, unauditedMarker) || !strings.Contains(envs[0].Error, EventSucceeded) {
		t.Fatalf("envelope not marked as unaudited: %q", envs[0].Error)
	}
}

func TestUpstreamFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.chain.Execute(ctx, model.RequestContext{}, model.InvocationRequest{Tool: "echo"}, Options{}); !errors.Is(err, model.ErrValidationDenied) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.chain.Execute(ctx, member("unbound"), model.InvocationRequest{Tool: "echo"}, Options{}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if events := h.auditEvents(t); len(events) != 0 {
		t.Fatalf("upstream failures are not audited as decisions: %+v", events)
	}
}

func TestResponseSummaryBounded(t *testing.T) {
	h := newHarness(t)
	h.client.body = strings.Repeat("é", 800)
	res, err := h.chain.Execute(context.Background(), member("W"), model.InvocationRequest{Tool: "echo"}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := len([]rune(res.ResponseSummary)); n != summaryLimit {
		t.Fatalf("summary has %d runes, want %d", n, summaryLimit)
	}
}

package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

func newTestCatalog() *Catalog {
	return New(docstore.NewMemory[model.ToolCatalogEntry]())
}

func TestRegisterDefaults(t *testing.T) {
	c := newTestCatalog()
	ctx := context.Background()
	low, err := c.Register(ctx, RegisterInput{ToolName: "read", GatewayID: "gw", RiskTier: model.RiskTierLow})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if low.ApprovalRequired != model.ApprovalNone || low.ReviewStatus != model.ReviewPending {
		t.Fatalf("unexpected defaults: %+v", low)
	}
	high, _ := c.Register(ctx, RegisterInput{ToolName: "exec", GatewayID: "gw", RiskTier: model.RiskTierHigh})
	if high.ApprovalRequired != model.ApprovalUserConfirm {
		t.Fatalf("tier 2 should default to user_confirm, got %s", high.ApprovalRequired)
	}
	explicit, _ := c.Register(ctx, RegisterInput{ToolName: "rm", GatewayID: "gw", RiskTier: model.RiskTierCritical, ApprovalRequired: model.ApprovalBreakGlass})
	if explicit.ApprovalRequired != model.ApprovalBreakGlass {
		t.Fatalf("explicit approval must be kept")
	}
}

func TestRegisterValidation(t *testing.T) {
	c := newTestCatalog()
	ctx := context.Background()
	cases := []RegisterInput{
		{GatewayID: "gw"},
		{ToolName: "t"},
		{ToolName: "t", GatewayID: "gw", RiskTier: 4},
		{ToolName: "t", GatewayID: "gw", RiskTier: -1},
		{ToolName: "t", GatewayID: "gw", ApprovalRequired: "maybe"},
		{ToolName: "t", GatewayID: "gw", ReviewStatus: "lgtm"},
	}
	for i, in := range cases {
		if _, err := c.Register(ctx, in); !errors.Is(err, model.ErrValidationDenied) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestGetExactThenWildcard(t *testing.T) {
	c := newTestCatalog()
	ctx := context.Background()
	_, _ = c.Register(ctx, RegisterInput{ToolName: "echo", GatewayID: "gw", RiskTier: model.RiskTierSafe})
	_, _ = c.Register(ctx, RegisterInput{ToolName: model.WildcardTool, GatewayID: "gw", RiskTier: model.RiskTierHigh})

	exact, ok, err := c.Get(ctx, "echo", "gw")
	if err != nil || !ok || exact.ToolName != "echo" {
		t.Fatalf("expected exact match: %+v %v %v", exact, ok, err)
	}
	wild, ok, _ := c.Get(ctx, "unknown", "gw")
	if !ok || wild.ToolName != model.WildcardTool || wild.RiskTier != model.RiskTierHigh {
		t.Fatalf("expected wildcard fallback: %+v", wild)
	}
	if _, ok, _ := c.Get(ctx, "echo", "other-gw"); ok {
		t.Fatalf("wildcard must be scoped to its gateway")
	}
}

func TestQuarantineIdempotentAndSticky(t *testing.T) {
	c := newTestCatalog()
	ctx := context.Background()
	if _, err := c.Quarantine(ctx, "ghost", "gw"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	_, _ = c.Register(ctx, RegisterInput{ToolName: "browser", GatewayID: "gw", RiskTier: model.RiskTierHigh, ReviewStatus: model.ReviewApproved})
	first, err := c.Quarantine(ctx, "browser", "gw")
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	second, err := c.Quarantine(ctx, "browser", "gw")
	if err != nil || second.ReviewStatus != first.ReviewStatus || second.ReviewStatus != model.ReviewQuarantined {
		t.Fatalf("second quarantine must be a no-op: %+v %v", second, err)
	}
	again, _ := c.Register(ctx, RegisterInput{ToolName: "browser", GatewayID: "gw", RiskTier: model.RiskTierLow, ReviewStatus: model.ReviewApproved})
	if again.ReviewStatus != model.ReviewQuarantined || again.RiskTier != model.RiskTierLow {
		t.Fatalf("re-registration must keep quarantine but update the rest: %+v", again)
	}
}

func TestListForGateway(t *testing.T) {
	c := newTestCatalog()
	ctx := context.Background()
	_, _ = c.Register(ctx, RegisterInput{ToolName: "b", GatewayID: "gw"})
	_, _ = c.Register(ctx, RegisterInput{ToolName: "a", GatewayID: "gw"})
	_, _ = c.Register(ctx, RegisterInput{ToolName: "c", GatewayID: "other"})
	list, err := c.ListForGateway(ctx, "gw")
	if err != nil || len(list) != 2 || list[0].ToolName != "b" || list[1].ToolName != "a" {
		t.Fatalf("unexpected list: %+v %v", list, err)
	}
}

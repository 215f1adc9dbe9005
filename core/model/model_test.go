package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("gateway", "gw-1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("not_found must not match conflict")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("foreign errors carry no kind")
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Details.ID != "gw-1" || typed.Details.Entity != "gateway" {
		t.Fatalf("details not preserved: %+v", typed)
	}
}

func TestUnavailableUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("gateway call failed", cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected both cause and kind to match: %v", err)
	}
}

func TestRunTransitions(t *testing.T) {
	cases := []struct {
		from, to SwarmRunStatus
		ok       bool
	}{
		{RunPlanning, RunRunning, true},
		{RunPlanning, RunPaused, false},
		{RunRunning, RunPaused, true},
		{RunPaused, RunRunning, true},
		{RunPaused, RunCompleted, false},
		{RunCompleted, RunRunning, false},
		{RunCanceled, RunRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionRun(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskQueued, TaskRunning, true},
		{TaskQueued, TaskCompleted, false},
		{TaskRunning, TaskBlocked, true},
		{TaskBlocked, TaskRunning, true},
		{TaskFailed, TaskQueued, true},
		{TaskFailed, TaskRunning, false},
		{TaskCompleted, TaskQueued, false},
		{TaskCanceled, TaskQueued, false},
	}
	for _, tc := range cases {
		if got := CanTransitionTask(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestGatewayRevocationIsPermanent(t *testing.T) {
	if !CanTransitionGateway(GatewayOnline, GatewayOffline) {
		t.Fatalf("online -> offline should be allowed")
	}
	if CanTransitionGateway(GatewayRevoked, GatewayOnline) {
		t.Fatalf("revoked gateways must stay revoked")
	}
	if !CanTransitionGateway(GatewayRevoked, GatewayRevoked) {
		t.Fatalf("repeat revoke should be accepted")
	}
	if GatewayOffline.Dispatchable() || GatewayRevoked.Dispatchable() || !GatewayDegraded.Dispatchable() {
		t.Fatalf("unexpected dispatchability")
	}
}

func TestInvocationTransitions(t *testing.T) {
	if !CanTransitionInvocation(InvocationPending, InvocationExecuting) {
		t.Fatalf("pending -> executing should be allowed")
	}
	if CanTransitionInvocation(InvocationSucceeded, InvocationFailed) {
		t.Fatalf("terminal envelopes are immutable")
	}
	if !InvocationPolicyDenied.Terminal() || InvocationExecuting.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestDefaultApproval(t *testing.T) {
	if DefaultApproval(RiskTierLow) != ApprovalNone {
		t.Fatalf("tier 1 should need no approval")
	}
	if DefaultApproval(RiskTierHigh) != ApprovalUserConfirm {
		t.Fatalf("tier 2 should need user confirmation")
	}
}

func TestGroupsForTool(t *testing.T) {
	groups := GroupsForTool("write")
	if len(groups) != 1 || groups[0] != "group:fs" {
		t.Fatalf("unexpected groups: %v", groups)
	}
	if len(GroupsForTool("unknown")) != 0 {
		t.Fatalf("unknown tools belong to no group")
	}
}

func TestAuditFilterConjunctive(t *testing.T) {
	e := AuditEntry{WorkspaceID: "w1", EventType: "tool_invoke.denied", TraceID: "t1"}
	if !(AuditFilter{WorkspaceID: "w1", EventType: "tool_invoke.denied"}).Matches(e) {
		t.Fatalf("expected match")
	}
	if (AuditFilter{WorkspaceID: "w1", TraceID: "other"}).Matches(e) {
		t.Fatalf("all supplied fields must match")
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "localhost", "::1", "[::1]", "127.1.2.3"} {
		if !IsLoopbackHost(host) {
			t.Fatalf("expected %q to be loopback", host)
		}
	}
	for _, host := range []string{"10.0.0.1", "gateway.internal", ""} {
		if IsLoopbackHost(host) {
			t.Fatalf("expected %q to be remote", host)
		}
	}
}

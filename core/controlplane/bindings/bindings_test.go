package bindings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

type fakeGateways map[string]bool

func (f fakeGateways) Get(_ context.Context, id string) (*model.Gateway, error) {
	if !f[id] {
		return nil, model.NotFound("gateway", id)
	}
	return &model.Gateway{ID: id}, nil
}

func TestBindUpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	svc := NewService(docstore.NewMemory[model.WorkspaceBinding](), fakeGateways{"gw-1": true, "gw-2": true})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	first, err := svc.Bind(ctx, BindInput{WorkspaceID: "ws-1", GatewayID: "gw-1", DefaultSessionKey: "main"})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	clock = clock.Add(time.Hour)
	second, err := svc.Bind(ctx, BindInput{WorkspaceID: "ws-1", GatewayID: "gw-2", AgentIDPrefix: "ws1-"})
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) || !second.UpdatedAt.Equal(clock) {
		t.Fatalf("unexpected timestamps: %+v", second)
	}

	got, err := svc.GetForWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GatewayID != "gw-2" || got.DefaultSessionKey != "" || got.AgentIDPrefix != "ws1-" {
		t.Fatalf("last write should win: %+v", got)
	}

	old, _ := svc.ListForGateway(ctx, "gw-1")
	if len(old) != 0 {
		t.Fatalf("rebound workspace must not list under old gateway: %+v", old)
	}
	current, _ := svc.ListForGateway(ctx, "gw-2")
	if len(current) != 1 {
		t.Fatalf("expected one binding on gw-2, got %+v", current)
	}
}

func TestBindUnknownGateway(t *testing.T) {
	svc := NewService(docstore.NewMemory[model.WorkspaceBinding](), fakeGateways{})
	if _, err := svc.Bind(context.Background(), BindInput{WorkspaceID: "ws", GatewayID: "ghost"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestBindValidation(t *testing.T) {
	svc := NewService(docstore.NewMemory[model.WorkspaceBinding](), nil)
	if _, err := svc.Bind(context.Background(), BindInput{GatewayID: "gw"}); !errors.Is(err, model.ErrValidationDenied) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Bind(context.Background(), BindInput{WorkspaceID: "ws"}); !errors.Is(err, model.ErrValidationDenied) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetForUnboundWorkspace(t *testing.T) {
	svc := NewService(docstore.NewMemory[model.WorkspaceBinding](), nil)
	if _, err := svc.GetForWorkspace(context.Background(), "ws"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

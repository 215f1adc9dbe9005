// Package gateways is the registry of tool-execution backends. Gateways are
// never deleted; revocation is a terminal status so audit history keeps
// resolving.
package gateways

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const indexEnvironment = "environment"

// RegisterInput describes a new gateway. ID is generated when empty.
type RegisterInput struct {
	ID           string
	Environment  string
	Host         string
	Port         int
	AuthMode     model.AuthMode
	TokenRef     string
	BasePath     string
	LoopbackOnly bool
}

// Registry owns gateway records.
type Registry struct {
	mu    sync.Mutex
	store docstore.Store[model.Gateway]
	now   func() time.Time
}

func NewRegistry(store docstore.Store[model.Gateway]) *Registry {
	return &Registry{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Register validates and stores a new gateway in status online.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*model.Gateway, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	basePath := strings.TrimSpace(in.BasePath)
	if basePath == "" {
		basePath = "/"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.store.Get(ctx, id); err == nil {
		return nil, model.ConflictMsg("gateway", id, "gateway already registered")
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("load gateway %s: %w", id, err)
	}

	now := r.now()
	gw := model.Gateway{
		ID:           id,
		Environment:  strings.TrimSpace(in.Environment),
		Host:         strings.TrimSpace(in.Host),
		Port:         in.Port,
		AuthMode:     in.AuthMode,
		TokenRef:     in.TokenRef,
		Status:       model.GatewayOnline,
		BasePath:     basePath,
		LoopbackOnly: in.LoopbackOnly,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.put(ctx, gw); err != nil {
		return nil, err
	}
	logging.Info("gateways", "registered", "gateway_id", id, "host", gw.Host, "port", gw.Port)
	return &gw, nil
}

func validate(in RegisterInput) error {
	host := strings.TrimSpace(in.Host)
	if host == "" {
		return model.ValidationDenied("host", "gateway host required")
	}
	if in.Port < 1 || in.Port > 65535 {
		return model.ValidationDenied("port", fmt.Sprintf("port %d out of range 1-65535", in.Port))
	}
	if !in.AuthMode.Valid() {
		return model.ValidationDenied("auth_mode", fmt.Sprintf("unknown auth mode %q", in.AuthMode))
	}
	if in.LoopbackOnly && !model.IsLoopbackHost(host) {
		return model.ValidationDenied("host", "loopback-only gateway must use a loopback host")
	}
	return nil
}

// UpdateStatus records a health observation. Revoked gateways stay revoked.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status model.GatewayStatus, errMsg string) (*model.Gateway, error) {
	if !status.Valid() {
		return nil, model.ValidationDenied("status", fmt.Sprintf("unknown gateway status %q", status))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	gw, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransitionGateway(gw.Status, status) {
		return nil, model.Conflict("gateway", id, string(gw.Status), string(status))
	}
	now := r.now()
	gw.Status = status
	gw.LastError = errMsg
	gw.LastHealthCheckAt = &now
	gw.UpdatedAt = now
	if err := r.put(ctx, gw); err != nil {
		return nil, err
	}
	return &gw, nil
}

// Revoke permanently withdraws a gateway. Revoking twice is a no-op.
func (r *Registry) Revoke(ctx context.Context, id, reason string) (*model.Gateway, error) {
	gw, err := r.UpdateStatus(ctx, id, model.GatewayRevoked, reason)
	if err != nil {
		return nil, err
	}
	logging.Info("gateways", "revoked", "gateway_id", id, "reason", reason)
	return gw, nil
}

// Get returns one gateway.
func (r *Registry) Get(ctx context.Context, id string) (*model.Gateway, error) {
	gw, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &gw, nil
}

// List returns gateways in registration order, optionally for one environment.
func (r *Registry) List(ctx context.Context, environment string) ([]model.Gateway, error) {
	environment = strings.TrimSpace(environment)
	var (
		out []model.Gateway
		err error
	)
	if environment == "" {
		out, err = r.store.ListAll(ctx)
	} else {
		out, err = r.store.List(ctx, docstore.By(indexEnvironment, environment))
	}
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	return out, nil
}

func (r *Registry) get(ctx context.Context, id string) (model.Gateway, error) {
	gw, err := r.store.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return gw, model.NotFound("gateway", id)
	}
	if err != nil {
		return gw, fmt.Errorf("load gateway %s: %w", id, err)
	}
	return gw, nil
}

func (r *Registry) put(ctx context.Context, gw model.Gateway) error {
	var idx []docstore.Index
	if gw.Environment != "" {
		idx = append(idx, docstore.By(indexEnvironment, gw.Environment))
	}
	if err := r.store.Put(ctx, gw.ID, gw, idx...); err != nil {
		return fmt.Errorf("save gateway %s: %w", gw.ID, err)
	}
	return nil
}

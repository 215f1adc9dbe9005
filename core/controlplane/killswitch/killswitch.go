// Package killswitch holds operator emergency disables scoped to a gateway,
// tool, skill or agent.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

// Switches owns kill switch records, one per (scope, target).
type Switches struct {
	mu    sync.Mutex
	store docstore.Store[model.KillSwitch]
	now   func() time.Time
}

func New(store docstore.Store[model.KillSwitch]) *Switches {
	return &Switches{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Activate upserts an active switch. Reactivation overwrites the reason and
// activator and clears any previous deactivation.
func (s *Switches) Activate(ctx context.Context, scope model.KillScope, targetID, reason, activatedBy string) (*model.KillSwitch, error) {
	if err := validate(scope, targetID); err != nil {
		return nil, err
	}
	sw := model.KillSwitch{
		Scope:       scope,
		TargetID:    strings.TrimSpace(targetID),
		Active:      true,
		Reason:      reason,
		ActivatedBy: activatedBy,
		ActivatedAt: s.now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Put(ctx, sw.Key(), sw); err != nil {
		return nil, fmt.Errorf("save kill switch %s: %w", sw.Key(), err)
	}
	logging.Warn("killswitch", "activated", "scope", scope, "target", sw.TargetID, "reason", reason, "by", activatedBy)
	return &sw, nil
}

// Deactivate clears an existing switch and stamps DeactivatedAt.
func (s *Switches) Deactivate(ctx context.Context, scope model.KillScope, targetID string) (*model.KillSwitch, error) {
	if err := validate(scope, targetID); err != nil {
		return nil, err
	}
	key := model.KillSwitchKey(scope, strings.TrimSpace(targetID))
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, err := s.store.Get(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NotFound("kill_switch", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load kill switch %s: %w", key, err)
	}
	now := s.now()
	sw.Active = false
	sw.DeactivatedAt = &now
	if err := s.store.Put(ctx, key, sw); err != nil {
		return nil, fmt.Errorf("save kill switch %s: %w", key, err)
	}
	logging.Info("killswitch", "deactivated", "scope", scope, "target", sw.TargetID)
	return &sw, nil
}

// IsKilled reports whether an active switch exists for the target.
func (s *Switches) IsKilled(ctx context.Context, scope model.KillScope, targetID string) (bool, error) {
	sw, err := s.store.Get(ctx, model.KillSwitchKey(scope, targetID))
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load kill switch: %w", err)
	}
	return sw.Active, nil
}

// ListActive returns all active switches in first-activation order.
func (s *Switches) ListActive(ctx context.Context) ([]model.KillSwitch, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list kill switches: %w", err)
	}
	out := make([]model.KillSwitch, 0, len(all))
	for _, sw := range all {
		if sw.Active {
			out = append(out, sw)
		}
	}
	return out, nil
}

func validate(scope model.KillScope, targetID string) error {
	if !scope.Valid() {
		return model.ValidationDenied("scope", fmt.Sprintf("unknown kill switch scope %q", scope))
	}
	if strings.TrimSpace(targetID) == "" {
		return model.ValidationDenied("target_id", "target id required")
	}
	return nil
}

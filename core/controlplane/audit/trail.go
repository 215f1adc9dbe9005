// Package audit is the append-only record of every decision point in the
// invocation pipeline.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/bus"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const defaultSubjectPrefix = "opensheath.audit"

// Store persists audit entries. Implementations never mutate or delete.
type Store interface {
	Append(ctx context.Context, entry model.AuditEntry) error
	List(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// Publisher fans recorded entries out to other systems.
type Publisher interface {
	PublishJSON(subject, msgID string, v any) error
}

// Trail stamps and appends audit entries.
type Trail struct {
	store         Store
	publisher     Publisher
	subjectPrefix string
	now           func() time.Time
}

// Option customizes a Trail.
type Option func(*Trail)

// WithPublisher taps every recorded entry onto "<prefix>.<event_type>".
func WithPublisher(p Publisher, subjectPrefix string) Option {
	return func(t *Trail) {
		t.publisher = p
		if prefix := strings.TrimSuffix(strings.TrimSpace(subjectPrefix), "."); prefix != "" {
			t.subjectPrefix = prefix
		}
	}
}

func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{
		store:         store,
		subjectPrefix: defaultSubjectPrefix,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record assigns an id and timestamp, appends the entry, then publishes it.
// Publish failures are logged and never undo the append.
func (t *Trail) Record(ctx context.Context, entry model.AuditEntry) (*model.AuditEntry, error) {
	entry.ID = uuid.NewString()
	entry.Timestamp = t.now()
	if err := t.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	if t.publisher != nil {
		subject := t.subjectPrefix + "." + bus.SubjectToken(entry.EventType)
		if err := t.publisher.PublishJSON(subject, entry.ID, entry); err != nil {
			logging.Warn("audit", "publish failed", "subject", subject, "entry_id", entry.ID, "err", err)
		}
	}
	return &entry, nil
}

// List returns entries matching every supplied filter field, oldest first.
func (t *Trail) List(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	return t.store.List(ctx, filter)
}

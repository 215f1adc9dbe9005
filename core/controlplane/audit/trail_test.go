package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

type recordingPublisher struct {
	subjects []string
	msgIDs   []string
	err      error
}

func (p *recordingPublisher) PublishJSON(subject, msgID string, _ any) error {
	p.subjects = append(p.subjects, subject)
	p.msgIDs = append(p.msgIDs, msgID)
	return p.err
}

func newTestTrail(opts ...Option) *Trail {
	return NewTrail(NewDocStore(docstore.NewMemory[model.AuditEntry]()), opts...)
}

func TestRecordStampsIDAndTimestamp(t *testing.T) {
	trail := newTestTrail()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail.now = func() time.Time { return fixed }

	first, err := trail.Record(context.Background(), model.AuditEntry{ID: "caller-supplied", EventType: "tool_invoke.succeeded", WorkspaceID: "w1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	second, _ := trail.Record(context.Background(), model.AuditEntry{EventType: "tool_invoke.denied", WorkspaceID: "w1"})
	if first.ID == "" || first.ID == "caller-supplied" || first.ID == second.ID {
		t.Fatalf("expected fresh unique ids, got %q and %q", first.ID, second.ID)
	}
	if !first.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected timestamp %v", first.Timestamp)
	}
}

func TestListConjunctiveFilter(t *testing.T) {
	ctx := context.Background()
	trail := newTestTrail()
	entries := []model.AuditEntry{
		{EventType: "tool_invoke.denied", WorkspaceID: "w1", CorrelationID: "c1", TraceID: "t1"},
		{EventType: "tool_invoke.succeeded", WorkspaceID: "w1", CorrelationID: "c2", TraceID: "t2"},
		{EventType: "tool_invoke.denied", WorkspaceID: "w2", CorrelationID: "c1", TraceID: "t3"},
		{EventType: "tool_invoke.denied", WorkspaceID: "w1", CorrelationID: "c3", TraceID: "t4"},
	}
	for _, e := range entries {
		if _, err := trail.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	cases := []struct {
		filter model.AuditFilter
		want   []string
	}{
		{model.AuditFilter{}, []string{"t1", "t2", "t3", "t4"}},
		{model.AuditFilter{WorkspaceID: "w1"}, []string{"t1", "t2", "t4"}},
		{model.AuditFilter{WorkspaceID: "w1", EventType: "tool_invoke.denied"}, []string{"t1", "t4"}},
		{model.AuditFilter{CorrelationID: "c1"}, []string{"t1", "t3"}},
		{model.AuditFilter{CorrelationID: "c1", WorkspaceID: "w2"}, []string{"t3"}},
		{model.AuditFilter{TraceID: "t2"}, []string{"t2"}},
		{model.AuditFilter{WorkspaceID: "w3"}, nil},
	}
	for i, tc := range cases {
		got, err := trail.List(ctx, tc.filter)
		if err != nil {
			t.Fatalf("case %d: list: %v", i, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("case %d: got %d entries, want %d", i, len(got), len(tc.want))
		}
		for j := range got {
			if got[j].TraceID != tc.want[j] {
				t.Fatalf("case %d: entry %d trace %q, want %q", i, j, got[j].TraceID, tc.want[j])
			}
		}
	}
}

func TestRecordPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	trail := newTestTrail(WithPublisher(pub, "tenant.audit."))
	entry, err := trail.Record(context.Background(), model.AuditEntry{EventType: "tool_invoke.backend_denied"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "tenant.audit.tool_invoke.backend_denied" || pub.msgIDs[0] != entry.ID {
		t.Fatalf("unexpected publish: %v %v", pub.subjects, pub.msgIDs)
	}
}

func TestPublishFailureDoesNotUndoAppend(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	trail := newTestTrail(WithPublisher(pub, ""))
	if _, err := trail.Record(context.Background(), model.AuditEntry{EventType: "tool_invoke.failed", WorkspaceID: "w"}); err != nil {
		t.Fatalf("publish failure must not surface: %v", err)
	}
	if pub.subjects[0] != "opensheath.audit.tool_invoke.failed" {
		t.Fatalf("default prefix not applied: %v", pub.subjects)
	}
	got, _ := trail.List(context.Background(), model.AuditFilter{WorkspaceID: "w"})
	if len(got) != 1 {
		t.Fatalf("entry must be appended despite publish failure")
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, model.AuditEntry) error { return errors.New("disk full") }
func (failingStore) List(context.Context, model.AuditFilter) ([]model.AuditEntry, error) {
	return nil, nil
}

func TestRecordSurfacesStoreErrors(t *testing.T) {
	pub := &recordingPublisher{}
	trail := NewTrail(failingStore{}, WithPublisher(pub, ""))
	if _, err := trail.Record(context.Background(), model.AuditEntry{EventType: "x"}); err == nil {
		t.Fatalf("expected append error")
	}
	if len(pub.subjects) != 0 {
		t.Fatalf("nothing may be published when the append failed")
	}
}

package audit

import (
	"context"
	"fmt"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const (
	indexWorkspace   = "workspace"
	indexCorrelation = "correlation"
)

// DocStore keeps audit entries in a document store, indexed by workspace and
// correlation id.
type DocStore struct {
	docs docstore.Store[model.AuditEntry]
}

func NewDocStore(docs docstore.Store[model.AuditEntry]) *DocStore {
	return &DocStore{docs: docs}
}

func (s *DocStore) Append(ctx context.Context, entry model.AuditEntry) error {
	var idx []docstore.Index
	if entry.WorkspaceID != "" {
		idx = append(idx, docstore.By(indexWorkspace, entry.WorkspaceID))
	}
	if entry.CorrelationID != "" {
		idx = append(idx, docstore.By(indexCorrelation, entry.CorrelationID))
	}
	return s.docs.Put(ctx, entry.ID, entry, idx...)
}

func (s *DocStore) List(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	var (
		candidates []model.AuditEntry
		err        error
	)
	switch {
	case filter.WorkspaceID != "":
		candidates, err = s.docs.List(ctx, docstore.By(indexWorkspace, filter.WorkspaceID))
	case filter.CorrelationID != "":
		candidates, err = s.docs.List(ctx, docstore.By(indexCorrelation, filter.CorrelationID))
	default:
		candidates, err = s.docs.ListAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(candidates))
	for _, e := range candidates {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

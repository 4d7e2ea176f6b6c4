package tx

import (
	"context"

	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

// BatchKind selects the interaction of one batch operation.
type BatchKind string

const (
	BatchCreate BatchKind = "create"
	BatchUpdate BatchKind = "update"
	BatchDelete BatchKind = "delete"
	BatchRead   BatchKind = "read"
)

// BatchOp is one independent operation in a batch.
type BatchOp struct {
	Kind     BatchKind
	Resource model.Resource
}

// BatchEntry is the per-operation outcome of a batch. Exactly one of
// Resource or Err is meaningful.
type BatchEntry struct {
	Resource model.Resource
	Created  bool
	Err      error
}

// Batch executes the operations independently, without atomicity: a failing
// entry is recorded and the rest proceed. Entries correspond to ops by
// position. Unlike transactions, batch operations cannot reference each
// other.
func (m *Manager) Batch(ctx context.Context, tc tenant.Context, ops []BatchOp) []BatchEntry {
	entries := make([]BatchEntry, len(ops))
	failed := 0
	for i, op := range ops {
		entries[i] = m.batchOne(ctx, tc, op)
		if entries[i].Err != nil {
			failed++
		}
	}
	m.log.Debug().
		Str("tenant", tc.ID()).
		Int("ops", len(ops)).
		Int("failed", failed).
		Msg("batch processed")
	return entries
}

func (m *Manager) batchOne(ctx context.Context, tc tenant.Context, op BatchOp) BatchEntry {
	switch op.Kind {
	case BatchCreate:
		created, err := m.primary.Create(ctx, tc, op.Resource)
		return BatchEntry{Resource: created, Created: err == nil, Err: err}
	case BatchUpdate:
		result, err := m.primary.Update(ctx, tc, op.Resource)
		return BatchEntry{Resource: result.Resource, Created: result.Created, Err: err}
	case BatchDelete:
		err := m.primary.Delete(ctx, tc, op.Resource.Type, op.Resource.ID)
		return BatchEntry{Err: err}
	case BatchRead:
		read, err := m.primary.Read(ctx, tc, op.Resource.Type, op.Resource.ID)
		return BatchEntry{Resource: read, Err: err}
	default:
		return BatchEntry{Err: &outcome.ValidationError{Detail: "unknown batch operation"}}
	}
}

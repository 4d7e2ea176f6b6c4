package capabilities

import (
	"context"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities/history"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/capabilities/update"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

// Backend is implemented by every storage backend. The returned descriptor
// drives routing and conformance generation.
type Backend interface {
	Name() string
	Capabilities(ctx context.Context) (Capabilities, error)
}

// The Store interface is the minimal create/read/update/delete contract per
// tenant, the foundation every other capability extends.
//
// All operations are tenant-scoped: a read of a resource belonging to a
// different tenant behaves identically to not-found, so existence never
// leaks across tenants.
type Store interface {
	// Create persists a new resource, assigning identity and the first
	// version if the caller did not supply an id. A supplied id is
	// update-as-create, which backends only honor when their capability
	// descriptor advertises it.
	Create(ctx context.Context, tc tenant.Context, resource model.Resource) (model.Resource, error)
	Read(ctx context.Context, tc tenant.Context, resourceType, id string) (model.Resource, error)
	// Update appends a new version. The persisted resource is returned
	// together with a flag indicating update-as-create.
	Update(ctx context.Context, tc tenant.Context, resource model.Resource) (update.Result, error)
	// Delete appends a tombstone version, it never removes history unless
	// the backend advertises (and the caller separately requests) a purge.
	Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error
}

// VersionProvider layers version-aware reads, optimistic updates and
// history on top of the Store.
type VersionProvider interface {
	Store
	// VRead returns one specific version of a resource, including
	// tombstones.
	VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (model.Resource, error)
	// UpdateWithMatch appends a new version only if the current version
	// equals expectedVersion, otherwise it fails with a version conflict
	// carrying expected and actual. This is the single-resource optimistic
	// concurrency primitive.
	UpdateWithMatch(ctx context.Context, tc tenant.Context, resource model.Resource, expectedVersion string) (model.Resource, error)
	// InstanceHistory returns the reverse-chronological lineage of one
	// resource, including tombstones.
	InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, params history.Params) (history.Result, error)
	TypeHistory(ctx context.Context, tc tenant.Context, resourceType string, params history.Params) (history.Result, error)
	SystemHistory(ctx context.Context, tc tenant.Context, params history.Params) (history.Result, error)
}

// SearchCapable is implemented by backends that evaluate search queries.
type SearchCapable interface {
	Backend
	Search(ctx context.Context, tc tenant.Context, query search.Query) (search.Result, error)
}

// TerminologyCapable is implemented by backends serving code subsumption and
// value set expansion.
type TerminologyCapable interface {
	Backend
	search.Terminology
}

// GraphCapable is implemented by backends that walk reference hierarchies
// with a bounded closure.
type GraphCapable interface {
	Backend
	search.Hierarchy
}

// TextCapable is implemented by backends with a full-text index.
type TextCapable interface {
	Backend
	// SearchText returns the identities of resources whose indexed text
	// matches.
	SearchText(ctx context.Context, tc tenant.Context, resourceType, text string) ([]model.Identity, error)
}

// BulkExportCapable is implemented by backends that stream out whole
// resource sets.
type BulkExportCapable interface {
	Backend
	// Export streams every current resource of the given types modified at
	// or after since. A zero since exports everything.
	Export(ctx context.Context, tc tenant.Context, resourceTypes []string, since time.Time, yield func(model.Resource) error) error
}

// StagedWrite is one write inside an atomic multi-resource commit.
type StagedWrite struct {
	Resource model.Resource
	// Delete appends a tombstone instead of a content version.
	Delete bool
	// ExpectedVersion, when set, aborts the whole batch on mismatch.
	ExpectedVersion string
}

// AtomicApplier is implemented by backends that can make a set of writes
// visible together: all writes succeed as one unit or none do. The
// transaction manager requires it from its primary store.
type AtomicApplier interface {
	ApplyAll(ctx context.Context, tc tenant.Context, writes []StagedWrite) ([]model.Resource, error)
}

// Locker is implemented by backends supporting pessimistic per-resource
// locks. The release function must be invoked on every exit path, including
// cancellation; Lock honors context cancellation while waiting.
type Locker interface {
	Lock(ctx context.Context, tc tenant.Context, identity model.Identity) (release func(), err error)
}

// Purger is implemented by backends that can physically remove a resource's
// history. Only meaningful when the capability descriptor advertises
// HistoryPurge.
type Purger interface {
	Purge(ctx context.Context, tc tenant.Context, resourceType, id string) error
}

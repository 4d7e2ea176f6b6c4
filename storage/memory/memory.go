// Package memory provides the reference in-memory storage backend.
//
// It supports the full capability surface: versioned lineages with
// tombstones, all history scopes, complete search evaluation via the
// in-memory evaluator, atomic multi-resource writes and pessimistic
// per-resource locks. Backends with narrower native surfaces are routed
// around it by the composite router.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/capabilities/update"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
	"github.com/google/uuid"
)

// compile-time interface compliance
var (
	_ capabilities.VersionProvider = (*Store)(nil)
	_ capabilities.SearchCapable   = (*Store)(nil)
	_ capabilities.AtomicApplier   = (*Store)(nil)
	_ capabilities.Locker          = (*Store)(nil)
	_ capabilities.Purger          = (*Store)(nil)
	_ capabilities.BulkExportCapable = (*Store)(nil)
	_ search.Source                = (*tenantView)(nil)
)

// Store is a thread-safe in-memory versioned resource store.
type Store struct {
	mu sync.RWMutex
	// lineages maps tenant -> type -> id -> versions in ascending order
	lineages map[string]map[string]map[string][]model.Resource

	locks locks

	parameters   map[string]map[string]search.ParameterDef
	terminology  search.Terminology
	hierarchy    search.Hierarchy
	updateCreate bool
	tolerance    float64

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithUpdateCreate enables update-as-create: updates (and creates) may
// supply their own logical id.
func WithUpdateCreate() Option {
	return func(s *Store) { s.updateCreate = true }
}

// WithTerminology attaches a terminology service for subsumption and value
// set modifiers.
func WithTerminology(t search.Terminology) Option {
	return func(s *Store) { s.terminology = t }
}

// WithHierarchy attaches a reference hierarchy for reference
// :above/:below.
func WithHierarchy(h search.Hierarchy) Option {
	return func(s *Store) { s.hierarchy = h }
}

// WithApproxTolerance overrides the ap prefix tolerance.
func WithApproxTolerance(tolerance float64) Option {
	return func(s *Store) { s.tolerance = tolerance }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store with the given search parameter definitions
// (resource type -> parameter name -> definition).
func NewStore(parameters map[string]map[string]search.ParameterDef, opts ...Option) *Store {
	s := &Store{
		lineages:   make(map[string]map[string]map[string][]model.Resource),
		parameters: parameters,
		now:        time.Now,
	}
	s.locks.init()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string {
	return "memory"
}

func (s *Store) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	return capabilities.Capabilities{
		Interactions: []capabilities.Interaction{
			capabilities.InteractionRead,
			capabilities.InteractionVRead,
			capabilities.InteractionCreate,
			capabilities.InteractionUpdate,
			capabilities.InteractionDelete,
			capabilities.InteractionSearchType,
			capabilities.InteractionHistorySystem,
			capabilities.InteractionTransaction,
			capabilities.InteractionBatch,
		},
		Search: search.Capabilities{
			Parameters:  s.parameters,
			FullText:    true,
			Terminology: s.terminology != nil,
			Chaining:    true,
			Hierarchy:   s.hierarchy != nil,
		},
		Isolation: []capabilities.IsolationLevel{
			capabilities.IsolationReadCommitted,
			capabilities.IsolationSerializable,
		},
		UpdateCreate: s.updateCreate,
		HistoryPurge: true,
		Paging:       capabilities.PagingCurrent,
	}, nil
}

func requireTenant(tc tenant.Context, p tenant.Permission) error {
	if !tc.IsValid() {
		return &outcome.ValidationError{Detail: "operation without tenant context"}
	}
	if !tc.Allows(p) {
		return &outcome.ValidationError{Detail: fmt.Sprintf("tenant %s lacks %s permission", tc.ID(), p)}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, tc tenant.Context, resource model.Resource) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return model.Resource{}, err
	}
	if resource.Type == "" {
		return model.Resource{}, &outcome.ValidationError{Detail: "resource without type"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resource.ID == "" {
		resource.ID = uuid.NewString()
	} else {
		// supplying an identity on create is update-as-create, a deployment
		// policy toggle rather than a hidden default
		if !s.updateCreate {
			return model.Resource{}, &outcome.ValidationError{Detail: "client-assigned ids are not enabled"}
		}
		if lineage := s.lineage(tc.ID(), resource.Type, resource.ID); len(lineage) > 0 && !lineage[len(lineage)-1].Deleted {
			return model.Resource{}, &outcome.PreconditionError{
				Detail:  fmt.Sprintf("%s/%s already exists", resource.Type, resource.ID),
				Matches: 1,
			}
		}
	}

	return s.append(tc.ID(), resource, false), nil
}

func (s *Store) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return model.Resource{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current, ok := s.current(tc, resourceType, id)
	if !ok {
		return model.Resource{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	// tombstones are returned with Deleted set so callers can distinguish
	// "gone" from "never existed"
	return current.Clone(), nil
}

func (s *Store) Update(ctx context.Context, tc tenant.Context, resource model.Resource) (update.Result, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return update.Result{}, err
	}
	if resource.Type == "" || resource.ID == "" {
		return update.Result{}, &outcome.ValidationError{Detail: "update requires type and id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lineage := s.lineage(tc.ID(), resource.Type, resource.ID)
	if len(lineage) == 0 {
		if !s.updateCreate {
			return update.Result{}, &outcome.NotFoundError{ResourceType: resource.Type, ID: resource.ID}
		}
		return update.Result{Resource: s.append(tc.ID(), resource, false), Created: true}, nil
	}
	// an update after a delete resurrects the resource with a new version
	return update.Result{Resource: s.append(tc.ID(), resource, false)}, nil
}

func (s *Store) UpdateWithMatch(ctx context.Context, tc tenant.Context, resource model.Resource, expectedVersion string) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return model.Resource{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lineage := s.lineage(tc.ID(), resource.Type, resource.ID)
	if len(lineage) == 0 {
		return model.Resource{}, &outcome.NotFoundError{ResourceType: resource.Type, ID: resource.ID}
	}
	actual := lineage[len(lineage)-1].VersionID
	if actual != expectedVersion {
		return model.Resource{}, &outcome.VersionConflictError{
			ResourceType: resource.Type,
			ID:           resource.ID,
			Expected:     expectedVersion,
			Actual:       actual,
		}
	}
	return s.append(tc.ID(), resource, false), nil
}

func (s *Store) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	if err := requireTenant(tc, tenant.PermissionDelete); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lineage := s.lineage(tc.ID(), resourceType, id)
	if len(lineage) == 0 {
		return &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	if lineage[len(lineage)-1].Deleted {
		// deleting a tombstone is a no-op
		return nil
	}
	s.append(tc.ID(), model.Resource{Type: resourceType, ID: id}, true)
	return nil
}

func (s *Store) VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return model.Resource{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, version := range s.visibleLineage(tc, resourceType, id) {
		if version.VersionID == versionID {
			return version.Clone(), nil
		}
	}
	return model.Resource{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id, VersionID: versionID}
}

// Purge physically removes a resource's whole lineage. It is only reachable
// through an explicit caller request, never through Delete.
func (s *Store) Purge(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	if err := requireTenant(tc, tenant.PermissionDelete); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	types, ok := s.lineages[tc.ID()]
	if !ok {
		return &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	ids, ok := types[resourceType]
	if !ok {
		return &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	if _, ok := ids[id]; !ok {
		return &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	delete(ids, id)
	return nil
}

// Export streams every visible current resource of the given types.
func (s *Store) Export(ctx context.Context, tc tenant.Context, resourceTypes []string, since time.Time, yield func(model.Resource) error) error {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return err
	}

	s.mu.RLock()
	snapshot := make([]model.Resource, 0, 64)
	for _, resourceType := range resourceTypes {
		for _, r := range s.currentOfType(tc, resourceType) {
			if !since.IsZero() && r.LastUpdated.Before(since) {
				continue
			}
			snapshot = append(snapshot, r.Clone())
		}
	}
	s.mu.RUnlock()

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAll makes all staged writes visible together or none of them.
// Version preconditions are verified before the first write, and the touched
// lineages are snapshotted so any later failure restores the exact previous
// state.
func (s *Store) ApplyAll(ctx context.Context, tc tenant.Context, writes []capabilities.StagedWrite) ([]model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if w.ExpectedVersion == "" {
			continue
		}
		lineage := s.lineage(tc.ID(), w.Resource.Type, w.Resource.ID)
		actual := ""
		if len(lineage) > 0 {
			actual = lineage[len(lineage)-1].VersionID
		}
		if actual != w.ExpectedVersion {
			return nil, &outcome.VersionConflictError{
				ResourceType: w.Resource.Type,
				ID:           w.Resource.ID,
				Expected:     w.ExpectedVersion,
				Actual:       actual,
			}
		}
	}

	snapshot := make(map[model.Identity][]model.Resource, len(writes))
	for _, w := range writes {
		identity := w.Resource.Identity()
		if _, ok := snapshot[identity]; !ok {
			snapshot[identity] = slices.Clone(s.lineage(tc.ID(), identity.Type, identity.ID))
		}
	}
	restore := func() {
		for identity, lineage := range snapshot {
			s.setLineage(tc.ID(), identity.Type, identity.ID, lineage)
		}
	}

	applied := make([]model.Resource, 0, len(writes))
	for _, w := range writes {
		if w.Delete {
			lineage := s.lineage(tc.ID(), w.Resource.Type, w.Resource.ID)
			if len(lineage) == 0 {
				restore()
				return nil, &outcome.NotFoundError{ResourceType: w.Resource.Type, ID: w.Resource.ID}
			}
			applied = append(applied, s.append(tc.ID(), model.Resource{Type: w.Resource.Type, ID: w.Resource.ID}, true))
			continue
		}
		resource := w.Resource
		if resource.ID == "" {
			resource.ID = uuid.NewString()
		}
		applied = append(applied, s.append(tc.ID(), resource, false))
	}
	return applied, nil
}

// append writes the next version of a lineage. Callers hold the write lock.
func (s *Store) append(tenantID string, resource model.Resource, tombstone bool) model.Resource {
	lineage := s.lineage(tenantID, resource.Type, resource.ID)

	next := 1
	if len(lineage) > 0 {
		if n, err := strconv.Atoi(lineage[len(lineage)-1].VersionID); err == nil {
			next = n + 1
		} else {
			next = len(lineage) + 1
		}
	}

	version := model.Resource{
		Type:        resource.Type,
		ID:          resource.ID,
		VersionID:   strconv.Itoa(next),
		LastUpdated: s.now().UTC(),
		TenantID:    tenantID,
		Deleted:     tombstone,
	}
	if !tombstone {
		version.Body = model.CloneBody(resource.Body)
		if version.Body == nil {
			version.Body = map[string]any{}
		}
		version.Body["resourceType"] = resource.Type
		version.Body["id"] = resource.ID
		meta, _ := version.Body["meta"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["versionId"] = version.VersionID
		meta["lastUpdated"] = version.LastUpdated.Format(time.RFC3339)
		version.Body["meta"] = meta
	}

	s.setLineage(tenantID, resource.Type, resource.ID, append(lineage, version))
	return version.Clone()
}

func (s *Store) lineage(tenantID, resourceType, id string) []model.Resource {
	return s.lineages[tenantID][resourceType][id]
}

func (s *Store) setLineage(tenantID, resourceType, id string, lineage []model.Resource) {
	types, ok := s.lineages[tenantID]
	if !ok {
		types = make(map[string]map[string][]model.Resource)
		s.lineages[tenantID] = types
	}
	ids, ok := types[resourceType]
	if !ok {
		ids = make(map[string][]model.Resource)
		types[resourceType] = ids
	}
	if len(lineage) == 0 {
		delete(ids, id)
		return
	}
	ids[id] = lineage
}

// visibleLineage returns the lineage visible to the tenant: its own
// resources, plus system-tenant resources when shared access is granted.
func (s *Store) visibleLineage(tc tenant.Context, resourceType, id string) []model.Resource {
	if lineage := s.lineage(tc.ID(), resourceType, id); len(lineage) > 0 {
		return lineage
	}
	if !tc.IsSystem() && tc.SharedAccess() {
		return s.lineage("", resourceType, id)
	}
	return nil
}

func (s *Store) current(tc tenant.Context, resourceType, id string) (model.Resource, bool) {
	lineage := s.visibleLineage(tc, resourceType, id)
	if len(lineage) == 0 {
		return model.Resource{}, false
	}
	return lineage[len(lineage)-1], true
}

// currentOfType returns the current non-tombstone resources of a type,
// ordered by id for stable pagination. Callers hold at least a read lock.
func (s *Store) currentOfType(tc tenant.Context, resourceType string) []model.Resource {
	collect := func(tenantID string) []model.Resource {
		ids := s.lineages[tenantID][resourceType]
		out := make([]model.Resource, 0, len(ids))
		for _, lineage := range ids {
			current := lineage[len(lineage)-1]
			if !current.Deleted {
				out = append(out, current)
			}
		}
		return out
	}

	resources := collect(tc.ID())
	if !tc.IsSystem() && tc.SharedAccess() {
		resources = append(resources, collect("")...)
	}
	slices.SortFunc(resources, func(a, b model.Resource) int {
		return strings.Compare(a.ID, b.ID)
	})
	return resources
}

func (s *Store) evaluator(tc tenant.Context) *search.Evaluator {
	return &search.Evaluator{
		Caps: search.Capabilities{
			Parameters:  s.parameters,
			FullText:    true,
			Terminology: s.terminology != nil,
			Chaining:    true,
			Hierarchy:   s.hierarchy != nil,
		},
		Terminology:     s.terminology,
		Hierarchy:       s.hierarchy,
		Source:          &tenantView{store: s, tc: tc},
		ApproxTolerance: s.tolerance,
	}
}

// tenantView is the tenant-scoped resource source used during chain
// evaluation.
type tenantView struct {
	store *Store
	tc    tenant.Context
}

func (v *tenantView) Resolve(ctx context.Context, resourceType, id string) (model.Resource, bool, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	current, ok := v.store.current(v.tc, resourceType, id)
	if !ok || current.Deleted {
		return model.Resource{}, false, nil
	}
	return current.Clone(), true, nil
}

func (v *tenantView) List(ctx context.Context, resourceType string) ([]model.Resource, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	resources := v.store.currentOfType(v.tc, resourceType)
	out := make([]model.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Source returns the tenant-scoped resource source, used by the router for
// include resolution and post-filtering.
func (s *Store) Source(tc tenant.Context) search.Source {
	return &tenantView{store: s, tc: tc}
}

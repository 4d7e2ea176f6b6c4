// Package router composes heterogeneous storage backends into one logical
// store. Writes and reads go to the primary backend; search queries are
// split into fragments and each fragment is routed to the cheapest backend
// that can evaluate it, with post-filtering or rejection for the rest.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/DAMEDIC/fhir-store-go/audit"
	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/history"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/capabilities/update"
	"github.com/DAMEDIC/fhir-store-go/config"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

// Primary is the contract of the backend of record: full versioned CRUD,
// atomic multi-resource writes and tenant-scoped resource resolution.
type Primary interface {
	capabilities.VersionProvider
	capabilities.Backend
	capabilities.AtomicApplier
	Source(tc tenant.Context) search.Source
}

// Router is a logical store spanning several backends.
type Router struct {
	primary     Primary
	searchers   []capabilities.SearchCapable
	terminology capabilities.TerminologyCapable
	graph       capabilities.GraphCapable
	text        capabilities.TextCapable
	bulk        capabilities.BulkExportCapable
	sink        audit.Sink
	policy      config.Policy
	log         zerolog.Logger
}

// Option wires an optional backend into the router.
type Option func(*Router)

// WithSearcher adds a search backend. The primary is always a candidate if
// it is search-capable; additional searchers widen the native surface.
func WithSearcher(s capabilities.SearchCapable) Option {
	return func(r *Router) { r.searchers = append(r.searchers, s) }
}

// WithTerminology wires a terminology backend for subsumption and value set
// modifiers.
func WithTerminology(t capabilities.TerminologyCapable) Option {
	return func(r *Router) { r.terminology = t }
}

// WithGraph wires a reference hierarchy backend for reference :above/:below.
func WithGraph(g capabilities.GraphCapable) Option {
	return func(r *Router) { r.graph = g }
}

// WithText wires a full-text backend.
func WithText(t capabilities.TextCapable) Option {
	return func(r *Router) { r.text = t }
}

// WithBulk wires a bulk export backend. Defaults to the primary if it is
// export-capable.
func WithBulk(b capabilities.BulkExportCapable) Option {
	return func(r *Router) { r.bulk = b }
}

// WithAudit wires an audit sink. Recording is best effort: failures are
// logged, never propagated.
func WithAudit(sink audit.Sink) Option {
	return func(r *Router) { r.sink = sink }
}

// New creates a router over the primary backend.
func New(primary Primary, policy config.Policy, log zerolog.Logger, opts ...Option) *Router {
	r := &Router{primary: primary, policy: policy, log: log}
	if s, ok := primary.(capabilities.SearchCapable); ok {
		r.searchers = append(r.searchers, s)
	}
	if b, ok := primary.(capabilities.BulkExportCapable); ok {
		r.bulk = b
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Primary exposes the backend of record, used by the transaction manager.
func (r *Router) Primary() Primary {
	return r.primary
}

// Policy exposes the deployment policy the router was built with.
func (r *Router) Policy() config.Policy {
	return r.policy
}

func (r *Router) Name() string {
	return "router"
}

// Capabilities returns the merged surface of every wired backend. The
// conformance statement derived from it reflects exactly what the router
// accepts, so capability negotiation and behavior cannot drift apart.
func (r *Router) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	merged, err := r.primary.Capabilities(ctx)
	if err != nil {
		return capabilities.Capabilities{}, err
	}
	merged.Search = r.searchCaps(ctx)
	return merged, nil
}

// searchCaps merges the native search surfaces of every wired backend.
func (r *Router) searchCaps(ctx context.Context) search.Capabilities {
	merged := search.Capabilities{Parameters: map[string]map[string]search.ParameterDef{}}
	for _, s := range r.searchers {
		caps, err := s.Capabilities(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("backend", s.Name()).Msg("capability probe failed")
			continue
		}
		for resourceType, params := range caps.Search.Parameters {
			if merged.Parameters[resourceType] == nil {
				merged.Parameters[resourceType] = map[string]search.ParameterDef{}
			}
			for name, def := range params {
				merged.Parameters[resourceType][name] = def
			}
		}
		merged.FullText = merged.FullText || caps.Search.FullText
		merged.Chaining = merged.Chaining || caps.Search.Chaining
		merged.Terminology = merged.Terminology || caps.Search.Terminology
		merged.Hierarchy = merged.Hierarchy || caps.Search.Hierarchy
	}
	merged.FullText = merged.FullText || r.text != nil
	merged.Terminology = merged.Terminology || r.terminology != nil
	merged.Hierarchy = merged.Hierarchy || r.graph != nil
	// post-filtering serves chains even when no backend evaluates them
	// natively
	if r.policy.Unsupported == config.PolicyPostFilter {
		merged.Chaining = true
	}
	return merged
}

func (r *Router) Create(ctx context.Context, tc tenant.Context, resource model.Resource) (model.Resource, error) {
	created, err := r.primary.Create(ctx, tc, resource)
	r.record(ctx, tc, audit.ActionCreate, created.Identity(), err, "")
	return created, err
}

func (r *Router) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (model.Resource, error) {
	read, err := r.primary.Read(ctx, tc, resourceType, id)
	r.record(ctx, tc, audit.ActionRead, model.Identity{Type: resourceType, ID: id}, err, "")
	return read, err
}

func (r *Router) VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (model.Resource, error) {
	read, err := r.primary.VRead(ctx, tc, resourceType, id, versionID)
	r.record(ctx, tc, audit.ActionRead, model.Identity{Type: resourceType, ID: id}, err, "version "+versionID)
	return read, err
}

func (r *Router) Update(ctx context.Context, tc tenant.Context, resource model.Resource) (update.Result, error) {
	updated, err := r.primary.Update(ctx, tc, resource)
	r.record(ctx, tc, audit.ActionUpdate, resource.Identity(), err, "")
	return updated, err
}

func (r *Router) UpdateWithMatch(ctx context.Context, tc tenant.Context, resource model.Resource, expectedVersion string) (model.Resource, error) {
	updated, err := r.primary.UpdateWithMatch(ctx, tc, resource, expectedVersion)
	r.record(ctx, tc, audit.ActionUpdate, resource.Identity(), err, "expected version "+expectedVersion)
	return updated, err
}

func (r *Router) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	err := r.primary.Delete(ctx, tc, resourceType, id)
	r.record(ctx, tc, audit.ActionDelete, model.Identity{Type: resourceType, ID: id}, err, "")
	return err
}

func (r *Router) InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, params history.Params) (history.Result, error) {
	return r.primary.InstanceHistory(ctx, tc, resourceType, id, params)
}

func (r *Router) TypeHistory(ctx context.Context, tc tenant.Context, resourceType string, params history.Params) (history.Result, error) {
	return r.primary.TypeHistory(ctx, tc, resourceType, params)
}

func (r *Router) SystemHistory(ctx context.Context, tc tenant.Context, params history.Params) (history.Result, error) {
	return r.primary.SystemHistory(ctx, tc, params)
}

// Export streams out whole resource sets through the bulk backend.
func (r *Router) Export(ctx context.Context, tc tenant.Context, resourceTypes []string, since time.Time, yield func(model.Resource) error) error {
	if r.bulk == nil {
		return &outcome.UnsupportedFeatureError{Feature: "bulk export"}
	}
	return r.bulk.Export(ctx, tc, resourceTypes, since, yield)
}

// record writes an audit event. The trail is best effort: a failing sink is
// logged and the operation outcome is unaffected.
func (r *Router) record(ctx context.Context, tc tenant.Context, action audit.Action, subject model.Identity, opErr error, detail string) {
	if r.sink == nil {
		return
	}
	event := audit.Event{
		TenantID: tc.ID(),
		Action:   action,
		Subject:  subject,
		Detail:   detail,
	}
	if opErr != nil {
		event.Outcome = opErr.Error()
	}
	if err := r.sink.Record(ctx, event); err != nil {
		r.log.Warn().Err(err).
			Str("action", string(action)).
			Str("tenant", tc.ID()).
			Msg("audit record failed")
	}
}

// Package capabilities provides the storage contracts and the capability
// descriptor every backend advertises.
//
// The descriptor is data-driven: routing pattern-matches on declared
// capability values, never on runtime type discovery, so new backends are
// additive. The conformance statement is mechanically derived from the same
// descriptor the query planner checks fragments against — the two can never
// drift apart.
package capabilities

import (
	"slices"

	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
)

// Interaction is one storage interaction a backend can serve.
type Interaction string

const (
	InteractionRead            Interaction = "read"
	InteractionVRead           Interaction = "vread"
	InteractionCreate          Interaction = "create"
	InteractionUpdate          Interaction = "update"
	InteractionPatch           Interaction = "patch"
	InteractionDelete          Interaction = "delete"
	InteractionSearchType      Interaction = "search-type"
	InteractionHistoryInstance Interaction = "history-instance"
	InteractionHistoryType     Interaction = "history-type"
	InteractionHistorySystem   Interaction = "history-system"
	InteractionTransaction     Interaction = "transaction"
	InteractionBatch           Interaction = "batch"
)

// IsolationLevel names the isolation a backend provides across transactions.
// Phantom reads are possible below serializable.
type IsolationLevel string

const (
	IsolationReadCommitted  IsolationLevel = "read-committed"
	IsolationRepeatableRead IsolationLevel = "repeatable-read"
	IsolationSerializable   IsolationLevel = "serializable"
)

// PagingStability declares how a backend pages across a changing dataset.
// Whichever a backend chooses is fixed per backend, never mixed.
type PagingStability string

const (
	// PagingSnapshot returns resources as they were when the first page was
	// served.
	PagingSnapshot PagingStability = "snapshot"
	// PagingCurrent returns resources as they are at the time each page is
	// served.
	PagingCurrent PagingStability = "current"
	// PagingRerun re-runs the query for every page.
	PagingRerun PagingStability = "rerun"
)

// Capabilities is the capability surface a backend advertises: which
// interactions, search parameters, modifiers and isolation levels it
// supports. Query validation and the conformance statement are both derived
// from it.
type Capabilities struct {
	Interactions []Interaction
	Search       search.Capabilities
	Isolation    []IsolationLevel
	// UpdateCreate permits update-as-create: an update of an unknown id
	// creates the resource with the caller-supplied identity.
	UpdateCreate bool
	// MultiMatchDelete permits conditional deletes resolving to more than
	// one resource.
	MultiMatchDelete bool
	// HistoryPurge permits physical removal of a resource's history on
	// explicit request.
	HistoryPurge bool
	Paging       PagingStability
}

// SupportsInteraction reports whether the backend serves the interaction.
// History support implies the narrower scopes: a backend advertising
// system-level history serves type- and instance-level history too.
func (c Capabilities) SupportsInteraction(interaction Interaction) bool {
	if slices.Contains(c.Interactions, interaction) {
		return true
	}
	switch interaction {
	case InteractionHistoryInstance:
		return slices.Contains(c.Interactions, InteractionHistoryType) ||
			slices.Contains(c.Interactions, InteractionHistorySystem)
	case InteractionHistoryType:
		return slices.Contains(c.Interactions, InteractionHistorySystem)
	default:
		return false
	}
}

// isolationRank orders the levels from weakest to strictest.
func isolationRank(level IsolationLevel) int {
	switch level {
	case IsolationReadCommitted:
		return 0
	case IsolationRepeatableRead:
		return 1
	case IsolationSerializable:
		return 2
	default:
		return -1
	}
}

// SupportsIsolation reports whether the backend can serve a transaction at
// the requested isolation level. A stricter advertised level satisfies a
// weaker request: a serializable-only backend serves read-committed
// transactions without degrading them.
func (c Capabilities) SupportsIsolation(level IsolationLevel) bool {
	requested := isolationRank(level)
	if requested < 0 {
		return false
	}
	for _, advertised := range c.Isolation {
		if isolationRank(advertised) >= requested {
			return true
		}
	}
	return false
}

// Statement derives a CapabilityStatement-shaped conformance document from
// the capability descriptor. It is generated mechanically so the advertised
// surface is always exactly the evaluable one.
func Statement(software string, c Capabilities) map[string]any {
	interactions := make([]any, 0, len(c.Interactions))
	for _, interaction := range c.Interactions {
		interactions = append(interactions, map[string]any{"code": string(interaction)})
	}

	resources := make([]any, 0, len(c.Search.Parameters))
	for _, resourceType := range c.Search.ResourceTypes() {
		parameters := c.Search.Parameters[resourceType]
		names := make([]string, 0, len(parameters))
		for name := range parameters {
			names = append(names, name)
		}
		slices.Sort(names)

		searchParams := make([]any, 0, len(names))
		for _, name := range names {
			searchParams = append(searchParams, map[string]any{
				"name": name,
				"type": string(parameters[name].Type),
			})
		}

		resources = append(resources, map[string]any{
			"type":              resourceType,
			"interaction":       interactions,
			"searchParam":       searchParams,
			"updateCreate":      c.UpdateCreate,
			"conditionalCreate": true,
			"conditionalDelete": conditionalDeleteCode(c),
			"versioning":        "versioned",
		})
	}

	return map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"software":     map[string]any{"name": software},
		"fhirVersion":  "4.0.1",
		"format":       []any{"json"},
		"rest": []any{
			map[string]any{
				"mode":     "server",
				"resource": resources,
			},
		},
	}
}

func conditionalDeleteCode(c Capabilities) string {
	if c.MultiMatchDelete {
		return "multiple"
	}
	return "single"
}

// Package model contains the stored resource model shared by all storage
// backends.
//
// Resource bodies are opaque structured documents (decoded JSON objects)
// identified by type and logical identifier. The package makes no assumptions
// about the clinical content beyond the elements the search parameter
// definitions point at.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Resource is one version of a stored resource.
//
// The triple (Type, ID, TenantID) is unique for the current version of a
// resource; historical versions are additionally keyed by VersionID. Resources
// are never mutated in place: every write appends a new immutable version to
// the resource's lineage. A deletion appends a tombstone version with no body.
type Resource struct {
	// Type is the resource type name, e.g. "Patient".
	Type string
	// ID is the logical identifier, unique within type and tenant.
	ID string
	// VersionID identifies this version within the resource's lineage.
	// It is opaque to callers but monotonically distinguishable.
	VersionID string
	// LastUpdated is the instant this version was written.
	LastUpdated time.Time
	// TenantID is the owning tenant. Empty means the shared system tenant.
	TenantID string
	// Deleted marks a tombstone version. Tombstones carry no body.
	Deleted bool
	// Body is the opaque structured document.
	Body map[string]any
}

// Identity is the (type, logical id) pair naming a resource independent of
// version.
type Identity struct {
	Type string
	ID   string
}

func (i Identity) String() string {
	return i.Type + "/" + i.ID
}

// Identity returns the resource's identity.
func (r Resource) Identity() Identity {
	return Identity{Type: r.Type, ID: r.ID}
}

// ResourceType returns the resource type name.
func (r Resource) ResourceType() string {
	return r.Type
}

// ResourceId returns the logical id and whether one is assigned.
func (r Resource) ResourceId() (string, bool) {
	return r.ID, r.ID != ""
}

// Clone returns a deep copy of the resource. The body is copied via a JSON
// round trip so callers can never alias stored state.
func (r Resource) Clone() Resource {
	c := r
	c.Body = CloneBody(r.Body)
	return c
}

// CloneBody deep-copies a resource body.
func CloneBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// CompareVersions orders two version identifiers of the same lineage.
// Numeric identifiers compare numerically, anything else lexicographically.
func CompareVersions(a, b string) int {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// Elements returns all values at the given dotted element path within the
// body, flattening repeating elements. A path step into a collection visits
// every entry, so a test against the result is a "some value matches" test.
// Nil values (JSON null placeholders for primitives that only carry
// extensions) are dropped.
func (r Resource) Elements(path string) []any {
	if r.Body == nil {
		return nil
	}
	return ElementsOf(map[string]any(r.Body), path)
}

// ElementsOf is [Resource.Elements] starting at an arbitrary element node.
// It is used to test composite components against the same instance of a
// repeating structure.
func ElementsOf(node any, path string) []any {
	if node == nil || path == "" {
		return nil
	}
	nodes := []any{node}
	for _, step := range strings.Split(path, ".") {
		var next []any
		for _, n := range nodes {
			next = append(next, childValues(n, step)...)
		}
		nodes = next
		if len(nodes) == 0 {
			return nil
		}
	}
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func childValues(node any, name string) []any {
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[name]
		if !ok {
			return nil
		}
		if list, ok := child.([]any); ok {
			return list
		}
		return []any{child}
	case []any:
		var out []any
		for _, entry := range v {
			out = append(out, childValues(entry, name)...)
		}
		return out
	default:
		return nil
	}
}

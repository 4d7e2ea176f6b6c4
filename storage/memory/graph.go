package memory

import (
	"context"
	"strings"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/model"
)

var _ capabilities.GraphCapable = (*Graph)(nil)

// Graph walks part-of style reference hierarchies over a resource source.
// Organizations under organizations, locations under locations: the closure
// of "partOf" references drives the reference :above and :below modifiers.
type Graph struct {
	source search.Source
	// parentPaths maps a resource type to the element path of its parent
	// reference, e.g. "Organization" -> "partOf.reference".
	parentPaths map[string]string
	maxDepth    int
}

// NewGraph creates a hierarchy walker. A maxDepth of zero means a default
// bound of 16 hops, cycles are always cut off.
func NewGraph(source search.Source, parentPaths map[string]string, maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = 16
	}
	return &Graph{source: source, parentPaths: parentPaths, maxDepth: maxDepth}
}

func (g *Graph) Name() string {
	return "memory-graph"
}

func (g *Graph) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	return capabilities.Capabilities{
		Search: search.Capabilities{Hierarchy: true},
	}, nil
}

// Ancestors returns the ids reachable by following parent references
// upward, nearest first. The resource itself is not included.
func (g *Graph) Ancestors(ctx context.Context, resourceType, id string) ([]string, error) {
	path, ok := g.parentPaths[resourceType]
	if !ok {
		return nil, nil
	}

	var ancestors []string
	seen := map[string]bool{id: true}
	current := id
	for depth := 0; depth < g.maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, found, err := g.source.Resolve(ctx, resourceType, current)
		if !found || err != nil {
			return ancestors, err
		}
		parent := referencedID(r, path, resourceType)
		if parent == "" || seen[parent] {
			return ancestors, nil
		}
		seen[parent] = true
		ancestors = append(ancestors, parent)
		current = parent
	}
	return ancestors, nil
}

// Descendants returns all ids whose parent chain leads to the given
// resource, breadth first. The resource itself is not included.
func (g *Graph) Descendants(ctx context.Context, resourceType, id string) ([]string, error) {
	path, ok := g.parentPaths[resourceType]
	if !ok {
		return nil, nil
	}
	all, err := g.source.List(ctx, resourceType)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]string, len(all))
	for _, r := range all {
		if parent := referencedID(r, path, resourceType); parent != "" {
			children[parent] = append(children[parent], r.ID)
		}
	}

	var descendants []string
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for depth := 0; depth < g.maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, parent := range frontier {
			for _, child := range children[parent] {
				if seen[child] {
					continue
				}
				seen[child] = true
				descendants = append(descendants, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return descendants, nil
}

// referencedID extracts the local id of a reference element, accepting both
// "Type/id" and bare "id" forms.
func referencedID(r model.Resource, path, resourceType string) string {
	for _, element := range r.Elements(path) {
		ref, ok := element.(string)
		if !ok || ref == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(ref, resourceType+"/"); ok {
			return rest
		}
		if !strings.Contains(ref, "/") && !strings.Contains(ref, ":") {
			return ref
		}
	}
	return ""
}

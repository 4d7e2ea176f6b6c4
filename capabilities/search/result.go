package search

import (
	"slices"
	"strings"
	"time"

	"github.com/DAMEDIC/fhir-store-go/model"
)

// Result contains the outcome of a search operation: matched resources,
// resources pulled in by include directives, pagination state and enough
// metadata for the caller to tell applied constraints from ignored ones.
type Result struct {
	Resources []model.Resource
	Included  []model.Resource
	Next      Cursor
	// Total is only set when the query requested an accurate total.
	Total *int
	// Applied lists the parameters that were actually applied.
	Applied []ParameterKey
	// Ignored lists parameters dropped by policy. Nothing is ever dropped
	// silently.
	Ignored []ParameterKey
	// Warnings disclose explicit degradations, e.g. post-filtered fragments
	// or truncated recursive includes.
	Warnings []string
}

// SortResources stable-sorts resources by the query's sort keys. Sorting
// applies after all filtering. Unresolvable keys order last.
func SortResources(resources []model.Resource, sort []SortKey, caps Capabilities) {
	if len(sort) == 0 {
		return
	}
	slices.SortStableFunc(resources, func(a, b model.Resource) int {
		for _, key := range sort {
			cmp := compareSortKey(a, b, key, caps)
			if cmp != 0 {
				return cmp
			}
		}
		return 0
	})
}

func compareSortKey(a, b model.Resource, key SortKey, caps Capabilities) int {
	av, aok := sortValue(a, key.Param, caps)
	bv, bok := sortValue(b, key.Param, caps)
	var cmp int
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1
	case !bok:
		return -1
	default:
		cmp = strings.Compare(av, bv)
	}
	if key.Descending {
		return -cmp
	}
	return cmp
}

// sortValue extracts a canonical, ordering-safe string for a sort key.
// Dates are normalized to RFC 3339 so lexicographic order is chronological.
func sortValue(r model.Resource, param string, caps Capabilities) (string, bool) {
	def, ok := caps.Parameter(r.Type, param)
	if !ok {
		return "", false
	}
	elements := r.Elements(def.Expression)
	if len(elements) == 0 {
		return "", false
	}
	switch def.Type {
	case TypeDate:
		if s, ok := elements[0].(string); ok {
			if parsed, precision, err := ParseDate(s, time.UTC); err == nil {
				start, _ := Date{Value: parsed, Precision: precision}.Range()
				return start.UTC().Format(time.RFC3339Nano), true
			}
		}
		return "", false
	default:
		leaves := stringLeaves(elements[0])
		if len(leaves) == 0 {
			return elementString(elements[0]), elementString(elements[0]) != ""
		}
		return strings.ToLower(leaves[0]), true
	}
}

// mandatoryElements are always retained by result shaping.
var mandatoryElements = []string{"resourceType", "id", "meta"}

// Shape applies the query's _summary/_elements directives to a resource
// body. Shaping applies after all filtering and never drops mandatory
// elements.
func Shape(q Query, r model.Resource) model.Resource {
	switch {
	case q.Summary == SummaryText:
		return retain(r, []string{"text"})
	case q.Summary == SummaryData:
		shaped := r.Clone()
		delete(shaped.Body, "text")
		return shaped
	case len(q.Elements) > 0:
		return retain(r, q.Elements)
	default:
		return r
	}
}

func retain(r model.Resource, elements []string) model.Resource {
	shaped := r.Clone()
	keep := make(map[string]struct{}, len(elements)+len(mandatoryElements))
	for _, e := range elements {
		name, _, _ := strings.Cut(e, ".")
		keep[name] = struct{}{}
	}
	for _, e := range mandatoryElements {
		keep[e] = struct{}{}
	}
	for key := range shaped.Body {
		if _, ok := keep[key]; !ok {
			delete(shaped.Body, key)
		}
	}
	return shaped
}

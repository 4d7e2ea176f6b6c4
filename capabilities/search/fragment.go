package search

import (
	"fmt"

	"github.com/DAMEDIC/fhir-store-go/outcome"
)

// Cost estimates how well a backend can evaluate a fragment. Routing picks
// the lowest-cost capable backend per fragment class.
type Cost int

const (
	// CostOptimal means the backend serves the fragment from an index.
	CostOptimal Cost = iota
	// CostAcceptable means the backend evaluates the fragment natively.
	CostAcceptable
	// CostExpensive means the backend evaluates the fragment with a scan or
	// a join it is not optimized for.
	CostExpensive
	// CostRequiresExpansion means terminology must be pre-expanded before
	// the backend can evaluate the fragment.
	CostRequiresExpansion
	// CostUnsupported means the backend cannot evaluate the fragment at all.
	CostUnsupported
)

func (c Cost) String() string {
	switch c {
	case CostOptimal:
		return "optimal"
	case CostAcceptable:
		return "acceptable"
	case CostExpensive:
		return "expensive"
	case CostRequiresExpansion:
		return "requires-expansion"
	default:
		return "unsupported"
	}
}

// FragmentClass groups fragments by the backend kind best suited to evaluate
// them.
type FragmentClass string

const (
	// FragmentBasic covers plain value matching on the primary or search
	// store.
	FragmentBasic FragmentClass = "basic"
	// FragmentFullText covers free-text matching (:text, :text-advanced,
	// string :contains).
	FragmentFullText FragmentClass = "full-text"
	// FragmentTerminology covers code subsumption and value set membership
	// (token :above/:below/:in/:not-in).
	FragmentTerminology FragmentClass = "terminology"
	// FragmentHierarchy covers reference hierarchies (reference
	// :above/:below).
	FragmentHierarchy FragmentClass = "hierarchy"
	// FragmentChain covers chained and reverse-chained parameters.
	FragmentChain FragmentClass = "chain"
	// FragmentComposite covers composite object-level joins.
	FragmentComposite FragmentClass = "composite"
)

// Fragment is one self-describing, backend-aware compiled search constraint.
type Fragment struct {
	Condition Condition
	Class     FragmentClass
}

// Fragments compiles every condition of the query into a classified
// fragment.
func Fragments(q Query) []Fragment {
	fragments := make([]Fragment, 0, len(q.Conditions))
	for _, c := range q.Conditions {
		fragments = append(fragments, Fragment{Condition: c, Class: classify(c)})
	}
	return fragments
}

func classify(c Condition) FragmentClass {
	if c.Chained() {
		return FragmentChain
	}
	switch c.Def.Type {
	case TypeComposite:
		return FragmentComposite
	case TypeToken:
		switch c.Key.Modifier {
		case ModifierAbove, ModifierBelow, ModifierIn, ModifierNotIn:
			return FragmentTerminology
		case ModifierText, ModifierTextAdvanced, ModifierCodeText:
			return FragmentFullText
		}
	case TypeReference:
		switch c.Key.Modifier {
		case ModifierAbove, ModifierBelow:
			return FragmentHierarchy
		}
	case TypeString:
		switch c.Key.Modifier {
		case ModifierContains, ModifierText:
			return FragmentFullText
		}
	}
	return FragmentBasic
}

// EvaluableBy reports whether the backend described by caps can evaluate the
// fragment natively, without terminology pre-expansion.
func (f Fragment) EvaluableBy(caps Capabilities) bool {
	return f.CostFor(caps) < CostRequiresExpansion
}

// CostFor estimates the cost of evaluating the fragment on the backend
// described by caps.
func (f Fragment) CostFor(caps Capabilities) Cost {
	c := f.Condition

	// every hop and the final parameter must be known to this backend; hops
	// were resolved during parsing against a possibly wider surface
	if _, ok := caps.Parameter(c.On, c.Key.Name); !ok {
		return CostUnsupported
	}
	on := c.Root
	for _, hop := range c.Chain {
		if _, ok := caps.Parameter(on, hop.Param); !ok {
			return CostUnsupported
		}
		on = hop.TargetType
	}
	for _, hop := range c.Reverse {
		if _, ok := caps.Parameter(hop.SourceType, hop.RefParam); !ok {
			return CostUnsupported
		}
	}

	switch f.Class {
	case FragmentChain:
		if !caps.Chaining {
			return CostUnsupported
		}
		return CostExpensive
	case FragmentFullText:
		if !caps.FullText {
			return CostUnsupported
		}
		return CostAcceptable
	case FragmentTerminology:
		if !caps.Terminology {
			return CostRequiresExpansion
		}
		return CostAcceptable
	case FragmentHierarchy:
		if !caps.Hierarchy {
			return CostUnsupported
		}
		return CostExpensive
	case FragmentComposite:
		return CostExpensive
	default:
		if c.Key.Name == "_id" {
			return CostOptimal
		}
		return CostAcceptable
	}
}

// Native is a fragment rendered into a backend's native query representation.
type Native struct {
	Expr string
	Args []any
}

// Dialect renders fragments into a backend's native query representation.
// Backends that evaluate fragments by post-filtering do not implement it.
type Dialect interface {
	// RenderFragment returns the native representation of the fragment, or
	// an error if the backend cannot express it.
	RenderFragment(resourceType string, f Fragment) (Native, error)
}

// Render renders the fragment through the given dialect.
func (f Fragment) Render(resourceType string, d Dialect) (Native, error) {
	return d.RenderFragment(resourceType, f)
}

// Validate walks every fragment of the query and rejects, before any
// execution, every fragment the backend cannot evaluate. Failing up front
// rather than mid-execution guarantees a query is never partially applied.
func Validate(q Query, caps Capabilities) error {
	for _, f := range Fragments(q) {
		if !f.EvaluableBy(caps) {
			return &outcome.UnsupportedFeatureError{
				Feature:    fmt.Sprintf("search parameter %s (%s)", f.Condition.String(), f.Class),
				Suggestion: suggestionFor(f.Class),
			}
		}
	}
	return nil
}

func suggestionFor(class FragmentClass) string {
	switch class {
	case FragmentFullText:
		return "configure a text index backend"
	case FragmentTerminology:
		return "configure a terminology backend"
	case FragmentHierarchy, FragmentChain:
		return "configure a graph-capable backend"
	default:
		return ""
	}
}

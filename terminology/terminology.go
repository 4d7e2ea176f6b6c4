// Package terminology provides an in-memory terminology service backing the
// hierarchical token modifiers (:above, :below) and value set membership
// (:in, :not-in).
//
// Subsumption is the transitive closure of the parent relation of a code
// system. The walk is breadth-first with a visited set, so concept graphs
// with cycles terminate; there is no depth limit for codes.
package terminology

import (
	"context"
	"sync"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/outcome"
)

// Service is a thread-safe in-memory terminology backend. The zero value is
// not usable, use [NewService].
type Service struct {
	mu sync.RWMutex
	// parents maps system -> code -> direct parent codes
	parents   map[string]map[string][]string
	valueSets map[string][]search.Coding
}

func NewService() *Service {
	return &Service{
		parents:   make(map[string]map[string][]string),
		valueSets: make(map[string][]search.Coding),
	}
}

func (s *Service) Name() string {
	return "terminology"
}

func (s *Service) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	return capabilities.Capabilities{
		Search: search.Capabilities{Terminology: true},
	}, nil
}

// AddConcept registers a code and its direct parents within a code system.
func (s *Service) AddConcept(system, code string, parents ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parents[system] == nil {
		s.parents[system] = make(map[string][]string)
	}
	s.parents[system][code] = append(s.parents[system][code], parents...)
}

// DefineValueSet registers an expandable value set under its canonical URL.
func (s *Service) DefineValueSet(url string, codings ...search.Coding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valueSets[url] = append(s.valueSets[url], codings...)
}

// Subsumes reports whether ancestor subsumes descendant within the given
// system. A code subsumes itself.
func (s *Service) Subsumes(ctx context.Context, system, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	concepts, ok := s.parents[system]
	if !ok {
		return false, nil
	}

	visited := map[string]struct{}{descendant: {}}
	queue := []string{descendant}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		code := queue[0]
		queue = queue[1:]
		for _, parent := range concepts[code] {
			if parent == ancestor {
				return true, nil
			}
			if _, seen := visited[parent]; seen {
				continue
			}
			visited[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}
	return false, nil
}

// Expand returns the codes of a value set.
func (s *Service) Expand(ctx context.Context, valueSet string) ([]search.Coding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codings, ok := s.valueSets[valueSet]
	if !ok {
		return nil, &outcome.NotFoundError{ResourceType: "ValueSet", ID: valueSet}
	}
	out := make([]search.Coding, len(codings))
	copy(out, codings)
	return out, nil
}

// Descendants returns every code subsumed by the given code, excluding the
// code itself.
func (s *Service) Descendants(ctx context.Context, system, code string) ([]search.Coding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	concepts, ok := s.parents[system]
	if !ok {
		return nil, nil
	}

	// child index is derived on demand, concept sets are small enough
	children := make(map[string][]string, len(concepts))
	for child, parents := range concepts {
		for _, parent := range parents {
			children[parent] = append(children[parent], child)
		}
	}

	var out []search.Coding
	visited := map[string]struct{}{code: {}}
	queue := []string{code}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			out = append(out, search.Coding{System: system, Code: child})
			queue = append(queue, child)
		}
	}
	return out, nil
}

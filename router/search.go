package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/DAMEDIC/fhir-store-go/audit"
	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/config"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

// Search routes a query across the wired backends.
//
// One search backend executes the fragments it can evaluate natively; the
// remaining fragments are either rejected or post-filtered over the narrowed
// candidate set, depending on policy. Full-text fragments prefer the text
// backend's index when one is wired. Includes are always resolved by the
// router, against the matched page only.
func (r *Router) Search(ctx context.Context, tc tenant.Context, q search.Query) (search.Result, error) {
	result, err := r.search(ctx, tc, q)
	r.record(ctx, tc, audit.ActionSearch, model.Identity{}, err,
		q.ResourceType+"?"+search.BuildQuery(q))
	return result, err
}

func (r *Router) search(ctx context.Context, tc tenant.Context, q search.Query) (search.Result, error) {
	if len(r.searchers) == 0 {
		return search.Result{}, &outcome.UnsupportedFeatureError{Feature: "search"}
	}

	merged := r.searchCaps(ctx)
	if err := search.Validate(q, merged); err != nil {
		return search.Result{}, err
	}

	backend, backendCaps, err := r.pickBackend(ctx, q)
	if err != nil {
		return search.Result{}, err
	}

	var native, residual []search.Condition
	for _, f := range search.Fragments(q) {
		if f.EvaluableBy(backendCaps) {
			native = append(native, f.Condition)
			continue
		}
		if r.policy.Unsupported == config.PolicyReject {
			return search.Result{}, &outcome.UnsupportedFeatureError{
				Feature:    fmt.Sprintf("search parameter %s on backend %s", f.Condition.String(), backend.Name()),
				Suggestion: "relax the query or enable post-filtering",
			}
		}
		residual = append(residual, f.Condition)
	}

	countOnly := q.Summary == search.SummaryCount

	var result search.Result
	if len(residual) == 0 && !countOnly {
		result, err = backend.Search(ctx, tc, q)
		if err != nil {
			return search.Result{}, err
		}
	} else {
		result, err = r.postFilter(ctx, tc, q, backend, native, residual, merged)
		if err != nil {
			return search.Result{}, err
		}
	}

	if countOnly {
		total := len(result.Resources)
		if result.Total != nil {
			total = *result.Total
		}
		return search.Result{Total: &total, Applied: result.Applied, Ignored: result.Ignored, Warnings: result.Warnings}, nil
	}

	if err := r.resolveIncludes(ctx, tc, q, merged, &result); err != nil {
		return search.Result{}, err
	}
	return result, nil
}

// pickBackend selects the search backend with the widest native coverage of
// the query, breaking ties on total fragment cost.
func (r *Router) pickBackend(ctx context.Context, q search.Query) (capabilities.SearchCapable, search.Capabilities, error) {
	fragments := search.Fragments(q)

	var best capabilities.SearchCapable
	var bestCaps search.Capabilities
	bestCovered, bestCost := -1, 0

	for _, candidate := range r.searchers {
		caps, err := candidate.Capabilities(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("backend", candidate.Name()).Msg("capability probe failed")
			continue
		}
		covered, cost := 0, 0
		for _, f := range fragments {
			c := f.CostFor(caps.Search)
			if c == search.CostUnsupported {
				continue
			}
			covered++
			cost += int(c)
		}
		if covered > bestCovered || (covered == bestCovered && cost < bestCost) {
			best, bestCaps, bestCovered, bestCost = candidate, caps.Search, covered, cost
		}
	}
	if best == nil {
		return nil, search.Capabilities{}, &outcome.UnsupportedFeatureError{Feature: "search"}
	}
	return best, bestCaps, nil
}

// postFilter executes the native conditions on the backend without paging,
// evaluates the residual conditions in memory and pages the final sequence
// under the router's own cursor.
func (r *Router) postFilter(
	ctx context.Context,
	tc tenant.Context,
	q search.Query,
	backend capabilities.SearchCapable,
	native, residual []search.Condition,
	merged search.Capabilities,
) (search.Result, error) {
	offset := 0
	if q.Cursor != "" {
		payload, err := search.DecodeCursor(q.Cursor, r.Name(), q.Shape())
		if err != nil {
			return search.Result{}, err
		}
		offset, err = strconv.Atoi(string(payload))
		if err != nil || offset < 0 {
			return search.Result{}, &outcome.ValidationError{Detail: "malformed cursor"}
		}
	}

	// the narrowing query carries no paging or shaping: residual conditions
	// need full bodies, and the router pages the filtered sequence itself
	narrowed := q
	narrowed.Conditions = native
	narrowed.Cursor = ""
	narrowed.Count = 0
	narrowed.Summary = search.SummaryNone
	narrowed.Elements = nil
	narrowed.Total = false
	narrowed.Sort = nil

	broad, err := backend.Search(ctx, tc, narrowed)
	if err != nil {
		return search.Result{}, err
	}

	evaluator := &search.Evaluator{
		Caps:            merged,
		Terminology:     r.terminology,
		Hierarchy:       r.graph,
		Source:          r.primary.Source(tc),
		ApproxTolerance: r.policy.ApproxTolerance,
	}

	matched := make([]model.Resource, 0, len(broad.Resources))
	for _, resource := range broad.Resources {
		keep := true
		for _, c := range residual {
			ok, err := r.matchResidual(ctx, tc, evaluator, resource, c)
			if err != nil {
				return search.Result{}, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			matched = append(matched, resource)
		}
	}

	search.SortResources(matched, q.Sort, merged)

	result := search.Result{Applied: q.Keys(), Ignored: q.Ignored}
	for _, c := range residual {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("parameter %s was post-filtered, not served natively", c.String()))
	}
	if q.Total || q.Summary == search.SummaryCount {
		total := len(matched)
		result.Total = &total
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	page := matched[offset:]
	if q.Count > 0 && len(page) > q.Count {
		page = page[:q.Count]
		next := strconv.Itoa(offset + q.Count)
		result.Next = search.EncodeCursor(r.Name(), q.Shape(), []byte(next))
	}

	result.Resources = make([]model.Resource, 0, len(page))
	for _, resource := range page {
		result.Resources = append(result.Resources, search.Shape(q, resource))
	}
	return result, nil
}

// matchResidual evaluates one post-filtered condition, preferring the text
// index for full-text fragments when a text backend is wired.
func (r *Router) matchResidual(ctx context.Context, tc tenant.Context, evaluator *search.Evaluator, resource model.Resource, c search.Condition) (bool, error) {
	if r.text != nil && !c.Chained() && classifiesFullText(c) {
		return r.matchText(ctx, tc, resource, c)
	}
	return evaluator.MatchesCondition(ctx, resource, c)
}

func classifiesFullText(c search.Condition) bool {
	switch c.Def.Type {
	case search.TypeString:
		return c.Key.Modifier == search.ModifierContains || c.Key.Modifier == search.ModifierText
	case search.TypeToken:
		switch c.Key.Modifier {
		case search.ModifierText, search.ModifierTextAdvanced, search.ModifierCodeText:
			return true
		}
	}
	return false
}

// matchText resolves a full-text condition through the text backend's index.
func (r *Router) matchText(ctx context.Context, tc tenant.Context, resource model.Resource, c search.Condition) (bool, error) {
	for _, group := range c.Values {
		groupMatched := false
		for _, v := range group {
			identities, err := r.text.SearchText(ctx, tc, resource.Type, textQuery(v))
			if err != nil {
				return false, err
			}
			for _, identity := range identities {
				if identity == resource.Identity() {
					groupMatched = true
					break
				}
			}
			if groupMatched {
				break
			}
		}
		if !groupMatched {
			return false, nil
		}
	}
	return true, nil
}

func textQuery(v search.Value) string {
	switch v := v.(type) {
	case search.String:
		return string(v)
	case search.Token:
		return v.Code
	default:
		return v.String()
	}
}

// resolveIncludes pulls referenced and referencing resources into the result
// page. Only the matched page seeds resolution; recursive :iterate includes
// are depth-bounded and truncation is disclosed.
func (r *Router) resolveIncludes(ctx context.Context, tc tenant.Context, q search.Query, caps search.Capabilities, result *search.Result) error {
	if len(q.Includes) == 0 && len(q.RevIncludes) == 0 {
		return nil
	}

	source := r.primary.Source(tc)
	seen := make(map[model.Identity]bool, len(result.Resources))
	for _, resource := range result.Resources {
		seen[resource.Identity()] = true
	}

	frontier := result.Resources
	depth := r.policy.IncludeDepth
	if depth <= 0 {
		depth = 1
	}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var added []model.Resource
		for _, include := range q.Includes {
			if level > 0 && !include.Iterate {
				continue
			}
			more, err := r.include(ctx, source, caps, include, frontier, seen)
			if err != nil {
				return err
			}
			added = append(added, more...)
		}
		for _, include := range q.RevIncludes {
			if level > 0 && !include.Iterate {
				continue
			}
			more, err := r.revInclude(ctx, source, caps, include, frontier, seen)
			if err != nil {
				return err
			}
			added = append(added, more...)
		}

		result.Included = append(result.Included, added...)
		frontier = added

		if level == depth-1 && len(added) > 0 && anyIterates(q) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("recursive includes truncated at depth %d", depth))
		}
	}
	return nil
}

func anyIterates(q search.Query) bool {
	for _, include := range q.Includes {
		if include.Iterate {
			return true
		}
	}
	for _, include := range q.RevIncludes {
		if include.Iterate {
			return true
		}
	}
	return false
}

// include follows forward reference parameters out of the frontier.
func (r *Router) include(ctx context.Context, source search.Source, caps search.Capabilities, include search.Include, frontier []model.Resource, seen map[model.Identity]bool) ([]model.Resource, error) {
	var out []model.Resource
	for _, resource := range frontier {
		if include.SourceType != "*" && resource.Type != include.SourceType {
			continue
		}
		for _, def := range includeParams(caps, resource.Type, include.Param) {
			for _, element := range resource.Elements(def.Expression) {
				identity, ok := referenceIdentity(element, def.Targets)
				if !ok {
					continue
				}
				if include.TargetType != "" && identity.Type != include.TargetType {
					continue
				}
				if seen[identity] {
					continue
				}
				target, found, err := source.Resolve(ctx, identity.Type, identity.ID)
				if err != nil {
					return nil, err
				}
				if !found {
					continue
				}
				seen[identity] = true
				out = append(out, target)
			}
		}
	}
	return out, nil
}

// revInclude pulls in resources of another type referencing the frontier.
func (r *Router) revInclude(ctx context.Context, source search.Source, caps search.Capabilities, include search.Include, frontier []model.Resource, seen map[model.Identity]bool) ([]model.Resource, error) {
	def, ok := caps.Parameter(include.SourceType, include.Param)
	if !ok || def.Type != search.TypeReference {
		return nil, &outcome.ValidationError{
			Detail: fmt.Sprintf("unknown reference parameter %s on %s", include.Param, include.SourceType),
		}
	}

	frontierIDs := make(map[model.Identity]bool, len(frontier))
	for _, resource := range frontier {
		frontierIDs[resource.Identity()] = true
	}

	candidates, err := source.List(ctx, include.SourceType)
	if err != nil {
		return nil, err
	}

	var out []model.Resource
	for _, candidate := range candidates {
		if seen[candidate.Identity()] {
			continue
		}
		for _, element := range candidate.Elements(def.Expression) {
			identity, ok := referenceIdentity(element, def.Targets)
			if !ok || !frontierIDs[identity] {
				continue
			}
			seen[candidate.Identity()] = true
			out = append(out, candidate)
			break
		}
	}
	return out, nil
}

// includeParams resolves an include parameter name, expanding "*" to every
// reference parameter of the source type.
func includeParams(caps search.Capabilities, resourceType, param string) []search.ParameterDef {
	if param != "*" {
		def, ok := caps.Parameter(resourceType, param)
		if !ok || def.Type != search.TypeReference {
			return nil
		}
		return []search.ParameterDef{def}
	}
	var defs []search.ParameterDef
	for _, def := range caps.Parameters[resourceType] {
		if def.Type == search.TypeReference {
			defs = append(defs, def)
		}
	}
	return defs
}

// referenceIdentity extracts the local identity a reference element points
// at. Bare ids are only resolvable with a single declared target type.
func referenceIdentity(element any, targets []string) (model.Identity, bool) {
	var ref string
	switch e := element.(type) {
	case string:
		ref = e
	case map[string]any:
		ref, _ = e["reference"].(string)
	}
	if ref == "" || strings.Contains(ref, "://") {
		return model.Identity{}, false
	}

	parts := strings.Split(ref, "/")
	switch len(parts) {
	case 1:
		if len(targets) == 1 {
			return model.Identity{Type: targets[0], ID: parts[0]}, true
		}
		return model.Identity{}, false
	case 2:
		return model.Identity{Type: parts[0], ID: parts[1]}, true
	case 4:
		// Type/id/_history/version points at a version; include the current
		if parts[2] == "_history" {
			return model.Identity{Type: parts[0], ID: parts[1]}, true
		}
	}
	return model.Identity{}, false
}

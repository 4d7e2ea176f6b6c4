package search

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/cockroachdb/apd/v3"
)

// Coding is a (system, code) pair used by terminology operations.
type Coding struct {
	System string
	Code   string
}

// Terminology resolves code subsumption and value set membership for
// :above/:below/:in/:not-in token matching. Code subsumption has no depth
// limit.
type Terminology interface {
	// Subsumes reports whether ancestor subsumes descendant within the given
	// code system. A code subsumes itself.
	Subsumes(ctx context.Context, system, ancestor, descendant string) (bool, error)
	// Expand returns the codes of a value set.
	Expand(ctx context.Context, valueSet string) ([]Coding, error)
}

// Hierarchy walks reference hierarchies for reference :above/:below.
// Implementations expose their own recursion bound.
type Hierarchy interface {
	Ancestors(ctx context.Context, resourceType, id string) ([]string, error)
	Descendants(ctx context.Context, resourceType, id string) ([]string, error)
}

// Source resolves resources during chain evaluation. Implementations are
// tenant-scoped: a source never yields resources of another tenant.
type Source interface {
	Resolve(ctx context.Context, resourceType, id string) (model.Resource, bool, error)
	List(ctx context.Context, resourceType string) ([]model.Resource, error)
}

// DefaultApproxTolerance is the tolerance of the ap prefix as a fraction of
// the search value or period span.
const DefaultApproxTolerance = 0.1

// Evaluator implements the exact matching semantics of the search parameter
// model against stored resources. Backends without native evaluation for a
// fragment use it to post-filter.
type Evaluator struct {
	Caps        Capabilities
	Terminology Terminology
	Hierarchy   Hierarchy
	Source      Source
	// Timezone for parsing element date values without offsets.
	Timezone *time.Location
	// ApproxTolerance overrides DefaultApproxTolerance when > 0.
	ApproxTolerance float64
}

// Matches reports whether the resource satisfies every condition of the
// query: distinct parameters AND, comma-separated values within one
// parameter OR.
func (e *Evaluator) Matches(ctx context.Context, r model.Resource, q Query) (bool, error) {
	for _, c := range q.Conditions {
		ok, err := e.MatchesCondition(ctx, r, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MatchesCondition reports whether the resource satisfies one condition,
// following chain hops as needed. Each hop is evaluated independently.
func (e *Evaluator) MatchesCondition(ctx context.Context, r model.Resource, c Condition) (bool, error) {
	if len(c.Reverse) > 0 {
		return e.matchReverse(ctx, r, c, 0)
	}
	if len(c.Chain) > 0 {
		return e.matchChain(ctx, r, c, 0)
	}
	return e.matchLeaf(ctx, r, c)
}

func (e *Evaluator) matchReverse(ctx context.Context, r model.Resource, c Condition, hop int) (bool, error) {
	if hop == len(c.Reverse) {
		if len(c.Chain) > 0 {
			return e.matchChain(ctx, r, c, 0)
		}
		return e.matchLeaf(ctx, r, c)
	}
	if e.Source == nil {
		return false, &outcome.UnsupportedFeatureError{Feature: "reverse chaining", Suggestion: "configure a resource source"}
	}
	h := c.Reverse[hop]
	candidates, err := e.Source.List(ctx, h.SourceType)
	if err != nil {
		return false, err
	}
	refDef, _ := e.Caps.Parameter(h.SourceType, h.RefParam)
	for _, candidate := range candidates {
		if !referencesResource(candidate, refDef.Expression, r) {
			continue
		}
		ok, err := e.matchReverse(ctx, candidate, c, hop+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) matchChain(ctx context.Context, r model.Resource, c Condition, hop int) (bool, error) {
	if hop == len(c.Chain) {
		return e.matchLeaf(ctx, r, c)
	}
	if e.Source == nil {
		return false, &outcome.UnsupportedFeatureError{Feature: "chaining", Suggestion: "configure a resource source"}
	}
	h := c.Chain[hop]
	on := c.Root
	if hop > 0 {
		on = c.Chain[hop-1].TargetType
	}
	def, _ := e.Caps.Parameter(on, h.Param)
	for _, element := range model.ElementsOf(any(map[string]any(r.Body)), def.Expression) {
		refType, refID, ok := localReference(element)
		if !ok {
			continue
		}
		if refType != "" && refType != h.TargetType {
			continue
		}
		target, found, err := e.Source.Resolve(ctx, h.TargetType, refID)
		if err != nil {
			return false, err
		}
		if !found || target.Deleted {
			continue
		}
		ok, err = e.matchChain(ctx, target, c, hop+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// referencesResource reports whether any reference element at the given path
// points at the resource.
func referencesResource(r model.Resource, expression string, target model.Resource) bool {
	for _, element := range r.Elements(expression) {
		refType, refID, ok := localReference(element)
		if !ok {
			continue
		}
		if refID == target.ID && (refType == "" || refType == target.Type) {
			return true
		}
	}
	return false
}

// localReference extracts (type, id) from a reference element. The type is
// empty for bare ids and non-local URLs.
func localReference(element any) (string, string, bool) {
	var ref string
	switch v := element.(type) {
	case string:
		ref = v
	case map[string]any:
		s, _ := v["reference"].(string)
		ref = s
	}
	if ref == "" {
		return "", "", false
	}
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		return "", "", false
	}
	parts := strings.Split(ref, "/")
	switch len(parts) {
	case 1:
		return "", parts[0], true
	case 2, 4:
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func (e *Evaluator) matchLeaf(ctx context.Context, r model.Resource, c Condition) (bool, error) {
	elements := r.Elements(c.Def.Expression)

	// every OR group must match (AND), any value within a group suffices
	for _, matchAny := range c.Values {
		ok, err := e.matchGroup(ctx, r, c, elements, matchAny)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) matchGroup(ctx context.Context, r model.Resource, c Condition, elements []any, matchAny MatchAny) (bool, error) {
	// :missing=true matches resources lacking the element, including those
	// where only an extension and no value is present (nulls are dropped
	// during traversal)
	if c.Key.Modifier == ModifierMissing {
		for _, v := range matchAny {
			missing, ok := v.(Missing)
			if !ok {
				return false, &outcome.ValidationError{Detail: "non-boolean :missing value"}
			}
			if bool(missing) == (len(elements) == 0) {
				return true, nil
			}
		}
		return false, nil
	}

	// :not matches when no element value matches any of the OR values
	if c.Key.Modifier == ModifierNot || c.Key.Modifier == ModifierNotIn {
		matched, err := e.anyElementMatches(ctx, r, c, elements, matchAny)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}

	return e.anyElementMatches(ctx, r, c, elements, matchAny)
}

// anyElementMatches is the "some value in the collection matches" test a
// repeating element requires.
func (e *Evaluator) anyElementMatches(ctx context.Context, r model.Resource, c Condition, elements []any, matchAny MatchAny) (bool, error) {
	for _, value := range matchAny {
		for _, element := range elements {
			ok, err := e.matchValue(ctx, r, c, element, value)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e *Evaluator) matchValue(ctx context.Context, r model.Resource, c Condition, element any, value Value) (bool, error) {
	switch v := value.(type) {
	case Number:
		return e.matchNumber(element, v)
	case Date:
		return e.matchDate(element, v)
	case String:
		return matchString(element, v, c.Key.Modifier), nil
	case Token:
		return e.matchToken(ctx, c, element, v)
	case Reference:
		return e.matchReference(ctx, c, element, v)
	case Quantity:
		return e.matchQuantity(element, v)
	case Uri:
		return matchUri(element, v, c.Key.Modifier), nil
	case Composite:
		return e.matchComposite(ctx, r, c, element, v)
	case Special:
		return elementString(element) == string(v), nil
	default:
		return false, &outcome.ValidationError{Detail: fmt.Sprintf("unsupported search value %T", value)}
	}
}

func (e *Evaluator) tolerance() float64 {
	if e.ApproxTolerance > 0 {
		return e.ApproxTolerance
	}
	return DefaultApproxTolerance
}

func (e *Evaluator) timezone() *time.Location {
	if e.Timezone != nil {
		return e.Timezone
	}
	return time.UTC
}

var decimalCtx = apd.BaseContext.WithPrecision(34)

// implicitRange derives the half-open interval [lo, hi) covered by a decimal
// at its precision: 100 covers [99.5, 100.5), 100.0 covers [99.95, 100.05).
func implicitRange(d *apd.Decimal) (lo, hi *apd.Decimal) {
	half := apd.New(5, d.Exponent-1)
	lo, hi = new(apd.Decimal), new(apd.Decimal)
	decimalCtx.Sub(lo, d, half)
	decimalCtx.Add(hi, d, half)
	return lo, hi
}

func elementDecimal(element any) (*apd.Decimal, bool) {
	switch v := element.(type) {
	case float64:
		d := new(apd.Decimal)
		if _, err := d.SetFloat64(v); err != nil {
			return nil, false
		}
		return d, true
	case string:
		d, _, err := apd.NewFromString(v)
		if err != nil {
			return nil, false
		}
		return d, true
	default:
		return nil, false
	}
}

func (e *Evaluator) matchNumber(element any, n Number) (bool, error) {
	target, ok := elementDecimal(element)
	if !ok {
		return false, nil
	}
	return compareDecimal(target, n.Value, n.Prefix, e.tolerance())
}

func compareDecimal(target, search *apd.Decimal, prefix Prefix, tolerance float64) (bool, error) {
	lo, hi := implicitRange(search)
	switch prefix {
	case "", PrefixEqual:
		return target.Cmp(lo) >= 0 && target.Cmp(hi) < 0, nil
	case PrefixNotEqual:
		return target.Cmp(lo) < 0 || target.Cmp(hi) >= 0, nil
	case PrefixGreaterThan:
		return target.Cmp(search) > 0, nil
	case PrefixGreaterOrEqual:
		return target.Cmp(search) >= 0, nil
	case PrefixLessThan:
		return target.Cmp(search) < 0, nil
	case PrefixLessOrEqual:
		return target.Cmp(search) <= 0, nil
	case PrefixApproximately:
		delta := new(apd.Decimal)
		decimalCtx.Abs(delta, search)
		tol := new(apd.Decimal)
		if _, err := tol.SetFloat64(tolerance); err != nil {
			return false, err
		}
		decimalCtx.Mul(delta, delta, tol)
		if delta.IsZero() {
			delta = tol
		}
		low, high := new(apd.Decimal), new(apd.Decimal)
		decimalCtx.Sub(low, search, delta)
		decimalCtx.Add(high, search, delta)
		return target.Cmp(low) >= 0 && target.Cmp(high) <= 0, nil
	default:
		return false, &outcome.ValidationError{Detail: fmt.Sprintf("prefix %s is not defined for numbers", prefix)}
	}
}

// elementPeriod derives the half-open period a date-ish element covers:
// a plain date covers its precision span, a Period element covers start to
// end, an open end is unbounded.
func (e *Evaluator) elementPeriod(element any) (time.Time, time.Time, bool) {
	switch v := element.(type) {
	case string:
		parsed, precision, err := ParseDate(v, e.timezone())
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		start, end := Date{Value: parsed, Precision: precision}.Range()
		return start, end, true
	case map[string]any:
		start, end := minTime, maxTime
		if s, ok := v["start"].(string); ok {
			parsed, precision, err := ParseDate(s, e.timezone())
			if err != nil {
				return time.Time{}, time.Time{}, false
			}
			start, _ = Date{Value: parsed, Precision: precision}.Range()
		}
		if s, ok := v["end"].(string); ok {
			parsed, precision, err := ParseDate(s, e.timezone())
			if err != nil {
				return time.Time{}, time.Time{}, false
			}
			_, end = Date{Value: parsed, Precision: precision}.Range()
		}
		return start, end, true
	default:
		return time.Time{}, time.Time{}, false
	}
}

var (
	minTime = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

func (e *Evaluator) matchDate(element any, d Date) (bool, error) {
	targetStart, targetEnd, ok := e.elementPeriod(element)
	if !ok {
		return false, nil
	}
	searchStart, searchEnd := d.Range()

	switch d.Prefix {
	case "", PrefixEqual:
		return !targetStart.Before(searchStart) && !targetEnd.After(searchEnd), nil
	case PrefixNotEqual:
		return targetStart.Before(searchStart) || targetEnd.After(searchEnd), nil
	case PrefixGreaterThan:
		return targetEnd.After(searchEnd), nil
	case PrefixGreaterOrEqual:
		// eq-or-gt, so a period extending past the boundary matches
		return (!targetStart.Before(searchStart) && !targetEnd.After(searchEnd)) ||
			targetEnd.After(searchEnd), nil
	case PrefixLessThan:
		return targetStart.Before(searchStart), nil
	case PrefixLessOrEqual:
		// eq-or-lt
		return (!targetStart.Before(searchStart) && !targetEnd.After(searchEnd)) ||
			targetStart.Before(searchStart), nil
	case PrefixStartsAfter:
		// sa excludes anything that starts during the search period itself
		return !targetStart.Before(searchEnd), nil
	case PrefixEndsBefore:
		return !targetEnd.After(searchStart), nil
	case PrefixApproximately:
		margin := time.Duration(float64(searchEnd.Sub(searchStart)) * e.tolerance())
		widenedStart := searchStart.Add(-margin)
		widenedEnd := searchEnd.Add(margin)
		return targetStart.Before(widenedEnd) && targetEnd.After(widenedStart), nil
	default:
		return false, &outcome.ValidationError{Detail: fmt.Sprintf("prefix %s is not defined for dates", d.Prefix)}
	}
}

// stringLeaves collects every string leaf of an element. A test against a
// complex element tests across its sub-elements unless the parameter selects
// a narrower path.
func stringLeaves(element any) []string {
	switch v := element.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, entry := range v {
			out = append(out, stringLeaves(entry)...)
		}
		return out
	case map[string]any:
		var out []string
		for _, entry := range v {
			out = append(out, stringLeaves(entry)...)
		}
		return out
	default:
		return nil
	}
}

func matchString(element any, s String, modifier Modifier) bool {
	search := string(s)
	for _, leaf := range stringLeaves(element) {
		switch modifier {
		case ModifierExact:
			if leaf == search {
				return true
			}
		case ModifierContains, ModifierText:
			if strings.Contains(strings.ToLower(leaf), strings.ToLower(search)) {
				return true
			}
		default:
			// default string matching ignores case and matches from the start
			if strings.HasPrefix(strings.ToLower(leaf), strings.ToLower(search)) {
				return true
			}
		}
	}
	return false
}

// tokenCandidate is one comparable (system, code) extracted from an element.
type tokenCandidate struct {
	system        string
	code          string
	display       string
	caseSensitive bool
}

// tokenCandidates extracts comparable values from Coding, CodeableConcept,
// Identifier, ContactPoint, code, boolean and plain string elements.
// Structured codings compare case-sensitively; free-text-ish bare values
// default to case-insensitive.
func tokenCandidates(element any) []tokenCandidate {
	switch v := element.(type) {
	case string:
		return []tokenCandidate{{code: v}}
	case bool:
		return []tokenCandidate{{code: strconv.FormatBool(v), caseSensitive: true}}
	case float64:
		return []tokenCandidate{{code: strconv.FormatFloat(v, 'f', -1, 64), caseSensitive: true}}
	case map[string]any:
		var out []tokenCandidate
		if codings, ok := v["coding"].([]any); ok {
			for _, coding := range codings {
				out = append(out, tokenCandidates(coding)...)
			}
			if text, ok := v["text"].(string); ok {
				for i := range out {
					if out[i].display == "" {
						out[i].display = text
					}
				}
				if len(out) == 0 {
					out = append(out, tokenCandidate{display: text, caseSensitive: true})
				}
			}
			return out
		}
		system, _ := v["system"].(string)
		display, _ := v["display"].(string)
		if code, ok := v["code"].(string); ok {
			return []tokenCandidate{{system: system, code: code, display: display, caseSensitive: true}}
		}
		if value, ok := v["value"].(string); ok {
			return []tokenCandidate{{system: system, code: value, caseSensitive: true}}
		}
		return out
	default:
		return nil
	}
}

func (e *Evaluator) matchToken(ctx context.Context, c Condition, element any, t Token) (bool, error) {
	switch c.Key.Modifier {
	case ModifierText, ModifierCodeText, ModifierTextAdvanced:
		for _, candidate := range tokenCandidates(element) {
			if candidate.display != "" && strings.Contains(strings.ToLower(candidate.display), strings.ToLower(t.Code)) {
				return true, nil
			}
		}
		return false, nil

	case ModifierIn, ModifierNotIn:
		// membership test resolves the value set; :not-in is negated at the
		// group level
		if e.Terminology == nil {
			return false, &outcome.UnsupportedFeatureError{Feature: "value set membership", Suggestion: "configure a terminology backend"}
		}
		codings, err := e.Terminology.Expand(ctx, t.Code)
		if err != nil {
			return false, err
		}
		for _, candidate := range tokenCandidates(element) {
			for _, coding := range codings {
				if candidate.code == coding.Code && (candidate.system == "" || candidate.system == coding.System) {
					return true, nil
				}
			}
		}
		return false, nil

	case ModifierAbove, ModifierBelow:
		if e.Terminology == nil {
			return false, &outcome.UnsupportedFeatureError{Feature: "code subsumption", Suggestion: "configure a terminology backend"}
		}
		for _, candidate := range tokenCandidates(element) {
			if t.SystemSet && candidate.system != t.System {
				continue
			}
			var subsumed bool
			var err error
			if c.Key.Modifier == ModifierBelow {
				subsumed, err = e.Terminology.Subsumes(ctx, candidate.system, t.Code, candidate.code)
			} else {
				subsumed, err = e.Terminology.Subsumes(ctx, candidate.system, candidate.code, t.Code)
			}
			if err != nil {
				return false, err
			}
			if subsumed {
				return true, nil
			}
		}
		return false, nil

	case ModifierOfType:
		return matchIdentifierOfType(element, t), nil
	}

	caseSensitive := c.Key.Name == "_id"
	for _, candidate := range tokenCandidates(element) {
		if matchTokenCandidate(candidate, t, caseSensitive) {
			return true, nil
		}
	}
	return false, nil
}

func matchTokenCandidate(candidate tokenCandidate, t Token, forceCaseSensitive bool) bool {
	if t.SystemSet && candidate.system != t.System {
		return false
	}
	// system| matches any code within the system
	if t.SystemSet && t.Code == "" {
		return true
	}
	if candidate.caseSensitive || forceCaseSensitive {
		return candidate.code == t.Code
	}
	return strings.EqualFold(candidate.code, t.Code)
}

// matchIdentifierOfType tests an Identifier element against a
// system|code|value triple: type coding and value must all match.
func matchIdentifierOfType(element any, t Token) bool {
	identifier, ok := element.(map[string]any)
	if !ok {
		return false
	}
	value, _ := identifier["value"].(string)
	if value != t.Value {
		return false
	}
	identifierType, ok := identifier["type"].(map[string]any)
	if !ok {
		return false
	}
	for _, candidate := range tokenCandidates(identifierType) {
		if candidate.system == t.System && candidate.code == t.Code {
			return true
		}
	}
	return false
}

func (e *Evaluator) matchReference(ctx context.Context, c Condition, element any, rv Reference) (bool, error) {
	if c.Key.Modifier == ModifierIdentifier {
		ref, ok := element.(map[string]any)
		if !ok {
			return false, nil
		}
		identifier, ok := ref["identifier"].(map[string]any)
		if !ok {
			return false, nil
		}
		t := Token{System: rv.Type, SystemSet: rv.Type != "", Code: rv.Id}
		for _, candidate := range tokenCandidates(identifier) {
			if matchTokenCandidate(candidate, t, true) {
				return true, nil
			}
		}
		return false, nil
	}

	var raw string
	switch v := element.(type) {
	case string:
		raw = v
	case map[string]any:
		raw, _ = v["reference"].(string)
	}
	if raw == "" {
		return false, nil
	}

	if rv.URL != "" {
		full := rv.URL
		if rv.Version != "" {
			full += "/_history/" + rv.Version
		}
		return raw == full || raw == rv.URL, nil
	}

	refType, refID, ok := localReference(raw)
	if !ok {
		return false, nil
	}

	if c.Key.Modifier == ModifierAbove || c.Key.Modifier == ModifierBelow {
		return e.matchReferenceHierarchy(ctx, c, refType, refID, rv)
	}

	searchType := rv.Type
	if searchType == "" {
		searchType = c.TargetType
	}
	if searchType == "" {
		// a bare id is ambiguous when the parameter allows several target
		// types; the caller must disambiguate with a type modifier
		if len(c.Def.Targets) > 1 {
			return false, &outcome.ValidationError{Detail: fmt.Sprintf(
				"ambiguous reference %q for parameter %s, disambiguate with %s:<Type>", rv.Id, c.Key.Name, c.Key.Name)}
		}
		if len(c.Def.Targets) == 1 {
			searchType = c.Def.Targets[0]
		}
	}

	if refID != rv.Id {
		return false, nil
	}
	if searchType != "" && refType != "" && refType != searchType {
		return false, nil
	}
	if rv.Version != "" {
		rawVersion := ""
		if parts := strings.Split(raw, "/"); len(parts) == 4 && parts[2] == "_history" {
			rawVersion = parts[3]
		}
		return rawVersion == rv.Version, nil
	}
	return true, nil
}

func (e *Evaluator) matchReferenceHierarchy(ctx context.Context, c Condition, refType, refID string, rv Reference) (bool, error) {
	if e.Hierarchy == nil {
		return false, &outcome.UnsupportedFeatureError{Feature: "reference hierarchy", Suggestion: "configure a graph-capable backend"}
	}
	searchType := rv.Type
	if searchType == "" {
		searchType = c.TargetType
	}
	if searchType == "" && len(c.Def.Targets) == 1 {
		searchType = c.Def.Targets[0]
	}
	if searchType == "" {
		return false, &outcome.ValidationError{Detail: fmt.Sprintf(
			"hierarchical reference search on %s needs an explicit target type", c.Key.Name)}
	}

	var closure []string
	var err error
	// :below matches the search target and everything beneath it
	if c.Key.Modifier == ModifierBelow {
		closure, err = e.Hierarchy.Descendants(ctx, searchType, rv.Id)
	} else {
		closure, err = e.Hierarchy.Ancestors(ctx, searchType, rv.Id)
	}
	if err != nil {
		return false, err
	}
	if refType != "" && refType != searchType {
		return false, nil
	}
	return refID == rv.Id || slices.Contains(closure, refID), nil
}

func (e *Evaluator) matchQuantity(element any, q Quantity) (bool, error) {
	quantity, ok := element.(map[string]any)
	if !ok {
		return false, nil
	}
	value, ok := elementDecimal(quantity["value"])
	if !ok {
		return false, nil
	}
	if q.Code != "" {
		system, _ := quantity["system"].(string)
		code, _ := quantity["code"].(string)
		unit, _ := quantity["unit"].(string)
		// 5.4||mg matches on code or unit alone, whatever system the
		// resource carries
		if q.System != "" && system != q.System {
			return false, nil
		}
		if code != q.Code && unit != q.Code {
			return false, nil
		}
	}
	return compareDecimal(value, q.Value, q.Prefix, e.tolerance())
}

func matchUri(element any, u Uri, modifier Modifier) bool {
	target, ok := element.(string)
	if !ok {
		return false
	}
	switch modifier {
	case ModifierBelow:
		// target URIs at or below the search value, path-prefix relation,
		// no depth limit
		return target == u.Value || strings.HasPrefix(target, strings.TrimSuffix(u.Value, "/")+"/")
	case ModifierAbove:
		return target == u.Value || strings.HasPrefix(u.Value, strings.TrimSuffix(target, "/")+"/")
	default:
		// URI matching is exact and case-sensitive
		return target == u.Value
	}
}

// matchComposite joins the component values against the same instance of the
// compound structure: all components must match within this one element.
// This is distinct from independent AND across different instances.
func (e *Evaluator) matchComposite(ctx context.Context, r model.Resource, c Condition, element any, composite Composite) (bool, error) {
	if len(composite) != len(c.Def.Components) {
		return false, &outcome.ValidationError{Detail: fmt.Sprintf(
			"composite parameter %s expects %d components, got %d", c.Key.Name, len(c.Def.Components), len(composite))}
	}
	for i, raw := range composite {
		componentName := c.Def.Components[i]
		componentDef, ok := e.Caps.Parameter(c.On, componentName)
		if !ok {
			return false, &outcome.ValidationError{Detail: fmt.Sprintf("unknown composite component %s", componentName)}
		}
		value, err := parseValue(componentDef.Type, raw, e.timezone())
		if err != nil {
			return false, err
		}
		componentCondition := Condition{
			Key:  ParameterKey{Name: componentName},
			Root: c.Root,
			On:   c.On,
			Def:  componentDef,
		}
		matched := false
		for _, componentElement := range model.ElementsOf(element, componentDef.Expression) {
			ok, err := e.matchValue(ctx, r, componentCondition, componentElement, value)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func elementString(element any) string {
	switch v := element.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

package search

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DAMEDIC/fhir-store-go/outcome"
)

// SortKey is one key of a sort specification. Sorting applies after all
// filtering.
type SortKey struct {
	Param      string
	Descending bool
}

func (s SortKey) String() string {
	if s.Descending {
		return "-" + s.Param
	}
	return s.Param
}

// Include is one _include or _revinclude directive.
type Include struct {
	// SourceType is the resource type the reference parameter is defined on.
	SourceType string
	// Param is the reference parameter to follow. "*" includes along every
	// reference parameter of the source type.
	Param string
	// TargetType optionally restricts included resources to one type.
	TargetType string
	// Iterate requests recursive inclusion over already-included resources.
	// Recursion is depth-bounded; truncation is disclosed as a warning.
	Iterate bool
}

func (i Include) String() string {
	s := i.SourceType + ":" + i.Param
	if i.TargetType != "" {
		s += ":" + i.TargetType
	}
	return s
}

// SummaryMode shapes the returned resource bodies.
type SummaryMode string

const (
	SummaryNone  SummaryMode = ""
	SummaryTrue  SummaryMode = "true"
	SummaryText  SummaryMode = "text"
	SummaryData  SummaryMode = "data"
	SummaryCount SummaryMode = "count"
)

// Query is a fully parsed search: AND-joined conditions plus result-shaping
// directives. Shaping and sorting apply after all filtering.
type Query struct {
	ResourceType string
	Conditions   []Condition
	Sort         []SortKey
	Includes     []Include
	RevIncludes  []Include
	Summary      SummaryMode
	Elements     []string
	Count        int
	Cursor       Cursor
	Total        bool
	// Ignored lists parameters that were dropped by policy instead of
	// applied. They are reported so callers can distinguish applied from
	// ignored constraints.
	Ignored []ParameterKey
}

// Keys returns the parameter keys of all applied conditions.
func (q Query) Keys() []ParameterKey {
	keys := make([]ParameterKey, 0, len(q.Conditions))
	for _, c := range q.Conditions {
		keys = append(keys, ParameterKey{Name: c.String()})
	}
	return keys
}

// ParseQuery parses search parameters from a [url.Values] query string
// against the backend's declared capability surface.
//
// When strict is true, an unsupported search parameter is an error. When
// strict is false, unsupported parameters are dropped and reported on
// [Query.Ignored]. An unsupported modifier on a supported parameter is
// always an error, never ignored.
func ParseQuery(
	caps Capabilities,
	resourceType string,
	params url.Values,
	tz *time.Location,
	maxCount, defaultCount int,
	strict bool,
) (Query, error) {
	query := Query{
		ResourceType: resourceType,
		Count:        min(defaultCount, maxCount),
	}

	// iterate deterministically so errors are stable
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := params[k]
		switch k {
		case "_count":
			count, err := parseCount(v, maxCount)
			if err != nil {
				return Query{}, err
			}
			query.Count = count

		case "_cursor":
			if len(v) != 1 {
				return Query{}, &outcome.ValidationError{Detail: "multiple _cursor parameters"}
			}
			query.Cursor = Cursor(v[0])

		case "_sort":
			for _, raw := range v {
				for _, key := range strings.Split(raw, ",") {
					if key == "" {
						return Query{}, &outcome.ValidationError{Detail: "empty _sort key"}
					}
					sort := SortKey{Param: key}
					if key[0] == '-' {
						sort = SortKey{Param: key[1:], Descending: true}
					}
					query.Sort = append(query.Sort, sort)
				}
			}

		case "_include", "_include:iterate", "_revinclude", "_revinclude:iterate":
			includes, err := parseIncludes(v, strings.HasSuffix(k, ":iterate"))
			if err != nil {
				return Query{}, err
			}
			if strings.HasPrefix(k, "_revinclude") {
				query.RevIncludes = append(query.RevIncludes, includes...)
			} else {
				query.Includes = append(query.Includes, includes...)
			}

		case "_summary":
			if len(v) != 1 {
				return Query{}, &outcome.ValidationError{Detail: "multiple _summary parameters"}
			}
			switch SummaryMode(v[0]) {
			case SummaryTrue, SummaryText, SummaryData, SummaryCount:
				query.Summary = SummaryMode(v[0])
			case "false":
				query.Summary = SummaryNone
			default:
				return Query{}, &outcome.ValidationError{Detail: fmt.Sprintf("invalid _summary value %q", v[0])}
			}

		case "_elements":
			for _, raw := range v {
				query.Elements = append(query.Elements, strings.Split(raw, ",")...)
			}

		case "_total":
			if len(v) == 1 && v[0] == "accurate" {
				query.Total = true
			}

		// result modifying parameters that are recognized but not applied
		case "_contained", "_graph", "_maxresults", "_score", "_format":
			query.Ignored = append(query.Ignored, ParameterKey{Name: k})

		default:
			condition, err := parseCondition(caps, resourceType, k, v, tz)
			if err != nil {
				var unknown *unknownParameterError
				if errors.As(err, &unknown) {
					if strict {
						return Query{}, &outcome.ValidationError{Detail: unknown.msg}
					}
					query.Ignored = append(query.Ignored, ParameterKey{Name: k})
					continue
				}
				return Query{}, err
			}
			query.Conditions = append(query.Conditions, condition)
		}
	}

	return query, nil
}

// unknownParameterError separates "backend does not know this parameter"
// (droppable under non-strict parsing) from hard validation errors
// (malformed values, unsupported modifiers) which are never dropped.
type unknownParameterError struct {
	msg string
}

func (e *unknownParameterError) Error() string {
	return e.msg
}

func parseCount(values []string, maxCount int) (int, error) {
	if len(values) != 1 {
		return 0, &outcome.ValidationError{Detail: "multiple _count parameters"}
	}
	count, err := strconv.Atoi(values[0])
	if err != nil || count < 0 {
		return 0, &outcome.ValidationError{Detail: fmt.Sprintf("invalid _count parameter %q", values[0])}
	}
	return min(count, maxCount), nil
}

func parseIncludes(values []string, iterate bool) ([]Include, error) {
	includes := make([]Include, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		switch len(parts) {
		case 2:
			includes = append(includes, Include{SourceType: parts[0], Param: parts[1], Iterate: iterate})
		case 3:
			includes = append(includes, Include{SourceType: parts[0], Param: parts[1], TargetType: parts[2], Iterate: iterate})
		default:
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid include %q, expected Type:param or Type:param:Target", v)}
		}
	}
	return includes, nil
}

func splitModifier(segment string) (string, Modifier) {
	name, modifier, found := strings.Cut(segment, ":")
	if !found {
		return name, ""
	}
	return name, Modifier(modifier)
}

func parseCondition(caps Capabilities, resourceType, key string, urlValues []string, tz *time.Location) (Condition, error) {
	condition := Condition{Root: resourceType, On: resourceType}

	// reverse chains: _has:Type:refParam:param, possibly nested
	rest := key
	for strings.HasPrefix(rest, "_has:") {
		parts := strings.SplitN(rest, ":", 4)
		if len(parts) < 4 {
			return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("invalid reverse chain %q, expected _has:Type:refParam:param", key)}
		}
		sourceType, refParam := parts[1], parts[2]
		refDef, ok := caps.Parameter(sourceType, refParam)
		if !ok {
			return Condition{}, &unknownParameterError{msg: fmt.Sprintf("unsupported search parameter %s on %s", refParam, sourceType)}
		}
		if refDef.Type != TypeReference {
			return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("reverse chain through non-reference parameter %s on %s", refParam, sourceType)}
		}
		if len(refDef.Targets) > 0 && !slices.Contains(refDef.Targets, condition.On) {
			return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("parameter %s on %s does not reference %s", refParam, sourceType, condition.On)}
		}
		condition.Reverse = append(condition.Reverse, ReverseHop{SourceType: sourceType, RefParam: refParam})
		condition.On = sourceType
		rest = parts[3]
	}

	// forward chains: refParam.param or refParam:Type.param
	segments := strings.Split(rest, ".")
	for _, segment := range segments[:len(segments)-1] {
		name, modifier := splitModifier(segment)
		def, ok := caps.Parameter(condition.On, name)
		if !ok {
			return Condition{}, &unknownParameterError{msg: fmt.Sprintf("unsupported search parameter %s on %s", name, condition.On)}
		}
		if def.Type != TypeReference {
			return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("chain through non-reference parameter %s on %s", name, condition.On)}
		}
		target, err := chainTarget(def, name, modifier)
		if err != nil {
			return Condition{}, err
		}
		condition.Chain = append(condition.Chain, Hop{Param: name, TargetType: target})
		condition.On = target
	}

	name, modifier := splitModifier(segments[len(segments)-1])
	def, ok := caps.Parameter(condition.On, name)
	if !ok {
		return Condition{}, &unknownParameterError{msg: fmt.Sprintf("unsupported search parameter %s on %s", name, condition.On)}
	}
	if !def.Supports(modifier) {
		return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("unsupported modifier %s on parameter %s (type %s)", modifier, name, def.Type)}
	}

	condition.Key = ParameterKey{Name: name, Modifier: modifier}
	condition.Def = def

	// a reference type modifier disambiguates the target, it does not change
	// matching semantics
	if def.Type == TypeReference && IsTypeModifier(modifier) {
		if len(def.Targets) > 0 && !slices.Contains(def.Targets, string(modifier)) {
			return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("parameter %s cannot reference %s", name, modifier)}
		}
		condition.TargetType = string(modifier)
		condition.Key.Modifier = ""
	}

	valueType := def.Type
	// with the :identifier modifier the search value works as a token
	if valueType == TypeReference && modifier == ModifierIdentifier {
		valueType = TypeToken
	}

	matchAll := make(MatchAll, 0, len(urlValues))
	for _, urlValue := range urlValues {
		var matchAny MatchAny
		if condition.Key.Modifier == ModifierMissing {
			missing, err := strconv.ParseBool(urlValue)
			if err != nil {
				return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf("invalid :missing value %q", urlValue)}
			}
			matchAny = MatchAny{Missing(missing)}
		} else {
			splits := splitUnescaped(urlValue, ',')
			matchAny = make(MatchAny, 0, len(splits))
			for _, s := range splits {
				value, err := parseValue(valueType, s, tz)
				if err != nil {
					return Condition{}, err
				}
				// a parameter carries at most one modifier or one prefix
				if condition.Key.Modifier != "" && valuePrefix(value) != "" {
					return Condition{}, &outcome.ValidationError{Detail: fmt.Sprintf(
						"parameter %s combines modifier %s with prefix %s", name, condition.Key.Modifier, valuePrefix(value))}
				}
				matchAny = append(matchAny, value)
			}
		}
		matchAll = append(matchAll, matchAny)
	}
	condition.Values = matchAll

	return condition, nil
}

func chainTarget(def ParameterDef, name string, modifier Modifier) (string, error) {
	if modifier != "" {
		if !IsTypeModifier(modifier) {
			return "", &outcome.ValidationError{Detail: fmt.Sprintf("invalid chain modifier %s on %s", modifier, name)}
		}
		if len(def.Targets) > 0 && !slices.Contains(def.Targets, string(modifier)) {
			return "", &outcome.ValidationError{Detail: fmt.Sprintf("parameter %s cannot reference %s", name, modifier)}
		}
		return string(modifier), nil
	}
	switch len(def.Targets) {
	case 1:
		return def.Targets[0], nil
	case 0:
		return "", &outcome.ValidationError{Detail: fmt.Sprintf("parameter %s declares no reference targets", name)}
	default:
		return "", &outcome.ValidationError{Detail: fmt.Sprintf(
			"ambiguous chain through %s, disambiguate with %s:<Type> (targets: %s)", name, name, strings.Join(def.Targets, ", "))}
	}
}

func valuePrefix(v Value) Prefix {
	switch t := v.(type) {
	case Number:
		return t.Prefix
	case Date:
		return t.Prefix
	case Quantity:
		return t.Prefix
	default:
		return ""
	}
}

// BuildQuery creates a deterministic query string from a parsed query:
// conditions are rendered alphabetically, result modifying parameters are
// appended at the end. It is the inverse of [ParseQuery] for applied
// parameters and is used for self-describing search responses.
func BuildQuery(q Query) string {
	values := url.Values{}

	for _, c := range q.Conditions {
		name := c.String()
		for _, matchAny := range c.Values {
			parts := make([]string, 0, len(matchAny))
			for _, v := range matchAny {
				parts = append(parts, v.String())
			}
			slices.Sort(parts)
			values.Add(name, strings.Join(parts, ","))
		}
		slices.Sort(values[name])
	}

	var builder strings.Builder
	builder.WriteString(values.Encode())

	appendOption := func(name, value string) {
		if builder.Len() > 0 {
			builder.WriteByte('&')
		}
		builder.WriteString(name)
		builder.WriteByte('=')
		builder.WriteString(url.QueryEscape(value))
	}

	for _, sort := range q.Sort {
		appendOption("_sort", sort.String())
	}
	includes := slices.Clone(q.Includes)
	slices.SortFunc(includes, func(a, b Include) int { return strings.Compare(a.String(), b.String()) })
	for _, include := range includes {
		name := "_include"
		if include.Iterate {
			name = "_include:iterate"
		}
		appendOption(name, include.String())
	}
	revIncludes := slices.Clone(q.RevIncludes)
	slices.SortFunc(revIncludes, func(a, b Include) int { return strings.Compare(a.String(), b.String()) })
	for _, include := range revIncludes {
		name := "_revinclude"
		if include.Iterate {
			name = "_revinclude:iterate"
		}
		appendOption(name, include.String())
	}
	if q.Summary != SummaryNone {
		appendOption("_summary", string(q.Summary))
	}
	if len(q.Elements) > 0 {
		elements := slices.Clone(q.Elements)
		slices.Sort(elements)
		appendOption("_elements", strings.Join(elements, ","))
	}
	if q.Cursor != "" {
		appendOption("_cursor", string(q.Cursor))
	}
	if q.Count > 0 {
		appendOption("_count", strconv.Itoa(q.Count))
	}

	return builder.String()
}

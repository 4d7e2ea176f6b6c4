// Package search contains the typed search parameter model and the query
// interpreter shared by all storage backends.
//
// A query string is parsed against a backend-declared [Capabilities] surface
// into a [Query] of [Condition] values. Conditions compile into fragments
// (see fragment.go) that backends either evaluate natively or hand to the
// in-memory [Evaluator] for post-filtering.
//
// Value syntax follows [FHIR Search]: `\` escapes `$`, `,`, `|` and itself;
// an unescaped `,` separates OR values, `$` separates composite components
// and `|` separates system and code.
//
// [FHIR Search]: https://hl7.org/fhir/search.html
package search

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/cockroachdb/apd/v3"
)

// Type is the declared type of a search parameter.
type Type string

const (
	TypeNumber    Type = "number"
	TypeDate      Type = "date"
	TypeString    Type = "string"
	TypeToken     Type = "token"
	TypeReference Type = "reference"
	TypeComposite Type = "composite"
	TypeQuantity  Type = "quantity"
	TypeUri       Type = "uri"
	TypeSpecial   Type = "special"
)

// Modifier changes the matching semantics of a parameter.
// Modifiers are type-scoped: applying one to a parameter type outside its
// scope is a validation error, never a silent no-op.
type Modifier string

const (
	ModifierMissing      Modifier = "missing"
	ModifierExact        Modifier = "exact"
	ModifierContains     Modifier = "contains"
	ModifierText         Modifier = "text"
	ModifierTextAdvanced Modifier = "text-advanced"
	ModifierNot          Modifier = "not"
	ModifierIn           Modifier = "in"
	ModifierNotIn        Modifier = "not-in"
	ModifierBelow        Modifier = "below"
	ModifierAbove        Modifier = "above"
	ModifierIdentifier   Modifier = "identifier"
	ModifierOfType       Modifier = "of-type"
	ModifierCodeText     Modifier = "code-text"
	// ModifierIterate is only valid on _include and _revinclude directives.
	ModifierIterate Modifier = "iterate"
)

// modifiersByType scopes modifiers to the parameter types they are meaningful
// on. A reference parameter additionally accepts a resource type name as
// modifier to disambiguate the target type.
var modifiersByType = map[Type][]Modifier{
	TypeNumber:    {ModifierMissing},
	TypeDate:      {ModifierMissing},
	TypeString:    {ModifierMissing, ModifierExact, ModifierContains, ModifierText},
	TypeToken:     {ModifierMissing, ModifierText, ModifierTextAdvanced, ModifierNot, ModifierIn, ModifierNotIn, ModifierBelow, ModifierAbove, ModifierOfType, ModifierCodeText},
	TypeReference: {ModifierMissing, ModifierIdentifier, ModifierAbove, ModifierBelow},
	TypeComposite: {ModifierMissing},
	TypeQuantity:  {ModifierMissing},
	TypeUri:       {ModifierMissing, ModifierBelow, ModifierAbove},
	TypeSpecial:   {ModifierMissing},
}

// IsTypeModifier reports whether the modifier is a resource type name used to
// disambiguate a reference target, e.g. subject:Patient.
func IsTypeModifier(m Modifier) bool {
	return m != "" && m[0] >= 'A' && m[0] <= 'Z'
}

// ValidModifier reports whether the modifier is meaningful on the given
// parameter type.
func ValidModifier(t Type, m Modifier) bool {
	if m == "" {
		return true
	}
	if t == TypeReference && IsTypeModifier(m) {
		return true
	}
	return slices.Contains(modifiersByType[t], m)
}

// Prefix defines interval-overlap comparison semantics for ordered types.
// It applies only to the value it directly precedes.
type Prefix string

const (
	PrefixEqual          Prefix = "eq"
	PrefixNotEqual       Prefix = "ne"
	PrefixGreaterThan    Prefix = "gt"
	PrefixGreaterOrEqual Prefix = "ge"
	PrefixLessThan       Prefix = "lt"
	PrefixLessOrEqual    Prefix = "le"
	PrefixStartsAfter    Prefix = "sa"
	PrefixEndsBefore     Prefix = "eb"
	PrefixApproximately  Prefix = "ap"
)

var allPrefixes = []Prefix{
	PrefixEqual,
	PrefixNotEqual,
	PrefixGreaterThan,
	PrefixGreaterOrEqual,
	PrefixLessThan,
	PrefixLessOrEqual,
	PrefixStartsAfter,
	PrefixEndsBefore,
	PrefixApproximately,
}

// ParameterKey names a search parameter together with its optional modifier.
type ParameterKey struct {
	Name     string
	Modifier Modifier
}

func (p ParameterKey) String() string {
	if p.Modifier == "" {
		return p.Name
	}
	return fmt.Sprintf("%s:%s", p.Name, p.Modifier)
}

func (p ParameterKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParameterDef defines one searchable parameter of a resource type.
type ParameterDef struct {
	Type Type
	// Expression is the dotted element path into the resource body the
	// parameter tests against.
	Expression string
	// Targets lists the allowed target resource types of a reference
	// parameter. A chained parameter through a reference with more than one
	// target must be disambiguated with a type modifier.
	Targets []string
	// Components names the component parameters of a composite parameter.
	// Component expressions are resolved relative to Expression, so all
	// components are tested against the same instance.
	Components []string
	// Modifiers restricts the supported modifiers.
	// Empty means the full type-scoped set is supported.
	Modifiers []Modifier
}

// Supports reports whether the definition supports the given modifier.
func (d ParameterDef) Supports(m Modifier) bool {
	if !ValidModifier(d.Type, m) {
		return false
	}
	if m == "" || len(d.Modifiers) == 0 || (d.Type == TypeReference && IsTypeModifier(m)) {
		return true
	}
	return slices.Contains(d.Modifiers, m)
}

// builtinParameters are supported on every resource type by every backend.
var builtinParameters = map[string]ParameterDef{
	"_id":          {Type: TypeToken, Expression: "id"},
	"_lastUpdated": {Type: TypeDate, Expression: "meta.lastUpdated"},
	"_tag":         {Type: TypeToken, Expression: "meta.tag"},
	"_profile":     {Type: TypeUri, Expression: "meta.profile"},
}

// Capabilities describes the search surface a backend can evaluate natively.
// Fragment capability checks and the conformance statement are both derived
// from this one value, so the two can never drift apart.
type Capabilities struct {
	// Parameters maps resource type to parameter name to definition.
	Parameters map[string]map[string]ParameterDef
	// FullText indicates :text/:text-advanced and string :contains are served
	// by a text index.
	FullText bool
	// Terminology indicates token :above/:below/:in/:not-in subsumption is
	// evaluated natively.
	Terminology bool
	// Chaining indicates chained and reverse-chained parameters are evaluated
	// natively.
	Chaining bool
	// Hierarchy indicates reference :above/:below closure walks are evaluated
	// natively.
	Hierarchy bool
}

// Parameter resolves a parameter definition for a resource type, falling back
// to the builtin parameters every backend supports.
func (c Capabilities) Parameter(resourceType, name string) (ParameterDef, bool) {
	if def, ok := c.Parameters[resourceType][name]; ok {
		return def, true
	}
	def, ok := builtinParameters[name]
	return def, ok
}

// ResourceTypes returns all resource types with declared parameters, sorted.
func (c Capabilities) ResourceTypes() []string {
	types := make([]string, 0, len(c.Parameters))
	for t := range c.Parameters {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// MatchAll is the AND combination of a parameter's OR groups: every entry has
// to match.
type MatchAll []MatchAny

// MatchAny is one OR group: a single matching value suffices.
type MatchAny []Value

// Value of a search parameter, determine the concrete type by type assertion.
//
//	switch t := value.(type) {
//	case search.Number:
//	  // handle search parameter of type number
//	}
type Value interface {
	fmt.Stringer
}

// Hop is one step of a chained parameter: a reference parameter and the
// resolved target resource type.
type Hop struct {
	Param      string
	TargetType string
}

// ReverseHop is one step of a reverse chain (_has): resources of SourceType
// referencing the current set through RefParam.
type ReverseHop struct {
	SourceType string
	RefParam   string
}

// Condition is one fully parsed parameter constraint.
//
// For plain parameters Key names a parameter of the query's resource type.
// For chained parameters the hops in Chain are resolved first and Key applies
// to the final target type; for reverse chains the hops in Reverse select the
// referencing set. Each hop is evaluated independently.
type Condition struct {
	Key ParameterKey
	// Root is the resource type of the query the condition belongs to.
	Root string
	// On is the resource type Key is evaluated against (the final chain
	// target, or the innermost _has source).
	On     string
	Def    ParameterDef
	Values MatchAll
	// TargetType carries a reference type modifier such as subject:Patient.
	TargetType string
	Chain      []Hop
	Reverse    []ReverseHop
}

// Chained reports whether the condition involves any chain hops.
func (c Condition) Chained() bool {
	return len(c.Chain) > 0 || len(c.Reverse) > 0
}

// String renders the condition as it appeared in the query, without values.
func (c Condition) String() string {
	var b strings.Builder
	for _, h := range c.Reverse {
		fmt.Fprintf(&b, "_has:%s:%s:", h.SourceType, h.RefParam)
	}
	for _, h := range c.Chain {
		b.WriteString(h.Param)
		if h.TargetType != "" {
			b.WriteByte(':')
			b.WriteString(h.TargetType)
		}
		b.WriteByte('.')
	}
	b.WriteString(c.Key.String())
	return b.String()
}

// splitUnescaped splits s at every unescaped occurrence of sep.
// A backslash escapes the next byte.
func splitUnescaped(s string, sep byte) []string {
	var (
		parts   []string
		current strings.Builder
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			current.WriteByte('\\')
			current.WriteByte(s[i])
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == sep:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(s[i])
		}
	}
	if escaped {
		current.WriteByte('\\')
	}
	return append(parts, current.String())
}

// unescape removes the escape character in front of `$`, `,`, `|` and itself.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '$', ',', '|', '\\':
				i++
				b.WriteByte(s[i])
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func parseSearchValuePrefix(typ Type, value string) Prefix {
	// all prefixes have a width of 2
	if len(value) < 2 {
		return ""
	}
	// only ordered types can carry prefixes
	if !slices.Contains([]Type{TypeNumber, TypeDate, TypeQuantity, TypeSpecial}, typ) {
		return ""
	}
	if !slices.Contains(allPrefixes, Prefix(value[:2])) {
		return ""
	}
	return Prefix(value[:2])
}

// parseValue parses a single (already OR-split) search value of the given
// type.
func parseValue(paramType Type, value string, tz *time.Location) (Value, error) {
	prefix := parseSearchValuePrefix(paramType, value)
	if prefix != "" {
		// all prefixes have a width of 2
		value = value[2:]
	}

	switch paramType {
	case TypeNumber:
		dec, _, err := apd.NewFromString(unescape(value))
		if err != nil {
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid number %q", value)}
		}
		if prefix == PrefixStartsAfter || prefix == PrefixEndsBefore {
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("prefix %s is not defined for numbers", prefix)}
		}
		return Number{Prefix: prefix, Value: dec}, nil

	case TypeDate:
		date, prec, err := ParseDate(unescape(value), tz)
		if err != nil {
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid date %q", value)}
		}
		return Date{Prefix: prefix, Precision: prec, Value: date}, nil

	case TypeString:
		return String(unescape(value)), nil

	case TypeToken:
		s := splitUnescaped(value, '|')
		switch len(s) {
		case 1:
			return Token{Code: unescape(s[0])}, nil
		case 2:
			return Token{System: unescape(s[0]), SystemSet: true, Code: unescape(s[1])}, nil
		case 3:
			// system|code|value triple used by the :of-type modifier
			return Token{System: unescape(s[0]), SystemSet: true, Code: unescape(s[1]), Value: unescape(s[2])}, nil
		default:
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid token %q", value)}
		}

	case TypeReference:
		return parseReference(value)

	case TypeComposite:
		raw := splitUnescaped(value, '$')
		components := make(Composite, 0, len(raw))
		for _, c := range raw {
			components = append(components, c)
		}
		return components, nil

	case TypeQuantity:
		s := splitUnescaped(value, '|')
		number, _, err := apd.NewFromString(unescape(s[0]))
		if err != nil {
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid quantity value %q", value)}
		}
		switch len(s) {
		case 1:
			return Quantity{Prefix: prefix, Value: number}, nil
		case 3:
			return Quantity{Prefix: prefix, Value: number, System: unescape(s[1]), Code: unescape(s[2])}, nil
		default:
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid quantity %q", value)}
		}

	case TypeUri:
		return Uri{Value: unescape(value)}, nil

	case TypeSpecial:
		return Special(unescape(value)), nil

	default:
		return nil, &outcome.ValidationError{Detail: fmt.Sprintf("unsupported parameter type %q", paramType)}
	}
}

func parseReference(value string) (Value, error) {
	value = unescape(value)

	// if url, there may be a version appended
	urlSplit := strings.Split(value, "|")
	parsedURL, err := url.Parse(urlSplit[0])
	if err == nil && parsedURL.Scheme != "" {
		switch len(urlSplit) {
		case 1:
			return Reference{URL: urlSplit[0]}, nil
		case 2:
			return Reference{URL: urlSplit[0], Version: urlSplit[1]}, nil
		default:
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid reference %q", value)}
		}
	}

	// no real URL, thus local reference
	localSplit := strings.Split(value, "/")
	switch len(localSplit) {
	case 1:
		return Reference{Id: localSplit[0]}, nil
	case 2:
		return Reference{Type: localSplit[0], Id: localSplit[1]}, nil
	case 4:
		if localSplit[2] != "_history" {
			return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid reference %q, expected _history at 3rd position", value)}
		}
		return Reference{Type: localSplit[0], Id: localSplit[1], Version: localSplit[3]}, nil
	default:
		return nil, &outcome.ValidationError{Detail: fmt.Sprintf("invalid reference %q", value)}
	}
}

// Number matches against an implicit range derived from the decimal's
// precision: 100 implies [99.5, 100.5).
type Number struct {
	Prefix Prefix
	Value  *apd.Decimal
}

func (n Number) String() string {
	return string(n.Prefix) + n.Value.String()
}

// Date matches against the period covered by its precision: a bare date
// implies the full day.
type Date struct {
	Prefix    Prefix
	Precision DatePrecision
	Value     time.Time
}

// DatePrecision represents the precision of a date value.
type DatePrecision string

const (
	PrecisionYear       DatePrecision = "year"
	PrecisionMonth      DatePrecision = "month"
	PrecisionDay        DatePrecision = "day"
	PrecisionHourMinute DatePrecision = "hourMinute"
	PrecisionFullTime   DatePrecision = "time"
)

// Format strings for precision aware parsing and encoding.
const (
	DateFormatOnlyYear   = "2006"
	DateFormatUpToMonth  = "2006-01"
	DateFormatUpToDay    = "2006-01-02"
	DateFormatHourMinute = "2006-01-02T15:04Z07:00"
	DateFormatFullTime   = "2006-01-02T15:04:05.999999999Z07:00"
)

// ParseDate parses a date of any supported precision.
func ParseDate(value string, tz *time.Location) (time.Time, DatePrecision, error) {
	date, err := time.ParseInLocation(DateFormatOnlyYear, value, tz)
	if err == nil {
		return date, PrecisionYear, nil
	}
	date, err = time.ParseInLocation(DateFormatUpToMonth, value, tz)
	if err == nil {
		return date, PrecisionMonth, nil
	}
	date, err = time.ParseInLocation(DateFormatUpToDay, value, tz)
	if err == nil {
		return date, PrecisionDay, nil
	}
	date, err = time.ParseInLocation(DateFormatHourMinute, value, tz)
	if err == nil {
		return date, PrecisionHourMinute, nil
	}
	date, err = time.ParseInLocation(DateFormatFullTime, value, tz)
	if err == nil {
		return date, PrecisionFullTime, nil
	}
	return time.Time{}, "", err
}

// Range returns the half-open period [start, end) the date covers at its
// precision.
func (d Date) Range() (time.Time, time.Time) {
	switch d.Precision {
	case PrecisionYear:
		return d.Value, d.Value.AddDate(1, 0, 0)
	case PrecisionMonth:
		return d.Value, d.Value.AddDate(0, 1, 0)
	case PrecisionDay:
		return d.Value, d.Value.AddDate(0, 0, 1)
	case PrecisionHourMinute:
		return d.Value, d.Value.Add(time.Minute)
	default:
		return d.Value, d.Value.Add(time.Nanosecond)
	}
}

func (d Date) String() string {
	b := strings.Builder{}
	b.WriteString(string(d.Prefix))
	switch d.Precision {
	case PrecisionYear:
		b.WriteString(d.Value.Format(DateFormatOnlyYear))
	case PrecisionMonth:
		b.WriteString(d.Value.Format(DateFormatUpToMonth))
	case PrecisionDay:
		b.WriteString(d.Value.Format(DateFormatUpToDay))
	case PrecisionHourMinute:
		b.WriteString(d.Value.Format(DateFormatHourMinute))
	default:
		b.WriteString(d.Value.Format(DateFormatFullTime))
	}
	return b.String()
}

type String string

func (s String) String() string {
	return string(s)
}

// Token is exact-value matching scoped by an optional namespace.
//
// SystemSet distinguishes "code" (any system) from "|code" (explicitly no
// system). Value is only set for :of-type triples.
type Token struct {
	System    string
	SystemSet bool
	Code      string
	Value     string
}

func (t Token) String() string {
	if !t.SystemSet {
		return t.Code
	}
	if t.Value != "" {
		return fmt.Sprintf("%s|%s|%s", t.System, t.Code, t.Value)
	}
	return fmt.Sprintf("%s|%s", t.System, t.Code)
}

type Reference struct {
	Id      string
	Type    string
	URL     string
	Version string
}

func (r Reference) String() string {
	if r.URL != "" {
		if r.Version != "" {
			return r.URL + "|" + r.Version
		}
		return r.URL
	}
	if r.Type == "" {
		return r.Id
	}
	b := strings.Builder{}
	b.WriteString(r.Type)
	b.WriteRune('/')
	b.WriteString(r.Id)
	if r.Version != "" {
		b.WriteString("/_history/")
		b.WriteString(r.Version)
	}
	return b.String()
}

// Composite joins component values tested against the same instance of a
// compound or repeating structure. Components are kept raw (still escaped)
// until evaluation resolves the component parameter types.
type Composite []string

func (c Composite) String() string {
	return strings.Join(c, "$")
}

type Quantity struct {
	Prefix Prefix
	Value  *apd.Decimal
	System string
	Code   string
}

func (q Quantity) String() string {
	b := strings.Builder{}
	b.WriteString(string(q.Prefix))
	b.WriteString(q.Value.String())
	if q.Code != "" {
		b.WriteRune('|')
		b.WriteString(q.System)
		b.WriteRune('|')
		b.WriteString(q.Code)
	}
	return b.String()
}

type Uri struct {
	Value string
}

func (u Uri) String() string {
	return u.Value
}

// Special string, passed through uninterpreted.
type Special string

func (s Special) String() string {
	return string(s)
}

// Missing is the value of a :missing test.
type Missing bool

func (m Missing) String() string {
	return strconv.FormatBool(bool(m))
}

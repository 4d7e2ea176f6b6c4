package search_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCaps() search.Capabilities {
	return search.Capabilities{
		Parameters: map[string]map[string]search.ParameterDef{
			"Patient": {
				"name":      {Type: search.TypeString, Expression: "name.family"},
				"given":     {Type: search.TypeString, Expression: "name.given"},
				"birthdate": {Type: search.TypeDate, Expression: "birthDate"},
				"identifier": {
					Type: search.TypeToken, Expression: "identifier",
				},
				"active": {Type: search.TypeToken, Expression: "active"},
				"organization": {
					Type: search.TypeReference, Expression: "managingOrganization",
					Targets: []string{"Organization"},
				},
				"general-practitioner": {
					Type: search.TypeReference, Expression: "generalPractitioner",
					Targets: []string{"Practitioner", "Organization"},
				},
			},
			"Observation": {
				"code":    {Type: search.TypeToken, Expression: "code"},
				"subject": {Type: search.TypeReference, Expression: "subject", Targets: []string{"Patient"}},
				"value-quantity": {
					Type: search.TypeQuantity, Expression: "valueQuantity",
				},
				"code-value-quantity": {
					Type: search.TypeComposite, Expression: "component",
					Components: []string{"code", "value-quantity"},
				},
				"date": {Type: search.TypeDate, Expression: "effectivePeriod"},
			},
			"Organization": {
				"name":   {Type: search.TypeString, Expression: "name"},
				"partof": {Type: search.TypeReference, Expression: "partOf", Targets: []string{"Organization"}},
			},
			"RiskAssessment": {
				"probability": {Type: search.TypeNumber, Expression: "prediction.probabilityDecimal"},
			},
			"ValueSet": {
				"url": {Type: search.TypeUri, Expression: "url"},
			},
		},
		FullText:    true,
		Terminology: true,
		Chaining:    true,
		Hierarchy:   true,
	}
}

func parse(t *testing.T, resourceType, rawQuery string) search.Query {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	q, err := search.ParseQuery(testCaps(), resourceType, values, time.UTC, 500, 50, false)
	require.NoError(t, err)
	return q
}

func TestParseQueryRepeatedVsCommaValues(t *testing.T) {
	// repeating a parameter ANDs the values, commas within one OR them
	and := parse(t, "Patient", "given=Anna&given=Maria")
	require.Len(t, and.Conditions, 1)
	require.Len(t, and.Conditions[0].Values, 2)
	assert.Len(t, and.Conditions[0].Values[0], 1)
	assert.Len(t, and.Conditions[0].Values[1], 1)

	or := parse(t, "Patient", "given=Anna,Maria")
	require.Len(t, or.Conditions, 1)
	require.Len(t, or.Conditions[0].Values, 1)
	assert.Len(t, or.Conditions[0].Values[0], 2)
}

func TestParseQueryToken(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  search.Token
	}{
		{name: "system and code", query: "identifier=http://acme.org/mrn|12345",
			want: search.Token{System: "http://acme.org/mrn", SystemSet: true, Code: "12345"}},
		{name: "bare code", query: "identifier=12345",
			want: search.Token{Code: "12345"}},
		{name: "any code within system", query: "identifier=http://acme.org/mrn|",
			want: search.Token{System: "http://acme.org/mrn", SystemSet: true}},
		{name: "no system", query: "identifier=|12345",
			want: search.Token{SystemSet: true, Code: "12345"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := parse(t, "Patient", tt.query)
			require.Len(t, q.Conditions, 1)
			require.Len(t, q.Conditions[0].Values, 1)
			require.Len(t, q.Conditions[0].Values[0], 1)
			assert.Equal(t, tt.want, q.Conditions[0].Values[0][0])
		})
	}
}

func TestParseQueryEscaping(t *testing.T) {
	q := parse(t, "Patient", url.Values{"given": {`Anna\,Maria,Berta`}}.Encode())
	require.Len(t, q.Conditions, 1)
	require.Len(t, q.Conditions[0].Values, 1)
	group := q.Conditions[0].Values[0]
	require.Len(t, group, 2)
	assert.Equal(t, search.String("Anna,Maria"), group[0])
	assert.Equal(t, search.String("Berta"), group[1])
}

func TestParseQueryDatePrefix(t *testing.T) {
	q := parse(t, "Patient", "birthdate=ge2013-03-14")
	require.Len(t, q.Conditions, 1)
	date, ok := q.Conditions[0].Values[0][0].(search.Date)
	require.True(t, ok)
	assert.Equal(t, search.PrefixGreaterOrEqual, date.Prefix)
	assert.Equal(t, search.PrecisionDay, date.Precision)
	assert.Equal(t, time.Date(2013, 3, 14, 0, 0, 0, 0, time.UTC), date.Value)
}

func TestParseQueryUnknownParameter(t *testing.T) {
	values := url.Values{"color": {"blue"}}

	q, err := search.ParseQuery(testCaps(), "Patient", values, time.UTC, 500, 50, false)
	require.NoError(t, err)
	assert.Empty(t, q.Conditions)
	assert.Equal(t, []search.ParameterKey{{Name: "color"}}, q.Ignored)

	_, err = search.ParseQuery(testCaps(), "Patient", values, time.UTC, 500, 50, true)
	assert.True(t, outcome.IsValidation(err))
}

func TestParseQueryUnsupportedModifierIsNeverDropped(t *testing.T) {
	// unlike unknown parameters, a bad modifier on a known parameter is an
	// error even under lenient parsing
	values := url.Values{"birthdate:exact": {"2013-03-14"}}
	_, err := search.ParseQuery(testCaps(), "Patient", values, time.UTC, 500, 50, false)
	assert.True(t, outcome.IsValidation(err))
}

func TestParseQueryModifierPrefixExclusive(t *testing.T) {
	values := url.Values{"birthdate:missing": {"gt2013"}}
	_, err := search.ParseQuery(testCaps(), "Patient", values, time.UTC, 500, 50, false)
	assert.True(t, outcome.IsValidation(err))
}

func TestParseQueryChain(t *testing.T) {
	q := parse(t, "Observation", "subject.name=Chalmers")
	require.Len(t, q.Conditions, 1)
	c := q.Conditions[0]
	assert.Equal(t, []search.Hop{{Param: "subject", TargetType: "Patient"}}, c.Chain)
	assert.Equal(t, "Patient", c.On)
	assert.Equal(t, "Observation", c.Root)
	assert.Equal(t, "name", c.Key.Name)
}

func TestParseQueryChainWithTypeModifier(t *testing.T) {
	q := parse(t, "Patient", "general-practitioner:Organization.name=Acme")
	require.Len(t, q.Conditions, 1)
	assert.Equal(t, []search.Hop{{Param: "general-practitioner", TargetType: "Organization"}}, q.Conditions[0].Chain)
}

func TestParseQueryAmbiguousChain(t *testing.T) {
	values := url.Values{"general-practitioner.name": {"Acme"}}
	_, err := search.ParseQuery(testCaps(), "Patient", values, time.UTC, 500, 50, false)
	require.Error(t, err)
	assert.True(t, outcome.IsValidation(err))
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestParseQueryReverseChain(t *testing.T) {
	q := parse(t, "Patient", "_has:Observation:subject:code=http://loinc.org|8480-6")
	require.Len(t, q.Conditions, 1)
	c := q.Conditions[0]
	assert.Equal(t, []search.ReverseHop{{SourceType: "Observation", RefParam: "subject"}}, c.Reverse)
	assert.Equal(t, "Observation", c.On)
	assert.Equal(t, "code", c.Key.Name)
}

func TestParseQueryCountBoundedByMax(t *testing.T) {
	values := url.Values{"_count": {"9999"}}
	q, err := search.ParseQuery(testCaps(), "Patient", values, time.UTC, 100, 50, false)
	require.NoError(t, err)
	assert.Equal(t, 100, q.Count)
}

func TestParseQueryResultParameters(t *testing.T) {
	q := parse(t, "Observation",
		"_sort=-date,code&_include=Observation:subject&_summary=count&_total=accurate&_elements=code,status")
	assert.Equal(t, []search.SortKey{{Param: "date", Descending: true}, {Param: "code"}}, q.Sort)
	assert.Equal(t, []search.Include{{SourceType: "Observation", Param: "subject"}}, q.Includes)
	assert.Equal(t, search.SummaryCount, q.Summary)
	assert.True(t, q.Total)
	assert.Equal(t, []string{"code", "status"}, q.Elements)
}

func TestParseQueryRecognizedButIgnored(t *testing.T) {
	q := parse(t, "Patient", "_contained=true&name=Chalmers")
	require.Len(t, q.Conditions, 1)
	assert.Equal(t, []search.ParameterKey{{Name: "_contained"}}, q.Ignored)
}

func TestBuildQueryRoundTrip(t *testing.T) {
	raw := "birthdate=ge2013-03-14&identifier=http://acme.org/mrn|12345&name=Chalmers"
	q := parse(t, "Patient", raw)

	built := search.BuildQuery(q)
	values, err := url.ParseQuery(built)
	require.NoError(t, err)
	again, err := search.ParseQuery(testCaps(), "Patient", values, time.UTC, 500, 50, true)
	require.NoError(t, err)

	assert.Equal(t, search.BuildQuery(again), built)
	assert.Equal(t, q.Shape(), again.Shape())
}

func TestShapeIgnoresPagination(t *testing.T) {
	q := parse(t, "Patient", "name=Chalmers")
	paged := q
	paged.Count = 10
	paged.Cursor = search.Cursor("abc")
	assert.Equal(t, q.Shape(), paged.Shape())

	other := parse(t, "Patient", "name=Smith")
	assert.NotEqual(t, q.Shape(), other.Shape())
}

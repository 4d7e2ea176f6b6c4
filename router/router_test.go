package router_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DAMEDIC/fhir-store-go/audit"
	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/history"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/config"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/router"
	"github.com/DAMEDIC/fhir-store-go/storage/memory"
	"github.com/DAMEDIC/fhir-store-go/tenant"
	"github.com/DAMEDIC/fhir-store-go/terminology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParameters() map[string]map[string]search.ParameterDef {
	return map[string]map[string]search.ParameterDef{
		"Patient": {
			"name":         {Type: search.TypeString, Expression: "name"},
			"organization": {Type: search.TypeReference, Expression: "managingOrganization.reference", Targets: []string{"Organization"}},
		},
		"Observation": {
			"code":    {Type: search.TypeToken, Expression: "code.coding"},
			"subject": {Type: search.TypeReference, Expression: "subject.reference", Targets: []string{"Patient"}},
		},
		"Organization": {
			"name":   {Type: search.TypeString, Expression: "name"},
			"partof": {Type: search.TypeReference, Expression: "partOf.reference", Targets: []string{"Organization"}},
		},
	}
}

func clinic(t *testing.T, id string) tenant.Context {
	t.Helper()
	tc, err := tenant.New(id, tenant.AllPermissions...)
	require.NoError(t, err)
	return tc
}

func newRouter(t *testing.T, policy config.Policy, opts ...router.Option) (*router.Router, *memory.Store) {
	t.Helper()
	store := memory.NewStore(testParameters(), memory.WithUpdateCreate())
	return router.New(store, policy, zerolog.Nop(), opts...), store
}

func parse(t *testing.T, r *router.Router, resourceType, rawQuery string) search.Query {
	t.Helper()
	caps, err := r.Capabilities(context.Background())
	require.NoError(t, err)
	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	q, err := search.ParseQuery(caps.Search, resourceType, values, time.UTC, 500, 50, true)
	require.NoError(t, err)
	return q
}

func TestCapabilitiesMergeWiredBackends(t *testing.T) {
	bare, _ := newRouter(t, config.Default())
	caps, err := bare.Capabilities(context.Background())
	require.NoError(t, err)
	assert.False(t, caps.Search.Terminology)

	wired, _ := newRouter(t, config.Default(),
		router.WithTerminology(terminology.NewService()),
	)
	caps, err = wired.Capabilities(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.Search.Terminology)
	assert.Contains(t, caps.Search.Parameters["Patient"], "name")
}

func TestCRUDWritesAuditTrail(t *testing.T) {
	sink := audit.NewMemorySink(100)
	r, _ := newRouter(t, config.Default(), router.WithAudit(sink))
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	created, err := r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Alice"}})
	require.NoError(t, err)
	_, err = r.Read(ctx, tc, "Patient", created.ID)
	require.NoError(t, err)
	_, err = r.Read(ctx, tc, "Patient", "absent")
	require.Error(t, err)
	require.NoError(t, r.Delete(ctx, tc, "Patient", created.ID))

	events, err := sink.Find(ctx, audit.Query{TenantID: "clinic-a"})
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, audit.ActionCreate, events[0].Action)
	assert.Equal(t, created.Identity(), events[0].Subject)
	assert.Empty(t, events[0].Outcome)
	assert.NotEmpty(t, events[2].Outcome, "failed reads are recorded with their outcome")
	assert.Equal(t, audit.ActionDelete, events[3].Action)
}

type failingSink struct{}

func (failingSink) Record(ctx context.Context, event audit.Event) error {
	return errors.New("trail unavailable")
}

func (failingSink) Find(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	return nil, errors.New("trail unavailable")
}

func TestAuditFailureDoesNotFailOperations(t *testing.T) {
	r, _ := newRouter(t, config.Default(), router.WithAudit(failingSink{}))
	tc := clinic(t, "clinic-a")

	created, err := r.Create(context.Background(), tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Alice"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestSearchDelegatesAndAudits(t *testing.T) {
	sink := audit.NewMemorySink(100)
	r, _ := newRouter(t, config.Default(), router.WithAudit(sink))
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	_, err := r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Anna"}})
	require.NoError(t, err)
	_, err = r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Berta"}})
	require.NoError(t, err)

	result, err := r.Search(ctx, tc, parse(t, r, "Patient", "name=anna"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Empty(t, result.Warnings)

	events, err := sink.Find(ctx, audit.Query{TenantID: "clinic-a"})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, audit.ActionSearch, last.Action)
	assert.Contains(t, last.Detail, "Patient?")
	assert.Contains(t, last.Detail, "name=anna")
}

// observations returns a store seeded with one blood pressure and one heart
// rate observation, plus a terminology service that knows both are vital
// signs.
func seedObservations(t *testing.T, r *router.Router) {
	t.Helper()
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	for id, code := range map[string]string{"bp": "85354-9", "hr": "8867-4"} {
		_, err := r.Create(ctx, tc, model.Resource{Type: "Observation", ID: id, Body: map[string]any{
			"code": map[string]any{
				"coding": []any{map[string]any{"system": "http://loinc.org", "code": code}},
			},
		}})
		require.NoError(t, err)
	}
}

func vitalSigns() *terminology.Service {
	terms := terminology.NewService()
	terms.AddConcept("http://loinc.org", "vital-signs")
	terms.AddConcept("http://loinc.org", "85354-9", "vital-signs")
	terms.AddConcept("http://loinc.org", "8867-4", "vital-signs")
	return terms
}

func TestSearchPostFiltersResidualConditions(t *testing.T) {
	// the store itself has no terminology wired, so :below lands on the
	// router's post-filter against the router-wired service
	r, _ := newRouter(t, config.Default(), router.WithTerminology(vitalSigns()))
	seedObservations(t, r)
	tc := clinic(t, "clinic-a")

	result, err := r.Search(context.Background(), tc,
		parse(t, r, "Observation", "code:below=http://loinc.org|85354-9"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, "bp", result.Resources[0].ID)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "post-filtered")
}

// textIndex serves full-text matches from a prebuilt index and records the
// queries it was asked.
type textIndex struct {
	index   map[string][]model.Identity
	queries []string
}

func (x *textIndex) Name() string { return "text-index" }

func (x *textIndex) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	return capabilities.Capabilities{}, nil
}

func (x *textIndex) SearchText(ctx context.Context, tc tenant.Context, resourceType, text string) ([]model.Identity, error) {
	x.queries = append(x.queries, resourceType+"?"+text)
	return x.index[text], nil
}

// scanOnlyPrimary hides the full-text surface of the wrapped store, the way
// a backend without a text index advertises itself.
type scanOnlyPrimary struct {
	*memory.Store
}

func (p scanOnlyPrimary) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	caps, err := p.Store.Capabilities(ctx)
	if err != nil {
		return capabilities.Capabilities{}, err
	}
	caps.Search.FullText = false
	return caps, nil
}

func TestFullTextRoutesToTextBackend(t *testing.T) {
	store := memory.NewStore(testParameters(), memory.WithUpdateCreate())
	idx := &textIndex{index: map[string][]model.Identity{}}
	r := router.New(scanOnlyPrimary{store}, config.Default(), zerolog.Nop(), router.WithText(idx))
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	anna, err := r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Anna"}})
	require.NoError(t, err)
	// Joanna would match a substring scan; keeping her out of the index
	// proves the index, not the evaluator, answered the condition
	_, err = r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Joanna"}})
	require.NoError(t, err)
	idx.index["anna"] = []model.Identity{anna.Identity()}

	result, err := r.Search(ctx, tc, parse(t, r, "Patient", "name:contains=anna"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, anna.ID, result.Resources[0].ID)
	assert.NotEmpty(t, idx.queries)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "post-filtered")
}

func TestFullTextWithoutTextBackendUsesEvaluator(t *testing.T) {
	r, _ := newRouter(t, config.Default())
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	_, err := r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Joanna"}})
	require.NoError(t, err)
	_, err = r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Bert"}})
	require.NoError(t, err)

	result, err := r.Search(ctx, tc, parse(t, r, "Patient", "name:contains=anna"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, "Joanna", result.Resources[0].Body["name"])
	assert.Empty(t, result.Warnings)
}

func TestSearchRejectPolicy(t *testing.T) {
	policy := config.Default()
	policy.Unsupported = config.PolicyReject
	r, _ := newRouter(t, policy, router.WithTerminology(vitalSigns()))
	seedObservations(t, r)
	tc := clinic(t, "clinic-a")

	_, err := r.Search(context.Background(), tc,
		parse(t, r, "Observation", "code:below=http://loinc.org|85354-9"))
	assert.True(t, outcome.IsUnsupported(err))
}

func TestSearchSummaryCount(t *testing.T) {
	r, _ := newRouter(t, config.Default())
	seedObservations(t, r)
	tc := clinic(t, "clinic-a")

	result, err := r.Search(context.Background(), tc,
		parse(t, r, "Observation", "_summary=count"))
	require.NoError(t, err)
	assert.Empty(t, result.Resources)
	require.NotNil(t, result.Total)
	assert.Equal(t, 2, *result.Total)
}

func TestSearchResolvesIncludes(t *testing.T) {
	r, _ := newRouter(t, config.Default())
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	_, err := r.Create(ctx, tc, model.Resource{Type: "Patient", ID: "p1", Body: map[string]any{"name": "Anna"}})
	require.NoError(t, err)
	_, err = r.Create(ctx, tc, model.Resource{Type: "Observation", ID: "o1", Body: map[string]any{
		"code":    map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "85354-9"}}},
		"subject": map[string]any{"reference": "Patient/p1"},
	}})
	require.NoError(t, err)

	result, err := r.Search(ctx, tc, parse(t, r, "Observation", "_include=Observation:subject"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	require.Len(t, result.Included, 1)
	assert.Equal(t, model.Identity{Type: "Patient", ID: "p1"}, result.Included[0].Identity())

	result, err = r.Search(ctx, tc, parse(t, r, "Patient", "_revinclude=Observation:subject"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	require.Len(t, result.Included, 1)
	assert.Equal(t, model.Identity{Type: "Observation", ID: "o1"}, result.Included[0].Identity())
}

func TestIterativeIncludesAreDepthBounded(t *testing.T) {
	policy := config.Default()
	policy.IncludeDepth = 1
	r, _ := newRouter(t, policy)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	// ward -> clinic -> region: depth 1 must stop after clinic
	for id, parent := range map[string]string{"region": "", "clinic": "region", "ward": "clinic"} {
		body := map[string]any{"name": id}
		if parent != "" {
			body["partOf"] = map[string]any{"reference": "Organization/" + parent}
		}
		_, err := r.Create(ctx, tc, model.Resource{Type: "Organization", ID: id, Body: body})
		require.NoError(t, err)
	}

	result, err := r.Search(ctx, tc,
		parse(t, r, "Organization", "name=ward&_include:iterate=Organization:partof"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	require.Len(t, result.Included, 1)
	assert.Equal(t, "clinic", result.Included[0].ID)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "truncated")
}

func TestExportDelegatesToPrimary(t *testing.T) {
	r, _ := newRouter(t, config.Default())
	seedObservations(t, r)
	tc := clinic(t, "clinic-a")

	var exported []model.Resource
	err := r.Export(context.Background(), tc, []string{"Observation"}, time.Time{}, func(resource model.Resource) error {
		exported = append(exported, resource)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, exported, 2)
}

func TestHistoryDelegates(t *testing.T) {
	r, _ := newRouter(t, config.Default())
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	created, err := r.Create(ctx, tc, model.Resource{Type: "Patient", Body: map[string]any{"name": "Anna"}})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, tc, "Patient", created.ID))

	result, err := r.InstanceHistory(ctx, tc, "Patient", created.ID, history.Params{})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
}

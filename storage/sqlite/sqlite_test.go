package sqlite_test

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/history"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/storage/sqlite"
	"github.com/DAMEDIC/fhir-store-go/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openStore opens a store on a temporary database file. ":memory:" would
// hand every pool connection its own empty database.
func openStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "store.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func clinic(t *testing.T, id string) tenant.Context {
	t.Helper()
	tc, err := tenant.New(id, tenant.AllPermissions...)
	require.NoError(t, err)
	return tc
}

func patient(name string) model.Resource {
	return model.Resource{Type: "Patient", Body: map[string]any{"name": name}}
}

func TestLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	created, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "1", created.VersionID)

	got, err := store.Read(ctx, tc, "Patient", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Body["name"])
	assert.Equal(t, "Patient", got.Body["resourceType"])

	updated := got.Clone()
	updated.Body["name"] = "Alicia"
	result, err := store.Update(ctx, tc, updated)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, "2", result.Resource.VersionID)

	v1, err := store.VRead(ctx, tc, "Patient", created.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", v1.Body["name"])

	require.NoError(t, store.Delete(ctx, tc, "Patient", created.ID))
	got, err = store.Read(ctx, tc, "Patient", created.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, "3", got.VersionID)

	// deleting a tombstone is a no-op
	require.NoError(t, store.Delete(ctx, tc, "Patient", created.ID))

	revived := patient("Alice")
	revived.ID = created.ID
	result, err = store.Update(ctx, tc, revived)
	require.NoError(t, err)
	assert.Equal(t, "4", result.Resource.VersionID)
}

func TestClientAssignedIDs(t *testing.T) {
	ctx := context.Background()
	tc := clinic(t, "clinic-a")
	r := patient("Alice")
	r.ID = "p1"

	t.Run("rejected by default", func(t *testing.T) {
		_, err := openStore(t).Create(ctx, tc, r)
		assert.True(t, outcome.IsValidation(err))
	})

	t.Run("update-as-create", func(t *testing.T) {
		store := openStore(t, sqlite.WithUpdateCreate())
		created, err := store.Create(ctx, tc, r)
		require.NoError(t, err)
		assert.Equal(t, "p1", created.ID)

		_, err = store.Create(ctx, tc, r)
		assert.True(t, outcome.IsPrecondition(err))

		other := patient("Berta")
		other.ID = "p2"
		result, err := store.Update(ctx, tc, other)
		require.NoError(t, err)
		assert.True(t, result.Created)
	})
}

func TestUpdateWithMatch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	created, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)

	_, err = store.UpdateWithMatch(ctx, tc, created, "999")
	var conflict *outcome.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "1", conflict.Actual)

	next, err := store.UpdateWithMatch(ctx, tc, created, "1")
	require.NoError(t, err)
	assert.Equal(t, "2", next.VersionID)
}

func TestTenantIsolation(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	a := clinic(t, "clinic-a")
	b := clinic(t, "clinic-b")

	created, err := store.Create(ctx, a, patient("Alice"))
	require.NoError(t, err)

	_, err = store.Read(ctx, b, "Patient", created.ID)
	assert.True(t, outcome.IsNotFound(err))

	shared, err := store.Create(ctx, tenant.System(), patient("Shared"))
	require.NoError(t, err)
	_, err = store.Read(ctx, b, "Patient", shared.ID)
	assert.True(t, outcome.IsNotFound(err))
	got, err := store.Read(ctx, b.WithSharedAccess(), "Patient", shared.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.TenantID)
}

func searchQuery(t *testing.T, store *sqlite.Store, resourceType, rawQuery string) search.Query {
	t.Helper()
	caps, err := store.Capabilities(context.Background())
	require.NoError(t, err)
	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	q, err := search.ParseQuery(caps.Search, resourceType, values, time.UTC, 500, 50, true)
	require.NoError(t, err)
	return q
}

func TestSearchByID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	first, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	_, err = store.Create(ctx, tc, patient("Berta"))
	require.NoError(t, err)

	result, err := store.Search(ctx, tc, searchQuery(t, store, "Patient", "_id="+first.ID))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, first.ID, result.Resources[0].ID)
}

func TestSearchByLastUpdated(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := openStore(t, sqlite.WithClock(func() time.Time {
		now = now.Add(24 * time.Hour)
		return now
	}))
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, tc, patient("Alice"))
		require.NoError(t, err)
	}

	result, err := store.Search(ctx, tc, searchQuery(t, store, "Patient", "_lastUpdated=ge2024-05-03&_total=accurate"))
	require.NoError(t, err)
	require.NotNil(t, result.Total)
	assert.Equal(t, 2, *result.Total)

	result, err = store.Search(ctx, tc, searchQuery(t, store, "Patient", "_lastUpdated=lt2024-05-03"))
	require.NoError(t, err)
	assert.Len(t, result.Resources, 1)
}

func TestSearchTagIsPostFiltered(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	tagged := patient("Alice")
	tagged.Body["meta"] = map[string]any{
		"tag": []any{map[string]any{"system": "http://acme.org/tags", "code": "vip"}},
	}
	_, err := store.Create(ctx, tc, tagged)
	require.NoError(t, err)
	_, err = store.Create(ctx, tc, patient("Berta"))
	require.NoError(t, err)

	result, err := store.Search(ctx, tc, searchQuery(t, store, "Patient", "_tag=http://acme.org/tags|vip"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, "Alice", result.Resources[0].Body["name"])
}

func TestSearchPaging(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, tc, patient("Alice"))
		require.NoError(t, err)
	}

	q := searchQuery(t, store, "Patient", "_count=2")
	first, err := store.Search(ctx, tc, q)
	require.NoError(t, err)
	require.Len(t, first.Resources, 2)
	require.NotEmpty(t, first.Next)

	q.Cursor = first.Next
	second, err := store.Search(ctx, tc, q)
	require.NoError(t, err)
	assert.Len(t, second.Resources, 1)
	assert.Empty(t, second.Next)

	q.Cursor = search.EncodeCursor("memory", q.Shape(), []byte("2"))
	_, err = store.Search(ctx, tc, q)
	assert.True(t, outcome.IsValidation(err))
}

func TestSearchRejectsUnsupportedParameter(t *testing.T) {
	store := openStore(t)
	tc := clinic(t, "clinic-a")

	// bypass parsing: the backend itself must refuse conditions outside its
	// native surface
	q := search.Query{
		ResourceType: "Patient",
		Conditions: []search.Condition{{
			Key:  search.ParameterKey{Name: "name"},
			Root: "Patient",
			On:   "Patient",
			Def:  search.ParameterDef{Type: search.TypeString, Expression: "name"},
		}},
	}
	_, err := store.Search(context.Background(), tc, q)
	assert.True(t, outcome.IsUnsupported(err))
}

func TestHistoryScopes(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := openStore(t, sqlite.WithClock(func() time.Time {
		now = now.Add(time.Hour)
		return now
	}))
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	created, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	updated := created.Clone()
	updated.Body["name"] = "Alicia"
	_, err = store.Update(ctx, tc, updated)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, tc, "Patient", created.ID))

	instance, err := store.InstanceHistory(ctx, tc, "Patient", created.ID, history.Params{})
	require.NoError(t, err)
	require.Len(t, instance.Entries, 3)
	assert.True(t, instance.Entries[0].Deleted, "newest first")
	assert.Equal(t, "1", instance.Entries[2].VersionID)

	_, err = store.InstanceHistory(ctx, tc, "Patient", "absent", history.Params{})
	assert.True(t, outcome.IsNotFound(err))

	since, err := store.TypeHistory(ctx, tc, "Patient", history.Params{
		Since: time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, since.Entries, 1)

	first, err := store.SystemHistory(ctx, tc, history.Params{Count: 2})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	require.NotEmpty(t, first.Next)
	second, err := store.SystemHistory(ctx, tc, history.Params{Count: 2, Cursor: first.Next})
	require.NoError(t, err)
	assert.Len(t, second.Entries, 1)
	assert.Empty(t, second.Next)
}

func TestPurge(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	created, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	require.NoError(t, store.Purge(ctx, tc, "Patient", created.ID))

	_, err = store.Read(ctx, tc, "Patient", created.ID)
	assert.True(t, outcome.IsNotFound(err))
	_, err = store.VRead(ctx, tc, "Patient", created.ID, "1")
	assert.True(t, outcome.IsNotFound(err))

	err = store.Purge(ctx, tc, "Patient", created.ID)
	assert.True(t, outcome.IsNotFound(err))
}

func TestApplyAllRollsBackOnConflict(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	existing, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	updated := existing.Clone()
	updated.Body["name"] = "Alicia"

	_, err = store.ApplyAll(ctx, tc, []capabilities.StagedWrite{
		{Resource: patient("Berta")},
		{Resource: updated, ExpectedVersion: "999"},
	})
	var conflict *outcome.VersionConflictError
	require.ErrorAs(t, err, &conflict)

	result, err := store.Search(ctx, tc, searchQuery(t, store, "Patient", "_total=accurate"))
	require.NoError(t, err)
	require.NotNil(t, result.Total)
	assert.Equal(t, 1, *result.Total, "the batch must leave no trace")
	got, err := store.Read(ctx, tc, "Patient", existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.VersionID)
}

func TestApplyAllCommitsTogether(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	existing, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	updated := existing.Clone()
	updated.Body["name"] = "Alicia"

	applied, err := store.ApplyAll(ctx, tc, []capabilities.StagedWrite{
		{Resource: patient("Berta")},
		{Resource: updated, ExpectedVersion: "1"},
	})
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "2", applied[1].VersionID)
}

func TestExport(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := openStore(t, sqlite.WithClock(func() time.Time {
		now = now.Add(24 * time.Hour)
		return now
	}))
	ctx := context.Background()
	tc := clinic(t, "clinic-a")

	_, err := store.Create(ctx, tc, patient("Alice"))
	require.NoError(t, err)
	_, err = store.Create(ctx, tc, patient("Berta"))
	require.NoError(t, err)
	deleted, err := store.Create(ctx, tc, patient("Carla"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, tc, "Patient", deleted.ID))

	var exported []model.Resource
	err = store.Export(ctx, tc, []string{"Patient", "Observation"}, time.Time{}, func(r model.Resource) error {
		exported = append(exported, r)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, exported, 2, "tombstones are not exported")

	exported = nil
	err = store.Export(ctx, tc, []string{"Patient"}, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), func(r model.Resource) error {
		exported = append(exported, r)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, exported, 1)
}

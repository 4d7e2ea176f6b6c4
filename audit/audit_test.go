package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/DAMEDIC/fhir-store-go/audit"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, sink *audit.MemorySink, event audit.Event) {
	t.Helper()
	require.NoError(t, sink.Record(context.Background(), event))
}

func TestRecordAssignsIDAndTime(t *testing.T) {
	sink := audit.NewMemorySink(0)
	record(t, sink, audit.Event{TenantID: "clinic-a", Action: audit.ActionCreate})

	events, err := sink.Find(context.Background(), audit.Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Time.IsZero())
}

func TestBoundedSinkDropsOldestFirst(t *testing.T) {
	sink := audit.NewMemorySink(3)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		record(t, sink, audit.Event{ID: id, Action: audit.ActionRead})
	}

	events, err := sink.Find(context.Background(), audit.Query{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "3", events[0].ID)
	assert.Equal(t, "5", events[2].ID)
}

func TestFindFilters(t *testing.T) {
	sink := audit.NewMemorySink(0)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	subject := model.Identity{Type: "Patient", ID: "p1"}

	record(t, sink, audit.Event{ID: "a", Time: base, TenantID: "clinic-a", Action: audit.ActionCreate, Subject: subject})
	record(t, sink, audit.Event{ID: "b", Time: base.Add(time.Hour), TenantID: "clinic-b", Action: audit.ActionRead, Subject: subject})
	record(t, sink, audit.Event{ID: "c", Time: base.Add(2 * time.Hour), TenantID: "clinic-a", Action: audit.ActionSearch})

	ctx := context.Background()

	byTenant, err := sink.Find(ctx, audit.Query{TenantID: "clinic-a"})
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	bySubject, err := sink.Find(ctx, audit.Query{Subject: subject})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	// From inclusive, To exclusive
	byTime, err := sink.Find(ctx, audit.Query{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, byTime, 1)
	assert.Equal(t, "b", byTime[0].ID)

	limited, err := sink.Find(ctx, audit.Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

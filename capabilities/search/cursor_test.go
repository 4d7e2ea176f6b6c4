package search_test

import (
	"testing"

	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	q := parse(t, "Patient", "name=Chalmers")
	cursor := search.EncodeCursor("memory", q.Shape(), []byte("42"))

	payload, err := search.DecodeCursor(cursor, "memory", q.Shape())
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), payload)
}

func TestCursorRejectsForeignBackend(t *testing.T) {
	q := parse(t, "Patient", "name=Chalmers")
	cursor := search.EncodeCursor("memory", q.Shape(), []byte("42"))

	_, err := search.DecodeCursor(cursor, "sqlite", q.Shape())
	assert.True(t, outcome.IsValidation(err))
}

func TestCursorRejectsForeignShape(t *testing.T) {
	q := parse(t, "Patient", "name=Chalmers")
	other := parse(t, "Patient", "name=Smith")
	cursor := search.EncodeCursor("memory", q.Shape(), []byte("42"))

	_, err := search.DecodeCursor(cursor, "memory", other.Shape())
	assert.True(t, outcome.IsValidation(err))
}

func TestCursorRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "!!!", "bm90IGpzb24"} {
		_, err := search.DecodeCursor(search.Cursor(raw), "memory", "shape")
		assert.True(t, outcome.IsValidation(err), "cursor %q", raw)
	}
}

package model_test

import (
	"testing"

	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestElements(t *testing.T) {
	r := model.Resource{
		Type: "Patient",
		ID:   "p1",
		Body: map[string]any{
			"resourceType": "Patient",
			"name": []any{
				map[string]any{"family": "Chalmers", "given": []any{"Peter", "James"}},
				map[string]any{"given": []any{"Jim"}},
			},
			"birthDate": "1974-12-25",
			"deceased":  nil,
		},
	}

	tests := []struct {
		path string
		want []any
	}{
		{path: "birthDate", want: []any{"1974-12-25"}},
		{path: "name.family", want: []any{"Chalmers"}},
		{path: "name.given", want: []any{"Peter", "James", "Jim"}},
		{path: "name.suffix", want: nil},
		{path: "deceased", want: nil},
		{path: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := r.Elements(tt.path)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Elements(%q) mismatch (-want +got):\n%s", tt.path, diff)
			}
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	r := model.Resource{
		Type: "Observation",
		ID:   "o1",
		Body: map[string]any{"status": "final"},
	}
	c := r.Clone()
	c.Body["status"] = "amended"
	assert.Equal(t, "final", r.Body["status"])
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, model.CompareVersions("2", "10"))
	assert.Equal(t, 1, model.CompareVersions("10", "2"))
	assert.Equal(t, 0, model.CompareVersions("3", "3"))
	// opaque non-numeric identifiers fall back to lexicographic order
	assert.Equal(t, -1, model.CompareVersions("a", "b"))
}

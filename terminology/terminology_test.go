package terminology_test

import (
	"context"
	"testing"

	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/terminology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const system = "http://snomed.info/sct"

func vitals() *terminology.Service {
	s := terminology.NewService()
	s.AddConcept(system, "vital-signs")
	s.AddConcept(system, "blood-pressure", "vital-signs")
	s.AddConcept(system, "systolic", "blood-pressure")
	s.AddConcept(system, "diastolic", "blood-pressure")
	s.AddConcept(system, "heart-rate", "vital-signs")
	return s
}

func TestSubsumes(t *testing.T) {
	s := vitals()
	ctx := context.Background()

	tests := []struct {
		name       string
		ancestor   string
		descendant string
		want       bool
	}{
		{name: "direct parent", ancestor: "blood-pressure", descendant: "systolic", want: true},
		{name: "transitive", ancestor: "vital-signs", descendant: "systolic", want: true},
		{name: "self", ancestor: "systolic", descendant: "systolic", want: true},
		{name: "inverted", ancestor: "systolic", descendant: "vital-signs", want: false},
		{name: "sibling", ancestor: "heart-rate", descendant: "systolic", want: false},
		{name: "unknown descendant", ancestor: "vital-signs", descendant: "nope", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Subsumes(ctx, system, tt.ancestor, tt.descendant)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubsumesTerminatesOnCycle(t *testing.T) {
	s := terminology.NewService()
	s.AddConcept(system, "a", "b")
	s.AddConcept(system, "b", "a")

	got, err := s.Subsumes(context.Background(), system, "c", "a")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestSubsumesHonorsCancellation(t *testing.T) {
	s := vitals()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Subsumes(ctx, system, "vital-signs", "systolic")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpand(t *testing.T) {
	s := vitals()
	s.DefineValueSet("http://acme.org/vs/bp",
		search.Coding{System: system, Code: "systolic"},
		search.Coding{System: system, Code: "diastolic"},
	)

	codings, err := s.Expand(context.Background(), "http://acme.org/vs/bp")
	require.NoError(t, err)
	assert.Len(t, codings, 2)

	_, err = s.Expand(context.Background(), "http://acme.org/vs/unknown")
	assert.True(t, outcome.IsNotFound(err))
}

func TestDescendants(t *testing.T) {
	s := vitals()

	codings, err := s.Descendants(context.Background(), system, "vital-signs")
	require.NoError(t, err)

	codes := make([]string, 0, len(codings))
	for _, coding := range codings {
		codes = append(codes, coding.Code)
	}
	assert.ElementsMatch(t, []string{"blood-pressure", "systolic", "diastolic", "heart-rate"}, codes)
}

package capabilities_test

import (
	"testing"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupportsInteractionHistoryImplication(t *testing.T) {
	c := capabilities.Capabilities{
		Interactions: []capabilities.Interaction{capabilities.InteractionHistorySystem},
	}

	// system-level history implies the narrower scopes
	assert.True(t, c.SupportsInteraction(capabilities.InteractionHistorySystem))
	assert.True(t, c.SupportsInteraction(capabilities.InteractionHistoryType))
	assert.True(t, c.SupportsInteraction(capabilities.InteractionHistoryInstance))
	assert.False(t, c.SupportsInteraction(capabilities.InteractionCreate))

	narrow := capabilities.Capabilities{
		Interactions: []capabilities.Interaction{capabilities.InteractionHistoryInstance},
	}
	assert.True(t, narrow.SupportsInteraction(capabilities.InteractionHistoryInstance))
	assert.False(t, narrow.SupportsInteraction(capabilities.InteractionHistorySystem))
}

func TestSupportsIsolationAcceptsStricterLevels(t *testing.T) {
	serializableOnly := capabilities.Capabilities{
		Isolation: []capabilities.IsolationLevel{capabilities.IsolationSerializable},
	}
	// a stricter advertised level satisfies every weaker request
	assert.True(t, serializableOnly.SupportsIsolation(capabilities.IsolationReadCommitted))
	assert.True(t, serializableOnly.SupportsIsolation(capabilities.IsolationRepeatableRead))
	assert.True(t, serializableOnly.SupportsIsolation(capabilities.IsolationSerializable))

	readCommittedOnly := capabilities.Capabilities{
		Isolation: []capabilities.IsolationLevel{capabilities.IsolationReadCommitted},
	}
	assert.True(t, readCommittedOnly.SupportsIsolation(capabilities.IsolationReadCommitted))
	assert.False(t, readCommittedOnly.SupportsIsolation(capabilities.IsolationRepeatableRead))
	assert.False(t, readCommittedOnly.SupportsIsolation(capabilities.IsolationSerializable))

	assert.False(t, serializableOnly.SupportsIsolation(capabilities.IsolationLevel("snapshot")))
	assert.False(t, capabilities.Capabilities{}.SupportsIsolation(capabilities.IsolationReadCommitted))
}

func TestStatementReflectsSurface(t *testing.T) {
	c := capabilities.Capabilities{
		Interactions: []capabilities.Interaction{capabilities.InteractionRead, capabilities.InteractionSearchType},
		Search: search.Capabilities{
			Parameters: map[string]map[string]search.ParameterDef{
				"Patient": {
					"name":      {Type: search.TypeString, Expression: "name"},
					"birthdate": {Type: search.TypeDate, Expression: "birthDate"},
				},
			},
		},
		UpdateCreate:     true,
		MultiMatchDelete: true,
	}

	statement := capabilities.Statement("fhir-store demo", c)
	assert.Equal(t, "CapabilityStatement", statement["resourceType"])

	rest, ok := statement["rest"].([]any)
	require.True(t, ok)
	require.Len(t, rest, 1)
	resources, ok := rest[0].(map[string]any)["resource"].([]any)
	require.True(t, ok)
	require.Len(t, resources, 1)

	patient := resources[0].(map[string]any)
	assert.Equal(t, "Patient", patient["type"])
	assert.Equal(t, true, patient["updateCreate"])
	assert.Equal(t, "multiple", patient["conditionalDelete"])

	params := patient["searchParam"].([]any)
	require.Len(t, params, 2)
	// parameters are sorted so the statement is deterministic
	assert.Equal(t, "birthdate", params[0].(map[string]any)["name"])
	assert.Equal(t, "name", params[1].(map[string]any)["name"])
}

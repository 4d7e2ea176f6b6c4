package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	p, err := config.Load(writeConfig(t, "updateAsCreate: true\n"))
	require.NoError(t, err)

	assert.True(t, p.UpdateAsCreate)
	assert.Equal(t, config.PolicyPostFilter, p.Unsupported)
	assert.Equal(t, 50, p.DefaultCount)
	assert.Equal(t, 500, p.MaxCount)
	assert.Equal(t, capabilities.IsolationReadCommitted, p.Isolation)
	assert.Equal(t, config.Duration(30*time.Second), p.TransactionTimeout)
}

func TestLoadOverrides(t *testing.T) {
	p, err := config.Load(writeConfig(t, `
unsupported: reject
isolation: serializable
defaultCount: 10
maxCount: 100
transactionTimeout: 5s
strictSearch: true
`))
	require.NoError(t, err)

	assert.Equal(t, config.PolicyReject, p.Unsupported)
	assert.Equal(t, capabilities.IsolationSerializable, p.Isolation)
	assert.Equal(t, 10, p.DefaultCount)
	assert.Equal(t, 100, p.MaxCount)
	assert.Equal(t, config.Duration(5*time.Second), p.TransactionTimeout)
	assert.True(t, p.StrictSearch)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown policy", content: "unsupported: drop\n"},
		{name: "negative tolerance", content: "approxTolerance: -0.1\n"},
		{name: "negative include depth", content: "includeDepth: -1\n"},
		{name: "default exceeds max", content: "defaultCount: 200\nmaxCount: 100\n"},
		{name: "bad duration", content: "transactionTimeout: soon\n"},
		{name: "not yaml", content: "{{{\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

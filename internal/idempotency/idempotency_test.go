package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/protocol"
)

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{name: "empty map", input: map[string]any{}, expected: "{}"},
		{name: "sorted keys", input: map[string]any{"z": 1, "a": 2, "m": 3}, expected: `{"a":2,"m":3,"z":1}`},
		{name: "nested maps", input: map[string]any{"outer": map[string]any{"z": "last", "a": "first"}}, expected: `{"outer":{"a":"first","z":"last"}}`},
		{name: "arrays preserved", input: map[string]any{"items": []any{"z", "a", "m"}}, expected: `{"items":["z","a","m"]}`},
		{name: "struct fields sorted", input: struct {
			B int `json:"b"`
			A int `json:"a"`
		}{B: 1, A: 2}, expected: `{"a":2,"b":1}`},
		{name: "large integers keep precision", input: map[string]any{"n": int64(9007199254740993)}, expected: `{"n":9007199254740993}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestCanonicalJSONRejectsUnmarshalable(t *testing.T) {
	_, err := CanonicalJSON(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestDeploymentKey(t *testing.T) {
	spec := protocol.AgentSpec{Name: "counter", Language: protocol.LanguageGo, Path: "agents/counter.go", Migratable: true}

	k1, err := DeploymentKey(spec, protocol.Wildcard)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k1, "dep-"))
	assert.Len(t, k1, len("dep-")+16)

	withID := spec
	withID.ID = "agent-123"
	k2, err := DeploymentKey(withID, protocol.Wildcard)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "agent ids do not affect the contract identity")

	k3, err := DeploymentKey(spec, "rt-a")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	changed := spec
	changed.Args = []string{"--fast"}
	k4, err := DeploymentKey(changed, protocol.Wildcard)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableHashJSONIsKeyOrderIndependent(t *testing.T) {
	h1, err := StableHashJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := StableHashJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestStableHashJSONDiffersOnValue(t *testing.T) {
	h1, err := StableHashJSON(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	h2, err := StableHashJSON(map[string]interface{}{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestStableHashBytesIsDeterministic(t *testing.T) {
	b := []byte("hello world")
	assert.Equal(t, StableHashBytes(b), StableHashBytes(b))
}

func TestStableHash128StringsIsOrderIndependent(t *testing.T) {
	h1 := stableHash128Strings([]string{"x", "y", "z"})
	h2 := stableHash128Strings([]string{"z", "x", "y"})
	assert.Equal(t, h1, h2)
}

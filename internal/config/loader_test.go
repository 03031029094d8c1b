package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/perr"
)

func TestLoadBytesParsesStagesAndNormalizesKind(t *testing.T) {
	doc := []byte(`{
		"source": {"type": "ParameterPipelineStage", "lr": 0.1},
		"passthrough": {"type": "Identity", "inputs": ["source"]}
	}`)
	configs, err := LoadBytes(doc)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	byName := map[string]int{}
	for i, c := range configs {
		byName[c.Name] = i
	}
	src := configs[byName["source"]]
	assert.Equal(t, "Parameter", src.Kind)
	assert.Equal(t, 0.1, src.Options["lr"])

	pass := configs[byName["passthrough"]]
	assert.Equal(t, []string{"source"}, pass.Inputs)
}

func TestLoadBytesMissingTypeField(t *testing.T) {
	doc := []byte(`{"source": {"lr": 0.1}}`)
	_, err := LoadBytes(doc)
	assert.ErrorIs(t, err, perr.ErrConfigError)
}

func TestLoadBytesInputsMustBeStringArray(t *testing.T) {
	doc := []byte(`{"source": {"type": "Parameter", "inputs": [1, 2]}}`)
	_, err := LoadBytes(doc)
	assert.ErrorIs(t, err, perr.ErrConfigError)
}

func TestLoadBytesRejectsUnknownKind(t *testing.T) {
	doc := []byte(`{"source": {"type": "Bogus"}}`)
	_, err := LoadBytes(doc)
	assert.Error(t, err)
}

func TestLoadBytesMalformedJSON(t *testing.T) {
	_, err := LoadBytes([]byte(`{not json`))
	assert.ErrorIs(t, err, perr.ErrConfigError)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/does/not/exist/pipetree.json")
	assert.ErrorIs(t, err, perr.ErrConfigError)
}

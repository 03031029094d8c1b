package arbiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/pipeline"
	"github.com/pipetree/pipetree/internal/stage"
)

func TestRunCollectsEveryEndpoint(t *testing.T) {
	src := &stage.Config{Name: "source", Kind: "Parameter", Options: map[string]interface{}{"lr": 0.1}}
	left := &stage.Config{Name: "left", Kind: "Identity", Inputs: []string{"source"}}
	right := &stage.Config{Name: "right", Kind: "Identity", Inputs: []string{"source"}}
	p, err := pipeline.Build([]*stage.Config{src, left, right})
	require.NoError(t, err)

	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	ar := New(p, be)
	results, err := ar.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	names := map[string]bool{}
	for _, r := range results {
		names[r.StageName] = true
		assert.Len(t, r.Artifacts, 1)
	}
	assert.True(t, names["left"])
	assert.True(t, names["right"])
}

func TestRunStageUnknownName(t *testing.T) {
	p, err := pipeline.Build(nil)
	require.NoError(t, err)
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	ar := New(p, be)
	_, err = ar.RunStage(context.Background(), "nope")
	assert.Error(t, err)
}

func TestRunStageSingleEndpoint(t *testing.T) {
	src := &stage.Config{Name: "source", Kind: "Parameter", Options: map[string]interface{}{"lr": 0.1}}
	p, err := pipeline.Build([]*stage.Config{src})
	require.NoError(t, err)
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	ar := New(p, be)
	artifacts, err := ar.RunStage(context.Background(), "source")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
}

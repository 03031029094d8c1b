package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/stage"
)

func twoStageConfigs() []*stage.Config {
	src := &stage.Config{Name: "source", Kind: "Parameter", Options: map[string]interface{}{"lr": 0.1}}
	pass := &stage.Config{Name: "passthrough", Kind: "Identity", Inputs: []string{"source"}}
	return []*stage.Config{src, pass}
}

func TestBuildDetectsDuplicateNames(t *testing.T) {
	src := &stage.Config{Name: "dup", Kind: "Parameter", Options: map[string]interface{}{"a": 1}}
	src2 := &stage.Config{Name: "dup", Kind: "Parameter", Options: map[string]interface{}{"a": 2}}
	_, err := Build([]*stage.Config{src, src2})
	assert.Error(t, err)
}

func TestBuildDetectsUnknownInput(t *testing.T) {
	pass := &stage.Config{Name: "passthrough", Kind: "Identity", Inputs: []string{"missing"}}
	_, err := Build([]*stage.Config{pass})
	assert.Error(t, err)
}

func TestBuildComputesEndpoints(t *testing.T) {
	p, err := Build(twoStageConfigs())
	require.NoError(t, err)
	assert.Equal(t, []string{"passthrough"}, p.Endpoints)
}

func TestGenerateStageRunsDependencyChain(t *testing.T) {
	p, err := Build(twoStageConfigs())
	require.NoError(t, err)

	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	artifacts, err := p.GenerateStage(context.Background(), "passthrough", be)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "passthrough", artifacts[0].PipelineStage)
}

func TestGenerateStageIsCachedOnSecondRun(t *testing.T) {
	p, err := Build(twoStageConfigs())
	require.NoError(t, err)

	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.GenerateStage(ctx, "passthrough", be)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := p.GenerateStage(ctx, "passthrough", be)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].LoadedFromCache)
}

func TestGenerateStageResolvesIndependentPrerequisites(t *testing.T) {
	pics := &stage.Config{Name: "Pics", Kind: "Parameter", Options: map[string]interface{}{"path": "pics"}}
	params := &stage.Config{Name: "SearchParams", Kind: "Parameter", Options: map[string]interface{}{"q": "cats"}}
	train := &stage.Config{Name: "Train", Kind: "Identity", Inputs: []string{"Pics", "SearchParams"}}
	p, err := Build([]*stage.Config{pics, params, train})
	require.NoError(t, err)

	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	artifacts, err := p.GenerateStage(context.Background(), "Train", be)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestGenerateStageDedupesSharedPrerequisite(t *testing.T) {
	src := &stage.Config{Name: "source", Kind: "Parameter", Options: map[string]interface{}{"lr": 0.1}}
	left := &stage.Config{Name: "left", Kind: "Identity", Inputs: []string{"source"}}
	right := &stage.Config{Name: "right", Kind: "Identity", Inputs: []string{"source"}}
	p, err := Build([]*stage.Config{src, left, right})
	require.NoError(t, err)

	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	leftArtifacts, err := p.generateStageDeduped(ctx, "left", be)
	require.NoError(t, err)
	rightArtifacts, err := p.generateStageDeduped(ctx, "right", be)
	require.NoError(t, err)

	require.Len(t, leftArtifacts, 1)
	require.Len(t, rightArtifacts, 1)
	assert.Equal(t, leftArtifacts[0].SpecificHash, rightArtifacts[0].SpecificHash)
}

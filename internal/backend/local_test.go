package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
)

func newTestArtifact(stage, def, spec, dep string, payload interface{}) *artifact.Artifact {
	return &artifact.Artifact{
		PipelineStage:     stage,
		DefinitionHash:    def,
		SpecificHash:      spec,
		DependencyHash:    dep,
		SerializationType: artifact.SerializationJSON,
		CreationTime:      1,
		Item:              artifact.NewItem(payload),
	}
}

func TestLocalSaveAndLoadArtifact(t *testing.T) {
	ctx := context.Background()
	be, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	a := newTestArtifact("stage1", "def1", "spec1", artifact.EmptyDependencySentinel, map[string]interface{}{"x": 1.0})
	require.NoError(t, be.SaveArtifact(ctx, a))

	loaded, err := be.LoadArtifact(ctx, &artifact.Artifact{
		PipelineStage:  "stage1",
		DefinitionHash: "def1",
		SpecificHash:   "spec1",
		DependencyHash: artifact.EmptyDependencySentinel,
		Item:           &artifact.Item{},
	})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.LoadedFromCache)
	assert.Equal(t, map[string]interface{}{"x": 1.0}, loaded.Item.Payload)
}

func TestLocalSaveRequiresPayload(t *testing.T) {
	ctx := context.Background()
	be, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	a := &artifact.Artifact{PipelineStage: "s", Item: artifact.NewItem(nil)}
	err = be.SaveArtifact(ctx, a)
	assert.Error(t, err)
}

func TestLocalFindCachedArtifactMiss(t *testing.T) {
	ctx := context.Background()
	be, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	found, err := be.FindCachedArtifact(ctx, &artifact.Artifact{
		PipelineStage:  "nope",
		DefinitionHash: "d",
		SpecificHash:   "s",
		DependencyHash: artifact.EmptyDependencySentinel,
		Item:           &artifact.Item{},
	})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLocalStageRunStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	be, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	status, err := be.PipelineStageRunStatus(ctx, "def1", "dep1", "stage1")
	require.NoError(t, err)
	assert.Equal(t, RunDoesNotExist, status)

	a := newTestArtifact("stage1", "def1", "spec1", "dep1", "payload")
	require.NoError(t, be.SaveArtifact(ctx, a))

	status, err = be.PipelineStageRunStatus(ctx, "def1", "dep1", "stage1")
	require.NoError(t, err)
	assert.Equal(t, RunInProgress, status)

	require.NoError(t, be.LogPipelineStageRunComplete(ctx, "def1", "dep1", "stage1"))

	status, err = be.PipelineStageRunStatus(ctx, "def1", "dep1", "stage1")
	require.NoError(t, err)
	assert.Equal(t, RunComplete, status)
}

func TestLocalFindPipelineStageRunArtifacts(t *testing.T) {
	ctx := context.Background()
	be, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	a1 := newTestArtifact("stage1", "def1", "spec1", "dep1", "a")
	a2 := newTestArtifact("stage1", "def1", "spec2", "dep1", "b")
	require.NoError(t, be.SaveArtifact(ctx, a1))
	require.NoError(t, be.SaveArtifact(ctx, a2))

	found, err := be.FindPipelineStageRunArtifacts(ctx, "def1", "dep1", "stage1")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/stage"
)

// TestHydrateCompletedRunReadsBackendNotWireBody exercises the §4.5
// step-6 path: once a worker has saved artifacts and logged a stage run
// complete against the shared backend, the remote executor re-queries
// the backend for them rather than trusting anything the result queue
// message carried.
func TestHydrateCompletedRunReadsBackendNotWireBody(t *testing.T) {
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	a := &artifact.Artifact{
		PipelineStage:     "Train",
		DefinitionHash:    "defX",
		DependencyHash:    "depX",
		SpecificHash:      "specX",
		SerializationType: artifact.SerializationJSON,
		CreationTime:      1,
		Item:              artifact.NewItem("trained"),
	}
	require.NoError(t, be.SaveArtifact(context.Background(), a))
	require.NoError(t, be.LogPipelineStageRunComplete(context.Background(), "defX", "depX", "Train"))

	r := &Remote{backend: be}
	artifacts, err := r.hydrateCompletedRun(context.Background(), stage.ExecutorTask{
		StageName:      "Train",
		DefinitionHash: "defX",
		DependencyHash: "depX",
	})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "trained", artifacts[0].Item.Payload)
}

func TestHydrateCompletedRunEmptyWhenNothingSaved(t *testing.T) {
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	r := &Remote{backend: be}
	artifacts, err := r.hydrateCompletedRun(context.Background(), stage.ExecutorTask{
		StageName:      "Train",
		DefinitionHash: "nope",
		DependencyHash: "nope",
	})
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

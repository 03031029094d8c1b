package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/stage"
)

func TestRunTaskResolvesInputsAndRunsCallable(t *testing.T) {
	stage.RegisterCallable("worker_test_double", func(ctx context.Context, inputs stage.CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		require.Len(t, inputs, 1)
		return []*artifact.Item{artifact.NewItem("out")}, nil
	})

	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)

	in := &artifact.Artifact{
		PipelineStage:     "upstream",
		DefinitionHash:    "def1",
		SpecificHash:      "spec1",
		DependencyHash:    artifact.EmptyDependencySentinel,
		SerializationType: artifact.SerializationJSON,
		CreationTime:      1,
		Item:              artifact.NewItem("in"),
	}
	require.NoError(t, be.SaveArtifact(context.Background(), in))

	s := New(nil, nil, be)
	task := wireTask{
		StageName:         "compute",
		DefinitionHash:    "defX",
		DependencyHash:    "depX",
		CallableName:      "worker_test_double",
		SerializationType: string(artifact.SerializationJSON),
		Inputs: []wireInput{
			{UID: string(in.UID()), PipelineStage: "upstream"},
		},
	}

	result := s.runTask(context.Background(), task)
	require.Empty(t, result.Err)

	status, err := be.PipelineStageRunStatus(context.Background(), "defX", "depX", "compute")
	require.NoError(t, err)
	assert.Equal(t, backend.RunComplete, status)

	saved, err := be.FindPipelineStageRunArtifacts(context.Background(), "defX", "depX", "compute")
	require.NoError(t, err)
	require.Len(t, saved, 1)

	loaded, err := be.LoadArtifact(context.Background(), saved[0])
	require.NoError(t, err)
	assert.Equal(t, "out", loaded.Item.Payload)
}

func TestRunTaskUnknownCallable(t *testing.T) {
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)
	s := New(nil, nil, be)

	result := s.runTask(context.Background(), wireTask{CallableName: "nope"})
	assert.NotEmpty(t, result.Err)
}

func TestRunTaskMissingInputArtifact(t *testing.T) {
	stage.RegisterCallable("worker_test_unused", func(ctx context.Context, inputs stage.CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		return nil, nil
	})
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)
	s := New(nil, nil, be)

	result := s.runTask(context.Background(), wireTask{
		CallableName: "worker_test_unused",
		Inputs:       []wireInput{{UID: "def_spec_dep", PipelineStage: "missing"}},
	})
	assert.NotEmpty(t, result.Err)
}

func TestStatusHandlerListsAndFetchesJobs(t *testing.T) {
	be, err := backend.NewLocal(t.TempDir())
	require.NoError(t, err)
	s := New(nil, nil, be)
	s.jobs.Store(uint64(1), &Job{ID: 1, StageName: "compute", Status: JobSucceeded})

	ts := httptest.NewServer(s.StatusHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var jobs []Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "compute", jobs[0].StageName)

	resp2, err := http.Get(ts.URL + "/jobs/1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/jobs/99")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

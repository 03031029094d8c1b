package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
)

func drain(ch <-chan YieldResult) []YieldResult {
	var out []YieldResult
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestConfigValidateRejectsBadName(t *testing.T) {
	cfg := &Config{Name: "1bad", Kind: "Parameter"}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsUnknownKind(t *testing.T) {
	cfg := &Config{Name: "ok", Kind: "NotAKind"}
	assert.Error(t, cfg.Validate())
}

func TestConfigDefinitionHashIsStable(t *testing.T) {
	cfg1 := &Config{Name: "s", Kind: "Parameter", Options: map[string]interface{}{"a": 1}}
	cfg2 := &Config{Name: "s", Kind: "Parameter", Options: map[string]interface{}{"a": 1}}
	assert.Equal(t, cfg1.DefinitionHash(), cfg2.DefinitionHash())
}

func TestConfigDefinitionHashChangesWithOptions(t *testing.T) {
	cfg1 := &Config{Name: "s", Kind: "Parameter", Options: map[string]interface{}{"a": 1}}
	cfg2 := &Config{Name: "s", Kind: "Parameter", Options: map[string]interface{}{"a": 2}}
	assert.NotEqual(t, cfg1.DefinitionHash(), cfg2.DefinitionHash())
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build(&Config{Name: "s", Kind: "Bogus"})
	assert.Error(t, err)
}

func TestParameterStageYieldsArtifact(t *testing.T) {
	cfg := &Config{Name: "params", Kind: "Parameter", Options: map[string]interface{}{"lr": 0.1}}
	s, err := Build(cfg)
	require.NoError(t, err)

	results := drain(s.YieldArtifacts(context.Background(), nil))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	a := results[0].Artifact
	assert.Equal(t, "params", a.PipelineStage)
	assert.Equal(t, artifact.EmptyDependencySentinel, a.DependencyHash)
	assert.Equal(t, cfg.DefinitionHash(), a.DefinitionHash)
}

func TestIdentityStageForwardsInputs(t *testing.T) {
	cfg := &Config{Name: "passthrough", Kind: "Identity"}
	s, err := Build(cfg)
	require.NoError(t, err)

	in := &artifact.Artifact{
		PipelineStage:  "upstream",
		DefinitionHash: "d",
		SpecificHash:   "sp",
		DependencyHash: artifact.EmptyDependencySentinel,
		Item:           artifact.NewItem("payload"),
	}
	results := drain(s.YieldArtifacts(context.Background(), []*artifact.Artifact{in}))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "passthrough", results[0].Artifact.PipelineStage)
	assert.Equal(t, "sp", results[0].Artifact.SpecificHash)
}

func TestExecutorStageRunsRegisteredCallable(t *testing.T) {
	RegisterCallable("stage_test_double", func(ctx context.Context, inputs CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		return []*artifact.Item{artifact.NewItem("produced")}, nil
	})

	cfg := &Config{Name: "compute", Kind: "Executor", Options: map[string]interface{}{"execute": "stage_test_double"}}
	s, err := Build(cfg)
	require.NoError(t, err)

	results := drain(s.YieldArtifacts(context.Background(), nil))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "produced", results[0].Artifact.Item.Payload)
}

func TestExecutorStageGroupsInputsByPredecessorStage(t *testing.T) {
	var seen CallableInputs
	RegisterCallable("stage_test_grouping", func(ctx context.Context, inputs CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		seen = inputs
		return []*artifact.Item{artifact.NewItem("trained")}, nil
	})

	cfg := &Config{Name: "Train", Kind: "Executor", Options: map[string]interface{}{"execute": "stage_test_grouping"}}
	s, err := Build(cfg)
	require.NoError(t, err)

	pics := &artifact.Artifact{PipelineStage: "Pics", Item: artifact.NewItem("pic.png")}
	params := &artifact.Artifact{PipelineStage: "SearchParams", Item: artifact.NewItem(map[string]interface{}{"q": "cats"})}

	results := drain(s.YieldArtifacts(context.Background(), []*artifact.Artifact{pics, params}))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	require.Len(t, seen, 2)
	assert.Equal(t, []interface{}{pics.Item}, seen["Pics"])
	assert.Equal(t, []interface{}{params.Item}, seen["SearchParams"])
}

func TestExecutorStageFullArtifactsOptionPassesArtifacts(t *testing.T) {
	var seen CallableInputs
	RegisterCallable("stage_test_full_artifacts", func(ctx context.Context, inputs CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		seen = inputs
		return []*artifact.Item{artifact.NewItem("trained")}, nil
	})

	cfg := &Config{
		Name: "TrainFull",
		Kind: "Executor",
		Options: map[string]interface{}{
			"execute":        "stage_test_full_artifacts",
			"full_artifacts": true,
		},
	}
	s, err := Build(cfg)
	require.NoError(t, err)

	pics := &artifact.Artifact{PipelineStage: "Pics", Item: artifact.NewItem("pic.png")}
	results := drain(s.YieldArtifacts(context.Background(), []*artifact.Artifact{pics}))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	list, ok := seen["Pics"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Same(t, pics, list[0])
}

func TestExecutorStageMissingExecuteOption(t *testing.T) {
	_, err := Build(&Config{Name: "compute", Kind: "Executor"})
	assert.Error(t, err)
}

func TestLocalFileStageIsLocalOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	cfg := &Config{Name: "f", Kind: "LocalFile", Options: map[string]interface{}{"filepath": path}}
	s, err := Build(cfg)
	require.NoError(t, err)
	assert.True(t, s.IsLocalOnly())
}

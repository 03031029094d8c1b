package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

func drain(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestLocalFileProviderMissingSource(t *testing.T) {
	p := &LocalFileProvider{Path: "/does/not/exist/pipetree-test"}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, perr.ErrSourceMissing)
}

func TestLocalFileProviderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	p := &LocalFileProvider{Path: path}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].SpecificHash)

	b, err := artifact.ConsumeStream(results[0].Item.Payload.(artifact.ContentStream))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestLocalDirectoryProviderSkipsSubdirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	p := &LocalDirectoryProvider{Path: dir}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 2)
}

func TestParameterProviderRequiresOptions(t *testing.T) {
	p := &ParameterProvider{}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, perr.ErrConfigError)
}

func TestParameterProviderYieldsOneResult(t *testing.T) {
	p := &ParameterProvider{Options: map[string]interface{}{"lr": 0.1}}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].SpecificHash)
}

func TestGridSearchProviderCartesianProduct(t *testing.T) {
	p := &GridSearchProvider{Options: map[string][]interface{}{
		"lr":         {0.1, 0.01},
		"batch_size": {32.0, 64.0, 128.0},
	}}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 6)

	seen := map[string]bool{}
	for _, r := range results {
		require.NoError(t, r.Err)
		require.NotEmpty(t, r.SpecificHash)
		require.NotNil(t, r.Fanout)
		seen[r.SpecificHash] = true
	}
	assert.Len(t, seen, 6, "every grid point should have a distinct specific hash")
}

func TestGridSearchProviderRequiresListOptions(t *testing.T) {
	p := &GridSearchProvider{}
	results := drain(p.Yield(context.Background()))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, perr.ErrConfigError)
}

package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUIDIsSingleSourceOfTruth(t *testing.T) {
	uid := NewUID("def", "spec", "dep")
	assert.Equal(t, UID("def_spec_dep"), uid)
}

func TestParseUIDRoundTrips(t *testing.T) {
	uid := NewUID("abc123", "def456", "789fff")
	def, spec, dep, err := ParseUID(uid)
	require.NoError(t, err)
	assert.Equal(t, "abc123", def)
	assert.Equal(t, "def456", spec)
	assert.Equal(t, "789fff", dep)
}

func TestParseUIDRejectsMalformed(t *testing.T) {
	_, _, _, err := ParseUID(UID("onlyonepart"))
	assert.Error(t, err)
}

func TestDependencyHashEmptyIsSentinel(t *testing.T) {
	assert.Equal(t, EmptyDependencySentinel, DependencyHash(nil))
}

func TestDependencyHashIsOrderIndependent(t *testing.T) {
	a1 := &Artifact{PipelineStage: "s", DefinitionHash: "d1", SpecificHash: "sp1", DependencyHash: EmptyDependencySentinel}
	a2 := &Artifact{PipelineStage: "s", DefinitionHash: "d2", SpecificHash: "sp2", DependencyHash: EmptyDependencySentinel}

	h1 := DependencyHash([]*Artifact{a1, a2})
	h2 := DependencyHash([]*Artifact{a2, a1})
	assert.Equal(t, h1, h2)
}

func TestGroupByFanoutNoParametersIsSingleGroup(t *testing.T) {
	arts := []*Artifact{
		{PipelineStage: "s", Item: NewItem("a")},
		{PipelineStage: "s", Item: NewItem("b")},
	}
	groups := GroupByFanout(arts)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
}

func TestGroupByFanoutCartesianProduct(t *testing.T) {
	mk := func(fp FanoutParameters) *Artifact {
		return &Artifact{PipelineStage: "s", Item: NewItem("x"), FanoutParameters: fp}
	}
	arts := []*Artifact{
		mk(FanoutParameters{"lr": float64(1)}),
		mk(FanoutParameters{"lr": float64(2)}),
		// An artifact without any fanout parameter should join every group.
		mk(nil),
	}
	groups := GroupByFanout(arts)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.Len(t, g, 2)
	}
}

func TestHasPayload(t *testing.T) {
	a := &Artifact{}
	assert.False(t, a.HasPayload())
	a.Item = NewItem(nil)
	assert.False(t, a.HasPayload())
	a.Item = NewItem("x")
	assert.True(t, a.HasPayload())
}

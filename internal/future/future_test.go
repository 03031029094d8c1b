package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
)

func TestScheduleZeroResolvesImmediately(t *testing.T) {
	f := New("stage")
	f.Schedule(0)
	assert.Equal(t, Complete, f.State())

	results, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeliverSettlesOnceExpectedReached(t *testing.T) {
	f := New("stage")
	f.Schedule(2)
	assert.Equal(t, Scheduled, f.State())

	require.NoError(t, f.Deliver(&artifact.Artifact{SpecificHash: "a"}))
	assert.Equal(t, Scheduled, f.State())

	require.NoError(t, f.Deliver(&artifact.Artifact{SpecificHash: "b"}))
	assert.Equal(t, Complete, f.State())

	results, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDeliverAfterSettledReturnsError(t *testing.T) {
	f := New("stage")
	f.Schedule(1)
	require.NoError(t, f.Deliver(&artifact.Artifact{}))

	err := f.Deliver(&artifact.Artifact{})
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestFailSettlesAndIsSticky(t *testing.T) {
	f := New("stage")
	f.Schedule(1)
	boom := assert.AnError
	f.Fail(boom)
	assert.Equal(t, Failed, f.State())

	f.Cancel()
	assert.Equal(t, Failed, f.State(), "a settled future must not be re-settled")

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCancelSettles(t *testing.T) {
	f := New("stage")
	f.Schedule(1)
	f.Cancel()

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	f := New("stage")
	f.Schedule(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

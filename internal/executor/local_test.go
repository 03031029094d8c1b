package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
	"github.com/pipetree/pipetree/internal/stage"
)

func TestLocalSubmitRunsRegisteredCallable(t *testing.T) {
	stage.RegisterCallable("executor_test_ok", func(ctx context.Context, inputs stage.CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		return []*artifact.Item{artifact.NewItem("ok")}, nil
	})

	l := NewLocal(1)
	out := <-l.Submit(context.Background(), stage.ExecutorTask{CallableName: "executor_test_ok"})
	require.NoError(t, out.Err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "ok", out.Items[0].Payload)
}

func TestLocalSubmitUnknownCallable(t *testing.T) {
	l := NewLocal(1)
	out := <-l.Submit(context.Background(), stage.ExecutorTask{CallableName: "does-not-exist"})
	assert.ErrorIs(t, out.Err, perr.ErrConfigError)
}

func TestLocalSubmitWrapsCallableError(t *testing.T) {
	stage.RegisterCallable("executor_test_fails", func(ctx context.Context, inputs stage.CallableInputs, options map[string]interface{}) ([]*artifact.Item, error) {
		return nil, errors.New("boom")
	})

	l := NewLocal(1)
	out := <-l.Submit(context.Background(), stage.ExecutorTask{CallableName: "executor_test_fails"})
	assert.ErrorIs(t, out.Err, perr.ErrWorkerFailure)
}

func TestLocalSubmitRespectsContextCancellation(t *testing.T) {
	l := NewLocal(1)
	l.sem <- struct{}{} // occupy the only slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := <-l.Submit(ctx, stage.ExecutorTask{CallableName: "irrelevant"})
	assert.ErrorIs(t, out.Err, context.Canceled)
}

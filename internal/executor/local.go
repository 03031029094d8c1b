// Package executor implements the two Executor backends a pipeline can
// wire into its Executor-kind stages: an in-process worker pool and a
// durable SQS-queue-backed remote variant, matching §4.5's
// local/remote split.
package executor

import (
	"context"
	"fmt"

	"github.com/pipetree/pipetree/internal/perr"
	"github.com/pipetree/pipetree/internal/stage"
)

// Local runs ExecutorTasks in a bounded pool of goroutines within this
// process, looking callables up from the same registry that the stage
// package's inline fallback executor uses (kinds_executor.go).
type Local struct {
	sem chan struct{}
}

// NewLocal returns a Local executor that runs at most concurrency tasks
// at once. concurrency <= 0 means unbounded.
func NewLocal(concurrency int) *Local {
	var sem chan struct{}
	if concurrency > 0 {
		sem = make(chan struct{}, concurrency)
	}
	return &Local{sem: sem}
}

// Submit implements stage.Executor.
func (l *Local) Submit(ctx context.Context, task stage.ExecutorTask) <-chan stage.ExecutorOutcome {
	out := make(chan stage.ExecutorOutcome, 1)
	go func() {
		defer close(out)
		if l.sem != nil {
			select {
			case l.sem <- struct{}{}:
				defer func() { <-l.sem }()
			case <-ctx.Done():
				out <- stage.ExecutorOutcome{Err: ctx.Err()}
				return
			}
		}
		fn, ok := stage.LookupCallable(task.CallableName)
		if !ok {
			out <- stage.ExecutorOutcome{Err: fmt.Errorf("%w: no callable registered under %q", perr.ErrConfigError, task.CallableName)}
			return
		}
		grouped := stage.GroupCallableInputs(task.Inputs, task.FullArtifacts)
		items, err := fn(ctx, grouped, task.Options)
		if err != nil {
			out <- stage.ExecutorOutcome{Err: fmt.Errorf("%w: %v", perr.ErrWorkerFailure, err)}
			return
		}
		out <- stage.ExecutorOutcome{Items: items}
	}()
	return out
}

var _ stage.Executor = (*Local)(nil)

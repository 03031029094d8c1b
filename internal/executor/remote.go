package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/queue"
	"github.com/pipetree/pipetree/internal/stage"
)

// Remote dispatches ExecutorTasks to a durable task queue and awaits a
// matching message on a result queue, the way RemoteSQSExecutor does in
// the original implementation: one await channel per in-flight
// (definition_hash, dependency_hash) key. On wakeup it re-queries the
// shared Backend for the run's artifacts rather than trusting anything
// the worker put on the result queue body, per §4.5 step 6.
type Remote struct {
	taskQueue   *queue.Queue
	resultQueue *queue.Queue
	backend     backend.Backend
	log         *logrus.Entry

	mu      sync.Mutex
	waiters map[string]chan queue.Message
}

// NewRemote builds a Remote executor over an already-resolved task and
// result queue pair, backed by the same Backend the worker writes to.
func NewRemote(taskQueue, resultQueue *queue.Queue, be backend.Backend) *Remote {
	return &Remote{
		taskQueue:   taskQueue,
		resultQueue: resultQueue,
		backend:     be,
		log:         logrus.WithField("component", "remote_executor"),
		waiters:     map[string]chan queue.Message{},
	}
}

// Start begins polling the result queue in the background. Must be
// called once before the first Submit; it runs until ctx is cancelled.
func (r *Remote) Start(ctx context.Context) {
	go r.resultQueue.Poll(ctx, r.handleResult)
}

func (r *Remote) handleResult(msg queue.Message) {
	key := msg.Key()
	r.mu.Lock()
	ch, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()
	if !ok {
		r.log.WithField("key", key).Debug("result received for unknown or already-delivered key, dropping")
		return
	}
	ch <- msg
	close(ch)
}

// Submit implements stage.Executor.
func (r *Remote) Submit(ctx context.Context, task stage.ExecutorTask) <-chan stage.ExecutorOutcome {
	out := make(chan stage.ExecutorOutcome, 1)

	key := task.DefinitionHash + "__" + task.DependencyHash
	waitCh := make(chan queue.Message, 1)
	r.mu.Lock()
	r.waiters[key] = waitCh
	r.mu.Unlock()

	inputs := make([]wireInput, 0, len(task.Inputs))
	for _, in := range task.Inputs {
		inputs = append(inputs, wireInput{UID: string(in.UID()), PipelineStage: in.PipelineStage})
	}
	body, err := json.Marshal(wireTask{
		StageName:         task.StageName,
		DefinitionHash:    task.DefinitionHash,
		DependencyHash:    task.DependencyHash,
		CallableName:      task.CallableName,
		Options:           task.Options,
		Inputs:            inputs,
		FullArtifacts:     task.FullArtifacts,
		SerializationType: string(task.SerializationType),
	})
	if err != nil {
		r.mu.Lock()
		delete(r.waiters, key)
		r.mu.Unlock()
		out <- stage.ExecutorOutcome{Err: fmt.Errorf("executor: marshal task: %w", err)}
		close(out)
		return out
	}

	if err := r.taskQueue.Send(ctx, queue.Message{
		DefinitionHash: task.DefinitionHash,
		DependencyHash: task.DependencyHash,
		Body:           body,
	}); err != nil {
		r.mu.Lock()
		delete(r.waiters, key)
		r.mu.Unlock()
		out <- stage.ExecutorOutcome{Err: err}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.waiters, key)
			r.mu.Unlock()
			out <- stage.ExecutorOutcome{Err: ctx.Err()}
		case resultMsg := <-waitCh:
			var wire wireResult
			if err := json.Unmarshal(resultMsg.Body, &wire); err != nil {
				out <- stage.ExecutorOutcome{Err: fmt.Errorf("executor: unmarshal result: %w", err)}
				return
			}
			if wire.Err != "" {
				out <- stage.ExecutorOutcome{Err: errors.New(wire.Err)}
				return
			}
			artifacts, err := r.hydrateCompletedRun(ctx, task)
			if err != nil {
				out <- stage.ExecutorOutcome{Err: err}
				return
			}
			out <- stage.ExecutorOutcome{Artifacts: artifacts}
		}
	}()
	return out
}

// hydrateCompletedRun re-queries the Backend for the artifacts the
// worker saved against this stage run, once the result queue reports
// the run finished, instead of trusting anything carried inline on the
// queue message.
func (r *Remote) hydrateCompletedRun(ctx context.Context, task stage.ExecutorTask) ([]*artifact.Artifact, error) {
	found, err := r.backend.FindPipelineStageRunArtifacts(ctx, task.DefinitionHash, task.DependencyHash, task.StageName)
	if err != nil {
		return nil, fmt.Errorf("executor: query completed run: %w", err)
	}
	out := make([]*artifact.Artifact, 0, len(found))
	for _, a := range found {
		full, err := r.backend.LoadArtifact(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("executor: hydrate artifact %s: %w", a.UID(), err)
		}
		if full != nil {
			out = append(out, full)
		}
	}
	return out, nil
}

var _ stage.Executor = (*Remote)(nil)

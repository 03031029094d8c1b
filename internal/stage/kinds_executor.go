package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

func init() {
	Register("Executor", newExecutorStage)
}

// Callable is a user work function, looked up by name from the
// pre-registered table below. Per §9's design note, callables are
// registered at process start by name, not loaded dynamically by
// dotted path the way the original Python resolved them. inputs is
// grouped per predecessor stage name, and by item type within each
// predecessor, per §4.2.
type Callable func(ctx context.Context, inputs CallableInputs, options map[string]interface{}) ([]*artifact.Item, error)

var callables = map[string]Callable{}

// RegisterCallable adds a named callable to the table. Call this from
// an init() in the package that defines the work function; a duplicate
// name is a programmer error and panics at process start.
func RegisterCallable(name string, fn Callable) {
	if _, exists := callables[name]; exists {
		panic("stage: duplicate callable registration for " + name)
	}
	callables[name] = fn
}

// LookupCallable returns the callable registered under name, if any.
func LookupCallable(name string) (Callable, bool) {
	fn, ok := callables[name]
	return fn, ok
}

// ExecutorTask is the unit of work an Executor-kind stage submits to
// its Executor. It carries everything a worker needs to run the
// callable and report back artifacts tagged the right way, whether the
// worker is this process or one reached over a queue.
type ExecutorTask struct {
	StageName         string
	DefinitionHash    string
	DependencyHash    string
	CallableName      string
	Options           map[string]interface{}
	Inputs            []*artifact.Artifact
	FullArtifacts     bool
	SerializationType artifact.SerializationType
}

// ExecutorOutcome is what an Executor reports back for one task.
// Exactly one of Items and Artifacts is populated: in-process executors
// (inlineExecutor, Local) return raw Items and let the stage wrap and
// hash them; a remote executor that re-queried the shared backend after
// a worker already saved the run returns the hydrated Artifacts
// directly, already marked RemotelyProduced by the stage below.
type ExecutorOutcome struct {
	Items     []*artifact.Item
	Artifacts []*artifact.Artifact
	Err       error
}

// Executor runs ExecutorTasks somewhere — in this process, or on a
// remote worker reached over a durable queue — and reports results
// back on the returned channel, which is closed after exactly one
// ExecutorOutcome.
type Executor interface {
	Submit(ctx context.Context, task ExecutorTask) <-chan ExecutorOutcome
}

// ExecutorAware is implemented by stages that need an Executor wired in
// after construction, since the registry builds stages before the
// pipeline has decided which Executor backs them.
type ExecutorAware interface {
	SetExecutor(e Executor)
}

// inlineExecutor runs the callable synchronously in the caller's
// goroutine. It is the default for an Executor-kind stage that nobody
// has wired a backend into, which keeps the kind usable in isolation
// and in tests.
type inlineExecutor struct{}

func (inlineExecutor) Submit(ctx context.Context, task ExecutorTask) <-chan ExecutorOutcome {
	out := make(chan ExecutorOutcome, 1)
	go func() {
		defer close(out)
		fn, ok := LookupCallable(task.CallableName)
		if !ok {
			out <- ExecutorOutcome{Err: fmt.Errorf("%w: no callable registered under %q", perr.ErrConfigError, task.CallableName)}
			return
		}
		grouped := GroupCallableInputs(task.Inputs, task.FullArtifacts)
		items, err := fn(ctx, grouped, task.Options)
		out <- ExecutorOutcome{Items: items, Err: err}
	}()
	return out
}

type executorStage struct {
	cfg           *Config
	exec          Executor
	callableName  string
	serType       artifact.SerializationType
	fullArtifacts bool
}

func newExecutorStage(cfg *Config) (Stage, error) {
	name := cfg.StringOption("execute", "")
	if name == "" {
		return nil, fmt.Errorf("%w: executor stage %q missing required \"execute\" option", perr.ErrConfigError, cfg.Name)
	}
	serType := artifact.SerializationType(cfg.StringOption("serialization_type", string(artifact.SerializationJSON)))
	return &executorStage{
		cfg:           cfg,
		exec:          inlineExecutor{},
		callableName:  name,
		serType:       serType,
		fullArtifacts: cfg.BoolOption("full_artifacts", false),
	}, nil
}

func (s *executorStage) Config() *Config   { return s.cfg }
func (s *executorStage) IsLocalOnly() bool { return false }

func (s *executorStage) SetExecutor(e Executor) {
	if e != nil {
		s.exec = e
	}
}

func (s *executorStage) YieldArtifacts(ctx context.Context, inputs []*artifact.Artifact) <-chan YieldResult {
	out := make(chan YieldResult, 4)
	go func() {
		defer close(out)
		depHash := artifact.DependencyHash(inputs)
		defHash := s.cfg.DefinitionHash()

		task := ExecutorTask{
			StageName:         s.cfg.Name,
			DefinitionHash:    defHash,
			DependencyHash:    depHash,
			CallableName:      s.callableName,
			Options:           s.cfg.Options,
			Inputs:            inputs,
			FullArtifacts:     s.fullArtifacts,
			SerializationType: s.serType,
		}

		outcome, ok := <-s.exec.Submit(ctx, task)
		if !ok {
			select {
			case out <- YieldResult{Err: fmt.Errorf("%w: executor closed without reporting an outcome for stage %q", perr.ErrWorkerFailure, s.cfg.Name)}:
			case <-ctx.Done():
			}
			return
		}
		if outcome.Err != nil {
			select {
			case out <- YieldResult{Err: outcome.Err}:
			case <-ctx.Done():
			}
			return
		}

		if outcome.Artifacts != nil {
			for _, a := range outcome.Artifacts {
				a.RemotelyProduced = true
				select {
				case out <- YieldResult{Artifact: a}:
				case <-ctx.Done():
					return
				}
			}
			return
		}

		for _, item := range outcome.Items {
			specificHash, err := artifact.SpecificHashFromPayload(item, s.serType)
			if err != nil {
				if !emitErr(ctx, out, err) {
					return
				}
				continue
			}
			a := &artifact.Artifact{
				PipelineStage:     s.cfg.Name,
				DefinitionHash:    defHash,
				DependencyHash:    depHash,
				SpecificHash:      specificHash,
				SerializationType: s.serType,
				CreationTime:      time.Now().Unix(),
				Item:              item,
			}
			select {
			case out <- YieldResult{Artifact: a}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func emitErr(ctx context.Context, out chan<- YieldResult, err error) bool {
	select {
	case out <- YieldResult{Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

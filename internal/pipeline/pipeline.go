// Package pipeline implements the stage graph: dependency-chain
// construction, endpoint detection, and the per-stage run logic that
// checks the cache before invoking a stage's Executor.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/future"
	"github.com/pipetree/pipetree/internal/perr"
	"github.com/pipetree/pipetree/internal/stage"
)

// DependencyChain records, level by level, which stage names must
// resolve before a given stage can run. Level 0 is the stage itself;
// level 1 is its direct inputs; level 2 their inputs, and so on.
type DependencyChain struct {
	levels []map[string]struct{}
}

func newDependencyChain(start string) *DependencyChain {
	return &DependencyChain{levels: []map[string]struct{}{{start: {}}}}
}

func (c *DependencyChain) addStage(level int, name string) {
	for len(c.levels) <= level {
		c.levels = append(c.levels, map[string]struct{}{})
	}
	c.levels[level][name] = struct{}{}
}

// Level returns the stage names at the given depth, or nil past the
// end of the chain.
func (c *DependencyChain) Level(level int) []string {
	if level >= len(c.levels) {
		return nil
	}
	out := make([]string, 0, len(c.levels[level]))
	for name := range c.levels[level] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pipeline is a named, validated collection of stages built from a
// Config, with every input reference resolved against another stage in
// the same pipeline.
type Pipeline struct {
	Stages    map[string]stage.Stage
	Configs   map[string]*stage.Config
	Endpoints []string

	log    *logrus.Entry
	single singleflight.Group
}

// Build constructs every stage named in configs and computes the
// endpoint set: stages that are nobody's input.
func Build(configs []*stage.Config) (*Pipeline, error) {
	stages := make(map[string]stage.Stage, len(configs))
	byName := make(map[string]*stage.Config, len(configs))
	for _, cfg := range configs {
		if _, dup := byName[cfg.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage name %q", cfg.Name)
		}
		byName[cfg.Name] = cfg
	}
	for _, cfg := range configs {
		for _, in := range cfg.Inputs {
			if _, ok := byName[in]; !ok {
				return nil, fmt.Errorf("%w: pipeline: stage %q references unknown input %q", perr.ErrConfigError, cfg.Name, in)
			}
		}
		s, err := stage.Build(cfg)
		if err != nil {
			return nil, err
		}
		stages[cfg.Name] = s
	}

	endpoints := map[string]struct{}{}
	for name := range byName {
		endpoints[name] = struct{}{}
	}
	for _, cfg := range byName {
		for _, in := range cfg.Inputs {
			delete(endpoints, in)
		}
	}
	endpointList := make([]string, 0, len(endpoints))
	for name := range endpoints {
		endpointList = append(endpointList, name)
	}
	sort.Strings(endpointList)

	return &Pipeline{
		Stages:    stages,
		Configs:   byName,
		Endpoints: endpointList,
		log:       logrus.WithField("component", "pipeline"),
	}, nil
}

// SetExecutor wires e into every Executor-kind stage in the pipeline
// that wants one. Stages built without a call to SetExecutor keep
// running under their own in-process default.
func (p *Pipeline) SetExecutor(e stage.Executor) {
	for _, s := range p.Stages {
		if aware, ok := s.(stage.ExecutorAware); ok {
			aware.SetExecutor(e)
		}
	}
}

// buildChain recursively walks input references starting at stageName.
func (p *Pipeline) buildChain(stageName string) *DependencyChain {
	chain := newDependencyChain(stageName)
	p.extendChain(stageName, 1, chain)
	return chain
}

func (p *Pipeline) extendChain(stageName string, level int, chain *DependencyChain) {
	cfg, ok := p.Configs[stageName]
	if !ok {
		return
	}
	for _, in := range cfg.Inputs {
		chain.addStage(level, in)
		p.extendChain(in, level+1, chain)
	}
}

// GroupFanoutParameters delegates to artifact.GroupByFanout; kept as a
// pipeline method so callers don't need to import the artifact package
// just to group a stage's resolved inputs.
func (p *Pipeline) GroupFanoutParameters(inputs []*artifact.Artifact) [][]*artifact.Artifact {
	return artifact.GroupByFanout(inputs)
}

// ensureArtifactMeta fills in a freshly generated artifact's
// creation_time and dependency_hash if the stage implementation left
// them unset — defensive only; every built-in kind already sets both.
func ensureArtifactMeta(a *artifact.Artifact, dependencyHash string) *artifact.Artifact {
	if a.CreationTime == 0 {
		a.CreationTime = time.Now().Unix()
	}
	if a.DependencyHash == "" {
		a.DependencyHash = dependencyHash
	}
	return a
}

// runStage runs one stage with already-resolved input artifacts,
// returning cached artifacts if this exact (definition, dependency)
// pair has already completed or is in progress, or freshly generated
// ones otherwise.
func (p *Pipeline) runStage(ctx context.Context, stageName string, inputs []*artifact.Artifact, be backend.Backend) ([]*artifact.Artifact, error) {
	s := p.Stages[stageName]
	cfg := p.Configs[stageName]
	dependencyHash := artifact.DependencyHash(inputs)
	definitionHash := cfg.DefinitionHash()

	status, err := be.PipelineStageRunStatus(ctx, definitionHash, dependencyHash, stageName)
	if err != nil {
		return nil, err
	}
	if status == backend.RunComplete || status == backend.RunInProgress {
		cached, err := be.FindPipelineStageRunArtifacts(ctx, definitionHash, dependencyHash, stageName)
		if err != nil {
			return nil, err
		}
		p.log.WithFields(logrus.Fields{"stage": stageName, "count": len(cached)}).Debug("loaded cached artifacts")
		loaded := make([]*artifact.Artifact, 0, len(cached))
		for _, a := range cached {
			full, err := be.LoadArtifact(ctx, a)
			if err != nil {
				return nil, err
			}
			full.LoadedFromCache = true
			loaded = append(loaded, full)
		}
		return loaded, nil
	}

	p.log.WithField("stage", stageName).Info("generating stage")
	result := make([]*artifact.Artifact, 0)
	for res := range s.YieldArtifacts(ctx, inputs) {
		if res.Err != nil {
			return nil, fmt.Errorf("pipeline: stage %q: %w", stageName, res.Err)
		}
		a := res.Artifact
		if a.RemotelyProduced {
			result = append(result, a)
			continue
		}
		a = ensureArtifactMeta(a, dependencyHash)
		if err := be.SaveArtifact(ctx, a); err != nil {
			return nil, fmt.Errorf("pipeline: stage %q: save artifact: %w", stageName, err)
		}
		result = append(result, a)
	}

	if err := be.LogPipelineStageRunComplete(ctx, definitionHash, dependencyHash, stageName); err != nil {
		return nil, err
	}
	return result, nil
}

// generateStageDeduped collapses concurrent GenerateStage calls for the
// same stage name into one in-flight generation, so a diamond-shaped
// graph doesn't re-run a shared prerequisite once per downstream
// consumer. Safe because a stage's own output depends only on its own
// inputs, never on which caller asked for it.
func (p *Pipeline) generateStageDeduped(ctx context.Context, stageName string, be backend.Backend) ([]*artifact.Artifact, error) {
	v, err, _ := p.single.Do(stageName, func() (interface{}, error) {
		return p.GenerateStage(ctx, stageName, be)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*artifact.Artifact), nil
}

// resolveInputs generates every direct prerequisite of stageName
// concurrently, demultiplexing the results through an InputFuture
// scheduled for len(preReqs) deliveries — one per sibling branch — so
// that, per §5, independent sub-branches of the graph (e.g. a stage with
// two unrelated inputs) run in parallel rather than one-at-a-time. The
// first prerequisite to fail cancels the rest.
func (p *Pipeline) resolveInputs(ctx context.Context, stageName string, preReqs []string, be backend.Backend) ([]*artifact.Artifact, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := future.New(stageName)
	f.Schedule(len(preReqs))

	for _, preReq := range preReqs {
		preReq := preReq
		go func() {
			artifacts, err := p.generateStageDeduped(fctx, preReq, be)
			if err != nil {
				f.Fail(fmt.Errorf("pipeline: stage %q: prerequisite %q: %w", stageName, preReq, err))
				cancel()
				return
			}
			if err := f.DeliverBatch(artifacts); err != nil {
				p.log.WithField("stage", preReq).Debug("discarding late delivery to a settled input future")
			}
		}()
	}

	return f.Wait(ctx)
}

// GenerateStage acquires a stage's input artifacts (recursing through
// its dependency chain) and runs it once per fan-out group, returning
// the concatenated artifacts from every group.
func (p *Pipeline) GenerateStage(ctx context.Context, stageName string, be backend.Backend) ([]*artifact.Artifact, error) {
	chain := p.buildChain(stageName)
	preReqs := chain.Level(1)

	if len(preReqs) == 0 {
		return p.runStage(ctx, stageName, nil, be)
	}

	inputs, err := p.resolveInputs(ctx, stageName, preReqs, be)
	if err != nil {
		return nil, err
	}

	groups := p.GroupFanoutParameters(inputs)
	out := make([]*artifact.Artifact, 0, len(inputs))
	for _, group := range groups {
		produced, err := p.runStage(ctx, stageName, group, be)
		if err != nil {
			return nil, err
		}
		out = append(out, produced...)
	}
	return out, nil
}

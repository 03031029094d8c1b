// Package arbiter implements the top-level cooperative scheduler: given
// a built pipeline, run every endpoint stage concurrently and collect
// their artifacts. Per §9's explicit redesign, this replaces the
// original asyncio event-loop scheduler with goroutines coordinated by
// golang.org/x/sync/errgroup.
package arbiter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/pipeline"
)

// Arbiter drives one pipeline run to completion: every endpoint stage
// is generated concurrently, sharing the pipeline's dedup of common
// prerequisites.
type Arbiter struct {
	Pipeline *pipeline.Pipeline
	Backend  backend.Backend
	log      *logrus.Entry
}

// New builds an Arbiter over an already-constructed pipeline.
func New(p *pipeline.Pipeline, be backend.Backend) *Arbiter {
	return &Arbiter{Pipeline: p, Backend: be, log: logrus.WithField("component", "arbiter")}
}

// Result is the outcome of running one endpoint stage.
type Result struct {
	StageName string
	Artifacts []*artifact.Artifact
}

// Run generates every endpoint stage in the pipeline concurrently and
// returns their results once all have settled. The first endpoint to
// fail cancels the others via the shared errgroup context; this
// mirrors the original's single-failure-aborts-the-run semantics.
func (ar *Arbiter) Run(ctx context.Context) ([]Result, error) {
	endpoints := append([]string{}, ar.Pipeline.Endpoints...)
	sort.Strings(endpoints)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]Result, len(endpoints))
	var mu sync.Mutex

	for i, name := range endpoints {
		i, name := i, name
		g.Go(func() error {
			ar.log.WithField("stage", name).Info("arbiter scheduling endpoint")
			artifacts, err := ar.Pipeline.GenerateStage(gctx, name, ar.Backend)
			if err != nil {
				return fmt.Errorf("arbiter: endpoint %q: %w", name, err)
			}
			mu.Lock()
			results[i] = Result{StageName: name, Artifacts: artifacts}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunStage generates exactly one stage by name, regardless of whether
// it is an endpoint, used by the CLI's single-stage debug mode.
func (ar *Arbiter) RunStage(ctx context.Context, stageName string) ([]*artifact.Artifact, error) {
	if _, ok := ar.Pipeline.Stages[stageName]; !ok {
		return nil, fmt.Errorf("arbiter: unknown stage %q", stageName)
	}
	return ar.Pipeline.GenerateStage(ctx, stageName, ar.Backend)
}

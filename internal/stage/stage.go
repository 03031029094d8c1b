package stage

import (
	"context"
	"sort"

	"github.com/pipetree/pipetree/internal/artifact"
)

// YieldResult pairs a completed artifact with any error encountered
// producing it. A non-nil Err always carries a nil Artifact.
type YieldResult struct {
	Artifact *artifact.Artifact
	Err      error
}

// Stage is the behavior every stage kind implements. Construction is
// closed over the registry in this package — there is no dynamic
// loading of stage implementations by dotted path.
type Stage interface {
	// Config returns the stage's own definition.
	Config() *Config

	// IsLocalOnly reports whether this stage must run in the same
	// process as the arbiter (true for LocalFile/LocalDirectory, which
	// read from the orchestrator's filesystem) rather than being
	// eligible for remote/queue dispatch.
	IsLocalOnly() bool

	// YieldArtifacts produces the stage's output artifacts given its
	// resolved input artifacts (already grouped by fan-out point by the
	// caller). The channel is closed when production is complete.
	YieldArtifacts(ctx context.Context, inputs []*artifact.Artifact) <-chan YieldResult
}

// Constructor builds a Stage from a validated Config.
type Constructor func(cfg *Config) (Stage, error)

// constructors is the closed registry of built-in stage kinds, one
// entry per file in this package that defines a kind.
var constructors = map[string]Constructor{}

// Register adds a stage kind to the registry. Called from init()
// functions in this package only; a nil or duplicate kind is a
// programmer error and panics at process start, the same way the
// teacher's executor table panics on a duplicate callback name.
func Register(kind string, ctor Constructor) {
	if ctor == nil {
		panic("stage: nil constructor registered for kind " + kind)
	}
	if _, exists := constructors[kind]; exists {
		panic("stage: duplicate registration for kind " + kind)
	}
	constructors[kind] = ctor
}

// Build validates cfg and constructs its Stage via the registry.
func Build(cfg *Config) (Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctor := constructors[cfg.Kind]
	return ctor(cfg)
}

// Kinds returns the sorted set of registered stage kind names, used by
// the CLI's `kinds` subcommand.
func Kinds() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

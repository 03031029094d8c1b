package stage

import (
	"context"
	"time"

	"github.com/pipetree/pipetree/internal/artifact"
)

func init() {
	Register("Identity", newIdentityStage)
}

// identityStage forwards each input artifact as an output artifact
// under this stage's own name, recomputing UID components but leaving
// the payload untouched. It exists so a pipeline can re-tag or branch
// an existing artifact stream without an Executor round-trip.
type identityStage struct {
	cfg *Config
}

func newIdentityStage(cfg *Config) (Stage, error) {
	return &identityStage{cfg: cfg}, nil
}

func (s *identityStage) Config() *Config   { return s.cfg }
func (s *identityStage) IsLocalOnly() bool { return false }

func (s *identityStage) YieldArtifacts(ctx context.Context, inputs []*artifact.Artifact) <-chan YieldResult {
	out := make(chan YieldResult, len(inputs))
	go func() {
		defer close(out)
		depHash := artifact.DependencyHash(inputs)
		defHash := s.cfg.DefinitionHash()
		for _, in := range inputs {
			a := &artifact.Artifact{
				PipelineStage:     s.cfg.Name,
				DefinitionHash:    defHash,
				DependencyHash:    depHash,
				SpecificHash:      in.SpecificHash,
				SerializationType: in.SerializationType,
				CreationTime:      time.Now().Unix(),
				FanoutParameters:  in.FanoutParameters,
				Item:              in.Item,
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

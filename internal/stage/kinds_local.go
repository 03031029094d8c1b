package stage

import (
	"context"
	"time"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/provider"
)

func init() {
	Register("LocalFile", newLocalFileStage)
	Register("LocalDirectory", newLocalDirectoryStage)
	Register("Parameter", newParameterStage)
	Register("GridSearch", newGridSearchStage)
}

// providerStage adapts a provider.Provider into a Stage by attaching
// the definition/dependency hash and serialization bookkeeping that the
// bare provider layer doesn't know about. All four built-in leaf kinds
// share this shape.
type providerStage struct {
	cfg       *Config
	build     func() provider.Provider
	serType   artifact.SerializationType
	localOnly bool
}

func (s *providerStage) Config() *Config   { return s.cfg }
func (s *providerStage) IsLocalOnly() bool { return s.localOnly }

func (s *providerStage) YieldArtifacts(ctx context.Context, inputs []*artifact.Artifact) <-chan YieldResult {
	out := make(chan YieldResult, 4)
	go func() {
		defer close(out)
		depHash := artifact.DependencyHash(inputs)
		defHash := s.cfg.DefinitionHash()
		p := s.build()
		for res := range p.Yield(ctx) {
			if res.Err != nil {
				select {
				case out <- YieldResult{Err: res.Err}:
				case <-ctx.Done():
				}
				continue
			}
			a := &artifact.Artifact{
				PipelineStage:     s.cfg.Name,
				DefinitionHash:    defHash,
				DependencyHash:    depHash,
				SpecificHash:      res.SpecificHash,
				SerializationType: s.serializationFor(res),
				CreationTime:      time.Now().Unix(),
				FanoutParameters:  res.Fanout,
				Item:              res.Item,
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

func (s *providerStage) serializationFor(res provider.Result) artifact.SerializationType {
	if s.serType != "" {
		return s.serType
	}
	return artifact.SerializationJSON
}

func newLocalFileStage(cfg *Config) (Stage, error) {
	binary := cfg.BoolOption("binary_mode", false)
	path := cfg.StringOption("filepath", "")
	p := &provider.LocalFileProvider{Path: path, BinaryMode: binary}
	return &providerStage{
		cfg:       cfg,
		build:     func() provider.Provider { return p },
		serType:   p.SerializationType(),
		localOnly: true,
	}, nil
}

func newLocalDirectoryStage(cfg *Config) (Stage, error) {
	binary := cfg.BoolOption("binary_mode", false)
	path := cfg.StringOption("directory", "")
	p := &provider.LocalDirectoryProvider{Path: path, BinaryMode: binary}
	return &providerStage{
		cfg:       cfg,
		build:     func() provider.Provider { return p },
		serType:   p.SerializationType(),
		localOnly: true,
	}, nil
}

func newParameterStage(cfg *Config) (Stage, error) {
	p := &provider.ParameterProvider{Options: cfg.Options}
	return &providerStage{
		cfg:     cfg,
		build:   func() provider.Provider { return p },
		serType: artifact.SerializationJSON,
	}, nil
}

func newGridSearchStage(cfg *Config) (Stage, error) {
	p := &provider.GridSearchProvider{Options: cfg.ListOptions()}
	return &providerStage{
		cfg:     cfg,
		build:   func() provider.Provider { return p },
		serType: artifact.SerializationJSON,
	}, nil
}

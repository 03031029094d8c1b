package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

const metadataFile = "pipeline.meta"

// itemMeta is the per-artifact metadata record stored in pipeline.meta,
// keyed by UID, mirroring the original's meta_to_dict/meta_from_dict.
type itemMeta struct {
	PipelineStage     string                     `json:"pipeline_stage"`
	DefinitionHash    string                     `json:"definition_hash"`
	DependencyHash    string                     `json:"dependency_hash"`
	SpecificHash      string                     `json:"specific_hash"`
	ItemType          string                     `json:"item_type"`
	SerializationType artifact.SerializationType `json:"serialization_type"`
	CreationTime      int64                      `json:"creation_time"`
	FanoutParameters  artifact.FanoutParameters  `json:"fanout_parameters,omitempty"`
}

// stageRunMeta is the record stored at pipeline_stage_run_<dep>_<def>.
type stageRunMeta struct {
	DependencyHash string              `json:"dependency_hash"`
	Complete       bool                `json:"complete,omitempty"`
	Artifacts      map[string]itemMeta `json:"artifacts,omitempty"`
}

// Local is a disk-backed artifact cache rooted at Path. It is intended
// to be composed underneath Remote to provide a write-through local
// cache, or used standalone for single-machine pipelines.
type Local struct {
	Path string

	mu sync.Mutex
}

// NewLocal creates (if needed) the cache root and returns a Local
// backend over it.
func NewLocal(path string) (*Local, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("backend: create local cache root: %w", err)
	}
	return &Local{Path: path}, nil
}

func itemType(a *artifact.Artifact) string {
	if a.Item != nil && a.Item.Type != "" {
		return a.Item.Type
	}
	return "default"
}

func (l *Local) artifactDir(a *artifact.Artifact) string {
	return filepath.Join(l.Path, a.PipelineStage, itemType(a))
}

func (l *Local) artifactPath(a *artifact.Artifact) string {
	return filepath.Join(l.artifactDir(a), string(a.UID()))
}

func (l *Local) stageRunPath(stageName, dependencyHash, definitionHash string) string {
	return filepath.Join(l.Path, stageName, fmt.Sprintf("pipeline_stage_run_%s_%s", dependencyHash, definitionHash))
}

// SaveArtifact implements Backend.
func (l *Local) SaveArtifact(ctx context.Context, a *artifact.Artifact) error {
	if !a.HasPayload() {
		return fmt.Errorf("%w: stage %q", perr.ErrMissingPayload, a.PipelineStage)
	}

	payload, err := artifact.Serialize(a.Item, a.SerializationType)
	if err != nil {
		return fmt.Errorf("backend: serialize artifact for stage %q: %w", a.PipelineStage, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.artifactDir(a), 0o755); err != nil {
		return fmt.Errorf("backend: mkdir: %w", err)
	}
	if err := os.WriteFile(l.artifactPath(a), payload, 0o644); err != nil {
		return fmt.Errorf("backend: write artifact payload: %w", err)
	}
	if err := l.writeItemMeta(a); err != nil {
		return err
	}
	return l.recordStageRunArtifact(a)
}

func (l *Local) loadItemMetaMap(stageName, typ string) (map[string]itemMeta, error) {
	path := filepath.Join(l.Path, stageName, typ, metadataFile)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]itemMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend: read item metadata: %w", err)
	}
	var out map[string]itemMeta
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: item metadata at %s: %v", perr.ErrCorruption, path, err)
	}
	return out, nil
}

func (l *Local) writeItemMeta(a *artifact.Artifact) error {
	meta, err := l.loadItemMetaMap(a.PipelineStage, itemType(a))
	if err != nil {
		return err
	}
	meta[string(a.UID())] = itemMeta{
		PipelineStage:     a.PipelineStage,
		DefinitionHash:    a.DefinitionHash,
		DependencyHash:    a.DependencyHash,
		SpecificHash:      a.SpecificHash,
		ItemType:          itemType(a),
		SerializationType: a.SerializationType,
		CreationTime:      a.CreationTime,
		FanoutParameters:  a.FanoutParameters,
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("backend: marshal item metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(l.artifactDir(a), metadataFile), b, 0o644)
}

func (l *Local) loadStageRunMeta(stageName, dependencyHash, definitionHash string) (stageRunMeta, error) {
	path := l.stageRunPath(stageName, dependencyHash, definitionHash)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return stageRunMeta{}, nil
	}
	if err != nil {
		return stageRunMeta{}, fmt.Errorf("backend: read stage run metadata: %w", err)
	}
	var out stageRunMeta
	if err := json.Unmarshal(b, &out); err != nil {
		return stageRunMeta{}, fmt.Errorf("%w: stage run metadata at %s: %v", perr.ErrCorruption, path, err)
	}
	return out, nil
}

func (l *Local) recordStageRunArtifact(a *artifact.Artifact) error {
	meta, err := l.loadStageRunMeta(a.PipelineStage, a.DependencyHash, a.DefinitionHash)
	if err != nil {
		return err
	}
	if meta.Artifacts == nil {
		meta.Artifacts = map[string]itemMeta{}
	}
	meta.DependencyHash = a.DependencyHash
	meta.Artifacts[string(a.UID())] = itemMeta{
		PipelineStage:     a.PipelineStage,
		DefinitionHash:    a.DefinitionHash,
		DependencyHash:    a.DependencyHash,
		SpecificHash:      a.SpecificHash,
		ItemType:          itemType(a),
		SerializationType: a.SerializationType,
		CreationTime:      a.CreationTime,
		FanoutParameters:  a.FanoutParameters,
	}
	return l.writeRunFileDirect(a.PipelineStage, a.DependencyHash, a.DefinitionHash, meta)
}

func (l *Local) writeRunFileDirect(stageName, dependencyHash, definitionHash string, meta stageRunMeta) error {
	if err := os.MkdirAll(filepath.Join(l.Path, stageName), 0o755); err != nil {
		return fmt.Errorf("backend: mkdir stage dir: %w", err)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("backend: marshal stage run metadata: %w", err)
	}
	return os.WriteFile(l.stageRunPath(stageName, dependencyHash, definitionHash), b, 0o644)
}

// LoadArtifact implements Backend.
func (l *Local) LoadArtifact(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	cached, err := l.FindCachedArtifact(ctx, a)
	if err != nil || cached == nil {
		return cached, err
	}

	l.mu.Lock()
	payload, err := os.ReadFile(l.artifactPath(cached))
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: artifact payload for %s: %v", perr.ErrCorruption, cached.UID(), err)
	}
	item, err := artifact.Deserialize(payload, cached.SerializationType)
	if err != nil {
		return nil, fmt.Errorf("backend: deserialize cached artifact: %w", err)
	}
	item.Type = cached.Item.Type
	cached.Item = item
	cached.LoadedFromCache = true
	return cached, nil
}

// FindCachedArtifact implements Backend.
func (l *Local) FindCachedArtifact(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	l.mu.Lock()
	meta, err := l.loadItemMetaMap(a.PipelineStage, itemType(a))
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m, ok := meta[string(a.UID())]
	if !ok {
		return nil, nil
	}
	found := &artifact.Artifact{
		PipelineStage:     m.PipelineStage,
		DefinitionHash:    m.DefinitionHash,
		DependencyHash:    m.DependencyHash,
		SpecificHash:      m.SpecificHash,
		SerializationType: m.SerializationType,
		CreationTime:      m.CreationTime,
		FanoutParameters:  m.FanoutParameters,
		Item:              &artifact.Item{Type: m.ItemType, Meta: map[string]interface{}{}, Tags: map[string]struct{}{}},
	}
	return found, nil
}

// FindPipelineStageRunArtifacts implements Backend.
func (l *Local) FindPipelineStageRunArtifacts(ctx context.Context, definitionHash, dependencyHash, stageName string) ([]*artifact.Artifact, error) {
	l.mu.Lock()
	meta, err := l.loadStageRunMeta(stageName, dependencyHash, definitionHash)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]*artifact.Artifact, 0, len(meta.Artifacts))
	for _, m := range meta.Artifacts {
		found, err := l.FindCachedArtifact(ctx, &artifact.Artifact{
			PipelineStage:  m.PipelineStage,
			DefinitionHash: m.DefinitionHash,
			DependencyHash: m.DependencyHash,
			SpecificHash:   m.SpecificHash,
			Item:           &artifact.Item{Type: m.ItemType},
		})
		if err != nil {
			return nil, err
		}
		if found != nil {
			out = append(out, found)
		}
	}
	return out, nil
}

// PipelineStageRunStatus implements Backend.
func (l *Local) PipelineStageRunStatus(ctx context.Context, definitionHash, dependencyHash, stageName string) (RunStatus, error) {
	l.mu.Lock()
	meta, err := l.loadStageRunMeta(stageName, dependencyHash, definitionHash)
	l.mu.Unlock()
	if err != nil {
		return "", err
	}
	switch {
	case meta.Artifacts == nil && !meta.Complete:
		return RunDoesNotExist, nil
	case meta.Complete:
		return RunComplete, nil
	default:
		return RunInProgress, nil
	}
}

// LogPipelineStageRunComplete implements Backend.
func (l *Local) LogPipelineStageRunComplete(ctx context.Context, definitionHash, dependencyHash, stageName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, err := l.loadStageRunMeta(stageName, dependencyHash, definitionHash)
	if err != nil {
		return err
	}
	meta.Complete = true
	meta.DependencyHash = dependencyHash
	return l.writeRunFileDirect(stageName, dependencyHash, definitionHash, meta)
}

var _ Backend = (*Local)(nil)

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

// casRetries bounds the compare-and-swap retry loop on stage-run
// records before giving up with ErrRaceLost.
const casRetries = 5

// casBackoffBase and casBackoffCap set the exponential backoff between
// CAS retries: 1s, 2s, 4s, 8s, capped at 30s, per §7's retry policy.
const (
	casBackoffBase = time.Second
	casBackoffCap  = 30 * time.Second
)

func casBackoff(attempt int) time.Duration {
	d := casBackoffBase << attempt
	if d > casBackoffCap || d <= 0 {
		return casBackoffCap
	}
	return d
}

// Remote is an S3-backed artifact cache composed on top of a Local
// write-through cache: every save lands on disk first, then uploads,
// so a load that hits local disk never touches the network.
type Remote struct {
	client *s3.Client
	bucket string
	local  *Local
	log    *logrus.Entry
}

// NewRemote wraps an S3 client/bucket with a local write-through cache
// rooted at cachePath.
func NewRemote(client *s3.Client, bucket, cachePath string) (*Remote, error) {
	local, err := NewLocal(cachePath)
	if err != nil {
		return nil, err
	}
	return &Remote{
		client: client,
		bucket: bucket,
		local:  local,
		log:    logrus.WithField("component", "remote_backend"),
	}, nil
}

func (r *Remote) payloadKey(a *artifact.Artifact) string {
	return fmt.Sprintf("%s/%s/%s", a.PipelineStage, itemType(a), a.UID())
}

func (r *Remote) itemMetaKey(stageName, typ string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s", stageName, typ, metadataFile)
}

func (r *Remote) stageRunKey(stageName, dependencyHash, definitionHash string) string {
	return fmt.Sprintf("%s/pipeline_stage_run_%s_%s", stageName, dependencyHash, definitionHash)
}

// SaveArtifact implements Backend: writes through Local first, then
// uploads the payload and appends the artifact to the stage run record
// with a bounded compare-and-swap retry loop.
func (r *Remote) SaveArtifact(ctx context.Context, a *artifact.Artifact) error {
	if !a.HasPayload() {
		return fmt.Errorf("%w: stage %q", perr.ErrMissingPayload, a.PipelineStage)
	}
	if err := r.local.SaveArtifact(ctx, a); err != nil {
		return err
	}

	payload, err := artifact.Serialize(a.Item, a.SerializationType)
	if err != nil {
		return fmt.Errorf("backend: serialize artifact for stage %q: %w", a.PipelineStage, err)
	}
	if _, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.payloadKey(a)),
		Body:   bytes.NewReader(payload),
	}); err != nil {
		return fmt.Errorf("backend: upload artifact payload: %w", err)
	}

	if err := r.mergeItemMeta(ctx, a); err != nil {
		return err
	}
	return r.casAppendStageRunArtifact(ctx, a)
}

func (r *Remote) getObject(ctx context.Context, key string) ([]byte, string, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", nil
		}
		return nil, "", err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	return b, aws.ToString(out.ETag), nil
}

func (r *Remote) mergeItemMeta(ctx context.Context, a *artifact.Artifact) error {
	key := r.itemMetaKey(a.PipelineStage, itemType(a))
	for attempt := 0; attempt < casRetries; attempt++ {
		b, etag, err := r.getObject(ctx, key)
		if err != nil {
			return fmt.Errorf("backend: load item metadata: %w", err)
		}
		meta := map[string]itemMeta{}
		if b != nil {
			if err := json.Unmarshal(b, &meta); err != nil {
				return fmt.Errorf("%w: item metadata at %s: %v", perr.ErrCorruption, key, err)
			}
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
		out, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("backend: marshal item metadata: %w", err)
		}
		put := &s3.PutObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key), Body: bytes.NewReader(out)}
		if etag != "" {
			put.IfMatch = aws.String(etag)
		} else {
			put.IfNoneMatch = aws.String("*")
		}
		_, err = r.client.PutObject(ctx, put)
		if err == nil {
			return nil
		}
		r.log.WithField("attempt", attempt).Debug("item metadata CAS attempt lost, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(casBackoff(attempt)):
		}
	}
	return fmt.Errorf("%w: item metadata for stage %q", perr.ErrRaceLost, a.PipelineStage)
}

func (r *Remote) casAppendStageRunArtifact(ctx context.Context, a *artifact.Artifact) error {
	key := r.stageRunKey(a.PipelineStage, a.DependencyHash, a.DefinitionHash)
	for attempt := 0; attempt < casRetries; attempt++ {
		b, etag, err := r.getObject(ctx, key)
		if err != nil {
			return fmt.Errorf("backend: load stage run metadata: %w", err)
		}
		meta := stageRunMeta{DependencyHash: a.DependencyHash, Artifacts: map[string]itemMeta{}}
		if b != nil {
			if err := json.Unmarshal(b, &meta); err != nil {
				return fmt.Errorf("%w: stage run metadata at %s: %v", perr.ErrCorruption, key, err)
			}
			if meta.Artifacts == nil {
				meta.Artifacts = map[string]itemMeta{}
			}
		}
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
		out, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("backend: marshal stage run metadata: %w", err)
		}
		put := &s3.PutObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key), Body: bytes.NewReader(out)}
		if etag != "" {
			put.IfMatch = aws.String(etag)
		} else {
			put.IfNoneMatch = aws.String("*")
		}
		_, err = r.client.PutObject(ctx, put)
		if err == nil {
			return nil
		}
		r.log.WithField("attempt", attempt).Debug("stage run CAS attempt lost, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(casBackoff(attempt)):
		}
	}
	return fmt.Errorf("%w: stage run for stage %q dependency %q", perr.ErrRaceLost, a.PipelineStage, a.DependencyHash)
}

// LoadArtifact implements Backend: checks the local write-through cache
// first, falling back to the remote store and populating local on hit.
func (r *Remote) LoadArtifact(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	if found, err := r.local.LoadArtifact(ctx, a); err != nil {
		return nil, err
	} else if found != nil {
		return found, nil
	}

	cached, err := r.FindCachedArtifact(ctx, a)
	if err != nil || cached == nil {
		return cached, err
	}
	b, _, err := r.getObject(ctx, r.payloadKey(cached))
	if err != nil {
		return nil, fmt.Errorf("backend: fetch remote artifact payload: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: remote payload missing for %s", perr.ErrCorruption, cached.UID())
	}
	item, err := artifact.Deserialize(b, cached.SerializationType)
	if err != nil {
		return nil, fmt.Errorf("backend: deserialize remote artifact: %w", err)
	}
	item.Type = cached.Item.Type
	cached.Item = item
	cached.LoadedFromCache = true
	cached.RemotelyProduced = true

	// Populate the local write-through cache so the next load of this UID
	// is served from disk.
	r.local.mu.Lock()
	err = os.MkdirAll(r.local.artifactDir(cached), 0o755)
	if err == nil {
		err = os.WriteFile(r.local.artifactPath(cached), b, 0o644)
	}
	if err == nil {
		err = r.local.writeItemMeta(cached)
	}
	r.local.mu.Unlock()
	if err != nil {
		r.log.WithError(err).Warn("could not populate local cache from remote artifact")
	}
	return cached, nil
}

// FindCachedArtifact implements Backend.
func (r *Remote) FindCachedArtifact(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	if found, err := r.local.FindCachedArtifact(ctx, a); err != nil {
		return nil, err
	} else if found != nil {
		return found, nil
	}

	b, _, err := r.getObject(ctx, r.itemMetaKey(a.PipelineStage, itemType(a)))
	if err != nil {
		return nil, fmt.Errorf("backend: fetch remote item metadata: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	meta := map[string]itemMeta{}
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("%w: remote item metadata: %v", perr.ErrCorruption, err)
	}
	m, ok := meta[string(a.UID())]
	if !ok {
		return nil, nil
	}
	return &artifact.Artifact{
		PipelineStage:     m.PipelineStage,
		DefinitionHash:    m.DefinitionHash,
		DependencyHash:    m.DependencyHash,
		SpecificHash:      m.SpecificHash,
		SerializationType: m.SerializationType,
		CreationTime:      m.CreationTime,
		FanoutParameters:  m.FanoutParameters,
		RemotelyProduced:  true,
		Item:              &artifact.Item{Type: m.ItemType, Meta: map[string]interface{}{}, Tags: map[string]struct{}{}},
	}, nil
}

// FindPipelineStageRunArtifacts implements Backend.
func (r *Remote) FindPipelineStageRunArtifacts(ctx context.Context, definitionHash, dependencyHash, stageName string) ([]*artifact.Artifact, error) {
	b, _, err := r.getObject(ctx, r.stageRunKey(stageName, dependencyHash, definitionHash))
	if err != nil {
		return nil, fmt.Errorf("backend: fetch remote stage run metadata: %w", err)
	}
	if b == nil {
		return r.local.FindPipelineStageRunArtifacts(ctx, definitionHash, dependencyHash, stageName)
	}
	var meta stageRunMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("%w: remote stage run metadata: %v", perr.ErrCorruption, err)
	}
	out := make([]*artifact.Artifact, 0, len(meta.Artifacts))
	for _, m := range meta.Artifacts {
		found, err := r.FindCachedArtifact(ctx, &artifact.Artifact{
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
func (r *Remote) PipelineStageRunStatus(ctx context.Context, definitionHash, dependencyHash, stageName string) (RunStatus, error) {
	b, _, err := r.getObject(ctx, r.stageRunKey(stageName, dependencyHash, definitionHash))
	if err != nil {
		return "", fmt.Errorf("backend: fetch remote stage run metadata: %w", err)
	}
	if b == nil {
		return r.local.PipelineStageRunStatus(ctx, definitionHash, dependencyHash, stageName)
	}
	var meta stageRunMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return "", fmt.Errorf("%w: remote stage run metadata: %v", perr.ErrCorruption, err)
	}
	if meta.Complete {
		return RunComplete, nil
	}
	if len(meta.Artifacts) > 0 {
		return RunInProgress, nil
	}
	return RunDoesNotExist, nil
}

// LogPipelineStageRunComplete implements Backend.
func (r *Remote) LogPipelineStageRunComplete(ctx context.Context, definitionHash, dependencyHash, stageName string) error {
	key := r.stageRunKey(stageName, dependencyHash, definitionHash)
	for attempt := 0; attempt < casRetries; attempt++ {
		b, etag, err := r.getObject(ctx, key)
		if err != nil {
			return fmt.Errorf("backend: load stage run metadata: %w", err)
		}
		meta := stageRunMeta{DependencyHash: dependencyHash, Artifacts: map[string]itemMeta{}}
		if b != nil {
			if err := json.Unmarshal(b, &meta); err != nil {
				return fmt.Errorf("%w: stage run metadata at %s: %v", perr.ErrCorruption, key, err)
			}
		}
		meta.Complete = true
		out, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("backend: marshal stage run metadata: %w", err)
		}
		put := &s3.PutObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key), Body: bytes.NewReader(out)}
		if etag != "" {
			put.IfMatch = aws.String(etag)
		} else {
			put.IfNoneMatch = aws.String("*")
		}
		_, err = r.client.PutObject(ctx, put)
		if err == nil {
			return r.local.LogPipelineStageRunComplete(ctx, definitionHash, dependencyHash, stageName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(casBackoff(attempt)):
		}
	}
	return fmt.Errorf("%w: stage run complete marker for stage %q", perr.ErrRaceLost, stageName)
}

var _ Backend = (*Remote)(nil)

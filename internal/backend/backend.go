// Package backend implements the artifact cache: a local disk layer
// and an S3-backed remote layer composed on top of it, matching §4.4.
package backend

import (
	"context"

	"github.com/pipetree/pipetree/internal/artifact"
)

// RunStatus is the status of one pipeline stage run, keyed by
// (definition_hash, dependency_hash).
type RunStatus string

const (
	RunDoesNotExist RunStatus = "does_not_exist"
	RunInProgress   RunStatus = "in_progress"
	RunComplete     RunStatus = "complete"
)

// Backend is the artifact cache contract every stage run reads from and
// writes to. Implementations must be safe for concurrent use.
type Backend interface {
	// SaveArtifact persists the artifact's payload and metadata and
	// records it against its pipeline stage run. The artifact must
	// carry a payload; ErrMissingPayload otherwise.
	SaveArtifact(ctx context.Context, a *artifact.Artifact) error

	// LoadArtifact returns the full artifact (payload included) cached
	// under a's UID, or nil if nothing is cached yet.
	LoadArtifact(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error)

	// FindCachedArtifact looks up a cached artifact by UID without
	// loading its payload.
	FindCachedArtifact(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error)

	// FindPipelineStageRunArtifacts returns every artifact recorded
	// against a completed or in-progress stage run.
	FindPipelineStageRunArtifacts(ctx context.Context, definitionHash, dependencyHash, stageName string) ([]*artifact.Artifact, error)

	// PipelineStageRunStatus reports whether a stage run exists, is
	// in progress, or has completed.
	PipelineStageRunStatus(ctx context.Context, definitionHash, dependencyHash, stageName string) (RunStatus, error)

	// LogPipelineStageRunComplete marks a stage run as finished.
	LogPipelineStageRunComplete(ctx context.Context, definitionHash, dependencyHash, stageName string) error
}

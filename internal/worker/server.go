// Package worker implements the durable-queue consumer side of the
// remote executor: it polls the task queue, runs the named callable
// against artifacts fetched from the shared backend, and posts results
// back on the result queue. It also exposes a small status endpoint
// for operators, grounded in the teacher's habit of pairing a worker
// loop with a minimal net/http introspection surface.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/queue"
	"github.com/pipetree/pipetree/internal/stage"
)

// JobStatus is the lifecycle of one accepted task, as seen by the
// status endpoint.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a snapshot of one task this worker has accepted.
type Job struct {
	ID             uint64    `json:"id"`
	StageName      string    `json:"stage_name"`
	DefinitionHash string    `json:"definition_hash"`
	DependencyHash string    `json:"dependency_hash"`
	Status         JobStatus `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// wireInput/wireTask/wireResult mirror internal/executor's wire types;
// duplicated here rather than imported to avoid a worker->executor
// dependency the executor package has no reason to expose publicly.
type wireInput struct {
	UID           string `json:"uid"`
	PipelineStage string `json:"pipeline_stage"`
}

type wireTask struct {
	StageName         string                 `json:"stage_name"`
	DefinitionHash    string                 `json:"definition_hash"`
	DependencyHash    string                 `json:"dependency_hash"`
	CallableName      string                 `json:"callable_name"`
	Options           map[string]interface{} `json:"options"`
	Inputs            []wireInput            `json:"inputs"`
	FullArtifacts     bool                   `json:"full_artifacts,omitempty"`
	SerializationType string                 `json:"serialization_type"`
}

// wireResult reports success or failure only. Produced artifacts are
// persisted to the shared Backend and the stage run marked complete
// before this message is published, so the awaiting executor re-reads
// them from the Backend rather than from this message body.
type wireResult struct {
	Err string `json:"error,omitempty"`
}

// Server consumes ExecutorTask messages from a task queue and produces
// results on a result queue.
type Server struct {
	TaskQueue   *queue.Queue
	ResultQueue *queue.Queue
	Backend     backend.Backend

	nextID uint64
	jobs   sync.Map // uint64 -> *Job
	log    *logrus.Entry
}

// New builds a Server over the given queue pair and backend.
func New(taskQueue, resultQueue *queue.Queue, be backend.Backend) *Server {
	return &Server{
		TaskQueue:   taskQueue,
		ResultQueue: resultQueue,
		Backend:     be,
		log:         logrus.WithField("component", "worker"),
	}
}

// Run polls the task queue until ctx is cancelled, processing each
// task in its own goroutine.
func (s *Server) Run(ctx context.Context) {
	s.TaskQueue.Poll(ctx, func(msg queue.Message) {
		go s.handleTask(ctx, msg)
	})
}

func (s *Server) handleTask(ctx context.Context, msg queue.Message) {
	var task wireTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		s.log.WithError(err).Error("malformed task message, dropping")
		return
	}

	id := atomic.AddUint64(&s.nextID, 1)
	job := &Job{
		ID:             id,
		StageName:      task.StageName,
		DefinitionHash: task.DefinitionHash,
		DependencyHash: task.DependencyHash,
		Status:         JobRunning,
		StartedAt:      time.Now(),
	}
	s.jobs.Store(id, job)

	result := s.runTask(ctx, task)
	if result.Err != "" {
		job.Status = JobFailed
		job.Error = result.Err
	} else {
		job.Status = JobSucceeded
	}
	job.FinishedAt = time.Now()

	body, err := json.Marshal(result)
	if err != nil {
		s.log.WithError(err).Error("failed to marshal task result")
		return
	}
	if err := s.ResultQueue.Send(ctx, queue.Message{
		DefinitionHash: task.DefinitionHash,
		DependencyHash: task.DependencyHash,
		Body:           body,
	}); err != nil {
		s.log.WithError(err).Error("failed to publish task result")
	}
}

func (s *Server) runTask(ctx context.Context, task wireTask) wireResult {
	fn, ok := stage.LookupCallable(task.CallableName)
	if !ok {
		return wireResult{Err: fmt.Sprintf("no callable registered under %q", task.CallableName)}
	}

	inputs := make([]*artifact.Artifact, 0, len(task.Inputs))
	for _, in := range task.Inputs {
		definitionHash, specificHash, dependencyHash, err := artifact.ParseUID(artifact.UID(in.UID))
		if err != nil {
			return wireResult{Err: err.Error()}
		}
		loaded, err := s.Backend.LoadArtifact(ctx, &artifact.Artifact{
			PipelineStage:  in.PipelineStage,
			DefinitionHash: definitionHash,
			SpecificHash:   specificHash,
			DependencyHash: dependencyHash,
		})
		if err != nil {
			return wireResult{Err: err.Error()}
		}
		if loaded == nil {
			return wireResult{Err: fmt.Sprintf("input artifact %s not found in backend", in.UID)}
		}
		inputs = append(inputs, loaded)
	}

	grouped := stage.GroupCallableInputs(inputs, task.FullArtifacts)
	items, err := fn(ctx, grouped, task.Options)
	if err != nil {
		return wireResult{Err: err.Error()}
	}

	serType := artifact.SerializationType(task.SerializationType)
	if serType == "" {
		serType = artifact.SerializationJSON
	}
	now := time.Now().Unix()
	for _, item := range items {
		specificHash, err := artifact.SpecificHashFromPayload(item, serType)
		if err != nil {
			return wireResult{Err: err.Error()}
		}
		a := &artifact.Artifact{
			PipelineStage:     task.StageName,
			DefinitionHash:    task.DefinitionHash,
			DependencyHash:    task.DependencyHash,
			SpecificHash:      specificHash,
			SerializationType: serType,
			CreationTime:      now,
			Item:              item,
		}
		if err := s.Backend.SaveArtifact(ctx, a); err != nil {
			return wireResult{Err: err.Error()}
		}
	}

	if err := s.Backend.LogPipelineStageRunComplete(ctx, task.DefinitionHash, task.DependencyHash, task.StageName); err != nil {
		return wireResult{Err: err.Error()}
	}

	return wireResult{}
}

// StatusHandler returns an http.Handler exposing /jobs and /jobs/{id}
// for operator introspection.
func (s *Server) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		var jobs []*Job
		s.jobs.Range(func(_, v interface{}) bool {
			jobs = append(jobs, v.(*Job))
			return true
		})
		writeJSON(w, jobs)
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		var id uint64
		if _, err := fmt.Sscanf(r.URL.Path, "/jobs/%d", &id); err != nil {
			http.NotFound(w, r)
			return
		}
		v, ok := s.jobs.Load(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, v)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("failed to write status response")
	}
}

package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/internal/service/event"
	"github.com/skiff-sh/skiff/internal/service/joblog"
	"github.com/skiff-sh/skiff/pkg/clock"
	"github.com/skiff-sh/skiff/pkg/config"
)

// Submission errors surfaced synchronously to the caller.
var (
	ErrUnknownTask  = errors.New("job: unknown task type")
	ErrNoTransport  = errors.New("job: no worker or batch runner configured")
	ErrDispatchFail = errors.New("job: dispatch failed")
)

const logSourceDispatcher = "dispatcher"

// SubmitInput describes a job submission request.
type SubmitInput struct {
	Task      domain.TaskType
	ProjectID string
	UserID    string
	Data      json.RawMessage
}

// Service dispatches jobs to whichever transport is available: a remote
// worker, the legacy batch runner, or the local simulator.
type Service struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	logs     joblog.Service
	bus      *event.Bus
	sim      *Simulator
	client   *http.Client
	clk      clock.Clock
	logger   *slog.Logger
	cfg      config.ServerConfig
}

// New returns a job dispatch service.
func New(jobs repository.JobRepository, projects repository.ProjectRepository, logs joblog.Service, bus *event.Bus, sim *Simulator, clk clock.Clock, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{
		jobs:     jobs,
		projects: projects,
		logs:     logs,
		bus:      bus,
		sim:      sim,
		client:   &http.Client{Timeout: cfg.WorkerDispatchTTL},
		clk:      clk,
		logger:   logger,
		cfg:      cfg,
	}
}

// Submit creates a job and hands it to a transport. Dispatch failures mark
// the job failed and are returned synchronously; the job record is returned
// either way so the caller can surface its id.
func (s Service) Submit(ctx context.Context, input SubmitInput) (*domain.Job, error) {
	if !input.Task.Valid() {
		return nil, ErrUnknownTask
	}
	project, err := s.projects.GetProjectByID(ctx, input.ProjectID)
	if err != nil {
		return nil, err
	}

	// UUIDv7 so the id carries its creation time for revision ordering.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clk.Now()
	job := &domain.Job{
		ID:        id.String(),
		Task:      input.Task,
		ProjectID: project.ID,
		UserID:    input.UserID,
		Input:     input.Data,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	switch {
	case s.cfg.SimulateWorker:
		return s.dispatchSimulator(ctx, job)
	case s.cfg.ResolveWorkerURL() != "":
		return s.dispatchWorker(ctx, job, project)
	case s.cfg.IsProduction():
		if s.cfg.BatchRunnerURL == "" {
			return s.failDispatch(ctx, job, ErrNoTransport)
		}
		return s.dispatchBatch(ctx, job, project)
	default:
		return s.dispatchSimulator(ctx, job)
	}
}

// GetJob returns a job by id.
func (s Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.GetJobByID(ctx, id)
}

// ListByProject returns recent jobs for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Job, error) {
	return s.jobs.ListJobsByProject(ctx, projectID, limit)
}

func (s Service) dispatchWorker(ctx context.Context, job *domain.Job, project *domain.Project) (*domain.Job, error) {
	envelope, err := s.workerEnvelope(job, project)
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}

	url := strings.TrimRight(s.cfg.ResolveWorkerURL(), "/") + "/process"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.WorkerAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.WorkerAuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.failDispatch(ctx, job, fmt.Errorf("worker unreachable: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s.failDispatch(ctx, job, fmt.Errorf("worker rejected dispatch: %s", resp.Status))
	}
	return s.markAccepted(ctx, job, "accepted by worker")
}

// dispatchBatch submits an equivalent spec to the legacy batch runner.
// Acceptance of the submission call, not the work itself, drives the
// running transition.
func (s Service) dispatchBatch(ctx context.Context, job *domain.Job, project *domain.Project) (*domain.Job, error) {
	envelope, err := s.workerEnvelope(job, project)
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}

	url := strings.TrimRight(s.cfg.BatchRunnerURL, "/") + "/jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.BatchRunnerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.BatchRunnerToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.failDispatch(ctx, job, fmt.Errorf("batch runner unreachable: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s.failDispatch(ctx, job, fmt.Errorf("batch runner rejected submission: %s", resp.Status))
	}
	return s.markAccepted(ctx, job, "accepted by batch runner")
}

func (s Service) dispatchSimulator(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if s.sim == nil {
		return s.failDispatch(ctx, job, ErrNoTransport)
	}
	job, err := s.markAccepted(ctx, job, "accepted by local simulator")
	if err != nil {
		return job, err
	}
	s.sim.Start(*job)
	return job, nil
}

// markAccepted applies the pending -> running transition and, for deploys,
// announces that execution actually began. Dispatch-time failures never
// emit lifecycle events: those describe jobs that started running.
func (s Service) markAccepted(ctx context.Context, job *domain.Job, note string) (*domain.Job, error) {
	now := s.clk.Now()
	if err := s.jobs.MarkJobRunning(ctx, job.ID, now); err != nil {
		return job, err
	}
	job.Status = domain.JobStatusRunning
	job.UpdatedAt = now
	s.appendLog(ctx, job.ID, note)

	if job.Task == domain.TaskRepoDeploy {
		s.bus.Publish(domain.Event{
			Type:      domain.EventDeploymentStarted,
			ProjectID: job.ProjectID,
			Payload:   map[string]any{"job_id": job.ID, "task": string(job.Task)},
		})
	}
	s.logger.Info("job dispatched", "job_id", job.ID, "task", job.Task, "project_id", job.ProjectID)
	return job, nil
}

func (s Service) failDispatch(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	now := s.clk.Now()
	applied, err := s.jobs.FailJob(ctx, job.ID, cause.Error(), now)
	if err != nil {
		s.logger.Error("record dispatch failure", "job_id", job.ID, "error", err)
	}
	if applied {
		job.Status = domain.JobStatusFailed
		job.Error = cause.Error()
		job.UpdatedAt = now
		job.CompletedAt = &now
	}
	s.appendLog(ctx, job.ID, "dispatch failed: "+cause.Error())
	s.logger.Error("job dispatch failed", "job_id", job.ID, "task", job.Task, "error", cause)
	return job, fmt.Errorf("%w: %v", ErrDispatchFail, cause)
}

func (s Service) appendLog(ctx context.Context, jobID, message string) {
	line := domain.JobLogLine{JobID: jobID, Source: logSourceDispatcher, Message: message, CreatedAt: s.clk.Now()}
	if err := s.logs.Append(ctx, line); err != nil {
		s.logger.Warn("append job log failed", "job_id", jobID, "error", err)
	}
}

package job

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"log/slog"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/internal/service/event"
	"github.com/skiff-sh/skiff/internal/service/joblog"
	"github.com/skiff-sh/skiff/pkg/clock"
)

// ErrMissingJobID indicates a callback without a job reference.
var ErrMissingJobID = errors.New("job: jobId required")

// CallbackPayload is the completion/failure notification a worker POSTs
// back once it finishes (or abandons) a job.
type CallbackPayload struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Logs   []string        `json:"logs,omitempty"`
}

// CallbackHandler applies idempotent terminal transitions from worker
// callbacks. A callback addressed to an already-terminal job never changes
// status, output, or error; late log lines are still appended for audit.
type CallbackHandler struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	logs     joblog.Service
	resolver Resolver
	bus      *event.Bus
	clk      clock.Clock
	logger   *slog.Logger
}

// NewCallbackHandler constructs a CallbackHandler.
func NewCallbackHandler(jobs repository.JobRepository, projects repository.ProjectRepository, logs joblog.Service, resolver Resolver, bus *event.Bus, clk clock.Clock, logger *slog.Logger) CallbackHandler {
	return CallbackHandler{
		jobs:     jobs,
		projects: projects,
		logs:     logs,
		resolver: resolver,
		bus:      bus,
		clk:      clk,
		logger:   logger,
	}
}

// Process ingests one worker callback.
func (h CallbackHandler) Process(ctx context.Context, payload CallbackPayload) error {
	if strings.TrimSpace(payload.JobID) == "" {
		return ErrMissingJobID
	}
	job, err := h.jobs.GetJobByID(ctx, payload.JobID)
	if err != nil {
		return err
	}

	h.appendWorkerLogs(ctx, job.ID, payload.Logs)

	switch callbackOutcome(payload.Status) {
	case domain.JobStatusCompleted:
		return h.complete(ctx, job, payload.Output)
	case domain.JobStatusFailed:
		return h.fail(ctx, job, payload.Error)
	default:
		// Progress-only callback: logs were appended, nothing else changes.
		return nil
	}
}

func (h CallbackHandler) complete(ctx context.Context, job *domain.Job, output json.RawMessage) error {
	applied, err := h.jobs.CompleteJob(ctx, job.ID, output, h.clk.Now())
	if err != nil {
		return err
	}
	if !applied {
		h.logger.Info("callback for terminal job ignored", "job_id", job.ID, "status", job.Status)
		return nil
	}

	switch job.Task {
	case domain.TaskRepoDeploy:
		if err := h.resolver.Resolve(ctx, job.ProjectID, job.ID); err != nil {
			h.logger.Error("revision resolution failed", "job_id", job.ID, "project_id", job.ProjectID, "error", err)
		}
		h.bus.Publish(domain.Event{
			Type:      domain.EventDeploymentCompleted,
			ProjectID: job.ProjectID,
			Payload:   map[string]any{"job_id": job.ID, "output": rawToAny(output)},
		})
	case domain.TaskRepoClone:
		if err := h.projects.MarkRepoCloned(ctx, job.ProjectID); err != nil {
			h.logger.Warn("mark repo cloned failed", "project_id", job.ProjectID, "error", err)
		}
	case domain.TaskRepoImport:
		if err := h.projects.MarkRepoImported(ctx, job.ProjectID); err != nil {
			h.logger.Warn("mark repo imported failed", "project_id", job.ProjectID, "error", err)
		}
	}

	h.logger.Info("job completed", "job_id", job.ID, "task", job.Task, "project_id", job.ProjectID)
	return nil
}

func (h CallbackHandler) fail(ctx context.Context, job *domain.Job, errMsg string) error {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = "worker reported failure"
	}
	applied, err := h.jobs.FailJob(ctx, job.ID, errMsg, h.clk.Now())
	if err != nil {
		return err
	}
	if !applied {
		h.logger.Info("callback for terminal job ignored", "job_id", job.ID, "status", job.Status)
		return nil
	}

	if job.Task == domain.TaskRepoDeploy {
		h.bus.Publish(domain.Event{
			Type:      domain.EventDeploymentFailed,
			ProjectID: job.ProjectID,
			Payload:   map[string]any{"job_id": job.ID, "error": errMsg},
		})
	}
	h.logger.Warn("job failed", "job_id", job.ID, "task", job.Task, "error", errMsg)
	return nil
}

func (h CallbackHandler) appendWorkerLogs(ctx context.Context, jobID string, lines []string) {
	for _, msg := range lines {
		line := domain.JobLogLine{JobID: jobID, Source: "worker", Message: msg, CreatedAt: h.clk.Now()}
		if err := h.logs.Append(ctx, line); err != nil {
			h.logger.Warn("append worker log failed", "job_id", jobID, "error", err)
		}
	}
}

// callbackOutcome maps worker status strings onto terminal statuses. Any
// unrecognized value is treated as progress.
func callbackOutcome(raw string) domain.JobStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "success", "succeeded":
		return domain.JobStatusCompleted
	case "failed", "error":
		return domain.JobStatusFailed
	default:
		return domain.JobStatusRunning
	}
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

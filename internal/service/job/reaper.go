package job

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/internal/service/event"
	"github.com/skiff-sh/skiff/internal/service/joblog"
	"github.com/skiff-sh/skiff/pkg/clock"
)

// Reaper fails jobs stuck in running after a worker crashed without ever
// calling back. Without it a lost callback would leave a job running
// forever.
type Reaper struct {
	jobs     repository.JobRepository
	logs     joblog.Service
	bus      *event.Bus
	clk      clock.Clock
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(jobs repository.JobRepository, logs joblog.Service, bus *event.Bus, clk clock.Clock, ttl, interval time.Duration, logger *slog.Logger) Reaper {
	return Reaper{jobs: jobs, logs: logs, bus: bus, clk: clk, ttl: ttl, interval: interval, logger: logger}
}

// Run sweeps periodically until the context is cancelled.
func (r Reaper) Run(ctx context.Context) {
	if r.ttl <= 0 || r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every running job whose last update is older than the TTL.
func (r Reaper) Sweep(ctx context.Context) {
	cutoff := r.clk.Now().Add(-r.ttl)
	stuck, err := r.jobs.ListJobsRunningSince(ctx, cutoff)
	if err != nil {
		r.logger.Error("list stale running jobs", "error", err)
		return
	}
	for _, job := range stuck {
		msg := fmt.Sprintf("worker did not report completion within %s", r.ttl)
		applied, err := r.jobs.FailJob(ctx, job.ID, msg, r.clk.Now())
		if err != nil {
			r.logger.Error("fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		line := domain.JobLogLine{JobID: job.ID, Source: logSourceDispatcher, Message: "timed out waiting for worker callback", CreatedAt: r.clk.Now()}
		if err := r.logs.Append(ctx, line); err != nil {
			r.logger.Warn("append reaper log failed", "job_id", job.ID, "error", err)
		}
		if job.Task == domain.TaskRepoDeploy {
			r.bus.Publish(domain.Event{
				Type:      domain.EventDeploymentFailed,
				ProjectID: job.ProjectID,
				Payload:   map[string]any{"job_id": job.ID, "error": msg},
			})
		}
		r.logger.Warn("stale running job failed", "job_id", job.ID, "task", job.Task, "ttl", r.ttl.String())
	}
}

package job

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/service/joblog"
)

func TestReaperFailsStaleRunningJobs(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")

	stale := env.seedRunningJob(t, domain.TaskRepoDeploy, "proj-1")
	env.clk.Advance(2 * time.Hour)
	fresh := env.seedRunningJob(t, domain.TaskRepoClone, "proj-1")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	logs := joblog.New(env.jobs, nil, log)
	reaper := NewReaper(env.jobs, logs, env.bus, env.clk, time.Hour, time.Minute, log)
	reaper.Sweep(context.Background())

	staleStored, _ := env.jobs.GetJobByID(context.Background(), stale.ID)
	if staleStored.Status != domain.JobStatusFailed {
		t.Fatalf("stale job status = %s, want failed", staleStored.Status)
	}
	if staleStored.Error == "" {
		t.Error("stale job missing failure reason")
	}
	freshStored, _ := env.jobs.GetJobByID(context.Background(), fresh.ID)
	if freshStored.Status != domain.JobStatusRunning {
		t.Fatalf("fresh job status = %s, want running", freshStored.Status)
	}

	if !containsMessage(env.jobs.logMessages(stale.ID), "timed out waiting for worker callback") {
		t.Error("timeout log line not appended")
	}

	env.bus.Wait()
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.EventDeploymentFailed {
		t.Errorf("events = %v, want [deployment.failed] for the reaped deploy", types)
	}
}

func TestReaperIdempotentAcrossSweeps(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	stale := env.seedRunningJob(t, domain.TaskRepoDeploy, "proj-1")
	env.clk.Advance(2 * time.Hour)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	logs := joblog.New(env.jobs, nil, log)
	reaper := NewReaper(env.jobs, logs, env.bus, env.clk, time.Hour, time.Minute, log)
	reaper.Sweep(context.Background())
	reaper.Sweep(context.Background())

	stored, _ := env.jobs.GetJobByID(context.Background(), stale.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	env.bus.Wait()
	if types := env.events.types(); len(types) != 1 {
		t.Errorf("events = %v, second sweep must not re-emit", types)
	}
}

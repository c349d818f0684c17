package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
)

func (env *testEnv) seedRunningJob(t *testing.T, task domain.TaskType, projectID string) *domain.Job {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("new v7: %v", err)
	}
	now := env.clk.Now()
	job := &domain.Job{
		ID:        id.String(),
		Task:      task,
		ProjectID: projectID,
		Status:    domain.JobStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.jobs.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCallbackCompletesDeploy(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	job := env.seedRunningJob(t, domain.TaskRepoDeploy, "proj-1")

	err := env.handler.Process(context.Background(), CallbackPayload{
		JobID:  job.ID,
		Status: "completed",
		Output: json.RawMessage(`{"deployed":true}`),
		Logs:   []string{"build ok", "upload ok"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := env.jobs.GetJobByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if string(stored.Output) != `{"deployed":true}` {
		t.Errorf("output = %s", stored.Output)
	}
	if stored.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	if active := env.projects.activeRevision("proj-1"); active == nil || *active != job.ID {
		t.Errorf("active revision = %v, want %s", active, job.ID)
	}

	env.bus.Wait()
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.EventDeploymentCompleted {
		t.Errorf("events = %v, want [deployment.completed]", types)
	}
	messages := env.jobs.logMessages(job.ID)
	if !containsMessage(messages, "build ok") || !containsMessage(messages, "upload ok") {
		t.Errorf("worker logs missing, got %v", messages)
	}
}

func TestCallbackFailureEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	job := env.seedRunningJob(t, domain.TaskRepoDeploy, "proj-1")

	err := env.handler.Process(context.Background(), CallbackPayload{
		JobID:  job.ID,
		Status: "failed",
		Error:  "build exited with code 2",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := env.jobs.GetJobByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.Error != "build exited with code 2" {
		t.Errorf("error = %q", stored.Error)
	}
	if env.projects.activeRevision("proj-1") != nil {
		t.Error("failed deploy must not become active revision")
	}

	env.bus.Wait()
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.EventDeploymentFailed {
		t.Errorf("events = %v, want [deployment.failed]", types)
	}
}

func TestCallbackTerminalJobUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	job := env.seedRunningJob(t, domain.TaskRepoDeploy, "proj-1")

	first := env.handler.Process(context.Background(), CallbackPayload{
		JobID:  job.ID,
		Status: "completed",
		Output: json.RawMessage(`{"deployed":true}`),
	})
	if first != nil {
		t.Fatalf("first callback: %v", first)
	}
	env.bus.Wait()

	// A contradictory late callback must not alter the terminal record, but
	// its log lines still land for audit.
	second := env.handler.Process(context.Background(), CallbackPayload{
		JobID:  job.ID,
		Status: "failed",
		Error:  "late failure report",
		Logs:   []string{"retry output from crashed worker"},
	})
	if second != nil {
		t.Fatalf("second callback: %v", second)
	}

	stored, _ := env.jobs.GetJobByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed after duplicate callback", stored.Status)
	}
	if stored.Error != "" {
		t.Errorf("error = %q, want empty", stored.Error)
	}
	if string(stored.Output) != `{"deployed":true}` {
		t.Errorf("output overwritten: %s", stored.Output)
	}
	if !containsMessage(env.jobs.logMessages(job.ID), "retry output from crashed worker") {
		t.Error("late log line not appended")
	}

	env.bus.Wait()
	if types := env.events.types(); len(types) != 1 {
		t.Errorf("events = %v, duplicate callback must not emit more", types)
	}
}

func TestCallbackCloneSetsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	job := env.seedRunningJob(t, domain.TaskRepoClone, "proj-1")

	if err := env.handler.Process(context.Background(), CallbackPayload{JobID: job.ID, Status: "success"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	project, _ := env.projects.GetProjectByID(context.Background(), "proj-1")
	if !project.RepoCloned {
		t.Error("repoCloned flag not set")
	}
	if env.projects.activeRevision("proj-1") != nil {
		t.Error("clone completion must not touch active revision")
	}
	env.bus.Wait()
	if types := env.events.types(); len(types) != 0 {
		t.Errorf("events = %v, clone completions are silent", types)
	}
}

func TestCallbackImportSetsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	job := env.seedRunningJob(t, domain.TaskRepoImport, "proj-1")

	if err := env.handler.Process(context.Background(), CallbackPayload{JobID: job.ID, Status: "succeeded"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	project, _ := env.projects.GetProjectByID(context.Background(), "proj-1")
	if !project.RepoImported {
		t.Error("repoImported flag not set")
	}
}

func TestCallbackProgressOnlyKeepsRunning(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject("proj-1")
	job := env.seedRunningJob(t, domain.TaskRepoDeploy, "proj-1")

	err := env.handler.Process(context.Background(), CallbackPayload{
		JobID:  job.ID,
		Status: "building",
		Logs:   []string{"installing dependencies"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	stored, _ := env.jobs.GetJobByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusRunning {
		t.Fatalf("status = %s, want running", stored.Status)
	}
	if !containsMessage(env.jobs.logMessages(job.ID), "installing dependencies") {
		t.Error("progress log not appended")
	}
}

func TestCallbackValidation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.handler.Process(context.Background(), CallbackPayload{Status: "completed"}); !errors.Is(err, ErrMissingJobID) {
		t.Errorf("err = %v, want ErrMissingJobID", err)
	}
	if err := env.handler.Process(context.Background(), CallbackPayload{JobID: "nope", Status: "completed"}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

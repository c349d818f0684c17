package domain

import (
	"encoding/json"
	"time"
)

// TaskType enumerates the asynchronous operations delegated to workers.
type TaskType string

const (
	TaskRepoClone  TaskType = "repo_clone"
	TaskRepoImport TaskType = "repo_import"
	TaskRepoDeploy TaskType = "repo_deploy"
)

// Valid reports whether the task type is known.
func (t TaskType) Valid() bool {
	switch t {
	case TaskRepoClone, TaskRepoImport, TaskRepoDeploy:
		return true
	}
	return false
}

// JobStatus tracks the lifecycle of a job. Transitions are monotonic:
// pending -> running -> completed|failed, and terminal states are final.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status permits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a unit of asynchronous work executed by an external worker.
// IDs are UUIDv7 so the identifier carries its creation time.
type Job struct {
	ID          string
	Task        TaskType
	ProjectID   string
	UserID      string
	Input       json.RawMessage
	Status      JobStatus
	Output      json.RawMessage
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// JobLogLine is one append-only log entry attached to a job.
type JobLogLine struct {
	JobID     string
	Source    string
	Message   string
	CreatedAt time.Time
}

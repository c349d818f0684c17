package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skiff-sh/skiff/internal/domain"
)

// JobRepository persists jobs and their append-only logs. Terminal
// transitions are conditional writes: they report false when the job was
// already terminal so callers stay idempotent.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, id string) (*domain.Job, error)
	ListJobsByProject(ctx context.Context, projectID string, limit int) ([]domain.Job, error)
	MarkJobRunning(ctx context.Context, id string, at time.Time) error
	CompleteJob(ctx context.Context, id string, output json.RawMessage, at time.Time) (bool, error)
	FailJob(ctx context.Context, id string, errMsg string, at time.Time) (bool, error)
	ListJobsRunningSince(ctx context.Context, updatedBefore time.Time) ([]domain.Job, error)
	AppendJobLog(ctx context.Context, line domain.JobLogLine) error
	ListJobLogs(ctx context.Context, jobID string, limit, offset int) ([]domain.JobLogLine, error)
}

// ProjectRepository reads projects and applies the narrow mutations this
// subsystem owns: deploy-state flags and the active revision pointer.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	// SwapActiveRevision sets the active revision to candidate only when the
	// stored value still equals expected (nil meaning unset). It reports
	// whether the write applied.
	SwapActiveRevision(ctx context.Context, projectID, candidate string, expected *string) (bool, error)
	MarkRepoCloned(ctx context.Context, projectID string) error
	MarkRepoImported(ctx context.Context, projectID string) error
}

// WebhookRepository persists outgoing webhook subscriptions and their
// delivery records.
type WebhookRepository interface {
	CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error
	GetSubscriptionByID(ctx context.Context, id string) (*domain.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptionsByProject(ctx context.Context, projectID string) ([]domain.WebhookSubscription, error)
	ListActiveSubscriptions(ctx context.Context, projectID string, event domain.EventType) ([]domain.WebhookSubscription, error)

	CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
	GetDeliveryByID(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, update domain.WebhookDeliveryUpdate) error
	ListDeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
}

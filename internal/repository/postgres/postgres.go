package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.JobRepository     = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.WebhookRepository = (*Repository)(nil)
)

// CreateJob inserts a job record.
func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	const query = `INSERT INTO jobs (id, task, project_id, user_id, input, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, job.ID, job.Task, job.ProjectID, job.UserID, job.Input, job.Status, job.CreatedAt, job.UpdatedAt)
	return err
}

// GetJobByID fetches a job by identifier.
func (r *Repository) GetJobByID(ctx context.Context, id string) (*domain.Job, error) {
	const query = `SELECT id, task, project_id, user_id, input, status, output, error, created_at, updated_at, completed_at
		FROM jobs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanJob(row)
}

// ListJobsByProject returns recent jobs for a project, newest first.
func (r *Repository) ListJobsByProject(ctx context.Context, projectID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, task, project_id, user_id, input, status, output, error, created_at, updated_at, completed_at
		FROM jobs WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkJobRunning advances a pending job to running.
func (r *Repository) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`
	tag, err := r.pool.Exec(ctx, query, id, domain.JobStatusRunning, at, domain.JobStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CompleteJob applies the terminal completed transition. The conditional
// WHERE keeps terminal states single-use: it reports false when the job was
// already completed or failed.
func (r *Repository) CompleteJob(ctx context.Context, id string, output json.RawMessage, at time.Time) (bool, error) {
	const query = `UPDATE jobs SET status = $2, output = $3, updated_at = $4, completed_at = $4
		WHERE id = $1 AND status IN ($5, $6)`
	tag, err := r.pool.Exec(ctx, query, id, domain.JobStatusCompleted, output, at, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailJob applies the terminal failed transition under the same condition
// as CompleteJob.
func (r *Repository) FailJob(ctx context.Context, id string, errMsg string, at time.Time) (bool, error) {
	const query = `UPDATE jobs SET status = $2, error = $3, updated_at = $4, completed_at = $4
		WHERE id = $1 AND status IN ($5, $6)`
	tag, err := r.pool.Exec(ctx, query, id, domain.JobStatusFailed, errMsg, at, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListJobsRunningSince returns running jobs that have not been touched since
// updatedBefore. Used by the stale-job reaper.
func (r *Repository) ListJobsRunningSince(ctx context.Context, updatedBefore time.Time) ([]domain.Job, error) {
	const query = `SELECT id, task, project_id, user_id, input, status, output, error, created_at, updated_at, completed_at
		FROM jobs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, domain.JobStatusRunning, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// AppendJobLog inserts one log line for a job.
func (r *Repository) AppendJobLog(ctx context.Context, line domain.JobLogLine) error {
	const query = `INSERT INTO job_logs (job_id, source, message, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, line.JobID, line.Source, line.Message, line.CreatedAt)
	return err
}

// ListJobLogs returns log lines for a job in append order.
func (r *Repository) ListJobLogs(ctx context.Context, jobID string, limit, offset int) ([]domain.JobLogLine, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT job_id, source, message, created_at FROM job_logs
		WHERE job_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.JobLogLine, 0)
	for rows.Next() {
		var line domain.JobLogLine
		if err := rows.Scan(&line.JobID, &line.Source, &line.Message, &line.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repo_url, branch, root_dir, repo_token, deployed, repo_cloned, repo_imported, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.RepoURL, project.Branch, project.RootDir,
		project.RepoToken, project.Deployed, project.RepoCloned, project.RepoImported, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProjectByID retrieves a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, repo_url, branch, root_dir, repo_token, active_revision_id, deployed, repo_cloned, repo_imported, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.Branch, &p.RootDir, &p.RepoToken,
		&p.ActiveRevisionID, &p.Deployed, &p.RepoCloned, &p.RepoImported, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// SwapActiveRevision performs a compare-and-swap on the active revision
// pointer so concurrent deploy completions cannot lose updates.
func (r *Repository) SwapActiveRevision(ctx context.Context, projectID, candidate string, expected *string) (bool, error) {
	var tagQuery string
	var args []any
	if expected == nil {
		tagQuery = `UPDATE projects SET active_revision_id = $2, deployed = TRUE, updated_at = $3
			WHERE id = $1 AND active_revision_id IS NULL`
		args = []any{projectID, candidate, time.Now().UTC()}
	} else {
		tagQuery = `UPDATE projects SET active_revision_id = $2, deployed = TRUE, updated_at = $3
			WHERE id = $1 AND active_revision_id = $4`
		args = []any{projectID, candidate, time.Now().UTC(), *expected}
	}
	tag, err := r.pool.Exec(ctx, tagQuery, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRepoCloned records a successful repository clone.
func (r *Repository) MarkRepoCloned(ctx context.Context, projectID string) error {
	const query = `UPDATE projects SET repo_cloned = TRUE, updated_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkRepoImported records a successful repository import.
func (r *Repository) MarkRepoImported(ctx context.Context, projectID string) error {
	const query = `UPDATE projects SET repo_imported = TRUE, updated_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	if err := row.Scan(&j.ID, &j.Task, &j.ProjectID, &j.UserID, &j.Input, &j.Status,
		&j.Output, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

package job

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiff-sh/skiff/internal/repository"
)

// ErrRevisionConflict is returned when the active revision swap keeps
// losing races; callers may retry the completion.
var ErrRevisionConflict = errors.New("job: active revision contended")

const swapAttempts = 3

// Resolver decides whether a completed deploy job becomes the project's
// active revision. Wall-clock completion order across workers is not
// reliable (a job queued earlier may finish later after a retry), so the
// creation time embedded in the UUIDv7 job id is the ordering surrogate: a
// stale-but-late completion can never regress a newer deployment.
type Resolver struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(projects repository.ProjectRepository, logger *slog.Logger) Resolver {
	return Resolver{projects: projects, logger: logger}
}

// Resolve promotes candidateID when the project has no active revision or
// when the candidate's embedded creation time is strictly newer. The
// storage swap is a compare-and-swap; on contention the read/compare cycle
// reruns so a concurrent promotion is never overwritten blindly.
func (r Resolver) Resolve(ctx context.Context, projectID, candidateID string) error {
	candidate, err := uuid.Parse(candidateID)
	if err != nil {
		return fmt.Errorf("parse candidate job id: %w", err)
	}

	for attempt := 0; attempt < swapAttempts; attempt++ {
		project, err := r.projects.GetProjectByID(ctx, projectID)
		if err != nil {
			return err
		}

		current := project.ActiveRevisionID
		if current != nil {
			active, err := uuid.Parse(*current)
			if err != nil {
				r.logger.Warn("active revision id unparsable, replacing", "project_id", projectID, "active_revision", *current)
			} else if candidate.Time() <= active.Time() {
				r.logger.Info("stale deploy completion ignored", "project_id", projectID, "job_id", candidateID, "active_revision", *current)
				return nil
			}
		}

		applied, err := r.projects.SwapActiveRevision(ctx, projectID, candidateID, current)
		if err != nil {
			return err
		}
		if applied {
			r.logger.Info("active revision updated", "project_id", projectID, "job_id", candidateID)
			return nil
		}
		// Lost the race; re-read and re-evaluate against the new winner.
	}
	return ErrRevisionConflict
}

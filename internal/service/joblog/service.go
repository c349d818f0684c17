package joblog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/internal/ws"
)

// Service persists job log lines and mirrors them onto the live stream hub.
type Service struct {
	repo   repository.JobRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a job log service. hub may be nil when streaming is off.
func New(repo repository.JobRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores a log line and broadcasts it to stream subscribers.
func (s Service) Append(ctx context.Context, line domain.JobLogLine) error {
	line.Message = strings.TrimSpace(line.Message)
	if line.Message == "" {
		return nil
	}
	if line.Source == "" {
		line.Source = "worker"
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.AppendJobLog(ctx, line); err != nil {
		return err
	}
	s.publish(line)
	return nil
}

// List returns persisted log lines for a job in append order.
func (s Service) List(ctx context.Context, jobID string, limit, offset int) ([]domain.JobLogLine, error) {
	return s.repo.ListJobLogs(ctx, jobID, limit, offset)
}

// Hub exposes the live stream hub for websocket wiring.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) publish(line domain.JobLogLine) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"job_id":     line.JobID,
		"source":     line.Source,
		"message":    line.Message,
		"created_at": line.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Warn("encode log line failed", "job_id", line.JobID, "error", err)
		return
	}
	s.hub.Broadcast(line.JobID, payload)
}

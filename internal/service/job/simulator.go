package job

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/pkg/clock"
)

const simulatorApplyTimeout = 30 * time.Second

// Simulator stands in for a remote worker when none is configured outside
// production. It marks jobs complete after a clock-driven delay by feeding
// a synthetic callback through the normal handler, so simulated runs take
// the exact code path real completions do.
type Simulator struct {
	handler CallbackHandler
	clk     clock.Clock
	delay   time.Duration
	logger  *slog.Logger
}

// NewSimulator constructs a Simulator.
func NewSimulator(handler CallbackHandler, clk clock.Clock, delay time.Duration, logger *slog.Logger) *Simulator {
	return &Simulator{handler: handler, clk: clk, delay: delay, logger: logger}
}

// Start schedules the simulated completion for a job already marked
// running.
func (s *Simulator) Start(job domain.Job) {
	done := s.clk.After(s.delay)
	go func() {
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), simulatorApplyTimeout)
		defer cancel()
		payload := simulatedCallback(job)
		if err := s.handler.Process(ctx, payload); err != nil {
			s.logger.Error("apply simulated completion", "job_id", job.ID, "error", err)
		}
	}()
}

// simulatedCallback produces canned progress lines and task-specific output
// flags mirroring what a real worker reports.
func simulatedCallback(job domain.Job) CallbackPayload {
	switch job.Task {
	case domain.TaskRepoDeploy:
		return CallbackPayload{
			JobID:  job.ID,
			Status: "completed",
			Output: mustRaw(map[string]any{"deployed": true, "simulated": true}),
			Logs: []string{
				"fetching repository",
				"building site",
				"uploading artifacts",
				"deployment live",
			},
		}
	case domain.TaskRepoClone:
		return CallbackPayload{
			JobID:  job.ID,
			Status: "completed",
			Output: mustRaw(map[string]any{"cloned": true, "simulated": true}),
			Logs: []string{
				"cloning repository",
				"checkout complete",
			},
		}
	case domain.TaskRepoImport:
		return CallbackPayload{
			JobID:  job.ID,
			Status: "completed",
			Output: mustRaw(map[string]any{"imported": true, "simulated": true}),
			Logs: []string{
				"importing repository contents",
				"import complete",
			},
		}
	default:
		return CallbackPayload{
			JobID:  job.ID,
			Status: "failed",
			Error:  "simulator does not understand task " + string(job.Task),
		}
	}
}

func mustRaw(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

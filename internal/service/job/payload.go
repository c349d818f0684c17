package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/pkg/crypto"
)

// workerTasks maps platform task types to the task names the worker API
// understands.
var workerTasks = map[domain.TaskType]string{
	domain.TaskRepoClone:  "clone-repo",
	domain.TaskRepoImport: "import-repo",
	domain.TaskRepoDeploy: "deploy-repo",
}

// taskAliases accepts the worker-side spelling on the submission API.
var taskAliases = map[string]domain.TaskType{
	"clone-repo":  domain.TaskRepoClone,
	"import-repo": domain.TaskRepoImport,
	"deploy-repo": domain.TaskRepoDeploy,
}

// NormalizeTask resolves a submitted task name to a canonical task type.
func NormalizeTask(raw string) (domain.TaskType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if t := domain.TaskType(name); t.Valid() {
		return t, nil
	}
	if t, ok := taskAliases[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTask, raw)
}

// workerEnvelope is the body POSTed to {worker}/process and to the legacy
// batch runner.
type workerEnvelope struct {
	JobID       string         `json:"jobId"`
	Task        string         `json:"task"`
	CallbackURL string         `json:"callbackUrl"`
	Data        map[string]any `json:"data"`
}

func (s Service) workerEnvelope(job *domain.Job, project *domain.Project) (workerEnvelope, error) {
	task, ok := workerTasks[job.Task]
	if !ok {
		return workerEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownTask, job.Task)
	}
	data, err := taskData(job, project, s.cfg.SecretEncryptionKey)
	if err != nil {
		return workerEnvelope{}, err
	}
	return workerEnvelope{
		JobID:       job.ID,
		Task:        task,
		CallbackURL: strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/worker/callback",
		Data:        data,
	}, nil
}

// taskData extracts the task-specific worker payload. It is a pure mapping
// from the job input and project record; nothing here talks to the network.
func taskData(job *domain.Job, project *domain.Project, secretKey string) (map[string]any, error) {
	input := map[string]any{}
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			return nil, fmt.Errorf("decode job input: %w", err)
		}
	}

	data := map[string]any{
		"projectId": project.ID,
		"repoUrl":   stringOr(input, "repoUrl", project.RepoURL),
		"branch":    stringOr(input, "branch", project.Branch),
	}
	if len(project.RepoToken) > 0 {
		credentials, err := crypto.DecryptToString(secretKey, project.RepoToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt repo credentials: %w", err)
		}
		data["credentials"] = credentials
	}

	switch job.Task {
	case domain.TaskRepoDeploy:
		data["commit"] = stringOr(input, "commit", "")
		data["rootDir"] = stringOr(input, "rootDir", project.RootDir)
		data["cleanUrls"] = boolOr(input, "cleanUrls", true)
	case domain.TaskRepoClone:
		data["depth"] = intOr(input, "depth", 1)
	case domain.TaskRepoImport:
		data["source"] = stringOr(input, "source", "git")
	}
	return data, nil
}

func stringOr(input map[string]any, key, fallback string) string {
	if v, ok := input[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func boolOr(input map[string]any, key string, fallback bool) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return fallback
}

func intOr(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/internal/service/job"
	"github.com/skiff-sh/skiff/internal/service/joblog"
	"github.com/skiff-sh/skiff/internal/service/webhook"
	"github.com/skiff-sh/skiff/internal/ws"
	"github.com/skiff-sh/skiff/pkg/config"
	"github.com/skiff-sh/skiff/pkg/token"
)

const (
	submitRateLimit    = 60
	callbackRateLimit  = 300
	webhookRateLimit   = 120
	rateLimitWindow    = time.Minute
	healthCheckTimeout = 2 * time.Second
)

// Deps carries everything the router needs to serve requests.
type Deps struct {
	Jobs      job.Service
	Callbacks job.CallbackHandler
	Logs      joblog.Service
	Webhooks  webhook.Service
	Limiter   RateLimiter
	DBPing    func(context.Context) error
	Logger    *slog.Logger
}

// Router wires HTTP handlers to the job and webhook services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	jobs        job.Service
	callbacks   job.CallbackHandler
	logs        joblog.Service
	webhooks    webhook.Service
	limiter     RateLimiter
	dbPing      func(context.Context) error
	jwtSecret   string
	workerToken string
	upgrader    websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

func NewRouter(cfg config.ServerConfig, deps Deps) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		jobs:        deps.Jobs,
		callbacks:   deps.Callbacks,
		logs:        deps.Logs,
		webhooks:    deps.Webhooks,
		limiter:     deps.Limiter,
		dbPing:      deps.DBPing,
		jwtSecret:   cfg.JWTSecret,
		workerToken: cfg.WorkerCallbackToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.register()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.handle("GET /healthz", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.handle("POST /jobs", r.handlerAuthRate("/jobs", submitRateLimit, rateLimitWindow, r.handleSubmitJob))
	r.handle("GET /jobs/{id}", r.requireAuth(r.handleGetJob))
	r.handle("GET /jobs/{id}/logs", r.requireAuth(r.handleJobLogs))
	r.handle("GET /projects/{id}/jobs", r.requireAuth(r.handleProjectJobs))

	r.handle("GET /projects/{id}/webhooks", r.requireAuth(r.handleListWebhooks))
	r.handle("POST /projects/{id}/webhooks", r.handlerAuthRate("/projects/webhooks", webhookRateLimit, rateLimitWindow, r.handleCreateWebhook))
	r.handle("GET /webhooks/{id}", r.requireAuth(r.handleGetWebhook))
	r.handle("PUT /webhooks/{id}", r.requireAuth(r.handleUpdateWebhook))
	r.handle("DELETE /webhooks/{id}", r.requireAuth(r.handleDeleteWebhook))
	r.handle("POST /webhooks/{id}/test", r.requireAuth(r.handleTestWebhook))
	r.handle("GET /webhooks/{id}/deliveries", r.requireAuth(r.handleListDeliveries))
	r.handle("POST /webhook-deliveries/{id}/retry", r.requireAuth(r.handleRetryDelivery))

	r.handle("POST /worker/callback", r.withRateLimit("/worker/callback", callbackRateLimit, rateLimitWindow, rateLimitKeyIP, r.verifyWorkerToken(r.handleWorkerCallback)))

	r.handle("GET /ws/jobs", r.handleLogsWS)
}

// handle registers a pattern with the audit middleware wrapped around it.
func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK, ctx: req.Context()}
		next(recorder, req)
		elapsed := time.Since(start)

		attrs := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", recorder.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote", rateLimitKeyIP(req),
		}
		if info, ok := authInfoFromContext(recorder.ctx); ok {
			attrs = append(attrs, "user_id", info.UserID)
		}
		r.logger.Info("http request", attrs...)
		r.recordRequestMetrics(req.Method, route, recorder.status, elapsed)
	}
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyWorkerToken guards the callback endpoint with the shared worker
// token. Comparison is constant time.
func (r *Router) verifyWorkerToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.workerToken == "" {
			r.logger.Error("worker callback token not configured, rejecting callback")
			writeError(w, http.StatusServiceUnavailable, "callback endpoint not configured")
			return
		}
		raw, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil || subtle.ConstantTimeCompare([]byte(raw), []byte(r.workerToken)) != 1 {
			r.logger.Warn("worker callback rejected", "remote", rateLimitKeyIP(req))
			writeError(w, http.StatusUnauthorized, "invalid worker token")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbPing != nil {
		if err := r.dbPing(ctx); err != nil {
			r.logger.Error("health check database ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitJobRequest struct {
	Task      string          `json:"task"`
	ProjectID string          `json:"projectId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (r *Router) handleSubmitJob(w http.ResponseWriter, req *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := job.NormalizeTask(body.Task)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown task type")
		return
	}
	if body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	info, _ := authInfoFromContext(req.Context())

	created, err := r.jobs.Submit(req.Context(), job.SubmitInput{
		Task:      task,
		ProjectID: body.ProjectID,
		UserID:    info.UserID,
		Data:      body.Data,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, jobResponse(created))
	case errors.Is(err, job.ErrDispatchFail) && created != nil:
		// Dispatch failed synchronously; the job record carries the reason.
		writeJSON(w, http.StatusBadGateway, jobResponse(created))
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, job.ErrNoTransport):
		writeError(w, http.StatusServiceUnavailable, "no job transport configured")
	default:
		r.logger.Error("job submission failed", "error", err, "task", string(task))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

func (r *Router) handleGetJob(w http.ResponseWriter, req *http.Request) {
	found, err := r.jobs.GetJob(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		r.logger.Error("job lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(found))
}

func (r *Router) handleJobLogs(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 200)
	offset := queryInt(req, "offset", 0)
	lines, err := r.logs.List(req.Context(), req.PathValue("id"), limit, offset)
	if err != nil {
		r.logger.Error("job log listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"source":    line.Source,
			"message":   line.Message,
			"createdAt": line.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (r *Router) handleProjectJobs(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 50)
	items, err := r.jobs.ListByProject(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Error("project job listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]map[string]any, 0, len(items))
	for i := range items {
		out = append(out, jobResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type webhookRequest struct {
	TargetURL string              `json:"targetUrl"`
	Events    []string            `json:"events"`
	Secret    string              `json:"secret,omitempty"`
	Retry     *domain.RetryPolicy `json:"retry,omitempty"`
}

func (r *Router) handleCreateWebhook(w http.ResponseWriter, req *http.Request) {
	var body webhookRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, secret, err := r.webhooks.Create(req.Context(), webhook.CreateInput{
		ProjectID: req.PathValue("id"),
		TargetURL: body.TargetURL,
		Events:    body.Events,
		Secret:    body.Secret,
		Retry:     body.Retry,
	})
	if err != nil {
		r.writeWebhookError(w, err, "failed to create webhook")
		return
	}
	resp := subscriptionResponse(sub)
	resp["secret"] = secret
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleListWebhooks(w http.ResponseWriter, req *http.Request) {
	subs, err := r.webhooks.ListByProject(req.Context(), req.PathValue("id"))
	if err != nil {
		r.logger.Error("webhook listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	out := make([]map[string]any, 0, len(subs))
	for i := range subs {
		out = append(out, subscriptionResponse(&subs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (r *Router) handleGetWebhook(w http.ResponseWriter, req *http.Request) {
	sub, err := r.webhooks.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeWebhookError(w, err, "failed to load webhook")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (r *Router) handleUpdateWebhook(w http.ResponseWriter, req *http.Request) {
	var body struct {
		TargetURL *string             `json:"targetUrl"`
		Events    []string            `json:"events"`
		Secret    *string             `json:"secret"`
		Retry     *domain.RetryPolicy `json:"retry"`
		IsActive  *bool               `json:"isActive"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := r.webhooks.Update(req.Context(), req.PathValue("id"), webhook.UpdateInput{
		TargetURL: body.TargetURL,
		Events:    body.Events,
		Secret:    body.Secret,
		Retry:     body.Retry,
		IsActive:  body.IsActive,
	})
	if err != nil {
		r.writeWebhookError(w, err, "failed to update webhook")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (r *Router) handleDeleteWebhook(w http.ResponseWriter, req *http.Request) {
	if err := r.webhooks.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.writeWebhookError(w, err, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleTestWebhook(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Event string `json:"event"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := r.webhooks.Test(req.Context(), req.PathValue("id"), domain.EventType(body.Event))
	if err != nil {
		r.writeWebhookError(w, err, "webhook test failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleListDeliveries(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 50)
	deliveries, err := r.webhooks.ListDeliveries(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.writeWebhookError(w, err, "failed to list deliveries")
		return
	}
	out := make([]map[string]any, 0, len(deliveries))
	for i := range deliveries {
		out = append(out, deliveryResponse(&deliveries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (r *Router) handleRetryDelivery(w http.ResponseWriter, req *http.Request) {
	delivery, err := r.webhooks.RetryFailed(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, webhook.ErrNotRetryable) {
			writeError(w, http.StatusConflict, "delivery is not in a failed state")
			return
		}
		r.writeWebhookError(w, err, "failed to retry delivery")
		return
	}
	writeJSON(w, http.StatusAccepted, deliveryResponse(delivery))
}

func (r *Router) handleWorkerCallback(w http.ResponseWriter, req *http.Request) {
	var payload job.CallbackPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback body")
		return
	}
	if err := r.callbacks.Process(req.Context(), payload); err != nil {
		switch {
		case errors.Is(err, job.ErrMissingJobID):
			writeError(w, http.StatusBadRequest, "jobId is required")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		default:
			r.logger.Error("worker callback processing failed", "error", err, "job_id", payload.JobID)
			writeError(w, http.StatusInternalServerError, "failed to process callback")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogsWS upgrades the connection and streams job log lines. The token
// travels in the query string because browsers cannot set headers on
// websocket handshakes.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	raw := req.URL.Query().Get("token")
	if raw == "" {
		var err error
		raw, err = bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
	}
	if _, err := token.Parse(raw, r.jwtSecret); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	jobID := req.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.logs.Hub()
	hub.Register(jobID, client)
	defer func() {
		hub.Unregister(jobID, client)
		client.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) writeWebhookError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "webhook not found")
	case errors.Is(err, webhook.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "target url must be absolute http or https")
	case errors.Is(err, webhook.ErrNoEvents):
		writeError(w, http.StatusBadRequest, "at least one event is required")
	case errors.Is(err, webhook.ErrUnknownEvent):
		writeError(w, http.StatusBadRequest, "unknown event type")
	default:
		r.logger.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func jobResponse(j *domain.Job) map[string]any {
	resp := map[string]any{
		"id":        j.ID,
		"task":      string(j.Task),
		"projectId": j.ProjectID,
		"userId":    j.UserID,
		"status":    string(j.Status),
		"createdAt": j.CreatedAt,
		"updatedAt": j.UpdatedAt,
	}
	if len(j.Output) > 0 {
		resp["output"] = json.RawMessage(j.Output)
	}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	if j.CompletedAt != nil {
		resp["completedAt"] = *j.CompletedAt
	}
	return resp
}

func subscriptionResponse(sub *domain.WebhookSubscription) map[string]any {
	events := make([]string, 0, len(sub.Events))
	for _, e := range sub.Events {
		events = append(events, string(e))
	}
	return map[string]any{
		"id":        sub.ID,
		"projectId": sub.ProjectID,
		"targetUrl": sub.TargetURL,
		"events":    events,
		"retry":     sub.Retry,
		"isActive":  sub.IsActive,
		"createdAt": sub.CreatedAt,
		"updatedAt": sub.UpdatedAt,
	}
}

func deliveryResponse(d *domain.WebhookDelivery) map[string]any {
	resp := map[string]any{
		"id":           d.ID,
		"webhookId":    d.WebhookID,
		"projectId":    d.ProjectID,
		"event":        string(d.Event),
		"payload":      json.RawMessage(d.Payload),
		"status":       string(d.Status),
		"attemptCount": d.AttemptCount,
		"createdAt":    d.CreatedAt,
		"updatedAt":    d.UpdatedAt,
	}
	if d.NextRetryAt != nil {
		resp["nextRetryAt"] = *d.NextRetryAt
	}
	if d.ResponseStatus != nil {
		resp["responseStatus"] = *d.ResponseStatus
	}
	if d.ResponseTimeMs != nil {
		resp["responseTimeMs"] = *d.ResponseTimeMs
	}
	if d.FinalStatus != "" {
		resp["finalStatus"] = string(d.FinalStatus)
	}
	if d.LastError != "" {
		resp["lastError"] = d.LastError
	}
	return resp
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

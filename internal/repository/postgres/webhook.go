package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
)

// CreateSubscription inserts a webhook subscription.
func (r *Repository) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	const query = `INSERT INTO webhook_subscriptions
		(id, project_id, target_url, events, secret, retry_enabled, retry_max_attempts, retry_backoff_rate, retry_timeout_ms, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, sub.ID, sub.ProjectID, sub.TargetURL, eventStrings(sub.Events), sub.Secret,
		sub.Retry.Enabled, sub.Retry.MaxAttempts, sub.Retry.BackoffRate, sub.Retry.TimeoutMs, sub.IsActive, sub.CreatedAt, sub.UpdatedAt)
	return err
}

// GetSubscriptionByID fetches one webhook subscription.
func (r *Repository) GetSubscriptionByID(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	const query = `SELECT id, project_id, target_url, events, secret, retry_enabled, retry_max_attempts, retry_backoff_rate, retry_timeout_ms, is_active, created_at, updated_at
		FROM webhook_subscriptions WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanSubscription(row)
}

// UpdateSubscription rewrites a subscription's mutable fields.
func (r *Repository) UpdateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	const query = `UPDATE webhook_subscriptions SET target_url = $2, events = $3, secret = $4,
		retry_enabled = $5, retry_max_attempts = $6, retry_backoff_rate = $7, retry_timeout_ms = $8,
		is_active = $9, updated_at = $10 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, sub.ID, sub.TargetURL, eventStrings(sub.Events), sub.Secret,
		sub.Retry.Enabled, sub.Retry.MaxAttempts, sub.Retry.BackoffRate, sub.Retry.TimeoutMs, sub.IsActive, sub.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription. Its delivery history remains.
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	const query = `DELETE FROM webhook_subscriptions WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListSubscriptionsByProject returns every subscription for a project.
func (r *Repository) ListSubscriptionsByProject(ctx context.Context, projectID string) ([]domain.WebhookSubscription, error) {
	const query = `SELECT id, project_id, target_url, events, secret, retry_enabled, retry_max_attempts, retry_backoff_rate, retry_timeout_ms, is_active, created_at, updated_at
		FROM webhook_subscriptions WHERE project_id = $1 ORDER BY created_at ASC`
	return r.querySubscriptions(ctx, query, projectID)
}

// ListActiveSubscriptions returns active subscriptions for a project whose
// event set contains the given event type.
func (r *Repository) ListActiveSubscriptions(ctx context.Context, projectID string, event domain.EventType) ([]domain.WebhookSubscription, error) {
	const query = `SELECT id, project_id, target_url, events, secret, retry_enabled, retry_max_attempts, retry_backoff_rate, retry_timeout_ms, is_active, created_at, updated_at
		FROM webhook_subscriptions WHERE project_id = $1 AND is_active AND $2 = ANY(events)
		ORDER BY created_at ASC`
	return r.querySubscriptions(ctx, query, projectID, string(event))
}

// CreateDelivery inserts a delivery record.
func (r *Repository) CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	const query = `INSERT INTO webhook_deliveries
		(id, webhook_id, project_id, event, payload, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, delivery.ID, delivery.WebhookID, delivery.ProjectID, delivery.Event,
		delivery.Payload, delivery.Status, delivery.AttemptCount, delivery.CreatedAt, delivery.UpdatedAt)
	return err
}

// GetDeliveryByID fetches one delivery record.
func (r *Repository) GetDeliveryByID(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	const query = `SELECT id, webhook_id, project_id, event, payload, status, attempt_count, next_retry_at, response_status, response_time_ms, final_status, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanDelivery(row)
}

// UpdateDelivery applies delivery retry bookkeeping.
func (r *Repository) UpdateDelivery(ctx context.Context, update domain.WebhookDeliveryUpdate) error {
	const query = `UPDATE webhook_deliveries SET status = $2, attempt_count = $3, next_retry_at = $4,
		response_status = $5, response_time_ms = $6, final_status = $7, last_error = $8, updated_at = $9
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeliveryID, update.Status, update.AttemptCount, update.NextRetryAt,
		update.ResponseStatus, update.ResponseTimeMs, nullableFinal(update.FinalStatus), update.LastError, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeliveriesByWebhook returns recent deliveries for a subscription.
func (r *Repository) ListDeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, webhook_id, project_id, event, payload, status, attempt_count, next_retry_at, response_status, response_time_ms, final_status, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryDeliveries(ctx, query, webhookID, limit)
}

// ListDueDeliveries returns retrying deliveries whose next attempt is due.
func (r *Repository) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, webhook_id, project_id, event, payload, status, attempt_count, next_retry_at, response_status, response_time_ms, final_status, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE status = $1 AND next_retry_at <= $2 ORDER BY next_retry_at ASC LIMIT $3`
	return r.queryDeliveries(ctx, query, domain.DeliveryStatusRetrying, now, limit)
}

func (r *Repository) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.WebhookSubscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]domain.WebhookSubscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *Repository) queryDeliveries(ctx context.Context, query string, args ...any) ([]domain.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := make([]domain.WebhookDelivery, 0)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *delivery)
	}
	return deliveries, rows.Err()
}

func scanSubscription(row rowScanner) (*domain.WebhookSubscription, error) {
	var s domain.WebhookSubscription
	var events []string
	if err := row.Scan(&s.ID, &s.ProjectID, &s.TargetURL, &events, &s.Secret,
		&s.Retry.Enabled, &s.Retry.MaxAttempts, &s.Retry.BackoffRate, &s.Retry.TimeoutMs,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.Events = make([]domain.EventType, 0, len(events))
	for _, e := range events {
		s.Events = append(s.Events, domain.EventType(e))
	}
	return &s, nil
}

func scanDelivery(row rowScanner) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var final *string
	if err := row.Scan(&d.ID, &d.WebhookID, &d.ProjectID, &d.Event, &d.Payload, &d.Status,
		&d.AttemptCount, &d.NextRetryAt, &d.ResponseStatus, &d.ResponseTimeMs, &final,
		&d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if final != nil {
		d.FinalStatus = domain.FinalStatus(*final)
	}
	return &d, nil
}

func eventStrings(events []domain.EventType) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e))
	}
	return out
}

func nullableFinal(final domain.FinalStatus) *string {
	if final == "" {
		return nil
	}
	s := string(final)
	return &s
}

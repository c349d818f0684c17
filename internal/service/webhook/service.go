package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/pkg/clock"
	"github.com/skiff-sh/skiff/pkg/config"
	"github.com/skiff-sh/skiff/pkg/crypto"
)

var (
	ErrInvalidTarget = errors.New("webhook: target url must be absolute http or https")
	ErrNoEvents      = errors.New("webhook: at least one event type required")
	ErrUnknownEvent  = errors.New("webhook: unknown event type")
)

// Service owns outgoing webhook subscriptions and fans domain events out to
// matching endpoints. Subscription secrets are encrypted at rest.
type Service struct {
	repo   repository.WebhookRepository
	client httpDoer
	clk    clock.Clock
	logger *slog.Logger
	cfg    config.ServerConfig
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, clk clock.Clock, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{repo: repo, client: newHTTPClient(), clk: clk, logger: logger, cfg: cfg}
}

// CreateInput describes a new subscription. A missing secret is generated;
// retry fields fall back to platform defaults.
type CreateInput struct {
	ProjectID string
	TargetURL string
	Events    []string
	Secret    string
	Retry     *domain.RetryPolicy
}

// Create registers a subscription and returns it along with the plaintext
// secret, shown to the operator exactly once.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.WebhookSubscription, string, error) {
	target, err := normalizeTarget(input.TargetURL)
	if err != nil {
		return nil, "", err
	}
	events, err := normalizeEvents(input.Events)
	if err != nil {
		return nil, "", err
	}

	secret := strings.TrimSpace(input.Secret)
	if secret == "" {
		secret, err = crypto.RandomSecret(32)
		if err != nil {
			return nil, "", err
		}
	}
	encrypted, err := crypto.EncryptString(s.cfg.SecretEncryptionKey, secret)
	if err != nil {
		return nil, "", err
	}

	now := s.clk.Now()
	sub := &domain.WebhookSubscription{
		ID:        uuid.NewString(),
		ProjectID: input.ProjectID,
		TargetURL: target,
		Events:    events,
		Secret:    encrypted,
		Retry:     s.retryOrDefault(input.Retry),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, "", err
	}
	s.logger.Info("webhook subscription created", "webhook_id", sub.ID, "project_id", sub.ProjectID, "target", sub.TargetURL)
	return sub, secret, nil
}

// UpdateInput carries optional subscription mutations; nil fields keep the
// stored value.
type UpdateInput struct {
	TargetURL *string
	Events    []string
	Secret    *string
	Retry     *domain.RetryPolicy
	IsActive  *bool
}

// Update applies partial changes to a subscription.
func (s Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.WebhookSubscription, error) {
	sub, err := s.repo.GetSubscriptionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.TargetURL != nil {
		target, err := normalizeTarget(*input.TargetURL)
		if err != nil {
			return nil, err
		}
		sub.TargetURL = target
	}
	if input.Events != nil {
		events, err := normalizeEvents(input.Events)
		if err != nil {
			return nil, err
		}
		sub.Events = events
	}
	if input.Secret != nil && strings.TrimSpace(*input.Secret) != "" {
		encrypted, err := crypto.EncryptString(s.cfg.SecretEncryptionKey, strings.TrimSpace(*input.Secret))
		if err != nil {
			return nil, err
		}
		sub.Secret = encrypted
	}
	if input.Retry != nil {
		sub.Retry = s.retryOrDefault(input.Retry)
	}
	if input.IsActive != nil {
		sub.IsActive = *input.IsActive
	}
	sub.UpdatedAt = s.clk.Now()
	if err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns one subscription.
func (s Service) Get(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	return s.repo.GetSubscriptionByID(ctx, id)
}

// Delete removes a subscription; its delivery history stays for audit.
func (s Service) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteSubscription(ctx, id)
}

// ListByProject returns all subscriptions for a project.
func (s Service) ListByProject(ctx context.Context, projectID string) ([]domain.WebhookSubscription, error) {
	return s.repo.ListSubscriptionsByProject(ctx, projectID)
}

// ListDeliveries returns recent delivery records for a subscription.
func (s Service) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	return s.repo.ListDeliveriesByWebhook(ctx, webhookID, limit)
}

// HandleEvent subscribes the dispatcher to the domain event bus.
func (s Service) HandleEvent(ctx context.Context, evt domain.Event) {
	if _, err := s.Dispatch(ctx, evt); err != nil {
		s.logger.Error("webhook dispatch failed", "event", evt.Type, "project_id", evt.ProjectID, "error", err)
	}
}

// Dispatch creates a delivery record per matching active subscription and
// fires the first attempt for each without blocking the caller.
func (s Service) Dispatch(ctx context.Context, evt domain.Event) ([]domain.WebhookDelivery, error) {
	subs, err := s.repo.ListActiveSubscriptions(ctx, evt.ProjectID, evt.Type)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	snapshot, err := eventBody(evt)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	deliveries := make([]domain.WebhookDelivery, 0, len(subs))
	for _, sub := range subs {
		delivery := domain.WebhookDelivery{
			ID:        uuid.NewString(),
			WebhookID: sub.ID,
			ProjectID: evt.ProjectID,
			Event:     evt.Type,
			Payload:   snapshot,
			Status:    domain.DeliveryStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateDelivery(ctx, &delivery); err != nil {
			s.logger.Error("create webhook delivery failed", "webhook_id", sub.ID, "event", evt.Type, "error", err)
			continue
		}
		deliveries = append(deliveries, delivery)
		s.deliverAsync(delivery)
	}
	return deliveries, nil
}

func (s Service) retryOrDefault(policy *domain.RetryPolicy) domain.RetryPolicy {
	out := domain.RetryPolicy{
		Enabled:     true,
		MaxAttempts: s.cfg.WebhookDefaultMaxAttempts,
		BackoffRate: s.cfg.WebhookDefaultBackoffRate,
		TimeoutMs:   s.cfg.WebhookDefaultTimeoutMs,
	}
	if policy == nil {
		return out
	}
	out.Enabled = policy.Enabled
	if policy.MaxAttempts > 0 {
		out.MaxAttempts = policy.MaxAttempts
	}
	if policy.BackoffRate > 0 {
		out.BackoffRate = policy.BackoffRate
	}
	if policy.TimeoutMs > 0 {
		out.TimeoutMs = policy.TimeoutMs
	}
	return out
}

// eventBody renders the wire payload snapshot. json.Marshal emits map keys
// in sorted order, so the snapshot is canonical for signing.
func eventBody(evt domain.Event) (json.RawMessage, error) {
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return json.Marshal(map[string]any{
		"event":     string(evt.Type),
		"projectId": evt.ProjectID,
		"payload":   evt.Payload,
		"timestamp": occurred.UTC().Format(time.RFC3339Nano),
	})
}

func normalizeTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	parsed, err := url.Parse(target)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", ErrInvalidTarget
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", ErrInvalidTarget
	}
	return target, nil
}

func normalizeEvents(raw []string) ([]domain.EventType, error) {
	if len(raw) == 0 {
		return nil, ErrNoEvents
	}
	seen := make(map[domain.EventType]struct{}, len(raw))
	events := make([]domain.EventType, 0, len(raw))
	for _, r := range raw {
		e := domain.EventType(strings.ToLower(strings.TrimSpace(r)))
		if !e.Valid() {
			return nil, ErrUnknownEvent
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		events = append(events, e)
	}
	return events, nil
}

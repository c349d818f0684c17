package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/pkg/clock"
	"github.com/skiff-sh/skiff/pkg/config"
	"github.com/skiff-sh/skiff/pkg/crypto"
)

const testEncryptionKey = "test-encryption-key"

type fakeWebhookRepo struct {
	mu         sync.Mutex
	subs       map[string]*domain.WebhookSubscription
	deliveries map[string]*domain.WebhookDelivery
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{
		subs:       make(map[string]*domain.WebhookSubscription),
		deliveries: make(map[string]*domain.WebhookDelivery),
	}
}

func (f *fakeWebhookRepo) CreateSubscription(_ context.Context, sub *domain.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *sub
	f.subs[sub.ID] = &clone
	return nil
}

func (f *fakeWebhookRepo) GetSubscriptionByID(_ context.Context, id string) (*domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *sub
	return &clone, nil
}

func (f *fakeWebhookRepo) UpdateSubscription(_ context.Context, sub *domain.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; !ok {
		return repository.ErrNotFound
	}
	clone := *sub
	f.subs[sub.ID] = &clone
	return nil
}

func (f *fakeWebhookRepo) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeWebhookRepo) ListSubscriptionsByProject(_ context.Context, projectID string) ([]domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range f.subs {
		if sub.ProjectID == projectID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) ListActiveSubscriptions(_ context.Context, projectID string, event domain.EventType) ([]domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range f.subs {
		if sub.ProjectID == projectID && sub.IsActive && sub.Subscribed(event) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) CreateDelivery(_ context.Context, delivery *domain.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *delivery
	f.deliveries[delivery.ID] = &clone
	return nil
}

func (f *fakeWebhookRepo) GetDeliveryByID(_ context.Context, id string) (*domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivery, ok := f.deliveries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *delivery
	return &clone, nil
}

func (f *fakeWebhookRepo) UpdateDelivery(_ context.Context, update domain.WebhookDeliveryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivery, ok := f.deliveries[update.DeliveryID]
	if !ok {
		return repository.ErrNotFound
	}
	delivery.Status = update.Status
	delivery.AttemptCount = update.AttemptCount
	delivery.NextRetryAt = update.NextRetryAt
	if update.ResponseStatus != nil {
		delivery.ResponseStatus = update.ResponseStatus
	}
	if update.ResponseTimeMs != nil {
		delivery.ResponseTimeMs = update.ResponseTimeMs
	}
	delivery.FinalStatus = update.FinalStatus
	delivery.LastError = update.LastError
	return nil
}

func (f *fakeWebhookRepo) ListDeliveriesByWebhook(_ context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WebhookDelivery
	for _, delivery := range f.deliveries {
		if delivery.WebhookID == webhookID {
			out = append(out, *delivery)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WebhookDelivery
	for _, delivery := range f.deliveries {
		if delivery.Status == domain.DeliveryStatusRetrying && delivery.NextRetryAt != nil && !delivery.NextRetryAt.After(now) {
			out = append(out, *delivery)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) deliveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

type webhookEnv struct {
	svc  Service
	repo *fakeWebhookRepo
	clk  *clock.Fake
	cfg  config.ServerConfig
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	cfg := config.ServerConfig{
		SecretEncryptionKey:       testEncryptionKey,
		WebhookRetryBaseDelay:     10 * time.Second,
		WebhookDefaultMaxAttempts: 3,
		WebhookDefaultBackoffRate: 2,
		WebhookDefaultTimeoutMs:   1000,
	}
	repo := newFakeWebhookRepo()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := Service{
		repo:   repo,
		client: &http.Client{},
		clk:    clk,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:    cfg,
	}
	return &webhookEnv{svc: svc, repo: repo, clk: clk, cfg: cfg}
}

func (env *webhookEnv) seedSubscription(t *testing.T, target, secret string, retry domain.RetryPolicy, events ...domain.EventType) *domain.WebhookSubscription {
	t.Helper()
	encrypted, err := crypto.EncryptString(testEncryptionKey, secret)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	sub := &domain.WebhookSubscription{
		ID:        uuid.NewString(),
		ProjectID: "proj-1",
		TargetURL: target,
		Events:    events,
		Secret:    encrypted,
		Retry:     retry,
		IsActive:  true,
		CreatedAt: env.clk.Now(),
		UpdatedAt: env.clk.Now(),
	}
	if err := env.repo.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func defaultRetry() domain.RetryPolicy {
	return domain.RetryPolicy{Enabled: true, MaxAttempts: 3, BackoffRate: 2, TimeoutMs: 1000}
}

func TestCreateGeneratesAndEncryptsSecret(t *testing.T) {
	env := newWebhookEnv(t)
	sub, secret, err := env.svc.Create(context.Background(), CreateInput{
		ProjectID: "proj-1",
		TargetURL: "https://hooks.example.com/deploy",
		Events:    []string{"deployment.completed", "deployment.failed"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if secret == "" {
		t.Fatal("generated secret must be returned once")
	}
	decrypted, err := crypto.DecryptToString(testEncryptionKey, sub.Secret)
	if err != nil {
		t.Fatalf("decrypt stored secret: %v", err)
	}
	if decrypted != secret {
		t.Error("stored secret does not round-trip to the returned plaintext")
	}
	if !sub.IsActive {
		t.Error("new subscriptions start active")
	}
	if sub.Retry.MaxAttempts != 3 || sub.Retry.BackoffRate != 2 || !sub.Retry.Enabled {
		t.Errorf("retry defaults not applied: %+v", sub.Retry)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newWebhookEnv(t)
	cases := []struct {
		name  string
		input CreateInput
		want  error
	}{
		{"relative url", CreateInput{ProjectID: "p", TargetURL: "/hooks", Events: []string{"deployment.completed"}}, ErrInvalidTarget},
		{"bad scheme", CreateInput{ProjectID: "p", TargetURL: "ftp://hooks.example.com", Events: []string{"deployment.completed"}}, ErrInvalidTarget},
		{"no events", CreateInput{ProjectID: "p", TargetURL: "https://hooks.example.com"}, ErrNoEvents},
		{"unknown event", CreateInput{ProjectID: "p", TargetURL: "https://hooks.example.com", Events: []string{"deployment.exploded"}}, ErrUnknownEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := env.svc.Create(context.Background(), tc.input); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestUpdateAppliesPartialChanges(t *testing.T) {
	env := newWebhookEnv(t)
	sub := env.seedSubscription(t, "https://hooks.example.com/a", "s3cret", defaultRetry(), domain.EventDeploymentCompleted)

	inactive := false
	updated, err := env.svc.Update(context.Background(), sub.ID, UpdateInput{IsActive: &inactive})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.IsActive {
		t.Error("isActive not applied")
	}
	if updated.TargetURL != sub.TargetURL {
		t.Errorf("target changed unexpectedly: %s", updated.TargetURL)
	}
	if len(updated.Events) != 1 || updated.Events[0] != domain.EventDeploymentCompleted {
		t.Errorf("events changed unexpectedly: %v", updated.Events)
	}
}

func TestDispatchFansOutToMatchingSubscriptions(t *testing.T) {
	env := newWebhookEnv(t)
	matching := env.seedSubscription(t, "https://hooks.example.com/a", "s1", defaultRetry(), domain.EventDeploymentCompleted)
	env.seedSubscription(t, "https://hooks.example.com/b", "s2", defaultRetry(), domain.EventContentUpdated)
	inactive := env.seedSubscription(t, "https://hooks.example.com/c", "s3", defaultRetry(), domain.EventDeploymentCompleted)
	inactive.IsActive = false
	if err := env.repo.UpdateSubscription(context.Background(), inactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	deliveries, err := env.svc.Dispatch(context.Background(), domain.Event{
		Type:      domain.EventDeploymentCompleted,
		ProjectID: "proj-1",
		Payload:   map[string]any{"job_id": "job-1"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1 (event filter and active filter)", len(deliveries))
	}
	if deliveries[0].WebhookID != matching.ID {
		t.Errorf("delivery targeted %s, want %s", deliveries[0].WebhookID, matching.ID)
	}
	if deliveries[0].Status != domain.DeliveryStatusPending {
		t.Errorf("initial status = %s, want pending", deliveries[0].Status)
	}
	if env.repo.deliveryCount() != 1 {
		t.Errorf("stored deliveries = %d, want 1", env.repo.deliveryCount())
	}
}

func TestDispatchNoSubscribersIsQuiet(t *testing.T) {
	env := newWebhookEnv(t)
	deliveries, err := env.svc.Dispatch(context.Background(), domain.Event{
		Type:      domain.EventDeploymentCompleted,
		ProjectID: "proj-1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(deliveries) != 0 || env.repo.deliveryCount() != 0 {
		t.Errorf("no deliveries expected, got %d", env.repo.deliveryCount())
	}
}

package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/skiff-sh/skiff/internal/domain"
	"github.com/skiff-sh/skiff/internal/repository"
	"github.com/skiff-sh/skiff/pkg/crypto"
)

// ErrNotRetryable is returned when a manual retry targets a delivery that
// has not failed.
var ErrNotRetryable = errors.New("webhook: delivery is not in a failed state")

const (
	asyncAttemptTimeout = 60 * time.Second
	fallbackTimeoutMs   = 10000
	fallbackBaseDelay   = 30 * time.Second
)

// httpDoer lets tests swap the HTTP client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient() *http.Client {
	// Per-attempt deadlines come from the subscription's retry policy via
	// request contexts; the client itself carries no timeout.
	return &http.Client{}
}

type attemptResult struct {
	statusCode int
	elapsedMs  int64
	err        error
}

// AttemptDelivery performs one delivery attempt and applies the retry state
// machine: pending|retrying -> success (terminal) or retrying/failed per the
// subscription's retry policy. The delivery argument is updated in place.
func (s Service) AttemptDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	sub, err := s.repo.GetSubscriptionByID(ctx, delivery.WebhookID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Subscription removed after dispatch; park the record.
			return s.applyUpdate(ctx, delivery, domain.WebhookDeliveryUpdate{
				DeliveryID:   delivery.ID,
				Status:       domain.DeliveryStatusFailed,
				AttemptCount: delivery.AttemptCount,
				FinalStatus:  domain.FinalStatusFailedPermanently,
				LastError:    "subscription removed",
			})
		}
		return err
	}

	secret, err := crypto.DecryptToString(s.cfg.SecretEncryptionKey, sub.Secret)
	if err != nil {
		return fmt.Errorf("decrypt webhook secret: %w", err)
	}

	result := s.post(ctx, sub, secret, delivery.Event, delivery.Payload)
	attempts := delivery.AttemptCount + 1
	update := domain.WebhookDeliveryUpdate{DeliveryID: delivery.ID, AttemptCount: attempts}
	if result.statusCode > 0 {
		update.ResponseStatus = &result.statusCode
		update.ResponseTimeMs = &result.elapsedMs
	}

	if result.err == nil && result.statusCode >= 200 && result.statusCode <= 299 {
		update.Status = domain.DeliveryStatusSuccess
		update.FinalStatus = domain.FinalStatusDelivered
		s.logger.Info("webhook delivered", "delivery_id", delivery.ID, "webhook_id", sub.ID,
			"event", delivery.Event, "status_code", result.statusCode, "attempt", attempts)
		return s.applyUpdate(ctx, delivery, update)
	}

	update.LastError = describeFailure(result)
	if sub.Retry.Enabled && attempts < sub.Retry.MaxAttempts {
		update.Status = domain.DeliveryStatusRetrying
		next := s.clk.Now().Add(backoffDelay(s.cfg.WebhookRetryBaseDelay, sub.Retry.BackoffRate, attempts))
		update.NextRetryAt = &next
		s.logger.Warn("webhook delivery failed, will retry", "delivery_id", delivery.ID, "webhook_id", sub.ID,
			"attempt", attempts, "next_retry_at", next, "error", update.LastError)
	} else {
		update.Status = domain.DeliveryStatusFailed
		update.FinalStatus = domain.FinalStatusFailedPermanently
		s.logger.Error("webhook delivery failed permanently", "delivery_id", delivery.ID, "webhook_id", sub.ID,
			"attempts", attempts, "error", update.LastError)
	}
	return s.applyUpdate(ctx, delivery, update)
}

// TestResult reports the outcome of a one-shot test delivery.
type TestResult struct {
	Delivered      bool   `json:"delivered"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Test synthesizes a sample payload and performs exactly one delivery
// attempt, bypassing all retry bookkeeping. Operator verification only.
func (s Service) Test(ctx context.Context, webhookID string, eventType domain.EventType) (*TestResult, error) {
	if !eventType.Valid() {
		return nil, ErrUnknownEvent
	}
	sub, err := s.repo.GetSubscriptionByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.DecryptToString(s.cfg.SecretEncryptionKey, sub.Secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}

	body, err := eventBody(domain.Event{
		Type:      eventType,
		ProjectID: sub.ProjectID,
		Payload:   map[string]any{"test": true, "webhook_id": sub.ID},
	})
	if err != nil {
		return nil, err
	}

	result := s.post(ctx, sub, secret, eventType, body)
	out := &TestResult{
		Delivered:      result.err == nil && result.statusCode >= 200 && result.statusCode <= 299,
		StatusCode:     result.statusCode,
		ResponseTimeMs: result.elapsedMs,
	}
	if !out.Delivered {
		out.Error = describeFailure(result)
	}
	return out, nil
}

// RetryFailed is the operator escape hatch: a failed delivery re-enters the
// cycle as pending with a fresh attempt budget.
func (s Service) RetryFailed(ctx context.Context, deliveryID string) (*domain.WebhookDelivery, error) {
	delivery, err := s.repo.GetDeliveryByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.Status != domain.DeliveryStatusFailed && delivery.FinalStatus != domain.FinalStatusFailedPermanently {
		return nil, ErrNotRetryable
	}
	update := domain.WebhookDeliveryUpdate{
		DeliveryID:   delivery.ID,
		Status:       domain.DeliveryStatusPending,
		AttemptCount: 0,
	}
	if err := s.applyUpdate(ctx, delivery, update); err != nil {
		return nil, err
	}
	s.logger.Info("webhook delivery manually reset", "delivery_id", delivery.ID, "webhook_id", delivery.WebhookID)
	s.deliverAsync(*delivery)
	return delivery, nil
}

func (s Service) deliverAsync(delivery domain.WebhookDelivery) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncAttemptTimeout)
		defer cancel()
		if err := s.AttemptDelivery(ctx, &delivery); err != nil {
			s.logger.Error("webhook attempt errored", "delivery_id", delivery.ID, "error", err)
		}
	}()
}

func (s Service) post(ctx context.Context, sub *domain.WebhookSubscription, secret string, event domain.EventType, body []byte) attemptResult {
	timeoutMs := sub.Retry.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = fallbackTimeoutMs
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	timestamp := strconv.FormatInt(s.clk.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign([]byte(secret), body, timestamp))
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(EventHeader, string(event))

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return attemptResult{elapsedMs: elapsed, err: err}
	}
	defer resp.Body.Close()
	return attemptResult{statusCode: resp.StatusCode, elapsedMs: elapsed}
}

func (s Service) applyUpdate(ctx context.Context, delivery *domain.WebhookDelivery, update domain.WebhookDeliveryUpdate) error {
	if err := s.repo.UpdateDelivery(ctx, update); err != nil {
		return err
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

// backoffDelay computes base * rate^attempts, so successive retry gaps grow
// by the subscription's backoff rate.
func backoffDelay(base time.Duration, rate float64, attempts int) time.Duration {
	if base <= 0 {
		base = fallbackBaseDelay
	}
	if rate <= 0 {
		rate = 2
	}
	return time.Duration(float64(base) * math.Pow(rate, float64(attempts)))
}

func describeFailure(result attemptResult) string {
	if result.err != nil {
		if errors.Is(result.err, context.DeadlineExceeded) {
			return "delivery timed out"
		}
		return result.err.Error()
	}
	return fmt.Sprintf("endpoint returned HTTP %d", result.statusCode)
}

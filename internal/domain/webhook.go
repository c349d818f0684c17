package domain

import (
	"encoding/json"
	"time"
)

// RetryPolicy controls delivery retries for a webhook subscription.
type RetryPolicy struct {
	Enabled     bool    `json:"enabled"`
	MaxAttempts int     `json:"max_attempts"`
	BackoffRate float64 `json:"backoff_rate"`
	TimeoutMs   int     `json:"timeout_ms"`
}

// WebhookSubscription registers an outgoing webhook endpoint for a project.
// Secret is stored AES-GCM encrypted at rest.
type WebhookSubscription struct {
	ID        string
	ProjectID string
	TargetURL string
	Events    []EventType
	Secret    []byte
	Retry     RetryPolicy
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscribed reports whether the subscription listens for the event type.
func (s WebhookSubscription) Subscribed(event EventType) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks one webhook delivery through its retry cycle.
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// FinalStatus is set once a delivery leaves the retry cycle.
type FinalStatus string

const (
	FinalStatusDelivered         FinalStatus = "delivered"
	FinalStatusFailedPermanently FinalStatus = "failed_permanently"
)

// WebhookDelivery records one outgoing webhook execution, including its
// retry bookkeeping and the last response observed.
type WebhookDelivery struct {
	ID             string
	WebhookID      string
	ProjectID      string
	Event          EventType
	Payload        json.RawMessage
	Status         DeliveryStatus
	AttemptCount   int
	NextRetryAt    *time.Time
	ResponseStatus *int
	ResponseTimeMs *int64
	FinalStatus    FinalStatus
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookDeliveryUpdate captures mutable fields for a delivery record.
type WebhookDeliveryUpdate struct {
	DeliveryID     string
	Status         DeliveryStatus
	AttemptCount   int
	NextRetryAt    *time.Time
	ResponseStatus *int
	ResponseTimeMs *int64
	FinalStatus    FinalStatus
	LastError      string
}

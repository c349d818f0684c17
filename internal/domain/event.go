package domain

import "time"

// EventType names a domain state-change notification.
type EventType string

const (
	EventDeploymentStarted   EventType = "deployment.started"
	EventDeploymentCompleted EventType = "deployment.completed"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventContentUpdated      EventType = "content.updated"
	EventProjectUpdated      EventType = "project.updated"
	EventUserInvited         EventType = "user.invited"
	EventUserRemoved         EventType = "user.removed"
)

// KnownEventTypes lists every event a webhook subscription may select.
var KnownEventTypes = []EventType{
	EventDeploymentStarted,
	EventDeploymentCompleted,
	EventDeploymentFailed,
	EventContentUpdated,
	EventProjectUpdated,
	EventUserInvited,
	EventUserRemoved,
}

// Valid reports whether the event type is one the platform emits.
func (e EventType) Valid() bool {
	for _, known := range KnownEventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// Event is a state-change notification fanned out to webhook subscriptions
// and best-effort notification sinks.
type Event struct {
	Type       EventType
	ProjectID  string
	Payload    map[string]any
	OccurredAt time.Time
}

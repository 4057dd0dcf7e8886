// Package bus provides the internal event bus used to propagate agent and
// orchestrator lifecycle events between services.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the runtime. Subscribers may use NATS-style
// wildcards, e.g. "agents.>" to observe every agent event.
const (
	SubjectAgentCreated       = "agents.created"
	SubjectAgentUpdated       = "agents.updated"
	SubjectAgentDeleted       = "agents.deleted"
	SubjectAgentStatusChanged = "agents.status"
	SubjectAgentLog           = "agents.log"
	SubjectOrchestratorUpdate = "orchestrator.updated"
	SubjectCostAlert          = "costs.alert"
)

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh UUID and the current UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles a delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts over the in-memory bus and NATS.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

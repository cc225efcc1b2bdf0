// Package outbox carries domain events from the database to a message broker.
// Events are written in the same transaction as the state change they
// describe and published later by the Dispatcher.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
)

// Event is one outbox row.
type Event struct {
	ID                  string          `json:"id"`
	AggregateID         string          `json:"aggregate_id"`
	Type                string          `json:"type"`
	RoutingKey          string          `json:"routing_key"`
	Payload             json.RawMessage `json:"payload"`
	Status              Status          `json:"status"`
	Attempts            int             `json:"attempts"`
	AvailableAt         time.Time       `json:"available_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	PublishedAt         *time.Time      `json:"published_at,omitempty"`
}

// NewEvent builds a pending event with a JSON payload. The routing key is
// the event type.
func NewEvent(aggregateID, eventType string, payload any, now time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	now = now.UTC()
	return Event{
		ID:          ulid.Make().String(),
		AggregateID: aggregateID,
		Type:        eventType,
		RoutingKey:  eventType,
		Payload:     body,
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}, nil
}

package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status of an outbox message
type Status string

const (
	// StatusPending means the message has not been delivered to the bus yet
	StatusPending Status = "pending"
	// StatusDelivered means the bus acknowledged the message
	StatusDelivered Status = "delivered"
	// StatusDead means delivery was given up after too many attempts;
	// dead messages need operator attention
	StatusDead Status = "dead"
)

// Message is one transactional outbox row. It is written in the same
// database transaction as the business mutation it announces, then
// delivered asynchronously by the relay.
type Message struct {
	// EventID uniquely identifies the event; consumers dedupe on it
	EventID string
	// AggregateType names the entity kind, e.g. "order"
	AggregateType string
	// AggregateID is the entity key; delivery is ordered per aggregate
	AggregateID string
	// EventType names what happened, e.g. "order.created"
	EventType string
	// Payload is the JSON event body
	Payload      []byte
	Status       Status
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	DeliveredAt  *time.Time
}

// NewMessage creates a pending outbox message with a marshaled payload
func NewMessage(aggregateType, aggregateID, eventType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &Message{
		EventID:       uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}, nil
}

// Topic returns the bus topic for this message
func (m *Message) Topic() string {
	return m.AggregateType + "-events"
}

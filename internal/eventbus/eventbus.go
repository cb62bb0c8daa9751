package eventbus

import (
	"context"
	"time"
)

// Event is a domain event bound for the bus. Events with the same Key are
// delivered in publish order.
type Event struct {
	Topic string
	// Key is the partitioning key, normally the aggregate id
	Key   string
	Value []byte
	// Headers carry event metadata (event_id, event_type, aggregate_type,
	// created_at)
	Headers   map[string]string
	Timestamp time.Time
}

// Publisher delivers events to the bus at-least-once.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

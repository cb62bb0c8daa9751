package order

import (
	"context"
	"errors"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// Repository errors
var (
	ErrNotFound = errors.New("order not found")
)

// Repository persists orders together with their outbox events. Both writes
// commit in one transaction, and each mutation is deduplicated by an
// idempotency key: a repeated call returns the original handle without
// applying the mutation again.
type Repository interface {
	// CreateOrder inserts the order and its created event. When key was
	// already used, the stored handle is returned with duplicate=true and
	// nothing is written.
	CreateOrder(ctx context.Context, key string, o *Order, evt *outbox.Message) (handle string, duplicate bool, err error)

	// CancelOrder marks the order canceled and records its canceled event
	CancelOrder(ctx context.Context, key string, orderID string, evt *outbox.Message) (duplicate bool, err error)

	// GetOrder returns the order by id
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

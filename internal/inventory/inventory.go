package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// Repository errors
var (
	ErrNotFound = errors.New("reservation not found")
	// ErrInsufficientStock means at least one line could not be covered
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Line is one reserved SKU quantity
type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Reservation holds stock for one saga until released or consumed
type Reservation struct {
	ID        string    `json:"id"`
	SagaID    string    `json:"saga_id"`
	OrderID   string    `json:"order_id"`
	Lines     []Line    `json:"lines"`
	Released  bool      `json:"released"`
	CreatedAt time.Time `json:"created_at"`
}

// ReservedEvent is published when stock is reserved
type ReservedEvent struct {
	ReservationID string `json:"reservation_id"`
	SagaID        string `json:"saga_id"`
	OrderID       string `json:"order_id"`
	Lines         []Line `json:"lines"`
}

// ReleasedEvent is published when a reservation is returned to stock
type ReleasedEvent struct {
	ReservationID string `json:"reservation_id"`
	SagaID        string `json:"saga_id"`
	Reason        string `json:"reason"`
}

// Event types emitted by the inventory participant
const (
	EventStockReserved = "inventory.reserved"
	EventStockReleased = "inventory.released"

	AggregateType = "inventory"
)

// Repository persists reservations, adjusts stock levels and records outbox
// events, all in one transaction per mutation. Mutations are deduplicated by
// idempotency key.
type Repository interface {
	// Reserve decrements stock for every line and records the reservation.
	// Returns ErrInsufficientStock without any partial decrement when a
	// line cannot be covered.
	Reserve(ctx context.Context, key string, res *Reservation, evt *outbox.Message) (handle string, duplicate bool, err error)

	// Release returns a reservation's stock
	Release(ctx context.Context, key string, reservationID string, evt *outbox.Message) (duplicate bool, err error)

	// Available returns the on-hand quantity for a SKU
	Available(ctx context.Context, sku string) (int, error)
}

package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when an outbox message does not exist
var ErrNotFound = errors.New("outbox message not found")

// Repository is the outbox table of one participant's database.
type Repository interface {
	// CreateTx inserts the message inside an open transaction, making it
	// atomic with the business mutation
	CreateTx(ctx context.Context, tx pgx.Tx, msg *Message) error

	// FetchPending returns up to limit undelivered messages in creation
	// order, locked against concurrent relays
	FetchPending(ctx context.Context, limit int) ([]*Message, error)

	// MarkDelivered records successful delivery
	MarkDelivered(ctx context.Context, eventID string) error

	// MarkFailed increments the attempt count and records the error
	MarkFailed(ctx context.Context, eventID string, deliveryErr string) error

	// MarkDead parks the message after the attempt budget is exhausted
	MarkDead(ctx context.Context, eventID string, deliveryErr string) error

	// DeleteDelivered prunes delivered messages older than the cutoff,
	// returning how many were removed
	DeleteDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}

package saga

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	ErrNotFound  = errors.New("saga instance not found")
	ErrDuplicate = errors.New("saga instance already exists")
	// ErrLeaseLost is returned when a write is attempted by a coordinator
	// that no longer owns the instance's lease
	ErrLeaseLost = errors.New("saga lease lost")
	// ErrLeaseHeld is returned when a claim fails because another live
	// coordinator owns the lease
	ErrLeaseHeld = errors.New("saga lease held by another owner")
)

// Store is the saga log: durable, lease-fenced instance state.
// Every mutation that carries an owner id is rejected with ErrLeaseLost
// unless that owner currently holds the lease.
type Store interface {
	// Create persists a new instance with its initial lease
	Create(ctx context.Context, inst *Instance) error

	// Get returns the instance by id
	Get(ctx context.Context, id string) (*Instance, error)

	// Update persists the instance's status, step results and cursor,
	// refreshing the lease. Fails with ErrLeaseLost if inst.OwnerID does
	// not hold the lease.
	Update(ctx context.Context, inst *Instance, leaseTTL time.Duration) error

	// FindByIdempotencyKey returns the instance created under the given
	// submission key, or ErrNotFound
	FindByIdempotencyKey(ctx context.Context, key string) (*Instance, error)

	// Claim atomically takes ownership of an instance whose lease has
	// expired (or is already held by ownerID). Returns ErrLeaseHeld when
	// another owner's lease is still live, ErrNotFound when the instance
	// does not exist or is terminal.
	Claim(ctx context.Context, id, ownerID string, leaseTTL time.Duration) (*Instance, error)

	// ExtendLease refreshes the lease without touching instance state
	ExtendLease(ctx context.Context, id, ownerID string, leaseTTL time.Duration) error

	// ReleaseLease gives up ownership so another coordinator can claim
	// immediately
	ReleaseLease(ctx context.Context, id, ownerID string) error

	// ListExpired returns non-terminal instances whose lease lapsed
	// before now, oldest first
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
}

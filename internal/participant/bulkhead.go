package participant

import (
	"context"
	"errors"
)

// ErrBulkheadFull is returned when the concurrency limit is reached
var ErrBulkheadFull = errors.New("bulkhead full")

// Bulkhead limits concurrent in-flight calls to a participant so one slow
// dependency cannot exhaust the coordinator's resources.
type Bulkhead struct {
	semaphore chan struct{}
}

// NewBulkhead creates a bulkhead with the given concurrency limit
func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Bulkhead{
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Acquire takes a slot, failing fast when none is free.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBulkheadFull
	}
}

// Release returns a slot
func (b *Bulkhead) Release() {
	select {
	case <-b.semaphore:
	default:
	}
}

// InFlight returns the number of calls currently holding a slot
func (b *Bulkhead) InFlight() int {
	return len(b.semaphore)
}

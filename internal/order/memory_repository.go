package order

import (
	"context"
	"sync"
	"time"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// MemoryRepository is an in-memory order repository for tests. FailFunc can
// be set to reject mutations, simulating a participant database outage.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
	keys   map[string]string
	outbox *outbox.MemoryRepository

	// FailFunc, when set, is consulted before every mutation
	FailFunc func() error
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository writing events
// into the given outbox
func NewMemoryRepository(outboxRepo *outbox.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[string]*Order),
		keys:   make(map[string]string),
		outbox: outboxRepo,
	}
}

// CreateOrder inserts the order and its event atomically
func (r *MemoryRepository) CreateOrder(ctx context.Context, key string, o *Order, evt *outbox.Message) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handle, ok := r.keys[key]; ok {
		return handle, true, nil
	}
	if r.FailFunc != nil {
		if err := r.FailFunc(); err != nil {
			return "", false, err
		}
	}

	cp := *o
	r.orders[o.ID] = &cp
	r.keys[key] = o.ID
	if err := r.outbox.CreateTx(ctx, nil, evt); err != nil {
		return "", false, err
	}
	return o.ID, false, nil
}

// CancelOrder marks the order canceled with its event
func (r *MemoryRepository) CancelOrder(ctx context.Context, key string, orderID string, evt *outbox.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key]; ok {
		return true, nil
	}
	if r.FailFunc != nil {
		if err := r.FailFunc(); err != nil {
			return false, err
		}
	}

	o, ok := r.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	o.Status = StatusCanceled
	o.UpdatedAt = time.Now()
	r.keys[key] = orderID
	return false, r.outbox.CreateTx(ctx, nil, evt)
}

// GetOrder returns the order by id
func (r *MemoryRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

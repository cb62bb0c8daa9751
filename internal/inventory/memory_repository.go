package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// MemoryRepository is an in-memory inventory for tests, seeded with stock
// levels. FailFunc can be set to simulate an outage.
type MemoryRepository struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]*Reservation
	keys         map[string]string
	outbox       *outbox.MemoryRepository

	FailFunc func() error
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an in-memory repository with the given stock
func NewMemoryRepository(outboxRepo *outbox.MemoryRepository, stock map[string]int) *MemoryRepository {
	s := make(map[string]int, len(stock))
	for sku, qty := range stock {
		s[sku] = qty
	}
	return &MemoryRepository{
		stock:        s,
		reservations: make(map[string]*Reservation),
		keys:         make(map[string]string),
		outbox:       outboxRepo,
	}
}

// Reserve decrements stock and records the reservation
func (r *MemoryRepository) Reserve(ctx context.Context, key string, res *Reservation, evt *outbox.Message) (string, bool, error) {
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

	for _, line := range res.Lines {
		if r.stock[line.SKU] < line.Quantity {
			return "", false, fmt.Errorf("%w: %s", ErrInsufficientStock, line.SKU)
		}
	}
	for _, line := range res.Lines {
		r.stock[line.SKU] -= line.Quantity
	}

	cp := *res
	r.reservations[res.ID] = &cp
	r.keys[key] = res.ID
	if err := r.outbox.CreateTx(ctx, nil, evt); err != nil {
		return "", false, err
	}
	return res.ID, false, nil
}

// Release returns reserved stock
func (r *MemoryRepository) Release(ctx context.Context, key string, reservationID string, evt *outbox.Message) (bool, error) {
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

	res, ok := r.reservations[reservationID]
	if !ok {
		return false, ErrNotFound
	}
	if !res.Released {
		for _, line := range res.Lines {
			r.stock[line.SKU] += line.Quantity
		}
		res.Released = true
	}
	r.keys[key] = reservationID
	return false, r.outbox.CreateTx(ctx, nil, evt)
}

// Available returns on-hand quantity for a SKU
func (r *MemoryRepository) Available(ctx context.Context, sku string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock[sku], nil
}

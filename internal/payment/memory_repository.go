package payment

import (
	"context"
	"sync"
	"time"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// MemoryRepository is an in-memory payment ledger for tests.
type MemoryRepository struct {
	mu       sync.Mutex
	payments map[string]*Payment
	keys     map[string]string
	outbox   *outbox.MemoryRepository

	FailFunc func() error
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory payment repository
func NewMemoryRepository(outboxRepo *outbox.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		payments: make(map[string]*Payment),
		keys:     make(map[string]string),
		outbox:   outboxRepo,
	}
}

// RecordCapture inserts the payment and its event
func (r *MemoryRepository) RecordCapture(ctx context.Context, key string, p *Payment, evt *outbox.Message) (string, bool, error) {
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

	cp := *p
	r.payments[p.ID] = &cp
	r.keys[key] = p.ID
	if err := r.outbox.CreateTx(ctx, nil, evt); err != nil {
		return "", false, err
	}
	return p.ID, false, nil
}

// RecordRefund marks the payment refunded with its event
func (r *MemoryRepository) RecordRefund(ctx context.Context, key string, paymentID string, evt *outbox.Message) (*Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key]; ok {
		p := r.payments[paymentID]
		if p == nil {
			return nil, true, nil
		}
		cp := *p
		return &cp, true, nil
	}
	if r.FailFunc != nil {
		if err := r.FailFunc(); err != nil {
			return nil, false, err
		}
	}

	p, ok := r.payments[paymentID]
	if !ok {
		return nil, false, ErrNotFound
	}
	p.Status = StatusRefunded
	p.UpdatedAt = time.Now()
	r.keys[key] = paymentID

	cp := *p
	return &cp, false, r.outbox.CreateTx(ctx, nil, evt)
}

// GetPayment returns the payment by id
func (r *MemoryRepository) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

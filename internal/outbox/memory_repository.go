package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// MemoryRepository is an in-memory outbox for tests. CreateTx ignores the
// transaction argument; atomicity with business writes is the caller's
// concern in tests.
type MemoryRepository struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory outbox
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[string]*Message),
	}
}

// CreateTx inserts the message
func (r *MemoryRepository) CreateTx(ctx context.Context, _ pgx.Tx, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.messages[msg.EventID] = &cp
	r.order = append(r.order, msg.EventID)
	return nil
}

// FetchPending returns pending messages in creation order
func (r *MemoryRepository) FetchPending(ctx context.Context, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Message
	for _, id := range r.order {
		msg := r.messages[id]
		if msg.Status != StatusPending {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkDelivered records successful delivery
func (r *MemoryRepository) MarkDelivered(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[eventID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	msg.Status = StatusDelivered
	msg.DeliveredAt = &now
	return nil
}

// MarkFailed increments the attempt count
func (r *MemoryRepository) MarkFailed(ctx context.Context, eventID string, deliveryErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[eventID]
	if !ok {
		return ErrNotFound
	}
	msg.AttemptCount++
	msg.LastError = deliveryErr
	return nil
}

// MarkDead parks the message
func (r *MemoryRepository) MarkDead(ctx context.Context, eventID string, deliveryErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[eventID]
	if !ok {
		return ErrNotFound
	}
	msg.AttemptCount++
	msg.Status = StatusDead
	msg.LastError = deliveryErr
	return nil
}

// DeleteDelivered prunes old delivered messages
func (r *MemoryRepository) DeleteDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	keep := r.order[:0]
	for _, id := range r.order {
		msg := r.messages[id]
		if msg.Status == StatusDelivered && msg.DeliveredAt != nil && msg.DeliveredAt.Before(olderThan) {
			delete(r.messages, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	r.order = keep
	return removed, nil
}

// Get returns a message by event id. Test helper.
func (r *MemoryRepository) Get(eventID string) (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[eventID]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

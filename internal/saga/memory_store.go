package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	byIdemKey map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		byIdemKey: make(map[string]string),
	}
}

// Create persists a new instance
func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrDuplicate
	}
	if inst.IdempotencyKey != "" {
		if _, ok := s.byIdemKey[inst.IdempotencyKey]; ok {
			return ErrDuplicate
		}
		s.byIdemKey[inst.IdempotencyKey] = inst.ID
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get returns a copy of the instance
func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// Update persists instance state if the caller holds the lease
func (s *MemoryStore) Update(ctx context.Context, inst *Instance, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.OwnerID != inst.OwnerID {
		return ErrLeaseLost
	}

	cp := inst.Clone()
	cp.LeaseExpiry = time.Now().Add(leaseTTL)
	cp.UpdatedAt = time.Now()
	s.instances[inst.ID] = cp
	inst.LeaseExpiry = cp.LeaseExpiry
	inst.UpdatedAt = cp.UpdatedAt
	return nil
}

// FindByIdempotencyKey returns the instance submitted under key
func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdemKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.instances[id].Clone(), nil
}

// Claim takes ownership of an expired-lease instance
func (s *MemoryStore) Claim(ctx context.Context, id, ownerID string, leaseTTL time.Duration) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok || inst.Status.IsTerminal() {
		return nil, ErrNotFound
	}

	now := time.Now()
	if inst.OwnerID != ownerID && !inst.LeaseExpired(now) {
		return nil, ErrLeaseHeld
	}

	inst.OwnerID = ownerID
	inst.LeaseExpiry = now.Add(leaseTTL)
	inst.UpdatedAt = now
	return inst.Clone(), nil
}

// ExtendLease refreshes the lease for the current owner
func (s *MemoryStore) ExtendLease(ctx context.Context, id, ownerID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.OwnerID != ownerID {
		return ErrLeaseLost
	}
	inst.LeaseExpiry = time.Now().Add(leaseTTL)
	return nil
}

// ReleaseLease gives up ownership
func (s *MemoryStore) ReleaseLease(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.OwnerID != ownerID {
		return ErrLeaseLost
	}
	inst.OwnerID = ""
	inst.LeaseExpiry = time.Time{}
	return nil
}

// ListExpired returns non-terminal instances with lapsed leases, oldest first
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.instances {
		if inst.Status.IsTerminal() {
			continue
		}
		if inst.LeaseExpired(now) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireLease force-expires an instance's lease. Test helper.
func (s *MemoryStore) ExpireLease(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.LeaseExpiry = time.Now().Add(-time.Second)
	}
}

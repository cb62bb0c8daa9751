package eventbus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher for tests. It records events and can
// be scripted to fail.
type MemoryBus struct {
	mu     sync.Mutex
	events []*Event
	// FailFunc, when set, is consulted per event; a non-nil return fails
	// the publish
	FailFunc func(event *Event) error
}

var _ Publisher = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-memory bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish records the event
func (b *MemoryBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailFunc != nil {
		if err := b.FailFunc(event); err != nil {
			return err
		}
	}

	cp := *event
	b.events = append(b.events, &cp)
	return nil
}

// Events returns all published events in order
func (b *MemoryBus) Events() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Event, len(b.events))
	copy(out, b.events)
	return out
}

// EventsForKey returns published events for one key, in order
func (b *MemoryBus) EventsForKey(key string) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Event
	for _, e := range b.events {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

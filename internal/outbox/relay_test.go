package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sarihammad/sagaflow/internal/eventbus"
)

func seedMessage(t *testing.T, repo *MemoryRepository, aggregateID, eventType string, seq int) *Message {
	t.Helper()

	msg, err := NewMessage("order", aggregateID, eventType, map[string]int{"seq": seq})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	// spread creation times so fetch order is deterministic
	msg.CreatedAt = time.Now().Add(time.Duration(seq) * time.Millisecond)
	if err := repo.CreateTx(context.Background(), nil, msg); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	return msg
}

func seq(t *testing.T, e *eventbus.Event) int {
	t.Helper()
	var body struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(e.Value, &body); err != nil {
		t.Fatalf("unmarshal event payload: %v", err)
	}
	return body.Seq
}

func TestRelayDeliversPendingMessages(t *testing.T) {
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	relay := NewRelay("test", repo, bus, nil)

	msg := seedMessage(t, repo, "order-1", "order.created", 0)

	relay.Tick(context.Background())

	events := bus.Events()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	e := events[0]
	if e.Topic != "order-events" {
		t.Errorf("topic = %q, want order-events", e.Topic)
	}
	if e.Key != "order-1" {
		t.Errorf("key = %q, want order-1", e.Key)
	}
	for _, h := range []string{"event_id", "event_type", "aggregate_type", "created_at"} {
		if e.Headers[h] == "" {
			t.Errorf("missing header %s", h)
		}
	}
	if e.Headers["event_id"] != msg.EventID || e.Headers["event_type"] != "order.created" {
		t.Errorf("headers = %v", e.Headers)
	}

	stored, _ := repo.Get(msg.EventID)
	if stored.Status != StatusDelivered || stored.DeliveredAt == nil {
		t.Errorf("message not marked delivered: %+v", stored)
	}
}

func TestRelayPreservesPerAggregateOrder(t *testing.T) {
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	relay := NewRelay("test", repo, bus, nil)

	for i := 0; i < 3; i++ {
		seedMessage(t, repo, "order-a", "order.created", i)
	}
	for i := 0; i < 3; i++ {
		seedMessage(t, repo, "order-b", "order.created", i)
	}

	relay.Tick(context.Background())

	for _, key := range []string{"order-a", "order-b"} {
		events := bus.EventsForKey(key)
		if len(events) != 3 {
			t.Fatalf("%s: published %d events, want 3", key, len(events))
		}
		for i, e := range events {
			if got := seq(t, e); got != i {
				t.Errorf("%s: event %d has seq %d, out of order", key, i, got)
			}
		}
	}
}

func TestRelayFailureStopsAggregateGroup(t *testing.T) {
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	relay := NewRelay("test", repo, bus, nil)

	first := seedMessage(t, repo, "order-a", "order.created", 0)
	seedMessage(t, repo, "order-a", "order.canceled", 1)
	seedMessage(t, repo, "order-b", "order.created", 0)

	// only the first message of order-a fails
	bus.FailFunc = func(e *eventbus.Event) error {
		if e.Headers["event_id"] == first.EventID {
			return errors.New("broker unavailable")
		}
		return nil
	}

	relay.Tick(context.Background())

	// order-a is blocked behind its failed head; order-b is unaffected
	if got := len(bus.EventsForKey("order-a")); got != 0 {
		t.Errorf("order-a published %d events past a failure, want 0", got)
	}
	if got := len(bus.EventsForKey("order-b")); got != 1 {
		t.Errorf("order-b published %d events, want 1", got)
	}

	stored, _ := repo.Get(first.EventID)
	if stored.Status != StatusPending || stored.AttemptCount != 1 || stored.LastError == "" {
		t.Errorf("failed message not recorded: %+v", stored)
	}

	// next tick after the fault clears drains the group in order
	bus.FailFunc = nil
	relay.Tick(context.Background())

	events := bus.EventsForKey("order-a")
	if len(events) != 2 {
		t.Fatalf("order-a published %d events after retry, want 2", len(events))
	}
	if seq(t, events[0]) != 0 || seq(t, events[1]) != 1 {
		t.Error("order-a events delivered out of order after retry")
	}
}

func TestRelayDeadLettersAfterAttemptBudget(t *testing.T) {
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	relay := NewRelay("test", repo, bus, &RelayConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		DeadAttempts: 3,
	})

	msg := seedMessage(t, repo, "order-1", "order.created", 0)
	bus.FailFunc = func(*eventbus.Event) error { return errors.New("down") }

	for i := 0; i < 3; i++ {
		relay.Tick(context.Background())
	}

	stored, _ := repo.Get(msg.EventID)
	if stored.Status != StatusDead {
		t.Fatalf("status = %s after exhausting attempts, want %s", stored.Status, StatusDead)
	}
	if stored.AttemptCount != 3 {
		t.Errorf("attempts = %d, want 3", stored.AttemptCount)
	}

	// dead messages are no longer picked up
	relay.Tick(context.Background())
	again, _ := repo.Get(msg.EventID)
	if again.AttemptCount != 3 {
		t.Errorf("dead message was retried: attempts = %d", again.AttemptCount)
	}
}

func TestRelayHonorsBatchSize(t *testing.T) {
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	relay := NewRelay("test", repo, bus, &RelayConfig{
		PollInterval: time.Second,
		BatchSize:    2,
		DeadAttempts: 50,
	})

	for i := 0; i < 5; i++ {
		seedMessage(t, repo, fmt.Sprintf("order-%d", i), "order.created", i)
	}

	relay.Tick(context.Background())
	if got := len(bus.Events()); got != 2 {
		t.Errorf("published %d events in one tick, want 2", got)
	}

	relay.Tick(context.Background())
	relay.Tick(context.Background())
	if got := len(bus.Events()); got != 5 {
		t.Errorf("published %d events total, want 5", got)
	}
}

func TestRelayStartStop(t *testing.T) {
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	relay := NewRelay("test", repo, bus, &RelayConfig{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		DeadAttempts: 50,
	})

	seedMessage(t, repo, "order-1", "order.created", 0)

	relay.Start()
	relay.Start() // second start is a no-op

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.Events()) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	relay.Stop()

	if got := len(bus.Events()); got != 1 {
		t.Errorf("published %d events, want 1", got)
	}
}

func TestDeleteDelivered(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	old := seedMessage(t, repo, "order-1", "order.created", 0)
	fresh := seedMessage(t, repo, "order-2", "order.created", 1)
	pending := seedMessage(t, repo, "order-3", "order.created", 2)

	if err := repo.MarkDelivered(ctx, old.EventID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := repo.MarkDelivered(ctx, fresh.EventID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// age the first delivery
	repo.mu.Lock()
	past := time.Now().Add(-48 * time.Hour)
	repo.messages[old.EventID].DeliveredAt = &past
	repo.mu.Unlock()

	removed, err := repo.DeleteDelivered(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteDelivered: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := repo.Get(old.EventID); ok {
		t.Error("old delivered message not pruned")
	}
	if _, ok := repo.Get(fresh.EventID); !ok {
		t.Error("recent delivered message pruned")
	}
	if _, ok := repo.Get(pending.EventID); !ok {
		t.Error("pending message pruned")
	}
}

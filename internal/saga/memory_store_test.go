package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testInstance() *Instance {
	def := &Definition{
		ID: "d",
		Steps: []*StepDefinition{
			{Name: "a", Participant: "p"},
			{Name: "b", Participant: "p"},
		},
	}
	return NewInstance(def, []byte(`{}`))
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance()
	inst.OwnerID = "o1"
	inst.LeaseExpiry = time.Now().Add(time.Minute)

	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, inst); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate create err = %v, want ErrDuplicate", err)
	}

	got, err := store.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusStarted || len(got.StepResults) != 2 {
		t.Errorf("got %+v", got)
	}

	// Get returns a copy, not shared state
	got.Status = StatusCompleted
	again, _ := store.Get(ctx, inst.ID)
	if again.Status != StatusStarted {
		t.Error("Get leaked internal state")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreLeaseFencing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance()
	inst.Status = StatusRunning
	inst.OwnerID = "owner-a"
	inst.LeaseExpiry = time.Now().Add(-time.Second)
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// owner-b claims the expired lease
	claimed, err := store.Claim(ctx, inst.ID, "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.OwnerID != "owner-b" {
		t.Errorf("owner = %q, want owner-b", claimed.OwnerID)
	}

	// the paused original owner wakes up and tries to write
	stale := inst.Clone()
	stale.Status = StatusCompleted
	if err := store.Update(ctx, stale, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale update err = %v, want ErrLeaseLost", err)
	}
	if err := store.ExtendLease(ctx, inst.ID, "owner-a", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale heartbeat err = %v, want ErrLeaseLost", err)
	}

	// a second claim against a live lease fails
	if _, err := store.Claim(ctx, inst.ID, "owner-c", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("claim err = %v, want ErrLeaseHeld", err)
	}

	// re-claim by the current owner refreshes without error
	if _, err := store.Claim(ctx, inst.ID, "owner-b", time.Minute); err != nil {
		t.Errorf("self re-claim: %v", err)
	}
}

func TestMemoryStoreClaimSkipsTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance()
	inst.Status = StatusCompleted
	inst.LeaseExpiry = time.Now().Add(-time.Minute)
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.Claim(ctx, inst.ID, "o", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim of terminal saga err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	expired := testInstance()
	expired.Status = StatusRunning
	expired.LeaseExpiry = time.Now().Add(-time.Minute)
	expired.UpdatedAt = time.Now().Add(-time.Hour)

	live := testInstance()
	live.Status = StatusRunning
	live.LeaseExpiry = time.Now().Add(time.Minute)

	done := testInstance()
	done.Status = StatusCompensated
	done.LeaseExpiry = time.Now().Add(-time.Minute)

	for _, in := range []*Instance{expired, live, done} {
		if err := store.Create(ctx, in); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.ListExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Errorf("ListExpired returned %d instances, want only the expired one", len(got))
	}
}

func TestMemoryStoreFindByIdempotencyKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance()
	inst.IdempotencyKey = "client-key"
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.FindByIdempotencyKey(ctx, "client-key")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey: %v", err)
	}
	if got.ID != inst.ID {
		t.Errorf("id = %s, want %s", got.ID, inst.ID)
	}

	dup := testInstance()
	dup.IdempotencyKey = "client-key"
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}

	if _, err := store.FindByIdempotencyKey(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

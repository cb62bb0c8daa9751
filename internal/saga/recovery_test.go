package saga

import (
	"context"
	"testing"
	"time"

	"github.com/sarihammad/sagaflow/internal/participant"
)

// seedAbandoned persists an instance that looks like the leftovers of a
// crashed coordinator: non-terminal, expired lease, foreign owner.
func seedAbandoned(t *testing.T, h *testHarness, mutate func(*Instance)) *Instance {
	t.Helper()

	def, _ := h.coordinator.Definition("test_saga")
	inst := NewInstance(def, []byte(`{}`))
	inst.OwnerID = "crashed-owner"
	inst.LeaseExpiry = time.Now().Add(-time.Minute)
	if mutate != nil {
		mutate(inst)
	}
	if err := h.store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inst
}

func TestRecoveryResumesForwardExecution(t *testing.T) {
	h := newTestHarness(t, 3)

	// crashed after step 0 committed, mid step 1
	inst := seedAbandoned(t, h, func(in *Instance) {
		in.Status = StatusRunning
		in.CurrentStep = 1
		in.StepResults[0].Status = StepOK
		in.StepResults[0].Handle = "handle-step0"
		now := time.Now()
		in.StepResults[1].StartedAt = &now
	})

	h.coordinator.recoverExpired()

	final := waitForTerminal(t, h.store, inst.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompleted)
	}
	// the committed step is not re-invoked
	if got := h.services["step0"].invokeCount(); got != 0 {
		t.Errorf("step0 re-invoked %d times after recovery, want 0", got)
	}
	if got := h.services["step1"].invokeCount(); got != 1 {
		t.Errorf("step1 invoked %d times, want 1", got)
	}
	if got := h.services["step2"].invokeCount(); got != 1 {
		t.Errorf("step2 invoked %d times, want 1", got)
	}
}

func TestRecoveryReinvokesWithSameIdempotencyKey(t *testing.T) {
	h := newTestHarness(t, 2)

	inst := seedAbandoned(t, h, func(in *Instance) {
		in.Status = StatusRunning
		in.CurrentStep = 0
		now := time.Now()
		in.StepResults[0].StartedAt = &now
	})

	h.coordinator.recoverExpired()
	waitForTerminal(t, h.store, inst.ID)

	req := h.services["step0"].invokes[0]
	if want := inst.ID + ":0"; req.IdempotencyKey != want {
		t.Errorf("resumed invoke key = %q, want %q", req.IdempotencyKey, want)
	}
}

func TestRecoveryResumesCompensation(t *testing.T) {
	h := newTestHarness(t, 3)

	// crashed mid-rollback: steps 0 and 1 committed, step 2 failed,
	// step 1 was being compensated
	inst := seedAbandoned(t, h, func(in *Instance) {
		in.Status = StatusCompensating
		in.CurrentStep = 1
		in.StepResults[0].Status = StepOK
		in.StepResults[0].Handle = "handle-step0"
		in.StepResults[1].Status = StepCompensating
		in.StepResults[1].Handle = "handle-step1"
		in.StepResults[2].Status = StepFailed
		in.StepResults[2].ErrorKind = participant.KindBusiness
	})

	h.coordinator.recoverExpired()

	final := waitForTerminal(t, h.store, inst.ID)
	if final.Status != StatusCompensated {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompensated)
	}
	if got := h.services["step1"].compensateCount(); got != 1 {
		t.Errorf("step1 compensated %d times, want 1", got)
	}
	if got := h.services["step0"].compensateCount(); got != 1 {
		t.Errorf("step0 compensated %d times, want 1", got)
	}
	if got := h.services["step2"].compensateCount(); got != 0 {
		t.Errorf("failed step compensated %d times, want 0", got)
	}
}

func TestRecoverySkipsLiveLeases(t *testing.T) {
	h := newTestHarness(t, 1)

	def, _ := h.coordinator.Definition("test_saga")
	inst := NewInstance(def, []byte(`{}`))
	inst.Status = StatusRunning
	inst.OwnerID = "other-live-owner"
	inst.LeaseExpiry = time.Now().Add(time.Minute)
	if err := h.store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.coordinator.recoverExpired()
	time.Sleep(20 * time.Millisecond)

	if got := h.services["step0"].invokeCount(); got != 0 {
		t.Errorf("recovery stole a live lease: %d invokes", got)
	}
	cur, _ := h.store.Get(context.Background(), inst.ID)
	if cur.OwnerID != "other-live-owner" {
		t.Errorf("owner = %q, want other-live-owner", cur.OwnerID)
	}
}

func TestRecoverySkipsFrozenSagas(t *testing.T) {
	h := newTestHarness(t, 2)

	inst := seedAbandoned(t, h, func(in *Instance) {
		in.Status = StatusRunning
		in.CurrentStep = 1
		in.StepResults[0].Status = StepOK
		in.StepResults[1].Status = StepFailed
		in.StepResults[1].ErrorKind = participant.KindFatalInternal
	})

	h.coordinator.recoverExpired()
	time.Sleep(20 * time.Millisecond)

	if got := h.services["step1"].invokeCount(); got != 0 {
		t.Errorf("frozen saga re-invoked %d times", got)
	}
	if got := h.services["step0"].compensateCount(); got != 0 {
		t.Errorf("frozen saga compensated %d times", got)
	}
	cur, _ := h.store.Get(context.Background(), inst.ID)
	if cur.Status != StatusRunning {
		t.Errorf("status = %s, want %s", cur.Status, StatusRunning)
	}
}

func TestStartScansForAbandonedSagasImmediately(t *testing.T) {
	h := newTestHarness(t, 1)

	inst := seedAbandoned(t, h, func(in *Instance) {
		in.Status = StatusRunning
	})

	// the harness scan interval is an hour, so only a start-time scan can
	// pick this up
	h.coordinator.Start()

	final := waitForTerminal(t, h.store, inst.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompleted)
	}
	if got := h.services["step0"].invokeCount(); got != 1 {
		t.Errorf("step0 invoked %d times, want 1", got)
	}
}

func TestRecoveryResumesStartedSaga(t *testing.T) {
	h := newTestHarness(t, 2)

	inst := seedAbandoned(t, h, nil) // still in started, crashed before step 0

	h.coordinator.recoverExpired()

	final := waitForTerminal(t, h.store, inst.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompleted)
	}
}

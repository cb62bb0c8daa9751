package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sarihammad/sagaflow/internal/outbox"
	"github.com/sarihammad/sagaflow/internal/participant"
)

func reservePayload(sku string, qty int) []byte {
	return []byte(fmt.Sprintf(`{"order_id":"ord-1","items":[{"sku":%q,"quantity":%d}]}`, sku, qty))
}

func TestInvokeReservesStock(t *testing.T) {
	outboxRepo := outbox.NewMemoryRepository()
	repo := NewMemoryRepository(outboxRepo, map[string]int{"sku-1": 10})
	svc := NewService(repo)

	resp, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1",
		Payload:        reservePayload("sku-1", 3),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Handle == "" {
		t.Fatal("empty handle")
	}

	left, _ := repo.Available(context.Background(), "sku-1")
	if left != 7 {
		t.Errorf("available = %d, want 7", left)
	}

	pending, _ := outboxRepo.FetchPending(context.Background(), 10)
	if len(pending) != 1 || pending[0].EventType != EventStockReserved {
		t.Errorf("outbox = %+v", pending)
	}
}

func TestInvokeIsIdempotent(t *testing.T) {
	outboxRepo := outbox.NewMemoryRepository()
	repo := NewMemoryRepository(outboxRepo, map[string]int{"sku-1": 10})
	svc := NewService(repo)

	req := participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1",
		Payload:        reservePayload("sku-1", 3),
	}

	first, err := svc.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	second, err := svc.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("repeated Invoke: %v", err)
	}
	if second.Handle != first.Handle {
		t.Errorf("handles differ: %q vs %q", first.Handle, second.Handle)
	}

	// stock decremented once, one event
	left, _ := repo.Available(context.Background(), "sku-1")
	if left != 7 {
		t.Errorf("available = %d after duplicate reserve, want 7", left)
	}
	pending, _ := outboxRepo.FetchPending(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("outbox has %d messages, want 1", len(pending))
	}
}

func TestInvokeInsufficientStockIsBusiness(t *testing.T) {
	repo := NewMemoryRepository(outbox.NewMemoryRepository(), map[string]int{"sku-1": 2})
	svc := NewService(repo)

	_, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1",
		Payload:        reservePayload("sku-1", 3),
	})
	if participant.KindOf(err) != participant.KindBusiness {
		t.Fatalf("kind = %s, want %s", participant.KindOf(err), participant.KindBusiness)
	}
	var pe *participant.Error
	if !errors.As(err, &pe) || pe.Code != "INSUFFICIENT_STOCK" {
		t.Errorf("code = %v, want INSUFFICIENT_STOCK", err)
	}

	// no partial decrement
	left, _ := repo.Available(context.Background(), "sku-1")
	if left != 2 {
		t.Errorf("available = %d after rejected reserve, want 2", left)
	}
}

func TestInvokeRejectsInvalidRequests(t *testing.T) {
	svc := NewService(NewMemoryRepository(outbox.NewMemoryRepository(), nil))

	_, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		Payload: []byte(`{"items":[]}`),
	})
	if participant.KindOf(err) != participant.KindBusiness {
		t.Errorf("empty items: kind = %s, want %s", participant.KindOf(err), participant.KindBusiness)
	}

	_, err = svc.Invoke(context.Background(), participant.InvokeRequest{
		Payload: reservePayload("sku-1", 0),
	})
	if participant.KindOf(err) != participant.KindBusiness {
		t.Errorf("zero quantity: kind = %s, want %s", participant.KindOf(err), participant.KindBusiness)
	}

	_, err = svc.Invoke(context.Background(), participant.InvokeRequest{
		Payload: []byte("not json"),
	})
	if participant.KindOf(err) != participant.KindFatalInternal {
		t.Errorf("bad payload: kind = %s, want %s", participant.KindOf(err), participant.KindFatalInternal)
	}
}

func TestCompensateRestoresStock(t *testing.T) {
	outboxRepo := outbox.NewMemoryRepository()
	repo := NewMemoryRepository(outboxRepo, map[string]int{"sku-1": 10})
	svc := NewService(repo)

	resp, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1",
		Payload:        reservePayload("sku-1", 4),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	comp := participant.CompensateRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1:C",
		Handle:         resp.Handle,
	}
	if err := svc.Compensate(context.Background(), comp); err != nil {
		t.Fatalf("Compensate: %v", err)
	}

	left, _ := repo.Available(context.Background(), "sku-1")
	if left != 10 {
		t.Errorf("available = %d after release, want 10", left)
	}

	// repeat does not restock twice
	if err := svc.Compensate(context.Background(), comp); err != nil {
		t.Fatalf("repeated Compensate: %v", err)
	}
	left, _ = repo.Available(context.Background(), "sku-1")
	if left != 10 {
		t.Errorf("available = %d after duplicate release, want 10", left)
	}
}

func TestCompensateMissingReservationHolds(t *testing.T) {
	svc := NewService(NewMemoryRepository(outbox.NewMemoryRepository(), nil))

	if err := svc.Compensate(context.Background(), participant.CompensateRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1:C",
		Handle:         "no-such-reservation",
	}); err != nil {
		t.Errorf("Compensate of missing reservation: %v, want nil", err)
	}

	if err := svc.Compensate(context.Background(), participant.CompensateRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:1:C",
	}); err != nil {
		t.Errorf("Compensate without handle: %v, want nil", err)
	}
}

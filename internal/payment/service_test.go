package payment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/sarihammad/sagaflow/internal/outbox"
	"github.com/sarihammad/sagaflow/internal/participant"
)

type countingGateway struct {
	charges  int32
	refunds  int32
	chargeFn func(paymentID, customerID string, amount float64) error
	refundFn func(paymentID string, amount float64) error
}

func (g *countingGateway) Charge(ctx context.Context, paymentID, customerID string, amount float64) error {
	atomic.AddInt32(&g.charges, 1)
	if g.chargeFn != nil {
		return g.chargeFn(paymentID, customerID, amount)
	}
	return nil
}

func (g *countingGateway) Refund(ctx context.Context, paymentID string, amount float64) error {
	atomic.AddInt32(&g.refunds, 1)
	if g.refundFn != nil {
		return g.refundFn(paymentID, amount)
	}
	return nil
}

const chargePayload = `{"order_id":"ord-1","customer_id":"cust-1","total_amount":49.90}`

func TestInvokeCapturesPayment(t *testing.T) {
	outboxRepo := outbox.NewMemoryRepository()
	repo := NewMemoryRepository(outboxRepo)
	gw := &countingGateway{}
	svc := NewService(repo, gw)

	resp, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2",
		Payload:        []byte(chargePayload),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	p, err := repo.GetPayment(context.Background(), resp.Handle)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.Status != StatusCaptured || p.Amount != 49.90 || p.CustomerID != "cust-1" {
		t.Errorf("payment = %+v", p)
	}

	pending, _ := outboxRepo.FetchPending(context.Background(), 10)
	if len(pending) != 1 || pending[0].EventType != EventPaymentCaptured {
		t.Errorf("outbox = %+v", pending)
	}
}

func TestInvokeUsesDeterministicPaymentID(t *testing.T) {
	repo := NewMemoryRepository(outbox.NewMemoryRepository())
	gw := &countingGateway{}
	svc := NewService(repo, gw)

	req := participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2",
		Payload:        []byte(chargePayload),
	}

	first, err := svc.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	second, err := svc.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("repeated Invoke: %v", err)
	}
	// the retry re-charges the same payment id, which the gateway dedupes
	if second.Handle != first.Handle {
		t.Errorf("payment ids differ across retries: %q vs %q", first.Handle, second.Handle)
	}
}

func TestInvokeDeclinedChargeIsBusiness(t *testing.T) {
	repo := NewMemoryRepository(outbox.NewMemoryRepository())
	svc := NewService(repo, &LimitGateway{Limit: 10})

	_, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2",
		Payload:        []byte(chargePayload),
	})
	if participant.KindOf(err) != participant.KindBusiness {
		t.Fatalf("kind = %s, want %s", participant.KindOf(err), participant.KindBusiness)
	}
	var pe *participant.Error
	if !errors.As(err, &pe) || pe.Code != "PAYMENT_DECLINED" {
		t.Errorf("code = %v, want PAYMENT_DECLINED", err)
	}
}

func TestInvokeGatewayOutageIsTransient(t *testing.T) {
	repo := NewMemoryRepository(outbox.NewMemoryRepository())
	gw := &countingGateway{chargeFn: func(string, string, float64) error {
		return errors.New("gateway unreachable")
	}}
	svc := NewService(repo, gw)

	_, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2",
		Payload:        []byte(chargePayload),
	})
	if participant.KindOf(err) != participant.KindTransient {
		t.Errorf("kind = %s, want %s", participant.KindOf(err), participant.KindTransient)
	}
}

func TestInvokeValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(outbox.NewMemoryRepository()), &countingGateway{})

	_, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		Payload: []byte(`{"customer_id":"c","total_amount":0}`),
	})
	if participant.KindOf(err) != participant.KindBusiness {
		t.Errorf("zero amount: kind = %s, want %s", participant.KindOf(err), participant.KindBusiness)
	}

	_, err = svc.Invoke(context.Background(), participant.InvokeRequest{
		Payload: []byte("oops"),
	})
	if participant.KindOf(err) != participant.KindFatalInternal {
		t.Errorf("bad payload: kind = %s, want %s", participant.KindOf(err), participant.KindFatalInternal)
	}
}

func TestCompensateRefundsCharge(t *testing.T) {
	outboxRepo := outbox.NewMemoryRepository()
	repo := NewMemoryRepository(outboxRepo)
	gw := &countingGateway{}
	svc := NewService(repo, gw)

	resp, err := svc.Invoke(context.Background(), participant.InvokeRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2",
		Payload:        []byte(chargePayload),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	comp := participant.CompensateRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2:C",
		Handle:         resp.Handle,
	}
	if err := svc.Compensate(context.Background(), comp); err != nil {
		t.Fatalf("Compensate: %v", err)
	}

	p, _ := repo.GetPayment(context.Background(), resp.Handle)
	if p.Status != StatusRefunded {
		t.Errorf("status = %s, want %s", p.Status, StatusRefunded)
	}
	if got := atomic.LoadInt32(&gw.refunds); got != 1 {
		t.Errorf("refunds = %d, want 1", got)
	}

	// repeat is a no-op: the ledger already shows refunded
	if err := svc.Compensate(context.Background(), comp); err != nil {
		t.Fatalf("repeated Compensate: %v", err)
	}
	if got := atomic.LoadInt32(&gw.refunds); got != 1 {
		t.Errorf("refunds = %d after duplicate compensate, want 1", got)
	}

	pending, _ := outboxRepo.FetchPending(context.Background(), 10)
	var refunded int
	for _, m := range pending {
		if m.EventType == EventPaymentRefunded {
			refunded++
		}
	}
	if refunded != 1 {
		t.Errorf("%d refunded events, want 1", refunded)
	}
}

func TestCompensateMissingPaymentHolds(t *testing.T) {
	gw := &countingGateway{}
	svc := NewService(NewMemoryRepository(outbox.NewMemoryRepository()), gw)

	if err := svc.Compensate(context.Background(), participant.CompensateRequest{
		SagaID:         "saga-1",
		IdempotencyKey: "saga-1:2:C",
		Handle:         "no-such-payment",
	}); err != nil {
		t.Errorf("Compensate of missing payment: %v, want nil", err)
	}
	if got := atomic.LoadInt32(&gw.refunds); got != 0 {
		t.Errorf("refunds = %d, want 0", got)
	}

	if err := svc.Compensate(context.Background(), participant.CompensateRequest{
		SagaID: "saga-1",
	}); err != nil {
		t.Errorf("Compensate without handle: %v, want nil", err)
	}
}

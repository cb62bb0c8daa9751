package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sarihammad/sagaflow/internal/outbox"
	"github.com/sarihammad/sagaflow/internal/participant"
)

// Request is the payment slice of the saga input
type Request struct {
	OrderID     string  `json:"order_id,omitempty"`
	CustomerID  string  `json:"customer_id"`
	TotalAmount float64 `json:"total_amount"`
}

// Service is the payment participant: it captures the charge on the forward
// path and refunds it on compensation. The gateway call happens before the
// ledger write; the gateway is idempotent on the payment id, so a retry
// after a crash between the two cannot double-charge.
type Service struct {
	repo    Repository
	gateway Gateway
}

var _ participant.Service = (*Service)(nil)

// NewService creates the payment participant
func NewService(repo Repository, gateway Gateway) *Service {
	return &Service{repo: repo, gateway: gateway}
}

// Invoke charges the customer and records the capture
func (s *Service) Invoke(ctx context.Context, req participant.InvokeRequest) (*participant.InvokeResponse, error) {
	var pr Request
	if err := json.Unmarshal(req.Payload, &pr); err != nil {
		return nil, &participant.Error{Kind: participant.KindFatalInternal,
			Code: "BAD_PAYLOAD", Message: err.Error(), Cause: err}
	}
	if pr.TotalAmount <= 0 {
		return nil, participant.BusinessError("INVALID_AMOUNT", "amount must be positive")
	}

	// deterministic payment id makes the gateway call idempotent across
	// coordinator retries of this step
	paymentID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.IdempotencyKey)).String()

	if err := s.gateway.Charge(ctx, paymentID, pr.CustomerID, pr.TotalAmount); err != nil {
		if errors.Is(err, ErrDeclined) {
			return nil, participant.BusinessError("PAYMENT_DECLINED", err.Error())
		}
		return nil, participant.TransientError(fmt.Errorf("gateway charge: %w", err))
	}

	now := time.Now()
	p := &Payment{
		ID:         paymentID,
		SagaID:     req.SagaID,
		OrderID:    pr.OrderID,
		CustomerID: pr.CustomerID,
		Amount:     pr.TotalAmount,
		Status:     StatusCaptured,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	evt, err := outbox.NewMessage(AggregateType, p.ID, EventPaymentCaptured, CapturedEvent{
		PaymentID:  p.ID,
		SagaID:     p.SagaID,
		OrderID:    p.OrderID,
		CustomerID: p.CustomerID,
		Amount:     p.Amount,
	})
	if err != nil {
		return nil, participant.TransientError(err)
	}

	handle, _, err := s.repo.RecordCapture(ctx, req.IdempotencyKey, p, evt)
	if err != nil {
		return nil, participant.TransientError(fmt.Errorf("record capture: %w", err))
	}
	return &participant.InvokeResponse{Handle: handle}, nil
}

// Compensate refunds the charge captured under the given handle
func (s *Service) Compensate(ctx context.Context, req participant.CompensateRequest) error {
	if req.Handle == "" {
		return nil
	}

	p, err := s.repo.GetPayment(ctx, req.Handle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // capture never landed, nothing to refund
		}
		return participant.TransientError(fmt.Errorf("load payment: %w", err))
	}
	if p.Status == StatusRefunded {
		return nil
	}

	if err := s.gateway.Refund(ctx, p.ID, p.Amount); err != nil {
		return participant.TransientError(fmt.Errorf("gateway refund: %w", err))
	}

	evt, err := outbox.NewMessage(AggregateType, p.ID, EventPaymentRefunded, RefundedEvent{
		PaymentID: p.ID,
		SagaID:    req.SagaID,
		Amount:    p.Amount,
		Reason:    "saga compensation",
	})
	if err != nil {
		return participant.TransientError(err)
	}

	if _, _, err := s.repo.RecordRefund(ctx, req.IdempotencyKey, p.ID, evt); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return participant.TransientError(fmt.Errorf("record refund: %w", err))
	}
	return nil
}

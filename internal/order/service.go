package order

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

// Request is the order slice of the saga input
type Request struct {
	CustomerID  string  `json:"customer_id"`
	Items       []Item  `json:"items"`
	TotalAmount float64 `json:"total_amount"`
}

// Service is the order participant: it creates orders on the forward path
// and cancels them on compensation.
type Service struct {
	repo Repository
}

var _ participant.Service = (*Service)(nil)

// NewService creates the order participant
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Invoke creates the order and its created event atomically
func (s *Service) Invoke(ctx context.Context, req participant.InvokeRequest) (*participant.InvokeResponse, error) {
	var or Request
	if err := json.Unmarshal(req.Payload, &or); err != nil {
		return nil, &participant.Error{Kind: participant.KindFatalInternal,
			Code: "BAD_PAYLOAD", Message: err.Error(), Cause: err}
	}
	if or.CustomerID == "" || len(or.Items) == 0 {
		return nil, participant.BusinessError("INVALID_ORDER", "customer and items are required")
	}
	if or.TotalAmount <= 0 {
		return nil, participant.BusinessError("INVALID_ORDER", "total amount must be positive")
	}

	now := time.Now()
	o := &Order{
		ID:          uuid.New().String(),
		SagaID:      req.SagaID,
		CustomerID:  or.CustomerID,
		Items:       or.Items,
		TotalAmount: or.TotalAmount,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	evt, err := outbox.NewMessage(AggregateType, o.ID, EventOrderCreated, CreatedEvent{
		OrderID:     o.ID,
		SagaID:      o.SagaID,
		CustomerID:  o.CustomerID,
		Items:       o.Items,
		TotalAmount: o.TotalAmount,
	})
	if err != nil {
		return nil, participant.TransientError(err)
	}

	handle, _, err := s.repo.CreateOrder(ctx, req.IdempotencyKey, o, evt)
	if err != nil {
		return nil, participant.TransientError(fmt.Errorf("create order: %w", err))
	}
	return &participant.InvokeResponse{Handle: handle}, nil
}

// Compensate cancels the order created under the given handle
func (s *Service) Compensate(ctx context.Context, req participant.CompensateRequest) error {
	if req.Handle == "" {
		return nil // nothing was created
	}

	evt, err := outbox.NewMessage(AggregateType, req.Handle, EventOrderCanceled, CanceledEvent{
		OrderID: req.Handle,
		SagaID:  req.SagaID,
		Reason:  "saga compensation",
	})
	if err != nil {
		return participant.TransientError(err)
	}

	if _, err := s.repo.CancelOrder(ctx, req.IdempotencyKey, req.Handle, evt); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // already gone, compensation holds
		}
		return participant.TransientError(fmt.Errorf("cancel order: %w", err))
	}
	return nil
}

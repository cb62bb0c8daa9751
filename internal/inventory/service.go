package inventory

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

// Request is the inventory slice of the saga input
type Request struct {
	OrderID string `json:"order_id,omitempty"`
	Items   []struct {
		SKU      string `json:"sku"`
		Quantity int    `json:"quantity"`
	} `json:"items"`
}

// Service is the inventory participant: it reserves stock on the forward
// path and releases it on compensation.
type Service struct {
	repo Repository
}

var _ participant.Service = (*Service)(nil)

// NewService creates the inventory participant
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Invoke reserves stock for every order line
func (s *Service) Invoke(ctx context.Context, req participant.InvokeRequest) (*participant.InvokeResponse, error) {
	var ir Request
	if err := json.Unmarshal(req.Payload, &ir); err != nil {
		return nil, &participant.Error{Kind: participant.KindFatalInternal,
			Code: "BAD_PAYLOAD", Message: err.Error(), Cause: err}
	}
	if len(ir.Items) == 0 {
		return nil, participant.BusinessError("EMPTY_RESERVATION", "no items to reserve")
	}

	lines := make([]Line, 0, len(ir.Items))
	for _, item := range ir.Items {
		if item.Quantity <= 0 {
			return nil, participant.BusinessError("INVALID_QUANTITY",
				fmt.Sprintf("quantity for %s must be positive", item.SKU))
		}
		lines = append(lines, Line{SKU: item.SKU, Quantity: item.Quantity})
	}

	res := &Reservation{
		ID:        uuid.New().String(),
		SagaID:    req.SagaID,
		OrderID:   ir.OrderID,
		Lines:     lines,
		CreatedAt: time.Now(),
	}

	evt, err := outbox.NewMessage(AggregateType, res.ID, EventStockReserved, ReservedEvent{
		ReservationID: res.ID,
		SagaID:        res.SagaID,
		OrderID:       res.OrderID,
		Lines:         res.Lines,
	})
	if err != nil {
		return nil, participant.TransientError(err)
	}

	handle, _, err := s.repo.Reserve(ctx, req.IdempotencyKey, res, evt)
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			return nil, participant.BusinessError("INSUFFICIENT_STOCK", err.Error())
		}
		return nil, participant.TransientError(fmt.Errorf("reserve stock: %w", err))
	}
	return &participant.InvokeResponse{Handle: handle}, nil
}

// Compensate releases the reservation held under the given handle
func (s *Service) Compensate(ctx context.Context, req participant.CompensateRequest) error {
	if req.Handle == "" {
		return nil
	}

	evt, err := outbox.NewMessage(AggregateType, req.Handle, EventStockReleased, ReleasedEvent{
		ReservationID: req.Handle,
		SagaID:        req.SagaID,
		Reason:        "saga compensation",
	})
	if err != nil {
		return participant.TransientError(err)
	}

	if _, err := s.repo.Release(ctx, req.IdempotencyKey, req.Handle, evt); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return participant.TransientError(fmt.Errorf("release reservation: %w", err))
	}
	return nil
}

package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// Errors
var (
	ErrNotFound = errors.New("payment not found")
	// ErrDeclined means the gateway rejected the charge
	ErrDeclined = errors.New("payment declined")
)

// Status of a payment
type Status string

const (
	StatusCaptured Status = "captured"
	StatusRefunded Status = "refunded"
)

// Payment is one captured charge
type Payment struct {
	ID         string    `json:"id"`
	SagaID     string    `json:"saga_id"`
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Amount     float64   `json:"amount"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CapturedEvent is published when a charge is captured
type CapturedEvent struct {
	PaymentID  string  `json:"payment_id"`
	SagaID     string  `json:"saga_id"`
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
}

// RefundedEvent is published when a charge is refunded
type RefundedEvent struct {
	PaymentID string  `json:"payment_id"`
	SagaID    string  `json:"saga_id"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
}

// Event types emitted by the payment participant
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentRefunded = "payment.refunded"

	AggregateType = "payment"
)

// Gateway is the external charging system
type Gateway interface {
	// Charge captures amount; idempotent on paymentID
	Charge(ctx context.Context, paymentID, customerID string, amount float64) error
	// Refund returns amount; idempotent on paymentID
	Refund(ctx context.Context, paymentID string, amount float64) error
}

// Repository persists payments with their outbox events, deduplicated by
// idempotency key.
type Repository interface {
	RecordCapture(ctx context.Context, key string, p *Payment, evt *outbox.Message) (handle string, duplicate bool, err error)
	RecordRefund(ctx context.Context, key string, paymentID string, evt *outbox.Message) (payment *Payment, duplicate bool, err error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// LimitGateway approves charges up to a fixed amount and declines the rest.
// Stands in for a real PSP integration.
type LimitGateway struct {
	Limit float64
}

var _ Gateway = (*LimitGateway)(nil)

// Charge approves amounts within the limit
func (g *LimitGateway) Charge(ctx context.Context, paymentID, customerID string, amount float64) error {
	if g.Limit > 0 && amount > g.Limit {
		return ErrDeclined
	}
	return nil
}

// Refund always succeeds
func (g *LimitGateway) Refund(ctx context.Context, paymentID string, amount float64) error {
	return nil
}

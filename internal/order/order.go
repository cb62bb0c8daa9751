package order

import (
	"time"
)

// Status of an order
type Status string

const (
	StatusCreated  Status = "created"
	StatusCanceled Status = "canceled"
)

// Item is one order line
type Item struct {
	SKU       string  `json:"sku"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is the business aggregate owned by the order participant
type Order struct {
	ID          string    `json:"id"`
	SagaID      string    `json:"saga_id"`
	CustomerID  string    `json:"customer_id"`
	Items       []Item    `json:"items"`
	TotalAmount float64   `json:"total_amount"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreatedEvent is published when an order is created
type CreatedEvent struct {
	OrderID     string  `json:"order_id"`
	SagaID      string  `json:"saga_id"`
	CustomerID  string  `json:"customer_id"`
	Items       []Item  `json:"items"`
	TotalAmount float64 `json:"total_amount"`
}

// CanceledEvent is published when an order is canceled
type CanceledEvent struct {
	OrderID string `json:"order_id"`
	SagaID  string `json:"saga_id"`
	Reason  string `json:"reason"`
}

// Event types emitted by the order participant
const (
	EventOrderCreated  = "order.created"
	EventOrderCanceled = "order.canceled"

	// AggregateType keys outbox rows and bus partitioning
	AggregateType = "order"
)

package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// PostgresRepository stores orders, their outbox events and the idempotency
// ledger in one database, so every mutation is atomic.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	outbox *outbox.PostgresRepository
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a Postgres-backed order repository
func NewPostgresRepository(pool *pgxpool.Pool, outboxRepo *outbox.PostgresRepository) *PostgresRepository {
	return &PostgresRepository{pool: pool, outbox: outboxRepo}
}

// CreateOrder inserts order, outbox event and idempotency record in one
// transaction
func (r *PostgresRepository) CreateOrder(ctx context.Context, key string, o *Order, evt *outbox.Message) (string, bool, error) {
	var handle string
	var duplicate bool

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := claimKey(ctx, tx, key, o.ID)
		if err != nil {
			return err
		}
		if found {
			handle = existing
			duplicate = true
			return nil
		}

		items, err := json.Marshal(o.Items)
		if err != nil {
			return fmt.Errorf("failed to marshal order items: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO orders (id, saga_id, customer_id, items, total_amount,
				status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, o.ID, o.SagaID, o.CustomerID, items, o.TotalAmount,
			string(o.Status), o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		if err := r.outbox.CreateTx(ctx, tx, evt); err != nil {
			return err
		}

		handle = o.ID
		return nil
	})
	return handle, duplicate, err
}

// CancelOrder marks the order canceled with its event, idempotently
func (r *PostgresRepository) CancelOrder(ctx context.Context, key string, orderID string, evt *outbox.Message) (bool, error) {
	var duplicate bool

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, found, err := claimKey(ctx, tx, key, orderID)
		if err != nil {
			return err
		}
		if found {
			duplicate = true
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
		`, string(StatusCanceled), time.Now(), orderID)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		return r.outbox.CreateTx(ctx, tx, evt)
	})
	return duplicate, err
}

// GetOrder returns the order by id
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var (
		o      Order
		status string
		items  []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, saga_id, customer_id, items, total_amount, status,
			created_at, updated_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&o.ID, &o.SagaID, &o.CustomerID, &items, &o.TotalAmount,
		&status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	o.Status = Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
	}
	return &o, nil
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// claimKey records the idempotency key, returning the stored handle when the
// key was already claimed by an earlier call
func claimKey(ctx context.Context, tx pgx.Tx, key, handle string) (string, bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO participant_requests (idempotency_key, handle, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, handle, time.Now())
	if err != nil {
		return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return "", false, nil
	}

	var existing string
	if err := tx.QueryRow(ctx, `
		SELECT handle FROM participant_requests WHERE idempotency_key = $1
	`, key).Scan(&existing); err != nil {
		return "", false, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	return existing, true, nil
}

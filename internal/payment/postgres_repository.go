package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sarihammad/sagaflow/internal/outbox"
)

// PostgresRepository stores payments and their outbox events atomically.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	outbox *outbox.PostgresRepository
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a Postgres-backed payment repository
func NewPostgresRepository(pool *pgxpool.Pool, outboxRepo *outbox.PostgresRepository) *PostgresRepository {
	return &PostgresRepository{pool: pool, outbox: outboxRepo}
}

// RecordCapture inserts the payment and its captured event atomically
func (r *PostgresRepository) RecordCapture(ctx context.Context, key string, p *Payment, evt *outbox.Message) (string, bool, error) {
	var handle string
	var duplicate bool

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := claimKey(ctx, tx, key, p.ID)
		if err != nil {
			return err
		}
		if found {
			handle = existing
			duplicate = true
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO payments (id, saga_id, order_id, customer_id, amount,
				status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.ID, p.SagaID, p.OrderID, p.CustomerID, p.Amount,
			string(p.Status), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		if err := r.outbox.CreateTx(ctx, tx, evt); err != nil {
			return err
		}
		handle = p.ID
		return nil
	})
	return handle, duplicate, err
}

// RecordRefund marks the payment refunded with its event atomically
func (r *PostgresRepository) RecordRefund(ctx context.Context, key string, paymentID string, evt *outbox.Message) (*Payment, bool, error) {
	var duplicate bool
	var payment *Payment

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, found, err := claimKey(ctx, tx, key, paymentID)
		if err != nil {
			return err
		}
		if found {
			duplicate = true
			return nil
		}

		p, err := getPaymentTx(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		payment = p

		tag, err := tx.Exec(ctx, `
			UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3
		`, string(StatusRefunded), time.Now(), paymentID)
		if err != nil {
			return fmt.Errorf("failed to refund payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		return r.outbox.CreateTx(ctx, tx, evt)
	})
	return payment, duplicate, err
}

// GetPayment returns the payment by id
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	return getPaymentTx(ctx, tx, paymentID)
}

func getPaymentTx(ctx context.Context, tx pgx.Tx, paymentID string) (*Payment, error) {
	var p Payment
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, saga_id, order_id, customer_id, amount, status,
			created_at, updated_at
		FROM payments WHERE id = $1
	`, paymentID).Scan(&p.ID, &p.SagaID, &p.OrderID, &p.CustomerID, &p.Amount,
		&status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.Status = Status(status)
	return &p, nil
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

package inventory

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

// PostgresRepository backs the inventory participant. Stock decrements are
// conditional updates, so overselling is impossible even under concurrent
// sagas.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	outbox *outbox.PostgresRepository
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a Postgres-backed inventory repository
func NewPostgresRepository(pool *pgxpool.Pool, outboxRepo *outbox.PostgresRepository) *PostgresRepository {
	return &PostgresRepository{pool: pool, outbox: outboxRepo}
}

// Reserve decrements stock and records the reservation atomically
func (r *PostgresRepository) Reserve(ctx context.Context, key string, res *Reservation, evt *outbox.Message) (string, bool, error) {
	var handle string
	var duplicate bool

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := claimKey(ctx, tx, key, res.ID)
		if err != nil {
			return err
		}
		if found {
			handle = existing
			duplicate = true
			return nil
		}

		for _, line := range res.Lines {
			tag, err := tx.Exec(ctx, `
				UPDATE stock SET available = available - $1
				WHERE sku = $2 AND available >= $1
			`, line.Quantity, line.SKU)
			if err != nil {
				return fmt.Errorf("failed to decrement stock for %s: %w", line.SKU, err)
			}
			if tag.RowsAffected() == 0 {
				// rolls back any lines already decremented
				return fmt.Errorf("%w: %s", ErrInsufficientStock, line.SKU)
			}
		}

		lines, err := json.Marshal(res.Lines)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation lines: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, saga_id, order_id, lines, released, created_at)
			VALUES ($1, $2, $3, $4, false, $5)
		`, res.ID, res.SagaID, res.OrderID, lines, res.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		if err := r.outbox.CreateTx(ctx, tx, evt); err != nil {
			return err
		}
		handle = res.ID
		return nil
	})
	return handle, duplicate, err
}

// Release returns reserved stock atomically
func (r *PostgresRepository) Release(ctx context.Context, key string, reservationID string, evt *outbox.Message) (bool, error) {
	var duplicate bool

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, found, err := claimKey(ctx, tx, key, reservationID)
		if err != nil {
			return err
		}
		if found {
			duplicate = true
			return nil
		}

		var lines []byte
		var released bool
		err = tx.QueryRow(ctx, `
			SELECT lines, released FROM reservations WHERE id = $1 FOR UPDATE
		`, reservationID).Scan(&lines, &released)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load reservation: %w", err)
		}
		if released {
			return nil
		}

		var parsed []Line
		if err := json.Unmarshal(lines, &parsed); err != nil {
			return fmt.Errorf("failed to unmarshal reservation lines: %w", err)
		}
		for _, line := range parsed {
			if _, err := tx.Exec(ctx, `
				UPDATE stock SET available = available + $1 WHERE sku = $2
			`, line.Quantity, line.SKU); err != nil {
				return fmt.Errorf("failed to restore stock for %s: %w", line.SKU, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET released = true WHERE id = $1
		`, reservationID); err != nil {
			return fmt.Errorf("failed to mark reservation released: %w", err)
		}

		return r.outbox.CreateTx(ctx, tx, evt)
	})
	return duplicate, err
}

// Available returns on-hand quantity for a SKU
func (r *PostgresRepository) Available(ctx context.Context, sku string) (int, error) {
	var available int
	err := r.pool.QueryRow(ctx, `SELECT available FROM stock WHERE sku = $1`, sku).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read stock: %w", err)
	}
	return available, nil
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

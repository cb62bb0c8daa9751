package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores outbox messages in the participant's database
// so they commit atomically with business rows.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a Postgres-backed outbox repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateTx inserts the message inside the caller's transaction
func (r *PostgresRepository) CreateTx(ctx context.Context, tx pgx.Tx, msg *Message) error {
	query := `
		INSERT INTO outbox (event_id, aggregate_type, aggregate_id, event_type,
			payload, status, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		msg.EventID, msg.AggregateType, msg.AggregateID, msg.EventType,
		msg.Payload, string(msg.Status), msg.AttemptCount, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// FetchPending returns pending messages in creation order. The SKIP LOCKED
// row locks last only for the statement, so concurrent relay instances can
// still pick up the same rows; delivery is at-least-once and consumers
// deduplicate on event_id.
func (r *PostgresRepository) FetchPending(ctx context.Context, limit int) ([]*Message, error) {
	query := `
		SELECT event_id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, COALESCE(last_error, ''), created_at, delivered_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC, event_id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var status string
		if err := rows.Scan(
			&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Payload, &status, &msg.AttemptCount, &msg.LastError,
			&msg.CreatedAt, &msg.DeliveredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		msg.Status = Status(status)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// MarkDelivered records successful delivery
func (r *PostgresRepository) MarkDelivered(ctx context.Context, eventID string) error {
	query := `
		UPDATE outbox
		SET status = 'delivered', delivered_at = $1
		WHERE event_id = $2
	`
	tag, err := r.pool.Exec(ctx, query, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed increments the attempt count and records the error
func (r *PostgresRepository) MarkFailed(ctx context.Context, eventID string, deliveryErr string) error {
	query := `
		UPDATE outbox
		SET attempt_count = attempt_count + 1, last_error = $1
		WHERE event_id = $2
	`
	tag, err := r.pool.Exec(ctx, query, deliveryErr, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDead parks the message for operator attention
func (r *PostgresRepository) MarkDead(ctx context.Context, eventID string, deliveryErr string) error {
	query := `
		UPDATE outbox
		SET status = 'dead', attempt_count = attempt_count + 1, last_error = $1
		WHERE event_id = $2
	`
	tag, err := r.pool.Exec(ctx, query, deliveryErr, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message dead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDelivered prunes delivered messages older than the cutoff
func (r *PostgresRepository) DeleteDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE status = 'delivered' AND delivered_at < $1
	`
	tag, err := r.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

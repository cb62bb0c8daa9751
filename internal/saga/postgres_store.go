package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production saga log backed by a single row per
// instance. Lease fencing is enforced in SQL so a paused coordinator
// cannot overwrite a newer owner's writes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed saga log
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const instanceColumns = `id, definition_id, status, current_step, step_results,
	input_payload, idempotency_key, owner_id, lease_expiry, deadline_at,
	created_at, updated_at`

// Create persists a new instance
func (s *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	stepResults, err := json.Marshal(inst.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}

	var idemKey *string
	if inst.IdempotencyKey != "" {
		idemKey = &inst.IdempotencyKey
	}

	query := `
		INSERT INTO saga_instances (id, definition_id, status, current_step,
			step_results, input_payload, idempotency_key, owner_id,
			lease_expiry, deadline_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.pool.Exec(ctx, query,
		inst.ID, inst.DefinitionID, string(inst.Status), inst.CurrentStep,
		stepResults, inst.InputPayload, idemKey, inst.OwnerID,
		inst.LeaseExpiry, inst.DeadlineAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create saga instance: %w", err)
	}
	return nil
}

// Get returns the instance by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM saga_instances WHERE id = $1`, instanceColumns)
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// Update persists instance state, fenced on owner_id
func (s *PostgresStore) Update(ctx context.Context, inst *Instance, leaseTTL time.Duration) error {
	stepResults, err := json.Marshal(inst.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}

	now := time.Now()
	leaseExpiry := now.Add(leaseTTL)

	query := `
		UPDATE saga_instances
		SET status = $1, current_step = $2, step_results = $3,
			lease_expiry = $4, updated_at = $5
		WHERE id = $6 AND owner_id = $7
	`
	tag, err := s.pool.Exec(ctx, query,
		string(inst.Status), inst.CurrentStep, stepResults,
		leaseExpiry, now, inst.ID, inst.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, inst.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrLeaseLost
	}

	inst.LeaseExpiry = leaseExpiry
	inst.UpdatedAt = now
	return nil
}

// FindByIdempotencyKey returns the instance submitted under key
func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM saga_instances WHERE idempotency_key = $1`, instanceColumns)
	return s.scanOne(s.pool.QueryRow(ctx, query, key))
}

// Claim atomically takes ownership of an instance whose lease expired
func (s *PostgresStore) Claim(ctx context.Context, id, ownerID string, leaseTTL time.Duration) (*Instance, error) {
	now := time.Now()
	query := fmt.Sprintf(`
		UPDATE saga_instances
		SET owner_id = $1, lease_expiry = $2, updated_at = $3
		WHERE id = $4
			AND status NOT IN ('completed', 'compensated', 'compensation_failed', 'aborted')
			AND (owner_id = $1 OR lease_expiry < $3)
		RETURNING %s
	`, instanceColumns)

	inst, err := s.scanOne(s.pool.QueryRow(ctx, query,
		ownerID, now.Add(leaseTTL), now, id,
	))
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Distinguish "gone or terminal" from "held by a live owner"
	cur, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if cur.Status.IsTerminal() {
		return nil, ErrNotFound
	}
	return nil, ErrLeaseHeld
}

// ExtendLease refreshes the lease for the current owner
func (s *PostgresStore) ExtendLease(ctx context.Context, id, ownerID string, leaseTTL time.Duration) error {
	query := `
		UPDATE saga_instances
		SET lease_expiry = $1
		WHERE id = $2 AND owner_id = $3
	`
	tag, err := s.pool.Exec(ctx, query, time.Now().Add(leaseTTL), id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to extend saga lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease gives up ownership
func (s *PostgresStore) ReleaseLease(ctx context.Context, id, ownerID string) error {
	query := `
		UPDATE saga_instances
		SET owner_id = '', lease_expiry = to_timestamp(0)
		WHERE id = $1 AND owner_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to release saga lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ListExpired returns non-terminal instances with lapsed leases
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM saga_instances
		WHERE status NOT IN ('completed', 'compensated', 'compensation_failed', 'aborted')
			AND lease_expiry < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, instanceColumns)

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sagas: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row pgx.Row) (*Instance, error) {
	inst, err := s.scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) scanRow(row rowScanner) (*Instance, error) {
	var (
		inst        Instance
		status      string
		stepResults []byte
		idemKey     *string
	)
	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &status, &inst.CurrentStep, &stepResults,
		&inst.InputPayload, &idemKey, &inst.OwnerID, &inst.LeaseExpiry,
		&inst.DeadlineAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan saga instance: %w", err)
	}

	inst.Status = Status(status)
	if idemKey != nil {
		inst.IdempotencyKey = *idemKey
	}
	if err := json.Unmarshal(stepResults, &inst.StepResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}
	return &inst, nil
}

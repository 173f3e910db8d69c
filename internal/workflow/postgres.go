package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"prompt-to-video/internal/models"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("workflow run not found")

// PostgresRunStore keeps runs, checkpoints and audit rows in Postgres.
type PostgresRunStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRunStore(pool *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{pool: pool}
}

// CreateRun inserts a run row, honoring idempotency if provided. The boolean
// reports whether an existing run was reused.
func (s *PostgresRunStore) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Run{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Run{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow, priority, payload, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NULLIF($8, ''), $9, $9)
	`, id, p.Workflow, p.Priority, []byte(p.Payload), models.RunQueued, p.MaxAttempts, p.RunAt, p.IdempotencyKey, now)
	if err != nil {
		return models.Run{}, false, fmt.Errorf("insert run: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := now.Add(p.IdempotencyTTL)
			expires = &t
		}
		// An expired key is taken over; a live one means another caller won.
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, run_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET run_id = EXCLUDED.run_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Run{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Rollback(ctx); err != nil {
				return models.Run{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Run{}, false, err
			}
			if !found {
				return models.Run{}, false, errors.New("idempotency conflict but no existing run found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Run{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Run{
		ID:             id,
		Workflow:       p.Workflow,
		Priority:       p.Priority,
		Payload:        p.Payload,
		Status:         models.RunQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the run mapped to the key if present and unexpired.
func (s *PostgresRunStore) FindByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, false, nil
	}
	if err != nil {
		return models.Run{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return models.Run{}, false, err
	}
	return run, true, nil
}

// GetRun fetches a run by id.
func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow, priority, payload, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, created_at, updated_at
		FROM workflow_runs WHERE id = $1
	`, id)

	var run models.Run
	var payload []byte
	var lastErr, idem pgtype.Text
	if err := row.Scan(&run.ID, &run.Workflow, &run.Priority, &payload, &run.Status, &run.Attempts, &run.MaxAttempts,
		&run.NextRunAt, &lastErr, &idem, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Run{}, ErrRunNotFound
		}
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Payload = payload
	run.LastError = textPtr(lastErr)
	run.IdempotencyKey = textPtr(idem)
	return run, nil
}

func (s *PostgresRunStore) setStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workflow_runs SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set run %s %s: %w", id, status, err)
	}
	return nil
}

func (s *PostgresRunStore) MarkInProgress(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.RunInProgress)
}

func (s *PostgresRunStore) MarkQueued(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.RunQueued)
}

// MarkSuccess transitions a run to succeeded.
func (s *PostgresRunStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.RunSucceeded)
	return err
}

// UpdateAttempts updates attempts and next_run_at after a failure.
func (s *PostgresRunStore) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.RunQueued, attempts, nextRun, lastErr)
	return err
}

// MarkDeadLetter flags a run as dead_lettered.
func (s *PostgresRunStore) MarkDeadLetter(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.RunDeadLetter, lastErr)
	return err
}

// LoadStep returns a checkpointed step output.
func (s *PostgresRunStore) LoadStep(ctx context.Context, runID, name string) (json.RawMessage, bool, error) {
	var out []byte
	err := s.pool.QueryRow(ctx, `SELECT output FROM workflow_steps WHERE run_id = $1 AND name = $2`, runID, name).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query step: %w", err)
	}
	return out, true, nil
}

// SaveStep checkpoints a step output. The first write wins so a replay after a
// lost ack cannot replace what later steps already consumed.
func (s *PostgresRunStore) SaveStep(ctx context.Context, runID, name string, output json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (run_id, name, output, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, name) DO NOTHING
	`, runID, name, []byte(output))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *PostgresRunStore) AppendAudit(ctx context.Context, runID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (run_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, runID, event, detail)
	return err
}

// AuditTrail lists a run's audit rows, oldest first.
func (s *PostgresRunStore) AuditTrail(ctx context.Context, runID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, event, detail, ts FROM audit_logs WHERE run_id = $1 ORDER BY ts, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.RunID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

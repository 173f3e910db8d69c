package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"prompt-to-video/internal/models"
)

// Approval is the outcome of approving a narration draft.
type Approval struct {
	Narration       string
	ApprovedAt      time.Time
	ShouldTrigger   bool
	AlreadyApproved bool
}

// Postgres is the durable tier and the system of record for job status.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const jobColumns = `id, status, variant, description, prompt, user_id, chat_id, narration_draft,
	narration_approved, narration_status, narration_approved_at, sources, video_url,
	publish_status, publish_url, publish_error, error, created_at, updated_at`

// CreateJob inserts the record unless one exists. It returns the stored record
// and whether this call inserted it.
func (p *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, bool, error) {
	sources, err := marshalSources(job.Sources)
	if err != nil {
		return models.Job{}, false, err
	}
	status := job.Status
	if status == "" {
		status = models.StatusGenerating
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO video_jobs (id, status, variant, description, prompt, user_id, chat_id,
			narration_draft, narration_status, sources, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, NULLIF($11, ''), NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, job.ID, status, job.Variant, job.Description, job.Prompt, job.UserID, job.ChatID,
		job.NarrationDraft, job.NarrationStatus, sources, job.Error)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	stored, err := p.GetJob(ctx, job.ID)
	if err != nil {
		return models.Job{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetJob fetches a job by id.
func (p *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// SaveNarration stores a fresh draft awaiting review. An approved narration is
// never replaced.
func (p *Postgres) SaveNarration(ctx context.Context, id, draft string, sources []models.Source) error {
	raw, err := marshalSources(sources)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE video_jobs
		SET narration_draft = $2, narration_status = 'pending', sources = $3,
			updated_at = GREATEST(updated_at, NOW())
		WHERE id = $1 AND narration_status IS DISTINCT FROM 'approved'
	`, id, draft, raw)
	if err != nil {
		return fmt.Errorf("save narration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, id)
	}
	return nil
}

// UpdateNarrationDraft replaces the draft while it is still pending.
func (p *Postgres) UpdateNarrationDraft(ctx context.Context, id, draft string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE video_jobs
		SET narration_draft = $2, updated_at = GREATEST(updated_at, NOW())
		WHERE id = $1 AND narration_status = 'pending'
	`, id, draft)
	if err != nil {
		return fmt.Errorf("update narration draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, id)
	}
	return nil
}

// ApproveNarration approves the pending draft in one statement. The locked
// read of continuation_triggered makes concurrent approvals serialize, so only
// one caller ever sees ShouldTrigger.
func (p *Postgres) ApproveNarration(ctx context.Context, id string) (Approval, error) {
	var a Approval
	err := p.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, continuation_triggered FROM video_jobs WHERE id = $1 FOR UPDATE
		)
		UPDATE video_jobs j
		SET narration_status = 'approved',
			narration_approved = j.narration_draft,
			narration_approved_at = NOW(),
			continuation_triggered = TRUE,
			updated_at = GREATEST(j.updated_at, NOW())
		FROM prev
		WHERE j.id = prev.id
			AND j.narration_status = 'pending'
			AND COALESCE(j.narration_draft, '') <> ''
		RETURNING j.narration_approved, j.narration_approved_at, NOT prev.continuation_triggered
	`, id).Scan(&a.Narration, &a.ApprovedAt, &a.ShouldTrigger)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, fmt.Errorf("approve narration: %w", err)
	}

	var status, approved pgtype.Text
	var approvedAt pgtype.Timestamptz
	err = p.pool.QueryRow(ctx, `
		SELECT narration_status, narration_approved, narration_approved_at FROM video_jobs WHERE id = $1
	`, id).Scan(&status, &approved, &approvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("read approval state: %w", err)
	}
	if status.String == models.NarrationApproved {
		return Approval{Narration: approved.String, ApprovedAt: approvedAt.Time, AlreadyApproved: true}, nil
	}
	return Approval{}, ErrNoDraft
}

// MarkReady records the final video. It upserts so a record the durable tier
// never saw is still written, and it is a no-op for jobs that already failed.
func (p *Postgres) MarkReady(ctx context.Context, job models.Job) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO video_jobs (id, status, variant, description, prompt, user_id, chat_id, video_url, created_at, updated_at)
		VALUES ($1, 'ready', $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = 'ready', video_url = EXCLUDED.video_url, error = NULL,
			updated_at = GREATEST(video_jobs.updated_at, NOW())
		WHERE video_jobs.status <> 'error'
	`, job.ID, job.Variant, job.Description, job.Prompt, job.UserID, job.ChatID, job.VideoURL)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// MarkFailed moves a generating job to error. Terminal jobs are left alone.
func (p *Postgres) MarkFailed(ctx context.Context, id, message string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE video_jobs
		SET status = 'error', error = $2, updated_at = GREATEST(updated_at, NOW())
		WHERE id = $1 AND status = 'generating'
	`, id, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// SetPublishStatus records downstream publishing without touching status.
func (p *Postgres) SetPublishStatus(ctx context.Context, id, status, url, message string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE video_jobs
		SET publish_status = $2,
			publish_url = COALESCE(NULLIF($3, ''), publish_url),
			publish_error = NULLIF($4, ''),
			updated_at = GREATEST(updated_at, NOW())
		WHERE id = $1
	`, id, status, url, message)
	if err != nil {
		return fmt.Errorf("set publish status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) explainMiss(ctx context.Context, id string) error {
	var status pgtype.Text
	err := p.pool.QueryRow(ctx, `SELECT narration_status FROM video_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read narration status: %w", err)
	}
	if status.String == models.NarrationApproved {
		return ErrNarrationApproved
	}
	return ErrNoDraft
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var draft, approved, narrationStatus, videoURL, publishStatus, publishURL, publishErr, lastErr pgtype.Text
	var approvedAt pgtype.Timestamptz
	var sources []byte
	if err := row.Scan(&job.ID, &job.Status, &job.Variant, &job.Description, &job.Prompt, &job.UserID, &job.ChatID,
		&draft, &approved, &narrationStatus, &approvedAt, &sources, &videoURL,
		&publishStatus, &publishURL, &publishErr, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.NarrationDraft = draft.String
	job.NarrationApproved = approved.String
	job.NarrationStatus = narrationStatus.String
	if approvedAt.Valid {
		t := approvedAt.Time
		job.NarrationApprovedAt = &t
	}
	job.VideoURL = videoURL.String
	job.PublishStatus = publishStatus.String
	job.PublishURL = publishURL.String
	job.PublishError = publishErr.String
	job.Error = lastErr.String
	job.Sources = []models.Source{}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &job.Sources); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal sources: %w", err)
		}
	}
	return job, nil
}

func marshalSources(sources []models.Source) ([]byte, error) {
	if sources == nil {
		sources = []models.Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("marshal sources: %w", err)
	}
	return raw, nil
}

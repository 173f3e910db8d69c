// Package jobstore keeps job status in two tiers. Redis holds a short-lived
// copy that every mutation writes through synchronously; Postgres is the
// system of record and is written at milestones. Reads prefer Redis and fall
// back to Postgres, repairing the cache on the way out.
package jobstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"prompt-to-video/internal/models"
)

// Durable is the system-of-record tier. *Postgres implements it.
type Durable interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	SaveNarration(ctx context.Context, id, draft string, sources []models.Source) error
	UpdateNarrationDraft(ctx context.Context, id, draft string) error
	ApproveNarration(ctx context.Context, id string) (Approval, error)
	MarkReady(ctx context.Context, job models.Job) error
	MarkFailed(ctx context.Context, id, message string) error
	SetPublishStatus(ctx context.Context, id, status, url, message string) error
}

// Step labels shown to clients.
const (
	StepQueued           = "Queued"
	StepResearching      = "Researching sources"
	StepDrafting         = "Drafting narration"
	StepAwaitingApproval = "Awaiting approval"
	StepSynthesizing     = "Writing animation script"
	StepValidating       = "Validating script"
	StepRendering        = "Rendering video"
	StepUploading        = "Uploading video"
	StepComplete         = "Complete"
	StepFailed           = "Failed"
)

type Store struct {
	cache   *Cache
	durable Durable
	log     *zap.SugaredLogger
}

func New(cache *Cache, durable Durable) *Store {
	return &Store{cache: cache, durable: durable, log: zap.S().Named("jobstore")}
}

// Create writes a placeholder to both tiers. Re-creating an existing job
// returns the stored record unchanged.
func (s *Store) Create(ctx context.Context, job models.Job) (models.Job, error) {
	if job.Status == "" {
		job.Status = models.StatusGenerating
	}
	if job.Step == "" {
		job.Step = StepQueued
	}
	stored, created, err := s.durable.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, fmt.Errorf("create durable job: %w", err)
	}
	if !created {
		existing, err := s.Get(ctx, job.ID)
		if err != nil {
			return models.Job{}, err
		}
		return existing, nil
	}
	stored.Progress = job.Progress
	stored.Step = job.Step
	cached, _, err := s.cache.Create(ctx, stored)
	if err != nil {
		s.log.Errorw("cache create failed", "job_id", job.ID, "error", err)
		return stored, nil
	}
	return cached, nil
}

// Get returns the freshest view of a job or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := s.cache.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warnw("cache read failed, using durable tier", "job_id", id, "error", err)
	}
	job, err = s.durable.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	job = fromDurable(job)
	if err := s.cache.Put(ctx, job); err != nil {
		s.log.Warnw("cache read-repair failed", "job_id", id, "error", err)
	}
	return job, nil
}

// fromDurable fills the fields Postgres does not track.
func fromDurable(job models.Job) models.Job {
	switch {
	case job.Status == models.StatusReady:
		job.Progress, job.Step = 100, StepComplete
	case job.Status == models.StatusError:
		job.Progress, job.Step = 0, StepFailed
	case job.NarrationStatus == models.NarrationPending:
		job.Progress, job.Step = 0, StepAwaitingApproval
	case job.NarrationStatus == models.NarrationApproved:
		job.Progress, job.Step = 0, StepSynthesizing
	default:
		job.Progress, job.Step = 0, StepQueued
	}
	return job
}

// Progress records a non-milestone step in the cache only.
func (s *Store) Progress(ctx context.Context, id string, progress int, step string) {
	s.patch(ctx, id, Update{Progress: Int(progress), Step: String(step)})
}

// SetSources shows research results before the narration is stored.
func (s *Store) SetSources(ctx context.Context, id string, sources []models.Source) {
	if sources == nil {
		sources = []models.Source{}
	}
	s.patch(ctx, id, Update{Sources: sources})
}

// StoreNarration saves a draft for review in both tiers.
func (s *Store) StoreNarration(ctx context.Context, id, draft string, sources []models.Source) error {
	if sources == nil {
		sources = []models.Source{}
	}
	if err := s.durable.SaveNarration(ctx, id, draft, sources); err != nil {
		return fmt.Errorf("save narration: %w", err)
	}
	s.patch(ctx, id, Update{
		NarrationDraft:  String(draft),
		NarrationStatus: String(models.NarrationPending),
		Sources:         sources,
		Progress:        Int(40),
		Step:            String(StepAwaitingApproval),
	})
	return nil
}

// EditNarration replaces a pending draft. It returns ErrNarrationApproved once
// the narration has been approved and leaves the stored draft untouched.
func (s *Store) EditNarration(ctx context.Context, id, draft string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.NarrationStatus == models.NarrationApproved {
		return ErrNarrationApproved
	}
	if job.NarrationStatus != models.NarrationPending {
		return ErrNoDraft
	}
	err = s.durable.UpdateNarrationDraft(ctx, id, draft)
	if errors.Is(err, ErrNotFound) {
		job.NarrationDraft = draft
		err = s.repairDurable(ctx, job)
	}
	if err != nil {
		return err
	}
	s.patch(ctx, id, Update{NarrationDraft: String(draft)})
	return nil
}

// Approve approves the current draft. Only the first approval of a job gets
// ShouldTrigger; later calls return the approved text with AlreadyApproved.
// The returned job carries the context needed to continue the workflow.
func (s *Store) Approve(ctx context.Context, id string) (Approval, models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return Approval{}, models.Job{}, err
	}
	if job.NarrationStatus != models.NarrationApproved && job.NarrationDraft == "" {
		return Approval{}, job, ErrNoDraft
	}

	a, err := s.durable.ApproveNarration(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if err = s.repairDurable(ctx, job); err == nil {
			a, err = s.durable.ApproveNarration(ctx, id)
		}
	}
	if err != nil {
		return Approval{}, job, err
	}

	approvedAt := a.ApprovedAt
	job.NarrationStatus = models.NarrationApproved
	job.NarrationApproved = a.Narration
	job.NarrationApprovedAt = &approvedAt
	s.patch(ctx, id, Update{
		NarrationStatus:     String(models.NarrationApproved),
		NarrationApproved:   String(a.Narration),
		NarrationApprovedAt: &approvedAt,
	})
	return a, job, nil
}

// repairDurable writes a cache-only record into Postgres, including its draft.
func (s *Store) repairDurable(ctx context.Context, job models.Job) error {
	s.log.Warnw("durable record missing, repairing from cache", "job_id", job.ID)
	if _, _, err := s.durable.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("repair durable job: %w", err)
	}
	if job.NarrationDraft == "" {
		return nil
	}
	if err := s.durable.SaveNarration(ctx, job.ID, job.NarrationDraft, job.Sources); err != nil {
		return fmt.Errorf("repair durable narration: %w", err)
	}
	return nil
}

// MarkReady records the final video URL, durable tier first.
func (s *Store) MarkReady(ctx context.Context, job models.Job) error {
	if err := s.durable.MarkReady(ctx, job); err != nil {
		return err
	}
	s.patch(ctx, job.ID, Update{
		Status:   String(models.StatusReady),
		Progress: Int(100),
		Step:     String(StepComplete),
		VideoURL: String(job.VideoURL),
	})
	return nil
}

// MarkFailed records a user-safe error message on a generating job.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	if err := s.durable.MarkFailed(ctx, id, message); err != nil {
		return err
	}
	s.patch(ctx, id, Update{
		Status: String(models.StatusError),
		Step:   String(StepFailed),
		Error:  String(message),
	})
	return nil
}

// SetPublishStatus records publishing progress without changing status.
func (s *Store) SetPublishStatus(ctx context.Context, id, status, url, message string) error {
	if err := s.durable.SetPublishStatus(ctx, id, status, url, message); err != nil {
		return err
	}
	u := Update{PublishStatus: String(status), PublishError: String(message)}
	if url != "" {
		u.PublishURL = String(url)
	}
	s.patch(ctx, id, u)
	return nil
}

// patch writes through to the cache. A missing entry is rebuilt from Postgres
// first; failures are logged because the durable tier stays authoritative.
func (s *Store) patch(ctx context.Context, id string, u Update) {
	err := s.cache.Patch(ctx, id, u)
	if errors.Is(err, ErrNotFound) {
		if job, gerr := s.durable.GetJob(ctx, id); gerr == nil {
			if perr := s.cache.Put(ctx, fromDurable(job)); perr == nil {
				err = s.cache.Patch(ctx, id, u)
			}
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminal):
		s.log.Infow("ignored status change on terminal job", "job_id", id)
	default:
		s.log.Errorw("cache write failed", "job_id", id, "error", err)
	}
}

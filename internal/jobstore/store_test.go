package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prompt-to-video/internal/models"
)

// memDurable mirrors the Postgres tier's conditional updates in memory.
type memDurable struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	triggered map[string]bool
}

func newMemDurable() *memDurable {
	return &memDurable{jobs: map[string]models.Job{}, triggered: map[string]bool{}}
}

func (m *memDurable) CreateJob(_ context.Context, job models.Job) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.ID]; ok {
		return existing, false, nil
	}
	if job.Status == "" {
		job.Status = models.StatusGenerating
	}
	job.Progress, job.Step = 0, ""
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = job
	return job, true, nil
}

func (m *memDurable) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *memDurable) SaveNarration(_ context.Context, id, draft string, sources []models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.NarrationStatus == models.NarrationApproved {
		return ErrNarrationApproved
	}
	job.NarrationDraft, job.NarrationStatus, job.Sources = draft, models.NarrationPending, sources
	m.jobs[id] = job
	return nil
}

func (m *memDurable) UpdateNarrationDraft(_ context.Context, id, draft string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	switch {
	case !ok:
		return ErrNotFound
	case job.NarrationStatus == models.NarrationApproved:
		return ErrNarrationApproved
	case job.NarrationStatus != models.NarrationPending:
		return ErrNoDraft
	}
	job.NarrationDraft = draft
	m.jobs[id] = job
	return nil
}

func (m *memDurable) ApproveNarration(_ context.Context, id string) (Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Approval{}, ErrNotFound
	}
	if job.NarrationStatus == models.NarrationApproved {
		return Approval{Narration: job.NarrationApproved, ApprovedAt: *job.NarrationApprovedAt, AlreadyApproved: true}, nil
	}
	if job.NarrationStatus != models.NarrationPending || job.NarrationDraft == "" {
		return Approval{}, ErrNoDraft
	}
	now := time.Now().UTC()
	job.NarrationStatus, job.NarrationApproved, job.NarrationApprovedAt = models.NarrationApproved, job.NarrationDraft, &now
	m.jobs[id] = job
	should := !m.triggered[id]
	m.triggered[id] = true
	return Approval{Narration: job.NarrationApproved, ApprovedAt: now, ShouldTrigger: should}, nil
}

func (m *memDurable) MarkReady(_ context.Context, in models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[in.ID]
	if !ok {
		job = in
	}
	if job.Status == models.StatusError {
		return nil
	}
	job.Status, job.VideoURL = models.StatusReady, in.VideoURL
	m.jobs[in.ID] = job
	return nil
}

func (m *memDurable) MarkFailed(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if ok && job.Status == models.StatusGenerating {
		job.Status, job.Error = models.StatusError, message
		m.jobs[id] = job
	}
	return nil
}

func (m *memDurable) SetPublishStatus(_ context.Context, id, status, url, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.PublishStatus, job.PublishError = status, message
	if url != "" {
		job.PublishURL = url
	}
	m.jobs[id] = job
	return nil
}

func newTestStore(t *testing.T) (*Store, *Cache, *memDurable, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewCache(client, time.Hour)
	durable := newMemDurable()
	return New(cache, durable), cache, durable, mr
}

func TestCacheCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, cache, _, _ := newTestStore(t)

	first, created, err := cache.Create(ctx, models.Job{ID: "j1", Status: models.StatusGenerating, Variant: models.VariantVideo, Prompt: "first"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := cache.Create(ctx, models.Job{ID: "j1", Status: models.StatusGenerating, Variant: models.VariantShort, Prompt: "second"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "first", second.Prompt)
	assert.Equal(t, models.VariantVideo, second.Variant)
	assert.Equal(t, first.CreatedAt.UnixMilli(), second.CreatedAt.UnixMilli())
}

func TestCachePatchRefusesTerminalStatusChange(t *testing.T) {
	ctx := context.Background()
	_, cache, _, _ := newTestStore(t)
	_, _, err := cache.Create(ctx, models.Job{ID: "j1", Status: models.StatusReady, VideoURL: "https://cdn/v.mp4"})
	require.NoError(t, err)

	err = cache.Patch(ctx, "j1", Update{Status: String(models.StatusError), Error: String("boom")})
	assert.ErrorIs(t, err, ErrTerminal)

	require.NoError(t, cache.Patch(ctx, "j1", Update{PublishStatus: String(models.PublishUploaded)}))
	job, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, models.PublishUploaded, job.PublishStatus)
}

func TestCachePatchKeepsUpdatedAtMonotonic(t *testing.T) {
	ctx := context.Background()
	_, cache, _, _ := newTestStore(t)
	later := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Minute)

	_, _, err := cache.Create(ctx, models.Job{ID: "j1", Status: models.StatusGenerating})
	require.NoError(t, err)

	cache.now = func() time.Time { return later }
	require.NoError(t, cache.Patch(ctx, "j1", Update{Progress: Int(10)}))
	cache.now = func() time.Time { return earlier }
	require.NoError(t, cache.Patch(ctx, "j1", Update{Progress: Int(20)}))

	job, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 20, job.Progress)
	assert.Equal(t, later.UnixMilli(), job.UpdatedAt.UnixMilli())
}

func TestCacheExpiresAndPatchOnMissingJob(t *testing.T) {
	ctx := context.Background()
	_, cache, _, mr := newTestStore(t)
	_, _, err := cache.Create(ctx, models.Job{ID: "j1", Status: models.StatusGenerating})
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	_, err = cache.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, cache.Patch(ctx, "j1", Update{Progress: Int(5)}), ErrNotFound)
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _, durable, _ := newTestStore(t)

	first, err := st.Create(ctx, models.Job{ID: "j1", Variant: models.VariantVideo, Prompt: "explain tides"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGenerating, first.Status)

	second, err := st.Create(ctx, models.Job{ID: "j1", Variant: models.VariantShort, Prompt: "something else"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "explain tides", second.Prompt)
	assert.Len(t, durable.jobs, 1)
}

func TestStoreFallsBackToDurableTier(t *testing.T) {
	ctx := context.Background()
	st, cache, durable, mr := newTestStore(t)

	_, err := st.Create(ctx, models.Job{ID: "j1", Variant: models.VariantVideo})
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(ctx, models.Job{ID: "j1", VideoURL: "https://cdn.example/j1.mp4"}))

	mr.FastForward(2 * time.Hour)
	_, err = cache.Get(ctx, "j1")
	require.ErrorIs(t, err, ErrNotFound)

	job, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, durable.jobs["j1"].VideoURL, job.VideoURL)
	assert.Equal(t, "https://cdn.example/j1.mp4", job.VideoURL)

	repaired, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, repaired.Status)
}

func TestStoreGetUnknownJob(t *testing.T) {
	st, _, _, _ := newTestStore(t)
	_, err := st.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := newTestStore(t)
	_, err := st.Create(ctx, models.Job{ID: "j1", Prompt: "black holes", UserID: "u1", ChatID: "c1"})
	require.NoError(t, err)
	require.NoError(t, st.StoreNarration(ctx, "j1", "Black holes bend light.", []models.Source{{Title: "NASA", URL: "https://nasa.gov"}}))

	a, job, err := st.Approve(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, a.ShouldTrigger)
	assert.False(t, a.AlreadyApproved)
	assert.Equal(t, "Black holes bend light.", a.Narration)
	assert.Equal(t, "black holes", job.Prompt)
	assert.Len(t, job.Sources, 1)

	again, _, err := st.Approve(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, again.ShouldTrigger)
	assert.True(t, again.AlreadyApproved)
	assert.Equal(t, a.Narration, again.Narration)

	cached, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.NarrationApproved, cached.NarrationStatus)
	assert.Equal(t, "Black holes bend light.", cached.NarrationApproved)
}

func TestApproveWithoutDraft(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := newTestStore(t)
	_, err := st.Create(ctx, models.Job{ID: "j1"})
	require.NoError(t, err)

	_, _, err = st.Approve(ctx, "j1")
	assert.ErrorIs(t, err, ErrNoDraft)

	_, _, err = st.Approve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveRepairsMissingDurableRecord(t *testing.T) {
	ctx := context.Background()
	st, cache, durable, _ := newTestStore(t)
	_, _, err := cache.Create(ctx, models.Job{
		ID:              "j1",
		Status:          models.StatusGenerating,
		NarrationDraft:  "Cached draft.",
		NarrationStatus: models.NarrationPending,
	})
	require.NoError(t, err)

	a, _, err := st.Approve(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, a.ShouldTrigger)
	assert.Equal(t, "Cached draft.", a.Narration)
	assert.Equal(t, models.NarrationApproved, durable.jobs["j1"].NarrationStatus)
}

func TestEditAfterApprovalIsRejected(t *testing.T) {
	ctx := context.Background()
	st, _, durable, _ := newTestStore(t)
	_, err := st.Create(ctx, models.Job{ID: "j1"})
	require.NoError(t, err)
	assert.ErrorIs(t, st.EditNarration(ctx, "j1", "too early"), ErrNoDraft)
	require.NoError(t, st.StoreNarration(ctx, "j1", "draft one", nil))
	require.NoError(t, st.EditNarration(ctx, "j1", "draft two"))

	_, _, err = st.Approve(ctx, "j1")
	require.NoError(t, err)

	err = st.EditNarration(ctx, "j1", "draft three")
	assert.ErrorIs(t, err, ErrNarrationApproved)

	job, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "draft two", job.NarrationDraft)
	assert.Equal(t, "draft two", job.NarrationApproved)
	assert.Equal(t, "draft two", durable.jobs["j1"].NarrationDraft)
}

func TestFailureNeverRevertsReady(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := newTestStore(t)
	_, err := st.Create(ctx, models.Job{ID: "j1"})
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(ctx, models.Job{ID: "j1", VideoURL: "https://cdn/v.mp4"}))
	require.NoError(t, st.MarkFailed(ctx, "j1", "Video generation failed"))
	require.NoError(t, st.SetPublishStatus(ctx, "j1", models.PublishFailed, "", "upload quota"))

	job, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, models.PublishFailed, job.PublishStatus)
	assert.Equal(t, "upload quota", job.PublishError)
}

func TestProgressRebuildsExpiredCacheEntry(t *testing.T) {
	ctx := context.Background()
	st, cache, _, mr := newTestStore(t)
	_, err := st.Create(ctx, models.Job{ID: "j1"})
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	st.Progress(ctx, "j1", 60, StepRendering)

	job, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 60, job.Progress)
	assert.Equal(t, StepRendering, job.Step)
}

package jobstore

import (
	"context"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"prompt-to-video/internal/db"
	"prompt-to-video/internal/models"
)

// newTestPostgres connects to TEST_POSTGRES_DSN and skips when it is unset.
func newTestPostgres(t *testing.T) (*Postgres, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	return NewPostgres(pool), pool
}

func createDraftedJob(t *testing.T, pg *Postgres, pool *pgxpool.Pool, draft string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM video_jobs WHERE id = $1`, id) })

	_, inserted, err := pg.CreateJob(ctx, models.Job{ID: id, Variant: models.VariantVideo, Prompt: "p", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, inserted)
	if draft != "" {
		require.NoError(t, pg.SaveNarration(ctx, id, draft, []models.Source{{Title: "t", URL: "https://example.com"}}))
	}
	return id
}

func TestPostgresConcurrentApprovalTriggersOnce(t *testing.T) {
	pg, pool := newTestPostgres(t)
	id := createDraftedJob(t, pg, pool, "The moon pulls the sea.")

	const callers = 8
	var triggers, already atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			a, err := pg.ApproveNarration(ctx, id)
			if err != nil {
				return err
			}
			if a.ShouldTrigger {
				triggers.Add(1)
			}
			if a.AlreadyApproved {
				already.Add(1)
			}
			assert.Equal(t, "The moon pulls the sea.", a.Narration)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, triggers.Load())
	assert.EqualValues(t, callers-1, already.Load())

	job, err := pg.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.NarrationApproved, job.NarrationStatus)
	assert.NotNil(t, job.NarrationApprovedAt)
}

func TestPostgresNarrationConflicts(t *testing.T) {
	pg, pool := newTestPostgres(t)
	ctx := context.Background()

	empty := createDraftedJob(t, pg, pool, "")
	_, err := pg.ApproveNarration(ctx, empty)
	assert.ErrorIs(t, err, ErrNoDraft)
	assert.ErrorIs(t, pg.UpdateNarrationDraft(ctx, empty, "early"), ErrNoDraft)

	id := createDraftedJob(t, pg, pool, "v1")
	require.NoError(t, pg.UpdateNarrationDraft(ctx, id, "v2"))
	a, err := pg.ApproveNarration(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.ShouldTrigger)
	assert.Equal(t, "v2", a.Narration)

	assert.ErrorIs(t, pg.UpdateNarrationDraft(ctx, id, "v3"), ErrNarrationApproved)
	assert.ErrorIs(t, pg.SaveNarration(ctx, id, "v4", nil), ErrNarrationApproved)

	_, err = pg.ApproveNarration(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/storage"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestCreateRunAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run, err := repo.CreateRun(ctx, "2026-08-27-manual-120000", models.StageDraftReady, models.JSON{"trigger": "manual"})
	require.NoError(t, err)
	assert.Equal(t, models.StageDraftReady, run.Stage)

	got, err := repo.GetRun(ctx, "2026-08-27-manual-120000")
	require.NoError(t, err)
	assert.Equal(t, "manual", got.Payload["trigger"])

	_, err = repo.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestCreateRunDuplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateRun(ctx, "run-1", models.StageDraftReady, nil)
	require.NoError(t, err)

	_, err = repo.CreateRun(ctx, "run-1", models.StageDraftReady, nil)
	assert.ErrorIs(t, err, storage.ErrDuplicateRun)
}

func TestTransitionRunFollowsChain(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateRun(ctx, "run-1", models.StageDraftReady, models.JSON{"a": "1"})
	require.NoError(t, err)

	chain := []models.RunStage{
		models.StageSendRequested,
		models.StageRenderValidated,
		models.StageBroadcastCreated,
		models.StageBroadcastSent,
		models.StageBrainUpdated,
	}
	for _, next := range chain {
		run, err := repo.TransitionRun(ctx, "run-1", next, models.JSON{"last": string(next)})
		require.NoError(t, err)
		assert.Equal(t, next, run.Stage)
	}

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	// Payload patches merge shallowly and accumulate.
	assert.Equal(t, "1", got.Payload["a"])
	assert.Equal(t, string(models.StageBrainUpdated), got.Payload["last"])
}

func TestTransitionRunRejectsSkips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateRun(ctx, "run-1", models.StageDraftReady, nil)
	require.NoError(t, err)

	_, err = repo.TransitionRun(ctx, "run-1", models.StageBroadcastSent, nil)
	var invalid *storage.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StageDraftReady, invalid.From)
	assert.Equal(t, models.StageBroadcastSent, invalid.To)

	// Terminal stage has no successors.
	_, err = repo.CreateRun(ctx, "run-2", models.StageBrainUpdated, nil)
	require.NoError(t, err)
	_, err = repo.TransitionRun(ctx, "run-2", models.StageDraftReady, nil)
	require.ErrorAs(t, err, &invalid)
}

func TestTransitionRunClearsLastError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateRun(ctx, "run-1", models.StageDraftReady, nil)
	require.NoError(t, err)

	_, err = repo.SetRunError(ctx, "run-1", "validation blew up")
	require.NoError(t, err)

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "validation blew up", got.LastError)

	_, err = repo.TransitionRun(ctx, "run-1", models.StageSendRequested, nil)
	require.NoError(t, err)

	got, err = repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
}

func TestListIncompleteRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateRun(ctx, "done", models.StageBrainUpdated, nil)
	require.NoError(t, err)
	_, err = repo.CreateRun(ctx, "pending", models.StageSendRequested, nil)
	require.NoError(t, err)

	incomplete, err := repo.ListIncompleteRuns(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "pending", incomplete[0].RunID)

	all, err := repo.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsertAndLatestDraft(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertDraft(ctx, &models.Draft{
		RunID:    "run-1",
		Version:  1,
		Status:   models.DraftStatusPendingReview,
		ThreadTS: "100.0",
	})
	require.NoError(t, err)

	_, err = repo.UpsertDraft(ctx, &models.Draft{
		RunID:    "run-1",
		Version:  2,
		Status:   models.DraftStatusPendingReview,
		ThreadTS: "101.0",
	})
	require.NoError(t, err)

	got, err := repo.GetDraft(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	latest, err := repo.GetLatestDraft(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", latest.RunID)

	require.NoError(t, repo.DeleteDraft(ctx, "run-1"))
	_, err = repo.GetLatestDraft(ctx)
	assert.ErrorIs(t, err, storage.ErrDraftNotFound)
}

func TestUpsertDraftRejectsZeroVersion(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.UpsertDraft(context.Background(), &models.Draft{RunID: "run-1"})
	assert.Error(t, err)
}

func TestRunLockExclusivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ok, err := repo.TryAcquireRunLock(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryAcquireRunLock(ctx, "run-2")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := repo.GetLockHolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", holder)

	// Release by a non-holder is a no-op.
	require.NoError(t, repo.ReleaseRunLock(ctx, "run-2"))
	holder, err = repo.GetLockHolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", holder)

	require.NoError(t, repo.ReleaseRunLock(ctx, "run-1"))
	ok, err = repo.TryAcquireRunLock(ctx, "run-3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunLockRace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	results := make([]bool, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ok, err := repo.TryAcquireRunLock(ctx, "racer")
			if err == nil && ok {
				results[idx] = true
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestContextStateRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	state, err := repo.LoadContextState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.ID)
	assert.False(t, state.NewsletterSent)

	state.NewsletterSent = true
	require.NoError(t, repo.SaveContextState(ctx, state))

	reloaded, err := repo.LoadContextState(ctx)
	require.NoError(t, err)
	assert.True(t, reloaded.NewsletterSent)
}

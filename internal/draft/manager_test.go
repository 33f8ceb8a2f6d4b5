package draft

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/storage/sqlite"
)

func newTestManager(t *testing.T, maxVersions, staleHours int) *Manager {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })
	return NewManager(repo, maxVersions, staleHours)
}

func TestCreateOrReplaceStartsAtVersionOne(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, 3, 48)

	draft, err := mgr.CreateOrReplace(ctx, "2026-08-28", "1724800000.000100", `{"subject_line":"x"}`, "<html></html>")
	require.NoError(t, err)
	assert.Equal(t, 1, draft.Version)
	assert.Equal(t, models.DraftStatusPendingReview, draft.Status)
	assert.Equal(t, "1724800000.000100", draft.ThreadTS)

	current, err := mgr.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "2026-08-28", current.RunID)
}

func TestGetCurrentWithoutDraft(t *testing.T) {
	mgr := newTestManager(t, 3, 48)
	current, err := mgr.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestCreateRevisionIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, 3, 48)

	_, err := mgr.CreateOrReplace(ctx, "2026-08-28", "100.1", "{}", "v1")
	require.NoError(t, err)

	revised, err := mgr.CreateRevision(ctx, "100.2", "{}", "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Version)
	assert.Equal(t, models.DraftStatusPendingReview, revised.Status)
	assert.Equal(t, "100.2", revised.ThreadTS)
	assert.Equal(t, "v2", revised.HTML)
}

func TestCreateRevisionEnforcesCap(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, 2, 48)

	_, err := mgr.CreateOrReplace(ctx, "2026-08-28", "100.1", "{}", "v1")
	require.NoError(t, err)
	_, err = mgr.CreateRevision(ctx, "100.2", "{}", "v2")
	require.NoError(t, err)

	capacity, err := mgr.HasRevisionCapacity(ctx)
	require.NoError(t, err)
	assert.False(t, capacity)

	capped, err := mgr.CreateRevision(ctx, "100.3", "{}", "v3")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusMaxRevisionsReached, capped.Status)
	assert.Equal(t, 2, capped.Version)
}

func TestCreateRevisionRequiresPendingDraft(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, 3, 48)

	_, err := mgr.CreateRevision(ctx, "100.1", "{}", "v1")
	assert.ErrorIs(t, err, ErrNoActiveDraft)

	_, err = mgr.CreateOrReplace(ctx, "2026-08-28", "100.1", "{}", "v1")
	require.NoError(t, err)
	_, err = mgr.MarkStatus(ctx, models.DraftStatusApproved)
	require.NoError(t, err)

	_, err = mgr.CreateRevision(ctx, "100.2", "{}", "v2")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestMarkStatusWithoutDraft(t *testing.T) {
	mgr := newTestManager(t, 3, 48)
	_, err := mgr.MarkStatus(context.Background(), models.DraftStatusSent)
	assert.ErrorIs(t, err, ErrNoActiveDraft)
}

func TestClearCurrent(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, 3, 48)

	cleared, err := mgr.ClearCurrent(ctx)
	require.NoError(t, err)
	assert.False(t, cleared)

	_, err = mgr.CreateOrReplace(ctx, "2026-08-28", "100.1", "{}", "v1")
	require.NoError(t, err)

	cleared, err = mgr.ClearCurrent(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)

	current, err := mgr.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestIsStale(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, 3, 48)

	// No draft is never stale.
	stale, err := mgr.IsStale(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, stale)

	_, err = mgr.CreateOrReplace(ctx, "2026-08-28", "100.1", "{}", "v1")
	require.NoError(t, err)

	stale, err = mgr.IsStale(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = mgr.IsStale(ctx, time.Now().Add(49*time.Hour))
	require.NoError(t, err)
	assert.True(t, stale)
}

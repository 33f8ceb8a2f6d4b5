package draft

import (
	"context"
	"errors"
	"time"

	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/storage"
)

var (
	// ErrNoActiveDraft is returned when an operation needs a draft and none exists.
	ErrNoActiveDraft = errors.New("no active draft exists")
	// ErrNotPending is returned when revising a draft that is not awaiting review.
	ErrNotPending = errors.New("cannot revise a non-pending draft")
)

// Manager owns the draft lifecycle: one draft row per run, version counter
// starting at 1, and the revision cap guardrail.
type Manager struct {
	repo             storage.Repository
	maxDraftVersions int
	staleAfter       time.Duration
}

// NewManager creates a draft manager with the configured revision cap and
// staleness window.
func NewManager(repo storage.Repository, maxDraftVersions, staleHours int) *Manager {
	return &Manager{
		repo:             repo,
		maxDraftVersions: maxDraftVersions,
		staleAfter:       time.Duration(staleHours) * time.Hour,
	}
}

// GetCurrent returns the latest known draft, or nil when none exists.
func (m *Manager) GetCurrent(ctx context.Context) (*models.Draft, error) {
	draft, err := m.repo.GetLatestDraft(ctx)
	if errors.Is(err, storage.ErrDraftNotFound) {
		return nil, nil
	}
	return draft, err
}

// CreateOrReplace writes version 1 of a run's draft in pending review.
func (m *Manager) CreateOrReplace(ctx context.Context, runID, threadTS, draftJSON, draftHTML string) (*models.Draft, error) {
	return m.repo.UpsertDraft(ctx, &models.Draft{
		RunID:    runID,
		Version:  1,
		Status:   models.DraftStatusPendingReview,
		ThreadTS: threadTS,
		JSON:     draftJSON,
		HTML:     draftHTML,
	})
}

// CreateRevision bumps the active draft to the next version. When the cap is
// exhausted the draft is marked max_revisions_reached instead and returned;
// the caller distinguishes the two by status.
func (m *Manager) CreateRevision(ctx context.Context, threadTS, draftJSON, draftHTML string) (*models.Draft, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoActiveDraft
	}
	if current.Status != models.DraftStatusPendingReview {
		return nil, ErrNotPending
	}

	nextVersion := current.Version + 1
	if nextVersion > m.maxDraftVersions {
		current.Status = models.DraftStatusMaxRevisionsReached
		return m.repo.UpsertDraft(ctx, current)
	}

	return m.repo.UpsertDraft(ctx, &models.Draft{
		RunID:    current.RunID,
		Version:  nextVersion,
		Status:   models.DraftStatusPendingReview,
		ThreadTS: threadTS,
		JSON:     draftJSON,
		HTML:     draftHTML,
	})
}

// MarkStatus sets the status of the current draft.
func (m *Manager) MarkStatus(ctx context.Context, status models.DraftStatus) (*models.Draft, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoActiveDraft
	}
	current.Status = status
	return m.repo.UpsertDraft(ctx, current)
}

// ClearCurrent deletes the current draft row. Returns false when there was
// nothing to clear.
func (m *Manager) ClearCurrent(ctx context.Context) (bool, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	if err := m.repo.DeleteDraft(ctx, current.RunID); err != nil {
		return false, err
	}
	return true, nil
}

// HasRevisionCapacity reports whether another revision fits under the cap.
func (m *Manager) HasRevisionCapacity(ctx context.Context) (bool, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	return current.Version < m.maxDraftVersions, nil
}

// IsStale reports whether the current draft is older than the configured
// approval window. A missing draft is not stale.
func (m *Manager) IsStale(ctx context.Context, now time.Time) (bool, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	return current.UpdatedAt.Before(now.UTC().Add(-m.staleAfter)), nil
}

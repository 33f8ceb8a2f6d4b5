package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/newsletter-agent/internal/models"
)

// ErrRunNotFound is returned when a run id has no ledger row.
var ErrRunNotFound = errors.New("run not found")

// ErrDuplicateRun is returned when creating a run whose id already exists.
var ErrDuplicateRun = errors.New("run already exists")

// ErrDraftNotFound is returned when no draft state exists for a run.
var ErrDraftNotFound = errors.New("draft not found")

// InvalidTransitionError reports an attempted stage transition outside the
// allowed-successor set. It is a programming-contract violation, never
// silently coerced.
type InvalidTransitionError struct {
	RunID string
	From  models.RunStage
	To    models.RunStage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.RunID, e.From, e.To)
}

// Repository is the persistence contract for the run ledger, draft state,
// singleton run lock, and conversation context.
type Repository interface {
	Migrate() error
	Close() error

	// Run ledger
	CreateRun(ctx context.Context, runID string, stage models.RunStage, payload models.JSON) (*models.Run, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	TransitionRun(ctx context.Context, runID string, next models.RunStage, patch models.JSON) (*models.Run, error)
	SetRunError(ctx context.Context, runID, message string) (*models.Run, error)
	PatchRunPayload(ctx context.Context, runID string, patch models.JSON) (*models.Run, error)
	ListIncompleteRuns(ctx context.Context) ([]*models.Run, error)
	ListRuns(ctx context.Context) ([]*models.Run, error)

	// Draft state
	UpsertDraft(ctx context.Context, draft *models.Draft) (*models.Draft, error)
	GetDraft(ctx context.Context, runID string) (*models.Draft, error)
	GetLatestDraft(ctx context.Context) (*models.Draft, error)
	DeleteDraft(ctx context.Context, runID string) error

	// Singleton run lock
	TryAcquireRunLock(ctx context.Context, runID string) (bool, error)
	ReleaseRunLock(ctx context.Context, runID string) error
	GetLockHolder(ctx context.Context) (string, error)

	// Conversation context
	LoadContextState(ctx context.Context) (*models.ContextState, error)
	SaveContextState(ctx context.Context, state *models.ContextState) error
}

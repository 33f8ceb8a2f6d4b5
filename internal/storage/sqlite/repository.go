package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/storage"
)

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Run{},
		&models.Draft{},
		&models.RunLock{},
		&models.ContextState{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Run ledger operations

func (r *Repository) CreateRun(ctx context.Context, runID string, stage models.RunStage, payload models.JSON) (*models.Run, error) {
	if payload == nil {
		payload = models.JSON{}
	}
	run := &models.Run{
		RunID:   runID,
		Stage:   stage,
		Payload: payload,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateRun, runID)
		}
		return nil, err
	}
	return run, nil
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := r.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		return nil, err
	}
	return &run, nil
}

// TransitionRun validates the requested stage against the allowed-successor
// set and applies it together with a shallow payload merge, atomically.
func (r *Repository) TransitionRun(ctx context.Context, runID string, next models.RunStage, patch models.JSON) (*models.Run, error) {
	var updated *models.Run
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.Run
		if err := tx.First(&run, "run_id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
			}
			return err
		}

		if !run.Stage.CanTransitionTo(next) {
			return &storage.InvalidTransitionError{RunID: runID, From: run.Stage, To: next}
		}

		run.Stage = next
		run.Payload = run.Payload.Merge(patch)
		run.LastError = ""
		if err := tx.Save(&run).Error; err != nil {
			return err
		}
		updated = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Repository) SetRunError(ctx context.Context, runID, message string) (*models.Run, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.LastError = message
	if err := r.db.WithContext(ctx).Save(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repository) PatchRunPayload(ctx context.Context, runID string, patch models.JSON) (*models.Run, error) {
	var updated *models.Run
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.Run
		if err := tx.First(&run, "run_id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
			}
			return err
		}
		run.Payload = run.Payload.Merge(patch)
		if err := tx.Save(&run).Error; err != nil {
			return err
		}
		updated = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Repository) ListIncompleteRuns(ctx context.Context) ([]*models.Run, error) {
	var runs []*models.Run
	if err := r.db.WithContext(ctx).
		Where("stage != ?", models.StageBrainUpdated).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *Repository) ListRuns(ctx context.Context) ([]*models.Run, error) {
	var runs []*models.Run
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Draft state operations

func (r *Repository) UpsertDraft(ctx context.Context, draft *models.Draft) (*models.Draft, error) {
	if draft.Version < 1 {
		return nil, fmt.Errorf("draft version must be >= 1, got %d", draft.Version)
	}
	draft.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(draft).Error; err != nil {
		return nil, err
	}
	return draft, nil
}

func (r *Repository) GetDraft(ctx context.Context, runID string) (*models.Draft, error) {
	var draft models.Draft
	if err := r.db.WithContext(ctx).First(&draft, "run_id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrDraftNotFound, runID)
		}
		return nil, err
	}
	return &draft, nil
}

// GetLatestDraft returns the most recently updated draft across all runs.
// This is what defines "the active draft" for approval and feedback.
func (r *Repository) GetLatestDraft(ctx context.Context) (*models.Draft, error) {
	var draft models.Draft
	if err := r.db.WithContext(ctx).Order("updated_at DESC").First(&draft).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDraftNotFound
		}
		return nil, err
	}
	return &draft, nil
}

func (r *Repository) DeleteDraft(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).Delete(&models.Draft{}, "run_id = ?", runID).Error
}

// Singleton run lock operations

// TryAcquireRunLock inserts the singleton lock row. Acquisition is
// all-or-nothing: the primary-key constraint decides races.
func (r *Repository) TryAcquireRunLock(ctx context.Context, runID string) (bool, error) {
	lock := &models.RunLock{
		LockID:     1,
		RunID:      runID,
		AcquiredAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Create(lock).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseRunLock deletes the lock row only when held by runID. Releasing a
// lock held by someone else is a no-op.
func (r *Repository) ReleaseRunLock(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).
		Delete(&models.RunLock{}, "lock_id = 1 AND run_id = ?", runID).Error
}

func (r *Repository) GetLockHolder(ctx context.Context) (string, error) {
	var lock models.RunLock
	if err := r.db.WithContext(ctx).First(&lock, "lock_id = 1").Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return lock.RunID, nil
}

// Conversation context operations

func (r *Repository) LoadContextState(ctx context.Context) (*models.ContextState, error) {
	var state models.ContextState
	if err := r.db.WithContext(ctx).First(&state, "id = 1").Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.ContextState{ID: 1}, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *Repository) SaveContextState(ctx context.Context, state *models.ContextState) error {
	state.ID = 1
	return r.db.WithContext(ctx).Save(state).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

// Ensure Repository implements storage.Repository
var _ storage.Repository = (*Repository)(nil)

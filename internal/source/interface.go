package source

import (
	"context"
	"errors"
	"time"

	"github.com/newsletter-agent/internal/models"
)

// StorySource defines the interface for external story providers.
type StorySource interface {
	// Name returns the unique name of this source
	Name() string

	// Type returns the source type (rss, hackernews)
	Type() string

	// Fetch retrieves story candidates within the issue window
	Fetch(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error)

	// HealthCheck verifies the source is accessible
	HealthCheck(ctx context.Context) error
}

// Manager manages multiple story sources
type Manager struct {
	sources []StorySource
}

// NewManager creates a new source manager
func NewManager() *Manager {
	return &Manager{
		sources: make([]StorySource, 0),
	}
}

// Register adds a source to the manager
func (m *Manager) Register(source StorySource) {
	m.sources = append(m.sources, source)
}

// GetSources returns all registered sources
func (m *Manager) GetSources() []StorySource {
	return m.sources
}

// GetSourceByName returns a source by name
func (m *Manager) GetSourceByName(name string) StorySource {
	for _, s := range m.sources {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Collect fetches stories from all sources concurrently. Individual source
// failures are tolerated; it errors only when every source failed.
func (m *Manager) Collect(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error) {
	stories, errs := m.CollectWithErrors(ctx, startAt, endAt)
	if len(stories) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return stories, nil
}

// CollectWithErrors fetches from all sources concurrently and returns
// per-source errors alongside the merged stories.
func (m *Manager) CollectWithErrors(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, []error) {
	type result struct {
		stories []models.StoryCandidate
		err     error
	}

	results := make(chan result, len(m.sources))

	for _, src := range m.sources {
		go func(s StorySource) {
			stories, err := s.Fetch(ctx, startAt, endAt)
			results <- result{stories: stories, err: err}
		}(src)
	}

	var allStories []models.StoryCandidate
	var errors []error

	for range m.sources {
		r := <-results
		if r.err != nil {
			errors = append(errors, r.err)
		} else {
			allStories = append(allStories, r.stories...)
		}
	}

	return allStories, errors
}

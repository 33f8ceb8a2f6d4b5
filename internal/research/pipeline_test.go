package research

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/pkg/logger"
)

func TestMergePrimaryDedupe(t *testing.T) {
	stories := []models.StoryCandidate{
		{Title: "OpenAI ships agents", SourceURL: "https://techcrunch.com/a"},
		{Title: "openai ships   agents", SourceURL: "https://venturebeat.com/b"},
		{Title: "Different story", SourceURL: "https://www.techcrunch.com/a/"},
		{Title: "Kept", SourceURL: "https://reuters.com/c"},
	}

	out := MergePrimaryDedupe(stories)
	require.Len(t, out, 2)
	assert.Equal(t, "OpenAI ships agents", out[0].Title)
	assert.Equal(t, "Kept", out[1].Title)
}

func TestSecondaryDedupeIdempotent(t *testing.T) {
	stories := []models.StoryCandidate{
		{Title: "Anthropic releases new model", SourceURL: "https://anthropic.com/a", Summary: "A release."},
		{Title: "Quantum computing milestone", SourceURL: "https://reuters.com/q", Summary: "Qubits."},
	}

	once := SecondaryDedupe(stories, defaultSimilarityThreshold)
	twice := SecondaryDedupe(once, defaultSimilarityThreshold)
	assert.Equal(t, once, twice)
}

func TestIsProbableDuplicate(t *testing.T) {
	tests := []struct {
		name      string
		candidate models.StoryCandidate
		existing  models.StoryCandidate
		want      bool
	}{
		{
			name:      "same normalized url",
			candidate: models.StoryCandidate{Title: "x", SourceURL: "https://www.techcrunch.com/story/"},
			existing:  models.StoryCandidate{Title: "y completely different", SourceURL: "https://techcrunch.com/story"},
			want:      true,
		},
		{
			name:      "near identical titles",
			candidate: models.StoryCandidate{Title: "OpenAI raises massive new funding round", SourceURL: "https://a.com/1"},
			existing:  models.StoryCandidate{Title: "OpenAI raises massive new funding rounds", SourceURL: "https://b.com/2"},
			want:      true,
		},
		{
			name: "shared numeric claim plus shared entity",
			candidate: models.StoryCandidate{
				Title:     "OpenAI closes $6.5B round",
				SourceURL: "https://techcrunch.com/openai-local",
			},
			existing: models.StoryCandidate{
				Title:     "Investors pour $6.5B into OpenAI",
				SourceURL: "https://reuters.com/openai-funding",
			},
			want: true,
		},
		{
			name: "same outlet high token overlap",
			candidate: models.StoryCandidate{
				Title:      "Acme launches agent platform for enterprises",
				SourceURL:  "https://blog.acme.com/1",
				SourceName: "Acme Blog",
			},
			existing: models.StoryCandidate{
				Title:      "Acme launches agent platform for enterprises today",
				SourceURL:  "https://blog.acme.com/2",
				SourceName: "Acme Blog",
			},
			want: true,
		},
		{
			name: "unrelated stories",
			candidate: models.StoryCandidate{
				Title:     "Quantum chip breakthrough announced",
				SourceURL: "https://reuters.com/quantum",
			},
			existing: models.StoryCandidate{
				Title:     "Streaming service adds live sports",
				SourceURL: "https://theverge.com/streaming",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isProbableDuplicate(tt.candidate, tt.existing, defaultSimilarityThreshold))
		})
	}
}

func TestFilterPreviouslyPublished(t *testing.T) {
	now := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	published := []models.PublishedStory{
		{IssueDate: "2026-08-20", Title: "OpenAI ships agent workspace", URL: "https://openai.com/blog/workspace"},
		{IssueDate: "2025-01-01", Title: "Ancient story outside lookback", URL: "https://old.com/x"},
	}

	candidates := []models.StoryCandidate{
		{Title: "Totally new event", SourceURL: "https://reuters.com/new"},
		{Title: "OpenAI ships agent workspace", SourceURL: "https://techcrunch.com/rehash"},
		{Title: "Whatever headline", SourceURL: "https://www.openai.com/blog/workspace"},
		{Title: "Ancient story outside lookback", SourceURL: "https://another.com/y"},
	}

	out := FilterPreviouslyPublished(candidates, published, 8, now)
	require.Len(t, out, 2)
	assert.Equal(t, "Totally new event", out[0].Title)
	// Entries older than the lookback window stop blocking; recurring
	// stories become publishable again.
	assert.Equal(t, "Ancient story outside lookback", out[1].Title)
}

func TestRankStoriesByRelevance(t *testing.T) {
	stories := []models.StoryCandidate{
		{
			Title:      "Weather app update",
			SourceTier: models.Tier3,
			Confidence: models.ConfidenceLow,
		},
		{
			Title:      "Digital employee startup funding round",
			Summary:    "An AI employee company raised capital.",
			SourceTier: models.Tier1,
			Confidence: models.ConfidenceHigh,
		},
		{
			Title:      "New agent framework for enterprise automation",
			SourceTier: models.Tier2,
			Confidence: models.ConfidenceMedium,
		},
	}

	ranked := RankStoriesByRelevance(stories)
	require.Len(t, ranked, 3)

	assert.Equal(t, "Digital employee startup funding round", ranked[0].Story.Title)
	assert.Contains(t, ranked[0].Reasons, "digital_employees")
	assert.Contains(t, ranked[0].Reasons, "funding")
	assert.Contains(t, ranked[0].Reasons, "tier1_source")

	assert.Equal(t, "New agent framework for enterprise automation", ranked[1].Story.Title)
	assert.Equal(t, "Weather app update", ranked[2].Story.Title)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
	assert.Greater(t, ranked[1].Score, ranked[2].Score)
}

func TestRankStoriesByRelevanceStableOnTies(t *testing.T) {
	stories := []models.StoryCandidate{
		{Title: "first plain story", SourceTier: models.Tier3},
		{Title: "second plain story", SourceTier: models.Tier3},
	}

	ranked := RankStoriesByRelevance(stories)
	require.Len(t, ranked, 2)
	assert.Equal(t, "first plain story", ranked[0].Story.Title)
	assert.Equal(t, "second plain story", ranked[1].Story.Title)
}

type fakeUpdates struct{ updates []models.TeamUpdate }

func (f *fakeUpdates) CollectWeeklyUpdates(context.Context, time.Time, time.Time) ([]models.TeamUpdate, error) {
	return f.updates, nil
}

type fakeStories struct{ stories []models.StoryCandidate }

func (f *fakeStories) Collect(context.Context, time.Time, time.Time) ([]models.StoryCandidate, error) {
	return f.stories, nil
}

type failingTrending struct{}

func (f *failingTrending) Research(context.Context, time.Time, time.Time) ([]models.StoryCandidate, error) {
	return nil, assert.AnError
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "console", Output: "stdout"})
}

func TestRunWeekly(t *testing.T) {
	end := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -7)
	recent := end.AddDate(0, 0, -1)

	updates := &fakeUpdates{updates: []models.TeamUpdate{{MessageTS: "1.0", Text: "Shipped the importer"}}}
	stories := &fakeStories{stories: []models.StoryCandidate{
		{
			Title:       "OpenAI launches agent platform",
			SourceURL:   "https://openai.com/blog/agents?utm_source=rss",
			SourceName:  "OpenAI Blog",
			PublishedAt: &recent,
			Confidence:  models.ConfidenceLow,
		},
		{
			Title:       "OpenAI launches agent platform",
			SourceURL:   "https://techcrunch.com/openai-agents",
			SourceName:  "TechCrunch AI",
			PublishedAt: &recent,
			Confidence:  models.ConfidenceLow,
		},
	}}

	pipeline := NewPipeline(updates, stories, nil, 8, 12, testLogger())

	bundle, err := pipeline.RunWeekly(context.Background(), start, end, nil)
	require.NoError(t, err)

	require.Len(t, bundle.TeamUpdates, 1)
	// Exact-title duplicates collapse in the primary pass.
	require.Len(t, bundle.CandidateStories, 1)
	require.Len(t, bundle.PlanningInputs, 1)
	assert.Equal(t, "https://openai.com/blog/agents", bundle.PlanningInputs[0].SourceURL)
	assert.Equal(t, "high", bundle.PlanningInputs[0].Confidence)
}

func TestRunWeeklyTrendingFailureIsNonFatal(t *testing.T) {
	end := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -7)
	recent := end.AddDate(0, 0, -1)

	stories := &fakeStories{stories: []models.StoryCandidate{
		{
			Title:       "Solo story",
			SourceURL:   "https://reuters.com/solo",
			SourceName:  "Reuters",
			PublishedAt: &recent,
			Confidence:  models.ConfidenceLow,
		},
	}}

	pipeline := NewPipeline(&fakeUpdates{}, stories, &failingTrending{}, 8, 12, testLogger())

	bundle, err := pipeline.RunWeekly(context.Background(), start, end, nil)
	require.NoError(t, err)
	assert.Len(t, bundle.CandidateStories, 1)
}

func TestRunWeeklyCapsPlanningInputs(t *testing.T) {
	end := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -7)
	recent := end.AddDate(0, 0, -1)

	var many []models.StoryCandidate
	titles := []string{
		"Quantum milestone reached", "Robotics factory opens", "Chip export rules shift",
		"Open source license debate", "Datacenter buildout accelerates",
	}
	for i, title := range titles {
		many = append(many, models.StoryCandidate{
			Title:       title,
			SourceURL:   "https://reuters.com/story-" + string(rune('a'+i)),
			SourceName:  "Reuters",
			PublishedAt: &recent,
			Confidence:  models.ConfidenceLow,
		})
	}

	pipeline := NewPipeline(&fakeUpdates{}, &fakeStories{stories: many}, nil, 8, 3, testLogger())

	bundle, err := pipeline.RunWeekly(context.Background(), start, end, nil)
	require.NoError(t, err)
	assert.Len(t, bundle.PlanningInputs, 3)
	assert.Len(t, bundle.RankedStories, 5)
}

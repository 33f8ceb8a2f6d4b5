package research

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsletter-agent/internal/models"
)

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips tracking params and www and trailing slash",
			in:   "https://www.example.com/path/?utm_source=x&id=1",
			want: "https://example.com/path?id=1",
		},
		{
			name: "lowercases host",
			in:   "https://TechCrunch.com/Story",
			want: "https://techcrunch.com/Story",
		},
		{
			name: "collapses doubled slashes",
			in:   "https://example.com//a//b/",
			want: "https://example.com/a/b",
		},
		{
			name: "root keeps trailing slash",
			in:   "https://example.com/",
			want: "https://example.com/",
		},
		{
			name: "strips fbclid and mc params",
			in:   "https://example.com/post?fbclid=abc&mc_cid=1&keep=yes",
			want: "https://example.com/post?keep=yes",
		},
		{
			name: "unwraps t.co redirect",
			in:   "https://t.co/redirect?url=https://openai.com/blog/news",
			want: "https://openai.com/blog/news",
		},
		{
			name: "empty stays empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalizeURL(tt.in))
		})
	}
}

func TestCanonicalizeURLGoogleNewsProbe(t *testing.T) {
	original := redirectProber
	defer func() { redirectProber = original }()

	var probed string
	redirectProber = func(rawURL string) string {
		probed = rawURL
		return "https://www.theverge.com/ai/story?utm_campaign=rss"
	}

	got := CanonicalizeURL("https://news.google.com/rss/articles/CBMiabc123")
	assert.Equal(t, "https://theverge.com/ai/story", got)
	assert.Contains(t, probed, "news.google.com/rss/articles/")
}

func TestAssignSourceTier(t *testing.T) {
	assert.Equal(t, models.Tier1, AssignSourceTier("https://openai.com/blog/gpt-next"))
	assert.Equal(t, models.Tier1, AssignSourceTier("https://www.anthropic.com/research/post"))
	assert.Equal(t, models.Tier2, AssignSourceTier("https://techcrunch.com/2026/01/02/story"))
	assert.Equal(t, models.Tier3, AssignSourceTier("https://randomblog.io/post"))
}

func TestApplyCanonicalizationAndTiering(t *testing.T) {
	stories := []models.StoryCandidate{
		{Title: "A", SourceURL: "https://www.openai.com/blog/news/?utm_source=rss", Confidence: models.ConfidenceLow},
		{Title: "B", SourceURL: "https://smallblog.net/post", Confidence: models.ConfidenceMedium},
	}

	out := ApplyCanonicalizationAndTiering(stories)
	require.Len(t, out, 2)

	assert.Equal(t, "https://openai.com/blog/news", out[0].SourceURL)
	assert.Equal(t, models.Tier1, out[0].SourceTier)
	assert.Equal(t, models.ConfidenceHigh, out[0].Confidence)
	assert.Equal(t, "https://openai.com/blog/news", out[0].Metadata["canonical_url"])

	// Tier 3 floor is low; an existing medium must not be demoted.
	assert.Equal(t, models.Tier3, out[1].SourceTier)
	assert.Equal(t, models.ConfidenceMedium, out[1].Confidence)
}

func TestExtractNumericClaims(t *testing.T) {
	claims := ExtractNumericClaims("OpenAI raised $6.5 B at 40% growth with 100M users")
	assert.Contains(t, claims, "$6.5B")
	assert.Contains(t, claims, "40%")
	assert.Contains(t, claims, "100M")
}

func TestEnforceNumericClaimVerification(t *testing.T) {
	stories := []models.StoryCandidate{
		{
			Title:      "OpenAI raises $6.5B",
			SourceURL:  "https://openai.com/blog/funding",
			SourceTier: models.Tier1,
			Confidence: models.ConfidenceMedium,
		},
		{
			Title:      "Startup lands $99M round",
			SourceURL:  "https://obscure.io/a",
			SourceTier: models.Tier3,
			Confidence: models.ConfidenceMedium,
		},
		{
			Title:      "Acme grabs $42M",
			SourceURL:  "https://techcrunch.com/acme",
			SourceTier: models.Tier2,
			Confidence: models.ConfidenceMedium,
		},
		{
			Title:      "Acme secures $42M funding",
			SourceURL:  "https://venturebeat.com/acme",
			SourceTier: models.Tier2,
			Confidence: models.ConfidenceMedium,
		},
		{
			Title:      "No numbers here",
			SourceURL:  "https://obscure.io/b",
			SourceTier: models.Tier3,
			Confidence: models.ConfidenceMedium,
		},
	}

	out := EnforceNumericClaimVerification(stories)
	require.Len(t, out, 5)

	// Tier-1 claims are self-verifying.
	assert.Equal(t, models.ConfidenceHigh, out[0].Confidence)
	assert.Equal(t, true, out[0].Metadata["numeric_claims_verified"])

	// Single-domain claim gets demoted with a note.
	assert.Equal(t, models.ConfidenceLow, out[1].Confidence)
	assert.Equal(t, "numeric claims unverified", out[1].Metadata["verification_note"])

	// The same $42M claim from two distinct domains verifies both.
	assert.Equal(t, models.ConfidenceHigh, out[2].Confidence)
	assert.Equal(t, models.ConfidenceHigh, out[3].Confidence)

	// Stories without numeric claims pass through untouched.
	assert.Equal(t, models.ConfidenceMedium, out[4].Confidence)
	assert.Nil(t, out[4].Metadata)
}

func TestEnforceRecency(t *testing.T) {
	end := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -7)

	inWindow := end.AddDate(0, 0, -2)
	tooOld := start.AddDate(0, 0, -1)

	stories := []models.StoryCandidate{
		{Title: "fresh", PublishedAt: &inWindow, Confidence: models.ConfidenceHigh},
		{Title: "stale", PublishedAt: &tooOld, Confidence: models.ConfidenceHigh},
		{Title: "undated", PublishedAt: nil, Confidence: models.ConfidenceHigh},
	}

	out := EnforceRecency(stories, start, end)
	require.Len(t, out, 2)
	assert.Equal(t, "fresh", out[0].Title)
	assert.Equal(t, models.ConfidenceHigh, out[0].Confidence)

	// Undated stories survive but get demoted and flagged.
	assert.Equal(t, "undated", out[1].Title)
	assert.Equal(t, models.ConfidenceLow, out[1].Confidence)
	assert.Equal(t, true, out[1].Metadata["missing_timestamp"])
}

func TestValidateCitationFields(t *testing.T) {
	now := time.Now()
	stories := []models.StoryCandidate{
		{Title: "ok", SourceURL: "https://a.com", SourceName: "A", PublishedAt: &now, Confidence: models.ConfidenceHigh},
		{Title: "broken", Confidence: "bogus"},
	}

	errs := ValidateCitationFields(stories)
	require.Len(t, errs, 4)
	assert.Contains(t, errs[0], "story[1] missing source_url")
	assert.Contains(t, errs[3], "story[1] has invalid confidence")
}

func TestToPlanningInputs(t *testing.T) {
	ts := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	stories := []models.StoryCandidate{
		{
			Title:       "Agents everywhere",
			SourceURL:   "https://techcrunch.com/agents",
			SourceName:  "TechCrunch AI",
			PublishedAt: &ts,
			Confidence:  models.ConfidenceMedium,
			SourceTier:  models.Tier2,
			Summary:     "Agents.",
		},
	}

	inputs := ToPlanningInputs(stories)
	require.Len(t, inputs, 1)
	assert.Equal(t, "2026-08-25T09:30:00Z", inputs[0].PublishedAt)
	assert.Equal(t, "medium", inputs[0].Confidence)
	assert.Equal(t, 2, inputs[0].SourceTier)
}

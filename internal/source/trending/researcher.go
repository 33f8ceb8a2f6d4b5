package trending

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/pkg/logger"
)

// DefaultQueries cover the newsletter's beat when no queries are configured.
var DefaultQueries = []string{
	"What are the biggest AI agent and digital labor announcements this week?",
	"What major AI startup funding rounds were announced this week?",
	"What new enterprise AI adoption news happened this week?",
	"What are the most hyped AI product launches or model releases this week?",
	"What AI industry trends or research breakthroughs are people talking about this week?",
}

const researchSystemPrompt = "You are a news research assistant. Answer with a concise summary of " +
	"this week's relevant developments. Cite every claim with the source URL as a markdown link."

// QueryResult is a per-query research response with its citations.
type QueryResult struct {
	Query     string
	Content   string
	Citations []string
}

// Researcher runs open-ended model research queries and normalizes the
// citations into story candidates. Model output is treated as a lead, not a
// fact: candidates enter the pipeline at medium confidence and pass through
// the same verification gates as every other source.
type Researcher struct {
	generator ai.Generator
	queries   []string
	log       *logger.Logger
}

// New creates a trending researcher. Returns nil when disabled so callers
// can wire it straight into the pipeline.
func New(cfg config.TrendingConfig, generator ai.Generator, log *logger.Logger) *Researcher {
	if !cfg.Enabled {
		return nil
	}
	queries := cfg.Queries
	if len(queries) == 0 {
		queries = DefaultQueries
	}
	return &Researcher{
		generator: generator,
		queries:   queries,
		log:       log.WithSource("trending", "model-research"),
	}
}

// Research runs every configured query. A failed query is skipped; the
// remaining queries still contribute candidates.
func (r *Researcher) Research(ctx context.Context, _, endAt time.Time) ([]models.StoryCandidate, error) {
	var results []QueryResult
	for _, query := range r.queries {
		result, err := r.generator.Complete(ctx, researchSystemPrompt, query, 0.3, 2048)
		if err != nil {
			r.log.Warn().Str("query", query).Err(err).Msg("Research query failed, skipping")
			continue
		}
		results = append(results, QueryResult{
			Query:     query,
			Content:   result.Content,
			Citations: result.Citations,
		})
	}

	stories := r.toStoryCandidates(results, endAt)
	r.log.Info().Int("queries", len(results)).Int("count", len(stories)).Msg("Model research complete")
	return stories, nil
}

func (r *Researcher) toStoryCandidates(results []QueryResult, collectedAt time.Time) []models.StoryCandidate {
	ts := collectedAt.UTC()
	seen := make(map[string]bool)
	var stories []models.StoryCandidate

	for _, result := range results {
		titlesByURL := extractMarkdownLinkTitles(result.Content)
		for _, citation := range result.Citations {
			cited := strings.TrimSpace(citation)
			if cited == "" {
				continue
			}
			key := strings.TrimRight(cited, "/")
			if seen[key] {
				continue
			}
			seen[key] = true

			title := titlesByURL[cited]
			if title == "" {
				title = fallbackTitle(cited)
			}
			published := ts
			stories = append(stories, models.StoryCandidate{
				Title:       title,
				SourceURL:   cited,
				SourceName:  sourceNameFromURL(cited),
				PublishedAt: &published,
				Confidence:  models.ConfidenceMedium,
				SourceTier:  models.Tier2,
				Summary:     "Derived from research query: " + result.Query,
				Metadata:    map[string]interface{}{"query": result.Query},
			})
		}
	}
	return stories
}

var markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)]+)\)`)

func extractMarkdownLinkTitles(content string) map[string]string {
	titles := make(map[string]string)
	for _, match := range markdownLinkRe.FindAllStringSubmatch(content, -1) {
		titles[strings.TrimSpace(match[2])] = strings.TrimSpace(match[1])
	}
	return titles
}

func sourceNameFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "external-source"
	}
	host := strings.ToLower(parsed.Host)
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "external-source"
	}
	return host
}

func fallbackTitle(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "external-source"
	}
	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return sourceNameFromURL(raw)
	}
	segments := strings.Split(path, "/")
	last := segments[len(segments)-1]
	last = strings.NewReplacer("-", " ", "_", " ").Replace(last)
	last = strings.TrimSpace(last)
	if last == "" {
		return sourceNameFromURL(raw)
	}
	return titleCase(last)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

package rss

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/resilience"
	"github.com/newsletter-agent/internal/source"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

// Source implements StorySource for a single RSS feed
type Source struct {
	name        string
	url         string
	tier        models.SourceTier
	parser      *gofeed.Parser
	policy      *resilience.Policy
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a new RSS source for a single feed
func New(feed config.RSSFeed, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Source {
	tier := models.SourceTier(feed.Tier)
	if tier < models.Tier1 || tier > models.Tier3 {
		tier = models.Tier3
	}
	return &Source{
		name:        feed.Name,
		url:         feed.URL,
		tier:        tier,
		parser:      gofeed.NewParser(),
		policy:      resilience.NewPolicy("rss_"+feed.Name, 3),
		rateLimiter: limiter,
		log:         log.WithSource("rss", feed.Name),
	}
}

// NewMultiple creates RSS sources for every configured feed
func NewMultiple(cfg config.RSSConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) []*Source {
	sources := make([]*Source, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		sources = append(sources, New(feed, limiter, log))
	}
	return sources
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Type returns "rss"
func (s *Source) Type() string {
	return "rss"
}

// Fetch retrieves story candidates published within the issue window
func (s *Source) Fetch(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error) {
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterRSS); err != nil {
		return nil, err
	}
	s.log.Debug().Str("url", s.url).Msg("Fetching RSS feed")

	var feed *gofeed.Feed
	err := s.policy.Execute(ctx, func() error {
		parsed, err := s.parser.ParseURLWithContext(s.url, ctx)
		if err != nil {
			return resilience.Transient(err)
		}
		feed = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSS feed %s: %w", s.name, err)
	}

	stories := make([]models.StoryCandidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		var publishedAt *time.Time
		if item.PublishedParsed != nil {
			ts := item.PublishedParsed.UTC()
			if ts.Before(startAt) || ts.After(endAt) {
				continue
			}
			publishedAt = &ts
		}

		stories = append(stories, models.StoryCandidate{
			Title:       cleanText(item.Title),
			SourceURL:   item.Link,
			SourceName:  s.name,
			PublishedAt: publishedAt,
			Confidence:  models.ConfidenceLow,
			SourceTier:  s.tier,
			Summary:     cleanText(item.Description),
			Metadata: map[string]interface{}{
				"guid":       item.GUID,
				"categories": item.Categories,
			},
		})
	}

	s.log.Info().
		Int("count", len(stories)).
		Str("feed", s.name).
		Msg("Fetched RSS stories")

	return stories, nil
}

// HealthCheck verifies the RSS feed is accessible
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.parser.ParseURLWithContext(s.url, ctx)
	return err
}

// cleanText removes HTML tags and extra whitespace
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "<br>", " ")
	text = strings.ReplaceAll(text, "<br/>", " ")
	text = strings.ReplaceAll(text, "<br />", " ")
	text = strings.ReplaceAll(text, "</p>", " ")
	text = strings.ReplaceAll(text, "<p>", "")

	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
		} else if r == '>' {
			inTag = false
		} else if !inTag {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(strings.Join(strings.Fields(result.String()), " "))
}

// Ensure Source implements source.StorySource
var _ source.StorySource = (*Source)(nil)

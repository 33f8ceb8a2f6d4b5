package hackernews

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/resilience"
	"github.com/newsletter-agent/internal/source"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

const (
	topStoriesURL = "https://hacker-news.firebaseio.com/v0/topstories.json"
	itemURLFmt    = "https://hacker-news.firebaseio.com/v0/item/%d.json"

	itemFetchWorkers = 10
)

// Source implements StorySource for the Hacker News front page. Items with
// no timestamp are kept; the quality layer downgrades them later.
type Source struct {
	maxItems    int
	client      *http.Client
	policy      *resilience.Policy
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a Hacker News source
func New(cfg config.HNConfig, maxRetries int, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Source {
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 30
	}
	return &Source{
		maxItems:    maxItems,
		client:      &http.Client{Timeout: 10 * time.Second},
		policy:      resilience.NewPolicy("hacker_news", maxRetries),
		rateLimiter: limiter,
		log:         log.WithSource("hackernews", "Hacker News"),
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return "Hacker News"
}

// Type returns "hackernews"
func (s *Source) Type() string {
	return "hackernews"
}

type hnItem struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Time  int64  `json:"time"`
}

// Fetch retrieves the current top stories, keeping items inside the issue
// window and items without a timestamp.
func (s *Source) Fetch(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error) {
	ids, err := s.fetchTopIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > s.maxItems {
		ids = ids[:s.maxItems]
	}

	var (
		mu      sync.Mutex
		stories []models.StoryCandidate
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, itemFetchWorkers)

	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			story, err := s.fetchItem(ctx, id)
			if err != nil {
				s.log.Debug().Int64("hn_id", id).Err(err).Msg("Skipping unfetchable HN item")
				return
			}
			if story == nil {
				return
			}
			if story.PublishedAt != nil {
				ts := story.PublishedAt.UTC()
				if ts.Before(startAt) || ts.After(endAt) {
					return
				}
			}
			mu.Lock()
			stories = append(stories, *story)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	s.log.Info().Int("count", len(stories)).Msg("Fetched Hacker News stories")
	return stories, nil
}

func (s *Source) fetchTopIDs(ctx context.Context) ([]int64, error) {
	body, err := s.get(ctx, topStoriesURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HN top stories: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("unexpected HN top stories payload: %w", err)
	}
	return ids, nil
}

func (s *Source) fetchItem(ctx context.Context, id int64) (*models.StoryCandidate, error) {
	body, err := s.get(ctx, fmt.Sprintf(itemURLFmt, id))
	if err != nil {
		return nil, err
	}

	var item hnItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, err
	}
	if item.Title == "" {
		return nil, nil
	}

	url := item.URL
	if url == "" {
		url = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", id)
	}

	var publishedAt *time.Time
	if item.Time > 0 {
		ts := time.Unix(item.Time, 0).UTC()
		publishedAt = &ts
	}

	return &models.StoryCandidate{
		Title:       item.Title,
		SourceURL:   url,
		SourceName:  "Hacker News",
		PublishedAt: publishedAt,
		Confidence:  models.ConfidenceLow,
		SourceTier:  models.Tier3,
		Metadata:    map[string]interface{}{"hn_id": id},
	}, nil
}

func (s *Source) get(ctx context.Context, url string) ([]byte, error) {
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterHN); err != nil {
		return nil, err
	}

	var body []byte
	err := s.policy.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return resilience.Transient(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return resilience.Transient(fmt.Errorf("HN API returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HN API returned %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	return body, err
}

// HealthCheck verifies the HN API is reachable
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.fetchTopIDs(ctx)
	return err
}

// Ensure Source implements source.StorySource
var _ source.StorySource = (*Source)(nil)

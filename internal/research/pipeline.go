package research

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/newsletter-agent/internal/compose"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/pkg/logger"
)

// UpdateCollector gathers internal team updates for the issue window.
type UpdateCollector interface {
	CollectWeeklyUpdates(ctx context.Context, startAt, endAt time.Time) ([]models.TeamUpdate, error)
}

// StoryCollector fetches external story candidates for the issue window.
type StoryCollector interface {
	Collect(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error)
}

// TrendingResearcher produces model-cited story candidates. Optional; a nil
// researcher disables the stage.
type TrendingResearcher interface {
	Research(ctx context.Context, startAt, endAt time.Time) ([]models.StoryCandidate, error)
}

// RankedStory is a candidate with its computed relevance score and the
// signals that contributed to it.
type RankedStory struct {
	Story   models.StoryCandidate
	Score   float64
	Reasons []string
}

// Bundle is the aggregated weekly research payload handed to composition.
type Bundle struct {
	StartAt          time.Time
	EndAt            time.Time
	TeamUpdates      []models.TeamUpdate
	SourceStories    []models.StoryCandidate
	CandidateStories []models.StoryCandidate
	RankedStories    []RankedStory
	PlanningInputs   []compose.PlanningInput
}

// Pipeline orchestrates weekly source collection, deduplication, quality
// enforcement, and relevance ranking.
type Pipeline struct {
	updates            UpdateCollector
	stories            StoryCollector
	trending           TrendingResearcher
	dedupLookbackWeeks int
	maxPlanningStories int
	log                *logger.Logger
}

// NewPipeline assembles the research pipeline.
func NewPipeline(updates UpdateCollector, stories StoryCollector, trending TrendingResearcher,
	dedupLookbackWeeks, maxPlanningStories int, log *logger.Logger) *Pipeline {
	return &Pipeline{
		updates:            updates,
		stories:            stories,
		trending:           trending,
		dedupLookbackWeeks: dedupLookbackWeeks,
		maxPlanningStories: maxPlanningStories,
		log:                log.WithComponent("research"),
	}
}

// RunWeekly executes the full aggregation pipeline for the issue window
// and returns a bundle with planning inputs capped at maxPlanningStories.
func (p *Pipeline) RunWeekly(ctx context.Context, startAt, endAt time.Time, published []models.PublishedStory) (*Bundle, error) {
	updates, err := p.updates.CollectWeeklyUpdates(ctx, startAt, endAt)
	if err != nil {
		return nil, err
	}

	sourceStories, err := p.stories.Collect(ctx, startAt, endAt)
	if err != nil {
		return nil, err
	}
	sourceStories = MergePrimaryDedupe(sourceStories)

	all := sourceStories
	if p.trending != nil {
		trendingStories, err := p.trending.Research(ctx, startAt, endAt)
		if err != nil {
			// Trending research is additive; a failure must not sink the run.
			p.log.Warn().Err(err).Msg("Trending research failed, continuing without it")
		} else {
			all = append(append([]models.StoryCandidate{}, sourceStories...), trendingStories...)
		}
	}

	merged := MergePrimaryDedupe(all)
	canonicalized := ApplyCanonicalizationAndTiering(merged)
	secondary := SecondaryDedupe(canonicalized, defaultSimilarityThreshold)
	verified := EnforceNumericClaimVerification(secondary)
	recent := EnforceRecency(verified, startAt, endAt)
	unpublished := FilterPreviouslyPublished(recent, published, p.dedupLookbackWeeks, endAt)
	ranked := RankStoriesByRelevance(unpublished)

	bounded := ranked
	if p.maxPlanningStories > 0 && len(bounded) > p.maxPlanningStories {
		bounded = bounded[:p.maxPlanningStories]
	}
	topStories := make([]models.StoryCandidate, 0, len(bounded))
	for _, r := range bounded {
		topStories = append(topStories, r.Story)
	}

	p.log.Info().
		Int("team_updates", len(updates)).
		Int("source_stories", len(sourceStories)).
		Int("candidates", len(unpublished)).
		Int("planning_inputs", len(topStories)).
		Msg("Weekly research complete")

	return &Bundle{
		StartAt:          startAt,
		EndAt:            endAt,
		TeamUpdates:      updates,
		SourceStories:    sourceStories,
		CandidateStories: unpublished,
		RankedStories:    ranked,
		PlanningInputs:   ToPlanningInputs(topStories),
	}, nil
}

const defaultSimilarityThreshold = 0.86

// titleSimilarity is a bigram Sorensen-Dice ratio in [0, 1].
var diceMetric = metrics.NewSorensenDice()

func titleSimilarity(a, b string) float64 {
	return strutil.Similarity(a, b, diceMetric)
}

// MergePrimaryDedupe removes candidates whose normalized URL or exact
// normalized title has already been seen, keeping first occurrence.
func MergePrimaryDedupe(stories []models.StoryCandidate) []models.StoryCandidate {
	seenURLs := make(map[string]bool)
	seenTitles := make(map[string]bool)

	deduped := make([]models.StoryCandidate, 0, len(stories))
	for _, story := range stories {
		normURL := normalizeURL(story.SourceURL)
		normTitle := normalizeTitle(story.Title)
		if seenURLs[normURL] || seenTitles[normTitle] {
			continue
		}
		seenURLs[normURL] = true
		seenTitles[normTitle] = true
		deduped = append(deduped, story)
	}
	return deduped
}

// SecondaryDedupe removes near-duplicates and cross-outlet rehashes of the
// same event using fuzzy title similarity, shared entities, and shared
// numeric claims.
func SecondaryDedupe(stories []models.StoryCandidate, threshold float64) []models.StoryCandidate {
	deduped := make([]models.StoryCandidate, 0, len(stories))
	for _, candidate := range stories {
		duplicate := false
		for _, existing := range deduped {
			if isProbableDuplicate(candidate, existing, threshold) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			deduped = append(deduped, candidate)
		}
	}
	return deduped
}

func isProbableDuplicate(candidate, existing models.StoryCandidate, threshold float64) bool {
	if normalizeURL(candidate.SourceURL) == normalizeURL(existing.SourceURL) {
		return true
	}

	candTitle := normalizeTitle(candidate.Title)
	existTitle := normalizeTitle(existing.Title)

	similarity := titleSimilarity(candTitle, existTitle)
	if similarity >= threshold {
		return true
	}

	// Cross-outlet rehash: the combined title+summary text reads the same.
	candSummary := strings.ToLower(strings.TrimSpace(candidate.Summary))
	existSummary := strings.ToLower(strings.TrimSpace(existing.Summary))
	if candSummary != "" && existSummary != "" {
		combined := titleSimilarity(candTitle+" "+candSummary, existTitle+" "+existSummary)
		if combined >= 0.55 {
			return true
		}
	}

	candText := candidate.Title + " " + candidate.Summary
	existText := existing.Title + " " + existing.Summary
	shared := sharedEntities(extractKeyEntities(candText), extractKeyEntities(existText))
	if len(shared) >= 1 && similarity >= 0.55 {
		return true
	}

	// Same dollar amount plus a shared company name strongly implies the
	// same event reported by different outlets.
	if claimsIntersect(ExtractNumericClaims(candText), ExtractNumericClaims(existText)) && len(shared) >= 1 {
		return true
	}

	// Follow-up heuristic: same outlet, nearly the same headline tokens.
	if candidate.SourceName == existing.SourceName {
		if tokenOverlap(candTitle, existTitle) >= 0.8 {
			return true
		}
	}
	return false
}

// FilterPreviouslyPublished removes candidates matching stories the
// newsletter already published within the lookback window, by exact URL,
// exact title, or fuzzy title match.
func FilterPreviouslyPublished(candidates []models.StoryCandidate, published []models.PublishedStory,
	lookbackWeeks int, now time.Time) []models.StoryCandidate {
	cutoff := now.AddDate(0, 0, -7*lookbackWeeks)

	var relevant []models.PublishedStory
	publishedURLs := make(map[string]bool)
	publishedTitles := make(map[string]bool)
	for _, entry := range published {
		if parseIssueDate(entry.IssueDate).Before(cutoff.Truncate(24 * time.Hour)) {
			continue
		}
		relevant = append(relevant, entry)
		publishedURLs[normalizeURL(entry.URL)] = true
		publishedTitles[normalizeTitle(entry.Title)] = true
	}

	filtered := make([]models.StoryCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if publishedURLs[normalizeURL(candidate.SourceURL)] {
			continue
		}
		normTitle := normalizeTitle(candidate.Title)
		if publishedTitles[normTitle] {
			continue
		}

		fuzzyDup := false
		for _, entry := range relevant {
			if titleSimilarity(normTitle, normalizeTitle(entry.Title)) >= 0.82 {
				fuzzyDup = true
				break
			}
		}
		if fuzzyDup {
			continue
		}
		filtered = append(filtered, candidate)
	}
	return filtered
}

// RankStoriesByRelevance scores candidates on topical keywords, source
// tier, and confidence, and returns them sorted highest-first. The sort is
// stable so equal scores keep collection order.
func RankStoriesByRelevance(stories []models.StoryCandidate) []RankedStory {
	ranked := make([]RankedStory, 0, len(stories))
	for _, story := range stories {
		score, reasons := computeRelevance(story)
		ranked = append(ranked, RankedStory{Story: story, Score: score, Reasons: reasons})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

type keywordWeight struct {
	keyword string
	weight  float64
	reason  string
}

var relevanceKeywords = []keywordWeight{
	{"human emulator", 2.5, "human_emulators"},
	{"digital employee", 2.5, "digital_employees"},
	{"ai employee", 2.5, "ai_employees"},
	{"agent", 2.0, "ai_agents"},
	{"digital labor", 2.0, "digital_labor"},
	{"funding", 1.8, "funding"},
	{"raised", 1.2, "funding_signal"},
	{"enterprise", 1.5, "enterprise"},
	{"automation", 1.3, "automation"},
	{"model", 1.0, "model_release"},
}

func computeRelevance(story models.StoryCandidate) (float64, []string) {
	text := strings.ToLower(story.Title + " " + story.Summary)
	score := 0.0
	var reasons []string

	for _, kw := range relevanceKeywords {
		if strings.Contains(text, kw.keyword) {
			score += kw.weight
			reasons = append(reasons, kw.reason)
		}
	}

	switch story.SourceTier {
	case models.Tier1:
		score += 1.0
		reasons = append(reasons, "tier1_source")
	case models.Tier2:
		score += 0.5
		reasons = append(reasons, "tier2_source")
	}

	switch story.Confidence {
	case models.ConfidenceHigh:
		score += 1.0
	case models.ConfidenceMedium:
		score += 0.4
	}
	return score, reasons
}

func normalizeURL(raw string) string {
	stripped := strings.TrimRight(strings.TrimSpace(raw), "/")
	parsed, err := url.Parse(stripped)
	if err != nil {
		return strings.ToLower(stripped)
	}
	host := strings.ToLower(parsed.Host)
	host = strings.TrimPrefix(host, "www.")
	return strings.ToLower(host + parsed.Path)
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func parseIssueDate(raw string) time.Time {
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return ts
}

var (
	// Multi-word entities: "Microsoft Azure", "Google Cloud".
	multiWordEntityRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
	// Mixed-case proper nouns: OpenAI, DeepMind, iPhone.
	mixedCaseNounRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]*[A-Z][a-zA-Z]*\b`)
)

var entityStopwords = map[string]bool{
	"the": true, "this": true, "that": true, "with": true,
	"from": true, "new": true, "how": true, "who": true,
}

func extractKeyEntities(text string) map[string]bool {
	entities := make(map[string]bool)
	for _, m := range multiWordEntityRe.FindAllString(text, -1) {
		entities[strings.ToLower(m)] = true
	}
	for _, m := range mixedCaseNounRe.FindAllString(text, -1) {
		lowered := strings.ToLower(m)
		if len(m) >= 3 && !entityStopwords[lowered] {
			entities[lowered] = true
		}
	}
	return entities
}

func sharedEntities(a, b map[string]bool) map[string]bool {
	shared := make(map[string]bool)
	for entity := range a {
		if b[entity] {
			shared[entity] = true
		}
	}
	return shared
}

func claimsIntersect(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, claim := range a {
		set[claim] = true
	}
	for _, claim := range b {
		if set[claim] {
			return true
		}
	}
	return false
}

func tokenOverlap(a, b string) float64 {
	aTokens := make(map[string]bool)
	for _, tok := range strings.Fields(a) {
		aTokens[tok] = true
	}
	bTokens := make(map[string]bool)
	for _, tok := range strings.Fields(b) {
		bTokens[tok] = true
	}
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	intersection := 0
	for tok := range aTokens {
		if bTokens[tok] {
			intersection++
		}
	}
	union := len(aTokens) + len(bTokens) - intersection
	return float64(intersection) / float64(union)
}

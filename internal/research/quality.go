package research

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/newsletter-agent/internal/compose"
	"github.com/newsletter-agent/internal/models"
)

var trackingQueryKeys = map[string]bool{
	"ref":     true,
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"mkt_tok": true,
}

var redirectQueryKeys = []string{"url", "u", "redirect", "target"}

var redirectHosts = map[string]bool{
	"t.co":            true,
	"l.facebook.com":  true,
	"news.google.com": true,
}

var tier1Domains = map[string]bool{
	"openai.com":    true,
	"anthropic.com": true,
	"blog.google":   true,
	"ai.google":     true,
	"microsoft.com": true,
	"meta.com":      true,
}

var tier2Domains = map[string]bool{
	"techcrunch.com":      true,
	"venturebeat.com":     true,
	"news.crunchbase.com": true,
	"crunchbase.com":      true,
	"wsj.com":             true,
	"bloomberg.com":       true,
	"reuters.com":         true,
	"theverge.com":        true,
}

var (
	numericClaimRe   = regexp.MustCompile(`(?:\$\s?\d[\d,.]*(?:\s?[MBKmbk])?|\d[\d,.]*%|\d[\d,.]*(?:\s?[MBKmbk])?)`)
	collapseSlashRe  = regexp.MustCompile(`/{2,}`)
)

// redirectProber follows redirect-wrapper URLs to their final destination.
// Google News article links encode the target in an opaque path, so the only
// way to recover it is an HTTP HEAD with redirects enabled. Swapped out in
// tests.
var redirectProber = func(rawURL string) string {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (newsletter-agent)")
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	final := resp.Request.URL
	if final != nil && !strings.EqualFold(final.Hostname(), "news.google.com") {
		return final.String()
	}
	return ""
}

// CanonicalizeURL normalizes a story URL so duplicate coverage collapses to
// one key: tracking parameters stripped, known redirect wrappers unwrapped,
// host lowercased without www., doubled slashes collapsed, and no trailing
// slash except at the root.
func CanonicalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if target := unwrapRedirect(parsed); target != "" {
		if reparsed, err := url.Parse(target); err == nil {
			parsed = reparsed
		}
	}

	query := parsed.Query()
	clean := url.Values{}
	for key, values := range query {
		lowered := strings.ToLower(key)
		if trackingQueryKeys[lowered] || strings.HasPrefix(lowered, "utm_") {
			continue
		}
		for _, v := range values {
			if v != "" {
				clean.Add(key, v)
			}
		}
	}

	host := strings.ToLower(parsed.Host)
	host = strings.TrimPrefix(host, "www.")

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	path = collapseSlashRe.ReplaceAllString(path, "/")
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}

	out := url.URL{Scheme: scheme, Host: host, Path: path, RawQuery: clean.Encode()}
	return out.String()
}

func unwrapRedirect(parsed *url.URL) string {
	if parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	if !redirectHosts[host] {
		return ""
	}

	// Google News RSS article URLs carry the target in an encoded path,
	// not a query parameter.
	if host == "news.google.com" && strings.Contains(parsed.Path, "/rss/articles/") {
		probe := *parsed
		if probe.Scheme == "" {
			probe.Scheme = "https"
		}
		return redirectProber(probe.String())
	}

	query := parsed.Query()
	for _, key := range redirectQueryKeys {
		if target := query.Get(key); target != "" {
			return target
		}
	}
	return ""
}

// AssignSourceTier classifies a URL's canonical domain into a trust tier.
func AssignSourceTier(rawURL string) models.SourceTier {
	parsed, err := url.Parse(CanonicalizeURL(rawURL))
	if err != nil {
		return models.Tier3
	}
	host := parsed.Host
	if tier1Domains[host] {
		return models.Tier1
	}
	if tier2Domains[host] {
		return models.Tier2
	}
	return models.Tier3
}

// ApplyCanonicalizationAndTiering rewrites every candidate's URL into its
// canonical form and floors its confidence at the tier default.
func ApplyCanonicalizationAndTiering(stories []models.StoryCandidate) []models.StoryCandidate {
	out := make([]models.StoryCandidate, 0, len(stories))
	for _, story := range stories {
		canonical := CanonicalizeURL(story.SourceURL)
		tier := AssignSourceTier(canonical)

		story.SourceURL = canonical
		story.SourceTier = tier
		story.Confidence = story.Confidence.Max(defaultConfidenceForTier(tier))
		story = story.WithMetadata("canonical_url", canonical).
			WithMetadata("source_tier", int(tier))
		out = append(out, story)
	}
	return out
}

func defaultConfidenceForTier(tier models.SourceTier) models.Confidence {
	switch tier {
	case models.Tier1:
		return models.ConfidenceHigh
	case models.Tier2:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// ExtractNumericClaims pulls dollar figures, percentages, and magnitude
// numbers out of free text, with internal whitespace removed so "$6.5 B"
// and "$6.5B" compare equal.
func ExtractNumericClaims(text string) []string {
	matches := numericClaimRe.FindAllString(text, -1)
	claims := make([]string, 0, len(matches))
	for _, m := range matches {
		claims = append(claims, strings.ReplaceAll(m, " ", ""))
	}
	return claims
}

// EnforceNumericClaimVerification promotes stories whose numeric claims are
// corroborated (tier-1 source, or the same claim from two distinct domains)
// to high confidence, and demotes unverified numeric claims to low with a
// note the planner can surface.
func EnforceNumericClaimVerification(stories []models.StoryCandidate) []models.StoryCandidate {
	claimDomains := make(map[string]map[string]bool)
	for _, story := range stories {
		for _, claim := range ExtractNumericClaims(story.Title + " " + story.Summary) {
			if claimDomains[claim] == nil {
				claimDomains[claim] = make(map[string]bool)
			}
			if parsed, err := url.Parse(story.SourceURL); err == nil {
				claimDomains[claim][parsed.Host] = true
			}
		}
	}

	out := make([]models.StoryCandidate, 0, len(stories))
	for _, story := range stories {
		claims := ExtractNumericClaims(story.Title + " " + story.Summary)
		if len(claims) == 0 {
			out = append(out, story)
			continue
		}

		verified := story.SourceTier == models.Tier1
		if !verified {
			domains := make(map[string]bool)
			for _, claim := range claims {
				for domain := range claimDomains[claim] {
					domains[domain] = true
				}
			}
			verified = len(domains) >= 2
		}

		if verified {
			story.Confidence = models.ConfidenceHigh
			story = story.WithMetadata("numeric_claims_verified", true)
		} else {
			story.Confidence = models.ConfidenceLow
			story = story.WithMetadata("numeric_claims_verified", false).
				WithMetadata("verification_note", "numeric claims unverified")
		}
		out = append(out, story)
	}
	return out
}

// EnforceRecency drops stories published outside [startAt, endAt] and keeps
// stories with no timestamp at low confidence with a flag, so a missing date
// never silently inflates trust.
func EnforceRecency(stories []models.StoryCandidate, startAt, endAt time.Time) []models.StoryCandidate {
	start := startAt.UTC()
	end := endAt.UTC()

	out := make([]models.StoryCandidate, 0, len(stories))
	for _, story := range stories {
		if story.PublishedAt == nil {
			story.Confidence = models.ConfidenceLow
			story = story.WithMetadata("missing_timestamp", true).
				WithMetadata("verification_note", "missing published_at")
			out = append(out, story)
			continue
		}
		ts := story.PublishedAt.UTC()
		if ts.Before(start) || ts.After(end) {
			continue
		}
		out = append(out, story)
	}
	return out
}

// ValidateCitationFields reports every missing citation field so a bad batch
// fails loudly before planning instead of producing an uncitable issue.
func ValidateCitationFields(stories []models.StoryCandidate) []string {
	var errs []string
	for i, story := range stories {
		if story.SourceURL == "" {
			errs = append(errs, fmt.Sprintf("story[%d] missing source_url", i))
		}
		if story.SourceName == "" {
			errs = append(errs, fmt.Sprintf("story[%d] missing source_name", i))
		}
		if story.PublishedAt == nil {
			errs = append(errs, fmt.Sprintf("story[%d] missing published_at", i))
		}
		switch story.Confidence {
		case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
		default:
			errs = append(errs, fmt.Sprintf("story[%d] has invalid confidence", i))
		}
	}
	return errs
}

// ToPlanningInputs converts ranked candidates into the planner's input shape.
func ToPlanningInputs(stories []models.StoryCandidate) []compose.PlanningInput {
	inputs := make([]compose.PlanningInput, 0, len(stories))
	for _, story := range stories {
		input := compose.PlanningInput{
			Title:      story.Title,
			SourceURL:  story.SourceURL,
			SourceName: story.SourceName,
			Confidence: string(story.Confidence),
			SourceTier: int(story.SourceTier),
			Summary:    story.Summary,
		}
		if story.PublishedAt != nil {
			input.PublishedAt = story.PublishedAt.UTC().Format(time.RFC3339)
		}
		inputs = append(inputs, input)
	}
	return inputs
}

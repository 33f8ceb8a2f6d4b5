package chat

import (
	"fmt"
	"strings"

	"github.com/newsletter-agent/internal/models"
)

// maxPreviewChunkChars keeps each preview message under the transport's
// per-message text limit with headroom for markdown expansion.
const maxPreviewChunkChars = 2800

// FormatPreview renders a newsletter payload into sequential preview
// messages for the review thread. The first element is the thread root.
func FormatPreview(payload models.JSON) []string {
	sections := buildPreviewSections(payload)
	full := strings.Join(sections, "\n\n")

	chunks := SplitText(full, maxPreviewChunkChars)
	if len(chunks) <= 1 {
		return chunks
	}
	for i := 1; i < len(chunks); i++ {
		chunks[i] = fmt.Sprintf("*Draft preview continued (%d/%d)*\n%s", i+1, len(chunks), chunks[i])
	}
	return chunks
}

func buildPreviewSections(payload models.JSON) []string {
	var sections []string

	name := payload.String("newsletter_name")
	if name == "" {
		name = "Newsletter"
	}
	issueDate := payload.String("issue_date")
	if issueDate == "" {
		issueDate = "unknown"
	}
	sections = append(sections, fmt.Sprintf("*%s*\nIssue date: %s", name, issueDate))

	if intro := payload.String("intro"); intro != "" {
		sections = append(sections, intro)
	}

	if updates, ok := payload["team_updates"].([]interface{}); ok && len(updates) > 0 {
		lines := []string{"*What We've Been Up To*"}
		for _, raw := range updates {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			title := strings.TrimSpace(stringField(item, "title"))
			summary := strings.TrimSpace(stringField(item, "summary"))
			if title != "" {
				lines = append(lines, fmt.Sprintf("• *%s* - %s", title, summary))
			}
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if stories, ok := payload["industry_stories"].([]interface{}); ok {
		lines := []string{"*This Week in AI*"}
		for _, raw := range stories {
			story, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			lines = append(lines, fmt.Sprintf(
				"• *<%s|%s>*\n  %s\n  _Why it matters:_ %s (confidence: %s)",
				strings.TrimSpace(stringField(story, "source_url")),
				strings.TrimSpace(stringField(story, "headline")),
				strings.TrimSpace(stringField(story, "hook")),
				strings.TrimSpace(stringField(story, "why_it_matters")),
				strings.TrimSpace(stringField(story, "confidence")),
			))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if cta, ok := payload["cta"].(map[string]interface{}); ok {
		if text := strings.TrimSpace(stringField(cta, "text")); text != "" {
			sections = append(sections, "*CTA*\n"+text)
		}
	}

	var nonEmpty []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return nonEmpty
}

// SplitText splits text into chunks no longer than maxChars, preferring
// newline boundaries, then spaces, then a hard cut.
func SplitText(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	current := text
	for len(current) > maxChars {
		splitAt := strings.LastIndex(current[:maxChars], "\n")
		if splitAt == -1 {
			splitAt = strings.LastIndex(current[:maxChars], " ")
		}
		if splitAt == -1 {
			splitAt = maxChars
		}
		if chunk := strings.TrimSpace(current[:splitAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current = strings.TrimSpace(current[splitAt:])
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

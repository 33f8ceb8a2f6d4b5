package compose

import (
	"fmt"
	"strings"

	"github.com/newsletter-agent/internal/models"
)

// SchemaError reports a structural problem in a generated payload. Its
// message is fed back to the model in the repair loop, so it must name the
// offending path precisely.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Problems, "; ")
}

var validConfidence = map[string]bool{"high": true, "medium": true, "low": true}

// ValidatePlan checks the planner output structure: a team section, an
// industry section with complete citation fields, and a call to action.
func ValidatePlan(payload models.JSON) error {
	var problems []string

	team, ok := payload["team_section"].(map[string]interface{})
	if !ok {
		problems = append(problems, "team_section must be an object")
	} else if _, ok := team["items"].([]interface{}); !ok {
		problems = append(problems, "team_section.items must be an array")
	}

	industry, ok := payload["industry_section"].(map[string]interface{})
	if !ok {
		problems = append(problems, "industry_section must be an object")
	} else {
		items, ok := industry["items"].([]interface{})
		if !ok {
			problems = append(problems, "industry_section.items must be an array")
		} else {
			problems = append(problems, validateStoryItems(items, "industry_section.items")...)
		}
	}

	if _, ok := payload["cta"].(map[string]interface{}); !ok {
		problems = append(problems, "cta must be an object")
	}

	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

// ValidateNewsletter checks the canonical newsletter payload used for
// rendering, preview, and archival.
func ValidateNewsletter(payload models.JSON) error {
	var problems []string

	for _, key := range []string{"newsletter_name", "issue_date", "subject_line", "preheader", "intro"} {
		if s, ok := payload[key].(string); !ok || strings.TrimSpace(s) == "" {
			problems = append(problems, fmt.Sprintf("%s must be a non-empty string", key))
		}
	}

	if _, ok := payload["team_updates"].([]interface{}); !ok {
		problems = append(problems, "team_updates must be an array")
	}

	stories, ok := payload["industry_stories"].([]interface{})
	if !ok {
		problems = append(problems, "industry_stories must be an array")
	} else {
		problems = append(problems, validateStoryItems(stories, "industry_stories")...)
	}

	cta, ok := payload["cta"].(map[string]interface{})
	if !ok {
		problems = append(problems, "cta must be an object")
	} else if s, _ := cta["text"].(string); strings.TrimSpace(s) == "" {
		problems = append(problems, "cta.text must be a non-empty string")
	}

	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

func validateStoryItems(items []interface{}, path string) []string {
	var problems []string
	for i, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			problems = append(problems, fmt.Sprintf("%s[%d] must be an object", path, i))
			continue
		}
		for _, key := range []string{"headline", "hook", "why_it_matters", "source_url", "source_name", "published_at"} {
			if s, ok := item[key].(string); !ok || strings.TrimSpace(s) == "" {
				problems = append(problems, fmt.Sprintf("%s[%d].%s must be a non-empty string", path, i, key))
			}
		}
		if url, _ := item["source_url"].(string); url != "" && !strings.HasPrefix(url, "https://") {
			problems = append(problems, fmt.Sprintf("%s[%d].source_url must be an https URL", path, i))
		}
		conf, _ := item["confidence"].(string)
		if !validConfidence[conf] {
			problems = append(problems, fmt.Sprintf("%s[%d].confidence must be high, medium, or low", path, i))
		}
	}
	return problems
}

package compose

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/deadletter"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/pkg/logger"
)

// CompositionError is raised when a generation stage exhausts its repair
// attempts. It is distinguishable from transient external errors; the full
// input and last bad output live in the dead letter.
type CompositionError struct {
	Stage          string
	Attempts       int
	LastError      string
	DeadLetterPath string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("%s composition failed after %d attempts: %s (dead letter: %s)",
		e.Stage, e.Attempts, e.LastError, e.DeadLetterPath)
}

const plannerSystemPrompt = "You are a newsletter planning assistant. Return valid JSON only. " +
	"Do not include markdown fences or prose outside the JSON object."

// PlanningInput is a ranked story prepared for the planner prompt.
type PlanningInput struct {
	Title       string `json:"title"`
	SourceURL   string `json:"source_url"`
	SourceName  string `json:"source_name"`
	PublishedAt string `json:"published_at,omitempty"`
	Confidence  string `json:"confidence"`
	SourceTier  int    `json:"source_tier"`
	Summary     string `json:"summary,omitempty"`
}

// Planner generates the newsletter outline from team updates and ranked
// story inputs, with a bounded repair-retry loop around schema validation.
type Planner struct {
	generator   ai.Generator
	deadLetters *deadletter.Writer
	maxAttempts int
	log         *logger.Logger
}

// NewPlanner creates a planner stage.
func NewPlanner(generator ai.Generator, deadLetters *deadletter.Writer, maxAttempts int, log *logger.Logger) *Planner {
	return &Planner{
		generator:   generator,
		deadLetters: deadLetters,
		maxAttempts: maxAttempts,
		log:         log.WithComponent("planner"),
	}
}

// CreatePlan generates and validates planner JSON. Each failed attempt
// feeds the validation error and the invalid output back to the model.
func (p *Planner) CreatePlan(ctx context.Context, updates []models.TeamUpdate, stories []PlanningInput) (models.JSON, error) {
	input := map[string]interface{}{
		"team_updates":     updatesForPrompt(updates),
		"industry_stories": stories,
	}

	prompt := p.buildPrompt(input)
	lastError := "unknown"
	var lastOutput string

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := p.generator.Complete(ctx, plannerSystemPrompt, prompt, 0.1, 4096)
		if err != nil {
			return nil, err
		}
		lastOutput = result.Content

		payload, err := ExtractJSONObject(result.Content)
		if err == nil {
			if err = ValidatePlan(payload); err == nil {
				return payload, nil
			}
		}
		lastError = err.Error()
		p.log.Warn().Int("attempt", attempt).Str("error", lastError).Msg("Plan output invalid, repairing")
		prompt = repairPrompt(prompt, result.Content, lastError)
	}

	path, dlErr := p.deadLetters.Save(deadletter.Record{
		Stage:           "planner",
		Error:           lastError,
		Attempts:        p.maxAttempts,
		Payload:         input,
		LastModelOutput: lastOutput,
	})
	if dlErr != nil {
		p.log.Error().Err(dlErr).Msg("Failed to persist composition dead letter")
	}
	return nil, &CompositionError{
		Stage:          "planner",
		Attempts:       p.maxAttempts,
		LastError:      lastError,
		DeadLetterPath: path,
	}
}

func (p *Planner) buildPrompt(input map[string]interface{}) string {
	body, _ := json.MarshalIndent(input, "", "  ")
	return "Plan this week's newsletter using the provided inputs.\n" +
		"RULES:\n" +
		"- Numeric claims require confidence high; otherwise avoid hard numbers or label as reportedly.\n" +
		"- Only include stories in the current issue window unless explicitly marked unavoidable.\n" +
		"- Include confidence for each industry item.\n" +
		"Return a JSON object with this exact structure (no extra keys):\n" +
		"{\n" +
		"  \"team_section\": {\"include\": true, \"items\": [{\"title\": \"...\", \"summary\": \"...\"}]},\n" +
		"  \"industry_section\": {\"items\": [{\n" +
		"    \"headline\": \"...\", \"hook\": \"...\", \"why_it_matters\": \"...\",\n" +
		"    \"source_url\": \"https://...\", \"source_name\": \"...\",\n" +
		"    \"published_at\": \"2026-02-28\", \"confidence\": \"high|medium|low\"\n" +
		"  }]},\n" +
		"  \"cta\": {\"text\": \"...\"}\n" +
		"}\n\n" +
		"INPUT:\n" + string(body)
}

func repairPrompt(original, invalidOutput, errorMessage string) string {
	return "Your previous output was invalid. Repair and return only valid JSON.\n" +
		"Validation error: " + errorMessage + "\n\n" +
		"Original task:\n" + original + "\n\n" +
		"Invalid output:\n" + invalidOutput
}

func updatesForPrompt(updates []models.TeamUpdate) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(updates))
	for _, u := range updates {
		out = append(out, map[string]interface{}{
			"text":           u.Text,
			"thread_replies": u.ThreadReplies,
		})
	}
	return out
}

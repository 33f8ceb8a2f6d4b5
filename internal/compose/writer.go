package compose

import (
	"context"
	"encoding/json"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/deadletter"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/pkg/logger"
)

const writerSystemPrompt = "You are a newsletter copywriter. Return valid JSON only. " +
	"Do not include markdown fences or prose outside the JSON object.\n\n" + voiceStyleGuide

const voiceStyleGuide = "VOICE AND STYLE:\n" +
	"- Direct, concrete, no hype. Short sentences.\n" +
	"- Lead with what happened, then why the reader should care.\n" +
	"- Never invent facts, quotes, or numbers not present in the input.\n" +
	"- Numeric claims only when the item's confidence is high; otherwise soften with reportedly.\n" +
	"- Keep titles under 80 characters and summaries under 3 sentences."

// Writer turns a planner outline into full newsletter copy and applies
// reviewer feedback revisions, with the same repair loop as the planner.
type Writer struct {
	generator   ai.Generator
	deadLetters *deadletter.Writer
	maxAttempts int
	log         *logger.Logger
}

// NewWriter creates a writer stage.
func NewWriter(generator ai.Generator, deadLetters *deadletter.Writer, maxAttempts int, log *logger.Logger) *Writer {
	return &Writer{
		generator:   generator,
		deadLetters: deadLetters,
		maxAttempts: maxAttempts,
		log:         log.WithComponent("writer"),
	}
}

// WriteNewsletter generates complete newsletter JSON from a validated plan.
func (w *Writer) WriteNewsletter(ctx context.Context, runID, newsletterName, issueDate string, plan models.JSON) (models.JSON, error) {
	input := map[string]interface{}{
		"newsletter_name": newsletterName,
		"issue_date":      issueDate,
		"plan":            map[string]interface{}(plan),
	}
	prompt := "Write the complete newsletter from this plan.\n" +
		newsletterSchemaBlock + "\n\nINPUT:\n" + mustJSON(input)
	return w.generate(ctx, runID, "writer", input, prompt)
}

// ReviseNewsletter rewrites an existing draft applying reviewer feedback.
// Structure is preserved; only the copy the feedback targets may change.
func (w *Writer) ReviseNewsletter(ctx context.Context, runID string, current models.JSON, feedback string) (models.JSON, error) {
	input := map[string]interface{}{
		"current_newsletter": map[string]interface{}(current),
		"feedback":           feedback,
	}
	prompt := "Revise the newsletter below according to the reviewer feedback.\n" +
		"Keep the same JSON structure and all fields. Only change content the feedback asks about.\n" +
		"Do not add or remove stories unless the feedback explicitly requests it.\n" +
		newsletterSchemaBlock + "\n\nINPUT:\n" + mustJSON(input)
	return w.generate(ctx, runID, "writer_revision", input, prompt)
}

func (w *Writer) generate(ctx context.Context, runID, stage string, input map[string]interface{}, prompt string) (models.JSON, error) {
	lastError := "unknown"
	var lastOutput string

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		result, err := w.generator.Complete(ctx, writerSystemPrompt, prompt, 0.4, 8192)
		if err != nil {
			return nil, err
		}
		lastOutput = result.Content

		payload, err := ExtractJSONObject(result.Content)
		if err == nil {
			if err = ValidateNewsletter(payload); err == nil {
				return payload, nil
			}
		}
		lastError = err.Error()
		w.log.Warn().Str("run_id", runID).Int("attempt", attempt).
			Str("error", lastError).Msg("Newsletter output invalid, repairing")
		prompt = repairPrompt(prompt, result.Content, lastError)
	}

	path, dlErr := w.deadLetters.Save(deadletter.Record{
		RunID:           runID,
		Stage:           stage,
		Error:           lastError,
		Attempts:        w.maxAttempts,
		Payload:         input,
		LastModelOutput: lastOutput,
	})
	if dlErr != nil {
		w.log.Error().Err(dlErr).Msg("Failed to persist composition dead letter")
	}
	return nil, &CompositionError{
		Stage:          stage,
		Attempts:       w.maxAttempts,
		LastError:      lastError,
		DeadLetterPath: path,
	}
}

const newsletterSchemaBlock = "Return a JSON object with this exact structure (no extra keys):\n" +
	"{\n" +
	"  \"newsletter_name\": \"...\", \"issue_date\": \"...\",\n" +
	"  \"subject_line\": \"...\", \"preheader\": \"...\", \"intro\": \"...\",\n" +
	"  \"team_updates\": [{\"title\": \"...\", \"summary\": \"...\"}],\n" +
	"  \"industry_stories\": [{\n" +
	"    \"headline\": \"...\", \"hook\": \"...\", \"why_it_matters\": \"...\",\n" +
	"    \"source_url\": \"https://...\", \"source_name\": \"...\",\n" +
	"    \"published_at\": \"2026-02-28\", \"confidence\": \"high|medium|low\"\n" +
	"  }],\n" +
	"  \"cta\": {\"text\": \"...\"}\n" +
	"}"

func mustJSON(v interface{}) string {
	body, _ := json.MarshalIndent(v, "", "  ")
	return string(body)
}

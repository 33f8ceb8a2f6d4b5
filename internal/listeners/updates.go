package listeners

import (
	"context"
	"regexp"
	"strings"

	"github.com/newsletter-agent/internal/ai"
	"github.com/newsletter-agent/internal/orchestrator"
)

// Some chat integrations append inline attribution ("*Sent using* <@BOT>")
// to forwarded messages; strip it before keyword matching.
var attributionRe = regexp.MustCompile(`(?is)\s*\*Sent\s+using\*.*$`)

const validatorPrompt = "You are a newsletter editor. Evaluate this team update for clarity. " +
	"If clear and complete, respond with CLEAR. " +
	"If unclear, respond with one clarifying question per line."

// TeamUpdateOutcome is the result of processing a team update message.
type TeamUpdateOutcome struct {
	Status           string
	Questions        []string
	IncludeRequested bool
}

// TeamUpdateHandler validates team updates and manages the late-update
// include flow.
type TeamUpdateHandler struct {
	gen   ai.Generator
	state *orchestrator.ConversationState
}

func NewTeamUpdateHandler(gen ai.Generator, state *orchestrator.ConversationState) *TeamUpdateHandler {
	return &TeamUpdateHandler{gen: gen, state: state}
}

// HandleTopLevelUpdate records a top-level update. Updates that arrive after
// the collection cutoff get an include prompt instead of clarity validation.
func (h *TeamUpdateHandler) HandleTopLevelUpdate(ctx context.Context, messageTS, text string, isLate bool) (TeamUpdateOutcome, error) {
	h.state.RecordTeamUpdateRoot(ctx, messageTS, text)

	if isLate {
		h.state.RecordLateUpdate(ctx, messageTS, text)
		return TeamUpdateOutcome{Status: "late_update_prompt"}, nil
	}
	return h.validate(ctx, text)
}

// HandleThreadReply handles replies under team-update threads: an "include"
// reply on a pending late update requests inclusion, anything else is kept
// as clarification context.
func (h *TeamUpdateHandler) HandleThreadReply(ctx context.Context, threadTS, text string) TeamUpdateOutcome {
	normalized := strings.ToLower(strings.TrimSpace(attributionRe.ReplaceAllString(text, "")))
	if h.state.IsPendingLateInclude(threadTS) && normalized == "include" {
		return TeamUpdateOutcome{Status: "include_late_update", IncludeRequested: true}
	}

	h.state.AddClarificationReply(threadTS, text)
	return TeamUpdateOutcome{Status: "clarification_context"}
}

// IsLateUpdateThread reports whether the thread is a late update still
// awaiting an include/skip decision.
func (h *TeamUpdateHandler) IsLateUpdateThread(threadTS string) bool {
	return h.state.IsPendingLateInclude(threadTS)
}

func (h *TeamUpdateHandler) validate(ctx context.Context, text string) (TeamUpdateOutcome, error) {
	res, err := h.gen.Complete(ctx, validatorPrompt, text, 0.0, 400)
	if err != nil {
		return TeamUpdateOutcome{}, err
	}

	normalized := strings.TrimSpace(res.Content)
	if strings.EqualFold(normalized, "CLEAR") {
		return TeamUpdateOutcome{Status: "clear"}, nil
	}

	var questions []string
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "- "))
		if line != "" {
			questions = append(questions, line)
		}
	}
	return TeamUpdateOutcome{Status: "needs_clarification", Questions: questions}, nil
}

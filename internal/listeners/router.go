package listeners

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/draft"
	"github.com/newsletter-agent/internal/orchestrator"
)

var replayCommandRe = regexp.MustCompile(`(?i)^replay\s+([\w-]+)$`)

// RoutingOutcome is the result of dispatching a message.
type RoutingOutcome struct {
	Action       string
	Detail       string
	RunID        string
	DraftVersion int
	Questions    []string
}

// CommandFunc executes a channel-triggered workflow command.
type CommandFunc func(ctx context.Context) orchestrator.Outcome

// Dispatcher routes inbound messages through the ordered listener chain.
// Order matters: commands first, then approval, then feedback on the draft
// thread, then late-update and clarification threads, and finally top-level
// team updates.
type Dispatcher struct {
	botUserID string
	drafts    *draft.Manager
	state     *orchestrator.ConversationState
	approval  *ApprovalHandler
	feedback  *FeedbackHandler
	updates   *TeamUpdateHandler

	onManualRun CommandFunc
	onReset     CommandFunc
	onReplay    func(ctx context.Context, runID string) orchestrator.Outcome
	onInclude   func(ctx context.Context, threadTS string) orchestrator.Outcome
}

// NewDispatcher assembles the routing chain.
func NewDispatcher(botUserID string, drafts *draft.Manager, state *orchestrator.ConversationState,
	approval *ApprovalHandler, feedback *FeedbackHandler, updates *TeamUpdateHandler,
	onManualRun, onReset CommandFunc,
	onReplay func(ctx context.Context, runID string) orchestrator.Outcome,
	onInclude func(ctx context.Context, threadTS string) orchestrator.Outcome) *Dispatcher {
	return &Dispatcher{
		botUserID:   botUserID,
		drafts:      drafts,
		state:       state,
		approval:    approval,
		feedback:    feedback,
		updates:     updates,
		onManualRun: onManualRun,
		onReset:     onReset,
		onReplay:    onReplay,
		onInclude:   onInclude,
	}
}

// Dispatch routes an event and executes the matching branch.
func (d *Dispatcher) Dispatch(ctx context.Context, event chat.Event) (RoutingOutcome, error) {
	text := strings.TrimSpace(event.Text)
	threadTS := strings.TrimSpace(event.ThreadTS)

	if d.isSelfMessage(event) {
		return RoutingOutcome{Action: "ignore", Detail: "self_message"}, nil
	}

	// Commands match on the first line only; chat apps may append
	// attribution below it.
	firstLine, _, _ := strings.Cut(text, "\n")
	firstLine = strings.TrimSpace(firstLine)

	switch strings.ToLower(firstLine) {
	case "run":
		result := d.onManualRun(ctx)
		return RoutingOutcome{Action: "manual_run", Detail: result.Reason, RunID: result.RunID}, nil
	case "reset":
		result := d.onReset(ctx)
		return RoutingOutcome{Action: "reset", Detail: result.Reason, RunID: result.RunID}, nil
	}

	if m := replayCommandRe.FindStringSubmatch(firstLine); m != nil {
		result := d.onReplay(ctx, m[1])
		return RoutingOutcome{Action: "replay", Detail: result.Reason, RunID: m[1]}, nil
	}

	if IsApprovalText(text) {
		outcome, err := d.approval.Handle(ctx, text, threadTS)
		if err != nil {
			return RoutingOutcome{}, err
		}
		return RoutingOutcome{Action: "approval", Detail: outcome.Reason, RunID: outcome.RunID}, nil
	}

	current, err := d.drafts.GetCurrent(ctx)
	if err != nil {
		return RoutingOutcome{}, err
	}
	if threadTS != "" && current != nil && current.ThreadTS != "" && threadTS == current.ThreadTS {
		outcome, err := d.feedback.Handle(ctx, text, threadTS)
		if err != nil {
			return RoutingOutcome{}, err
		}
		return RoutingOutcome{Action: "feedback", Detail: outcome.Reason, DraftVersion: outcome.DraftVersion}, nil
	}

	if threadTS != "" && d.updates.IsLateUpdateThread(threadTS) {
		outcome := d.updates.HandleThreadReply(ctx, threadTS, text)
		if outcome.IncludeRequested {
			result := d.onInclude(ctx, threadTS)
			return RoutingOutcome{Action: "late_update_include", Detail: result.Reason, DraftVersion: result.DraftVersion}, nil
		}
		return RoutingOutcome{Action: "late_update_thread", Detail: outcome.Status}, nil
	}

	if threadTS != "" && d.state.IsTeamUpdateThread(threadTS) {
		outcome := d.updates.HandleThreadReply(ctx, threadTS, text)
		return RoutingOutcome{Action: "clarification_context", Detail: outcome.Status}, nil
	}

	isLate := false
	if postedAt, ok := parseMessageTime(event.TS); ok {
		isLate = d.state.IsLateUpdate(postedAt)
	}

	outcome, err := d.updates.HandleTopLevelUpdate(ctx, event.TS, text, isLate)
	if err != nil {
		return RoutingOutcome{}, err
	}
	switch outcome.Status {
	case "late_update_prompt":
		return RoutingOutcome{Action: "late_update_prompt", Detail: "late_update"}, nil
	case "needs_clarification":
		return RoutingOutcome{Action: "team_update", Detail: "needs_clarification", Questions: outcome.Questions}, nil
	default:
		return RoutingOutcome{Action: "team_update", Detail: outcome.Status}, nil
	}
}

func (d *Dispatcher) isSelfMessage(event chat.Event) bool {
	if event.Subtype == "bot_message" || event.BotID != "" {
		return true
	}
	return event.UserID != "" && event.UserID == d.botUserID
}

// parseMessageTime converts a provider timestamp ("1712345678.000200")
// into a UTC time.
func parseMessageTime(ts string) (time.Time, bool) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMicro(int64(seconds * 1e6)).UTC(), true
}

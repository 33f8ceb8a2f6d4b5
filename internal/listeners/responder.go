package listeners

import (
	"context"
	"fmt"
	"strings"

	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/orchestrator"
	"github.com/newsletter-agent/pkg/logger"
)

var approvalRejectionMessages = map[string]string{
	"draft_stale":             "Draft is stale. Please trigger a fresh research run before approval.",
	"not_latest_draft_thread": "Approval must be posted in the latest draft thread.",
	"no_active_draft":         "No active draft found to approve.",
	"draft_not_pending":       "Draft is not pending review.",
	"draft_missing_ts":        "Draft metadata is incomplete. Please reset and rerun.",
	"sent":                    "Approval received. Newsletter send pipeline completed.",
}

// MessageHandler is the channel entry point: it dispatches an inbound event,
// chains an accepted approval into the send pipeline, and posts the
// human-readable reply.
type MessageHandler struct {
	dispatcher *Dispatcher
	orch       *orchestrator.Orchestrator
	transport  chat.Transport
	channel    string
	log        *logger.Logger
}

func NewMessageHandler(dispatcher *Dispatcher, orch *orchestrator.Orchestrator,
	transport chat.Transport, channel string, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		dispatcher: dispatcher,
		orch:       orch,
		transport:  transport,
		channel:    channel,
		log:        log.WithComponent("listeners"),
	}
}

// HandleEvent processes one inbound message end to end.
func (h *MessageHandler) HandleEvent(ctx context.Context, event chat.Event) {
	outcome, err := h.dispatcher.Dispatch(ctx, event)
	if err != nil {
		h.log.Error().Err(err).Str("message_ts", event.TS).Msg("message handling failed")
		h.reply(ctx, event, fmt.Sprintf("Message handling failed. Manual intervention may be needed: %v", err))
		return
	}

	if outcome.Action == "approval" && outcome.Detail == "approved" {
		send := h.orch.SendApprovedRun(ctx, outcome.RunID)
		if send.Accepted {
			outcome.Detail = "sent"
		} else {
			outcome.Detail = "send_failed:" + send.Reason
		}
	}

	h.respond(ctx, event, outcome)
}

func (h *MessageHandler) respond(ctx context.Context, event chat.Event, outcome RoutingOutcome) {
	switch outcome.Action {
	case "ignore", "late_update_thread":
		// A reply in a late-update thread that is not "include" is noted
		// silently as clarification context.
		return

	case "approval":
		if reason, ok := strings.CutPrefix(outcome.Detail, "send_failed:"); ok {
			h.reply(ctx, event, "Approval accepted but send failed: "+reason)
			return
		}
		if msg, ok := approvalRejectionMessages[outcome.Detail]; ok {
			h.reply(ctx, event, msg)
			return
		}
		h.reply(ctx, event, "Approval rejected: "+outcome.Detail)

	case "feedback":
		switch outcome.Detail {
		case "revised":
			h.reply(ctx, event, fmt.Sprintf("Feedback applied. Draft updated to v%d.", outcome.DraftVersion))
		case "max_revisions_reached":
			h.reply(ctx, event, "Maximum revisions reached. Use `reset` to run a fresh cycle.")
		default:
			h.reply(ctx, event, "Feedback ignored: "+outcome.Detail)
		}

	case "late_update_prompt":
		h.reply(ctx, event, "This update arrived after this week's collection window. "+
			"Reply 'include' to add it to the current draft, or it will be picked up next week.")

	case "late_update_include":
		if outcome.Detail == "included" {
			h.reply(ctx, event, "Late update included in the current draft and a redraft was posted.")
			return
		}
		h.reply(ctx, event, "Late update include failed: "+outcome.Detail)

	case "manual_run", "reset", "replay":
		h.reply(ctx, event, commandReply(outcome))

	case "team_update":
		switch outcome.Detail {
		case "clear":
			h.reply(ctx, event, "Update captured. ✅")
		case "needs_clarification":
			if len(outcome.Questions) == 0 {
				h.reply(ctx, event, "Could you add more detail/context for this update?")
				return
			}
			var b strings.Builder
			b.WriteString("Thanks. A few clarifications would help:\n")
			for _, q := range outcome.Questions {
				b.WriteString("- " + q + "\n")
			}
			h.reply(ctx, event, strings.TrimRight(b.String(), "\n"))
		}

	case "clarification_context":
		h.reply(ctx, event, "Thanks — context noted. ✅")
	}
}

func commandReply(outcome RoutingOutcome) string {
	switch outcome.Detail {
	case "run_completed":
		return fmt.Sprintf("Run completed. Draft is ready for review (run %s).", outcome.RunID)
	case "sent":
		return fmt.Sprintf("Replay completed. Run %s finished the send pipeline.", outcome.RunID)
	case "already_sent":
		return fmt.Sprintf("Run %s has already been sent.", outcome.RunID)
	case "run_not_found":
		return fmt.Sprintf("No run found with ID %s.", outcome.RunID)
	default:
		if holder, ok := strings.CutPrefix(outcome.Detail, "run_locked:"); ok {
			return "A run is already in progress (held by " + holder + ")."
		}
		return fmt.Sprintf("%s command finished: %s", outcome.Action, outcome.Detail)
	}
}

func (h *MessageHandler) reply(ctx context.Context, event chat.Event, text string) {
	threadTS := event.ThreadTS
	if threadTS == "" {
		threadTS = event.TS
	}
	if _, err := h.transport.PostThreadReply(ctx, h.channel, threadTS, text); err != nil {
		h.log.Error().Err(err).Str("thread_ts", threadTS).Msg("failed to post reply")
	}
}

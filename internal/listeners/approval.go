// Package listeners routes inbound review-channel messages through an
// ordered handler chain: commands, approval, feedback, late-update and
// clarification threads, then top-level team updates.
package listeners

import (
	"context"
	"regexp"
	"time"

	"github.com/newsletter-agent/internal/draft"
	"github.com/newsletter-agent/internal/models"
)

var approvalRe = regexp.MustCompile(`(?i)\bapproved\b`)

// IsApprovalText detects the approval token in a message.
func IsApprovalText(text string) bool {
	return approvalRe.MatchString(text)
}

// ApprovalOutcome is the result of approval processing.
type ApprovalOutcome struct {
	Accepted bool
	Reason   string
	RunID    string
}

// ApprovalHandler applies approval guardrails against the latest active draft.
type ApprovalHandler struct {
	drafts *draft.Manager
	now    func() time.Time
}

func NewApprovalHandler(drafts *draft.Manager) *ApprovalHandler {
	return &ApprovalHandler{drafts: drafts, now: time.Now}
}

// Handle validates an approval message posted in a draft thread and marks
// the draft approved when every guardrail passes.
func (h *ApprovalHandler) Handle(ctx context.Context, messageText, threadTS string) (ApprovalOutcome, error) {
	if !IsApprovalText(messageText) {
		return ApprovalOutcome{Reason: "not_approval_message"}, nil
	}

	current, err := h.drafts.GetCurrent(ctx)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if current == nil {
		return ApprovalOutcome{Reason: "no_active_draft"}, nil
	}
	if current.Status != models.DraftStatusPendingReview {
		return ApprovalOutcome{Reason: "draft_not_pending", RunID: current.RunID}, nil
	}
	if current.ThreadTS == "" {
		return ApprovalOutcome{Reason: "draft_missing_ts", RunID: current.RunID}, nil
	}
	if threadTS != current.ThreadTS {
		return ApprovalOutcome{Reason: "not_latest_draft_thread", RunID: current.RunID}, nil
	}

	stale, err := h.drafts.IsStale(ctx, h.now())
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if stale {
		return ApprovalOutcome{Reason: "draft_stale", RunID: current.RunID}, nil
	}

	updated, err := h.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	return ApprovalOutcome{Accepted: true, Reason: "approved", RunID: updated.RunID}, nil
}

// HandleDirect approves the latest pending draft without thread context.
// Used by the CLI approve command, where no thread timestamp exists, so
// the latest-thread guardrail is skipped.
func (h *ApprovalHandler) HandleDirect(ctx context.Context) (ApprovalOutcome, error) {
	current, err := h.drafts.GetCurrent(ctx)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if current == nil {
		return ApprovalOutcome{Reason: "no_active_draft"}, nil
	}
	if current.Status != models.DraftStatusPendingReview {
		return ApprovalOutcome{Reason: "draft_not_pending", RunID: current.RunID}, nil
	}
	if current.ThreadTS == "" {
		return ApprovalOutcome{Reason: "draft_missing_ts", RunID: current.RunID}, nil
	}

	stale, err := h.drafts.IsStale(ctx, h.now())
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if stale {
		return ApprovalOutcome{Reason: "draft_stale", RunID: current.RunID}, nil
	}

	updated, err := h.drafts.MarkStatus(ctx, models.DraftStatusApproved)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	return ApprovalOutcome{Accepted: true, Reason: "approved", RunID: updated.RunID}, nil
}

package listeners

import (
	"context"

	"github.com/newsletter-agent/internal/draft"
	"github.com/newsletter-agent/internal/models"
)

// RevisionBuilder regenerates the draft from reviewer feedback and persists
// the new version, returning the updated draft row.
type RevisionBuilder func(ctx context.Context, feedback string) (*models.Draft, error)

// FeedbackOutcome is the result of feedback processing.
type FeedbackOutcome struct {
	Accepted     bool
	Reason       string
	DraftVersion int
}

// FeedbackHandler turns replies on the draft thread into draft revisions.
type FeedbackHandler struct {
	drafts *draft.Manager
	build  RevisionBuilder
}

func NewFeedbackHandler(drafts *draft.Manager, build RevisionBuilder) *FeedbackHandler {
	return &FeedbackHandler{drafts: drafts, build: build}
}

// Handle applies feedback if the message targets the latest draft thread.
func (h *FeedbackHandler) Handle(ctx context.Context, messageText, threadTS string) (FeedbackOutcome, error) {
	current, err := h.drafts.GetCurrent(ctx)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if current == nil {
		return FeedbackOutcome{Reason: "no_active_draft"}, nil
	}
	if current.Status != models.DraftStatusPendingReview {
		return FeedbackOutcome{Reason: "draft_not_pending"}, nil
	}
	if threadTS != current.ThreadTS {
		return FeedbackOutcome{Reason: "not_draft_thread"}, nil
	}

	capacity, err := h.drafts.HasRevisionCapacity(ctx)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if !capacity {
		updated, err := h.drafts.MarkStatus(ctx, models.DraftStatusMaxRevisionsReached)
		if err != nil {
			return FeedbackOutcome{}, err
		}
		return FeedbackOutcome{Reason: "max_revisions_reached", DraftVersion: updated.Version}, nil
	}

	updated, err := h.build(ctx, messageText)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if updated.Status == models.DraftStatusMaxRevisionsReached {
		return FeedbackOutcome{Reason: "max_revisions_reached", DraftVersion: updated.Version}, nil
	}
	return FeedbackOutcome{Accepted: true, Reason: "revised", DraftVersion: updated.Version}, nil
}

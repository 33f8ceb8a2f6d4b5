package chat

import (
	"context"
	"strings"
	"time"

	"github.com/newsletter-agent/internal/models"
)

// Reader collects the week's team updates from the review channel,
// including thread replies as extra context for the planner.
type Reader struct {
	transport Transport
	channel   string
}

// NewReader creates a reader over the configured channel.
func NewReader(transport Transport, channel string) *Reader {
	return &Reader{transport: transport, channel: channel}
}

// CollectWeeklyUpdates returns top-level messages in the window with their
// thread replies attached.
func (r *Reader) CollectWeeklyUpdates(ctx context.Context, startAt, endAt time.Time) ([]models.TeamUpdate, error) {
	messages, err := r.transport.ChannelHistory(ctx, r.channel, startAt, endAt)
	if err != nil {
		return nil, err
	}

	updates := make([]models.TeamUpdate, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text)
		if msg.TS == "" || text == "" {
			continue
		}

		var replies []string
		if msg.ThreadTS == msg.TS && msg.ReplyCount > 0 {
			threadMsgs, err := r.transport.ThreadReplies(ctx, r.channel, msg.TS)
			if err != nil {
				return nil, err
			}
			for _, reply := range threadMsgs {
				if replyText := strings.TrimSpace(reply.Text); replyText != "" {
					replies = append(replies, replyText)
				}
			}
		}

		updates = append(updates, models.TeamUpdate{
			MessageTS:     msg.TS,
			UserID:        msg.UserID,
			Text:          text,
			ThreadReplies: replies,
		})
	}
	return updates, nil
}

package slack

import (
	"context"
	"fmt"
	"strconv"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/resilience"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

// Transport implements chat.Transport over the Slack Web API.
type Transport struct {
	client      *slackapi.Client
	policy      *resilience.Policy
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger

	botUserID string
}

// New creates a Slack transport.
func New(cfg config.SlackConfig, maxRetries int, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Transport {
	return &Transport{
		client:      slackapi.New(cfg.BotToken),
		policy:      resilience.NewPolicy("slack_api", maxRetries),
		rateLimiter: limiter,
		log:         log.WithComponent("slack"),
	}
}

// PostMessage posts to a channel and returns the message timestamp.
func (t *Transport) PostMessage(ctx context.Context, channel, text string) (string, error) {
	return t.post(ctx, channel, "", text)
}

// PostThreadReply posts into an existing thread.
func (t *Transport) PostThreadReply(ctx context.Context, channel, threadTS, text string) (string, error) {
	return t.post(ctx, channel, threadTS, text)
}

func (t *Transport) post(ctx context.Context, channel, threadTS, text string) (string, error) {
	if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterSlack); err != nil {
		return "", err
	}

	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}

	var ts string
	err := t.policy.Execute(ctx, func() error {
		_, msgTS, err := t.client.PostMessageContext(ctx, channel, opts...)
		if err != nil {
			return resilience.Transient(err)
		}
		ts = msgTS
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return ts, nil
}

// ChannelHistory returns top-level messages in the window, oldest first,
// following pagination cursors.
func (t *Transport) ChannelHistory(ctx context.Context, channel string, startAt, endAt time.Time) ([]chat.Message, error) {
	var messages []chat.Message
	cursor := ""

	for {
		if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterSlack); err != nil {
			return nil, err
		}

		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: channel,
			Oldest:    formatSlackTS(startAt),
			Latest:    formatSlackTS(endAt),
			Limit:     200,
			Cursor:    cursor,
			Inclusive: true,
		}

		var resp *slackapi.GetConversationHistoryResponse
		err := t.policy.Execute(ctx, func() error {
			r, err := t.client.GetConversationHistoryContext(ctx, params)
			if err != nil {
				return resilience.Transient(err)
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch channel history: %w", err)
		}

		for _, msg := range resp.Messages {
			// Thread replies surface through ThreadReplies, not history.
			if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
				continue
			}
			messages = append(messages, chat.Message{
				TS:         msg.Timestamp,
				ThreadTS:   msg.ThreadTimestamp,
				UserID:     msg.User,
				Text:       msg.Text,
				ReplyCount: msg.ReplyCount,
			})
		}

		cursor = resp.ResponseMetaData.NextCursor
		if cursor == "" {
			break
		}
	}

	// History pages arrive newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ThreadReplies returns the replies under a thread root, excluding the root.
func (t *Transport) ThreadReplies(ctx context.Context, channel, threadTS string) ([]chat.Message, error) {
	if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterSlack); err != nil {
		return nil, err
	}

	var replies []chat.Message
	err := t.policy.Execute(ctx, func() error {
		msgs, _, _, err := t.client.GetConversationRepliesContext(ctx, &slackapi.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadTS,
			Inclusive: true,
			Limit:     200,
		})
		if err != nil {
			return resilience.Transient(err)
		}
		replies = replies[:0]
		for _, msg := range msgs {
			if msg.Timestamp == threadTS {
				continue
			}
			replies = append(replies, chat.Message{
				TS:       msg.Timestamp,
				ThreadTS: msg.ThreadTimestamp,
				UserID:   msg.User,
				Text:     msg.Text,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thread replies: %w", err)
	}
	return replies, nil
}

// BotUserID identifies the bot user, cached after the first call.
func (t *Transport) BotUserID(ctx context.Context) (string, error) {
	if t.botUserID != "" {
		return t.botUserID, nil
	}
	if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterSlack); err != nil {
		return "", err
	}

	err := t.policy.Execute(ctx, func() error {
		resp, err := t.client.AuthTestContext(ctx)
		if err != nil {
			return resilience.Transient(err)
		}
		t.botUserID = resp.UserID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve bot identity: %w", err)
	}
	return t.botUserID, nil
}

func formatSlackTS(ts time.Time) string {
	return strconv.FormatFloat(float64(ts.UnixMicro())/1e6, 'f', 6, 64)
}

// Ensure Transport implements chat.Transport
var _ chat.Transport = (*Transport)(nil)

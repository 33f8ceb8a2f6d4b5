// Package chat defines the review-channel boundary. The orchestrator and
// listeners talk to an abstract transport; Slack is one implementation.
package chat

import (
	"context"
	"time"
)

// Message is a normalized channel message.
type Message struct {
	TS         string
	ThreadTS   string
	UserID     string
	Text       string
	ReplyCount int
}

// Event is an inbound message the listeners react to. Subtype and BotID
// carry the provider's authorship hints so the dispatcher can drop the
// bot's own messages.
type Event struct {
	Channel  string
	TS       string
	ThreadTS string
	UserID   string
	Text     string
	Subtype  string
	BotID    string
}

// Transport is the outbound and history surface of the review channel.
type Transport interface {
	// PostMessage posts to a channel and returns the message timestamp,
	// which doubles as the thread correlation handle.
	PostMessage(ctx context.Context, channel, text string) (string, error)

	// PostThreadReply posts into an existing thread.
	PostThreadReply(ctx context.Context, channel, threadTS, text string) (string, error)

	// ChannelHistory returns top-level messages in the window, oldest first.
	ChannelHistory(ctx context.Context, channel string, startAt, endAt time.Time) ([]Message, error)

	// ThreadReplies returns the replies under a thread root, excluding the root.
	ThreadReplies(ctx context.Context, channel, threadTS string) ([]Message, error)

	// BotUserID identifies the bot so its own messages can be filtered out.
	BotUserID(ctx context.Context) (string, error)
}

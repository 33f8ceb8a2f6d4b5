// Package noop provides a dry-run chat transport that records outbound
// messages instead of sending them.
package noop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/pkg/logger"
)

// Transport implements chat.Transport without a network. Posted messages
// are logged and retained for inspection.
type Transport struct {
	mu     sync.Mutex
	seq    int
	Posted []chat.Message
	log    *logger.Logger
}

// New creates a dry-run transport.
func New(log *logger.Logger) *Transport {
	return &Transport{log: log.WithComponent("chat_dryrun")}
}

// PostMessage records the message and returns a deterministic timestamp.
func (t *Transport) PostMessage(_ context.Context, channel, text string) (string, error) {
	return t.record(channel, "", text)
}

// PostThreadReply records the reply and returns a deterministic timestamp.
func (t *Transport) PostThreadReply(_ context.Context, channel, threadTS, text string) (string, error) {
	return t.record(channel, threadTS, text)
}

func (t *Transport) record(channel, threadTS, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	ts := fmt.Sprintf("dry-run-%d.%06d", time.Now().Unix(), t.seq)
	t.Posted = append(t.Posted, chat.Message{TS: ts, ThreadTS: threadTS, Text: text})
	t.log.Info().Str("channel", channel).Str("ts", ts).Msg("Dry-run message recorded")
	return ts, nil
}

// ChannelHistory returns no messages.
func (t *Transport) ChannelHistory(context.Context, string, time.Time, time.Time) ([]chat.Message, error) {
	return nil, nil
}

// ThreadReplies returns no replies.
func (t *Transport) ThreadReplies(context.Context, string, string) ([]chat.Message, error) {
	return nil, nil
}

// BotUserID returns a fixed identity.
func (t *Transport) BotUserID(context.Context) (string, error) {
	return "dry-run-bot", nil
}

// Ensure Transport implements chat.Transport
var _ chat.Transport = (*Transport)(nil)

package slack

import (
	"context"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/newsletter-agent/internal/chat"
	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/pkg/logger"
)

// EventHandler receives normalized inbound messages.
type EventHandler func(ctx context.Context, event chat.Event)

// EventLoop consumes the Socket Mode stream and forwards message events
// from the review channel to the handler.
type EventLoop struct {
	client  *socketmode.Client
	channel string
	handle  EventHandler
	log     *logger.Logger
}

// NewEventLoop creates a Socket Mode event loop. Requires an app-level
// token alongside the bot token.
func NewEventLoop(cfg config.SlackConfig, handle EventHandler, log *logger.Logger) *EventLoop {
	api := slackapi.New(cfg.BotToken, slackapi.OptionAppLevelToken(cfg.AppToken))
	return &EventLoop{
		client:  socketmode.New(api),
		channel: cfg.NewsletterChannel,
		handle:  handle,
		log:     log.WithComponent("slack_events"),
	}
}

// Run connects and processes events until the context is cancelled.
func (l *EventLoop) Run(ctx context.Context) error {
	go l.consume(ctx)
	return l.client.RunContext(ctx)
}

func (l *EventLoop) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				// Ack before processing; Slack retries unacked envelopes.
				if evt.Request != nil {
					l.client.Ack(*evt.Request)
				}
				l.dispatch(ctx, apiEvent)
			case socketmode.EventTypeConnectionError:
				l.log.Warn().Msg("Socket Mode connection error, reconnecting")
			}
		}
	}
}

func (l *EventLoop) dispatch(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if l.channel != "" && msg.Channel != l.channel {
		return
	}
	l.handle(ctx, chat.Event{
		Channel:  msg.Channel,
		TS:       msg.TimeStamp,
		ThreadTS: msg.ThreadTimeStamp,
		UserID:   msg.User,
		Text:     msg.Text,
		Subtype:  msg.SubType,
		BotID:    msg.BotID,
	})
}

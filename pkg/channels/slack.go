package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/inklet/inklet/pkg/backoff"
	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/logger"
)

const slackMaxMessageRunes = 4000

// SlackConfig is the slack section of the configuration.
type SlackConfig struct {
	BotToken string `json:"bot_token" env:"INKLET_SLACK_BOT_TOKEN"`
	AppToken string `json:"app_token" env:"INKLET_SLACK_APP_TOKEN"`
	// Channel restricts capture to one channel id; empty captures everywhere
	// the bot is present.
	Channel string `json:"channel,omitempty" env:"INKLET_SLACK_CHANNEL"`
	// AllowFrom restricts capture to these user ids; empty allows everyone.
	AllowFrom []string `json:"allow_from,omitempty"`
}

// SlackChannel ingests messages over Socket Mode and posts threaded replies.
type SlackChannel struct {
	*BaseChannel
	api       *slack.Client
	sock      *socketmode.Client
	config    SlackConfig
	botUserID string
}

func NewSlackChannel(cfg SlackConfig, messageBus *bus.MessageBus) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token are required")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app_token must start with xapp-")
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", cfg, messageBus, cfg.AllowFrom),
		api:         api,
		sock:        socketmode.New(api),
		config:      cfg,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack socket mode listener")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.setRunning(true)

	go c.eventLoop(ctx)
	go func() {
		if err := c.sock.RunContext(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (c *SlackChannel) Stop() error {
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sock.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				c.sock.Ack(*evt.Request)
			}
			if apiEvent.Type != slackevents.CallbackEvent {
				continue
			}
			if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				c.handleMessage(ctx, msg)
			}
		}
	}
}

func (c *SlackChannel) handleMessage(ctx context.Context, msg *slackevents.MessageEvent) {
	// Ignore bot echoes, edits, and joins; only plain user messages are
	// capture events.
	if msg.BotID != "" || msg.SubType != "" || msg.User == c.botUserID {
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	if c.config.Channel != "" && msg.Channel != c.config.Channel {
		return
	}
	if !c.IsAllowed(msg.User) {
		logger.DebugCF("slack", "Sender not in allowlist, ignoring", map[string]interface{}{
			"sender": msg.User,
		})
		return
	}

	threadRef := msg.ThreadTimeStamp
	if threadRef == "" {
		threadRef = msg.TimeStamp
	}

	inbound := bus.InboundMessage{
		EventID:   EventID("slack", msg.Channel, msg.TimeStamp),
		Channel:   "slack",
		SenderID:  msg.User,
		ChatID:    msg.Channel,
		ThreadRef: threadRef,
		Content:   msg.Text,
		Timestamp: slackTimestamp(msg.TimeStamp),
	}
	if err := c.messageBus.PublishInbound(ctx, inbound); err != nil {
		logger.ErrorCF("slack", "Failed to publish inbound message", map[string]interface{}{
			"event_id": inbound.EventID,
			"error":    err.Error(),
		})
	}
}

// PostMessage posts text into the target conversation, threading when the
// target carries a thread ref. Slack 429s are wrapped as rate-limit errors
// with the provider's retry hint.
func (c *SlackChannel) PostMessage(ctx context.Context, target ChatTarget, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(truncateRunes(text, slackMaxMessageRunes), false)}
	if target.ThreadRef != "" {
		opts = append(opts, slack.MsgOptionTS(target.ThreadRef))
	}

	_, ts, err := c.api.PostMessageContext(ctx, target.ChatID, opts...)
	if err != nil {
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			return "", &backoff.RateLimitedError{RetryAfter: rle.RetryAfter}
		}
		return "", fmt.Errorf("slack post message: %w", err)
	}
	return ts, nil
}

func slackTimestamp(ts string) time.Time {
	// Slack timestamps look like "1726000000.000200"; seconds are enough.
	secs := ts
	if i := strings.IndexByte(ts, '.'); i >= 0 {
		secs = ts[:i]
	}
	var unix int64
	if _, err := fmt.Sscanf(secs, "%d", &unix); err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

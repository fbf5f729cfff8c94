package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/inklet/inklet/pkg/backoff"
	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/logger"
)

const (
	telegramMaxMessageRunes = 4096
	telegramChunkRunes      = 3900
)

// TelegramConfig is the telegram section of the configuration.
type TelegramConfig struct {
	Token string `json:"token" env:"INKLET_TELEGRAM_TOKEN"`
	// ChatID restricts capture to one chat; zero captures every chat the bot
	// can read.
	ChatID int64 `json:"chat_id,omitempty" env:"INKLET_TELEGRAM_CHAT_ID"`
	// AllowFrom restricts capture to these sender ids; empty allows everyone.
	AllowFrom []string `json:"allow_from,omitempty"`
}

// TelegramChannel ingests messages via long polling and posts plain replies.
type TelegramChannel struct {
	*BaseChannel
	bot    *telego.Bot
	config TelegramConfig
}

func NewTelegramChannel(cfg TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", cfg, messageBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram long polling")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}

	c.setRunning(true)
	go func() {
		defer c.setRunning(false)
		for update := range updates {
			if update.Message == nil {
				continue
			}
			c.handleMessage(ctx, update.Message)
		}
	}()
	return nil
}

func (c *TelegramChannel) Stop() error {
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From != nil && msg.From.IsBot {
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	if c.config.ChatID != 0 && msg.Chat.ID != c.config.ChatID {
		return
	}
	if msg.From != nil && !c.IsAllowed(senderIdentity(msg.From)) {
		logger.DebugCF("telegram", "Sender not in allowlist, ignoring", map[string]interface{}{
			"sender": msg.From.ID,
		})
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	messageRef := strconv.Itoa(msg.MessageID)

	inbound := bus.InboundMessage{
		EventID:   EventID("telegram", chatID, messageRef),
		Channel:   "telegram",
		ChatID:    chatID,
		ThreadRef: messageRef,
		Content:   msg.Text,
		Timestamp: time.Unix(msg.Date, 0).UTC(),
	}
	if msg.From != nil {
		inbound.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	if err := c.messageBus.PublishInbound(ctx, inbound); err != nil {
		logger.ErrorCF("telegram", "Failed to publish inbound message", map[string]interface{}{
			"event_id": inbound.EventID,
			"error":    err.Error(),
		})
	}
}

// PostMessage sends text as one or more plain chunks, replying to the target
// thread ref when present. The id of the first sent chunk is returned.
// Telegram 429s carry retry_after seconds, surfaced as rate-limit errors.
func (c *TelegramChannel) PostMessage(ctx context.Context, target ChatTarget, text string) (string, error) {
	chatID, err := strconv.ParseInt(target.ChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", target.ChatID, err)
	}

	chunks := splitTelegramMessage(text, telegramChunkRunes)
	if len(chunks) == 0 {
		chunks = []string{" "}
	}

	firstID := ""
	for i, chunk := range chunks {
		tgMsg := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && target.ThreadRef != "" {
			if replyTo, convErr := strconv.Atoi(target.ThreadRef); convErr == nil {
				tgMsg.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
			}
		}

		sent, sendErr := c.bot.SendMessage(ctx, tgMsg)
		if sendErr != nil {
			return "", wrapTelegramError(sendErr)
		}
		if i == 0 {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

// senderIdentity builds the compound "id|username" identity the allowlist
// matches against.
func senderIdentity(from *telego.User) string {
	id := strconv.FormatInt(from.ID, 10)
	if from.Username != "" {
		return id + "|" + from.Username
	}
	return id
}

func wrapTelegramError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.ErrorCode == 429 {
		hint := time.Duration(0)
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			hint = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return &backoff.RateLimitedError{RetryAfter: hint}
	}
	return fmt.Errorf("telegram send message: %w", err)
}

func splitTelegramMessage(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = telegramChunkRunes
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return []string{}
	}

	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/maxRunes+1)

	for len(runes) > 0 {
		if len(runes) <= maxRunes {
			chunk := strings.TrimSpace(string(runes))
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		split := bestSplitIndex(runes, maxRunes)
		chunk := strings.TrimSpace(string(runes[:split]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[split:]
	}

	return chunks
}

// bestSplitIndex prefers breaking at a newline, then whitespace, scanning
// back no further than half the chunk.
func bestSplitIndex(runes []rune, maxRunes int) int {
	if len(runes) <= maxRunes {
		return len(runes)
	}

	minSearch := maxRunes / 2

	for i := maxRunes; i >= minSearch; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := maxRunes; i >= minSearch; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\t' {
			return i
		}
	}

	return maxRunes
}

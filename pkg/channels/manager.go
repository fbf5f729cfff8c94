package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/logger"
)

// ManagerConfig selects which chat surfaces to run. A channel is enabled
// when its credentials are present.
type ManagerConfig struct {
	Slack    SlackConfig
	Telegram TelegramConfig
}

// Manager owns the running channels and routes outgoing messages to the
// right one. It satisfies ChatClient so the executor can acknowledge on any
// channel through one client.
type Manager struct {
	channels   map[string]Channel
	messageBus *bus.MessageBus
}

func NewManager(cfg ManagerConfig, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels:   make(map[string]Channel),
		messageBus: messageBus,
	}

	if cfg.Slack.BotToken != "" && cfg.Slack.AppToken != "" {
		ch, err := NewSlackChannel(cfg.Slack, messageBus)
		if err != nil {
			return nil, fmt.Errorf("slack channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}
	if cfg.Telegram.Token != "" {
		ch, err := NewTelegramChannel(cfg.Telegram, messageBus)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// GetChannel returns the named channel.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// EnabledChannels lists configured channel names in stable order.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every configured channel and the outbound pump. A channel
// that fails to start is reported but does not stop the others.
func (m *Manager) StartAll(ctx context.Context) error {
	var failed []string
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			failed = append(failed, name)
			continue
		}
		logger.InfoCF("channels", "Channel started", map[string]interface{}{
			"channel": name,
		})
	}

	go m.outboundLoop(ctx)

	if len(failed) == len(m.channels) && len(m.channels) > 0 {
		return fmt.Errorf("all channels failed to start: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (m *Manager) StopAll() {
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			logger.WarnCF("channels", "Failed to stop channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

// PostMessage routes to the channel named in the target.
func (m *Manager) PostMessage(ctx context.Context, target ChatTarget, text string) (string, error) {
	ch, ok := m.channels[target.Channel]
	if !ok {
		return "", fmt.Errorf("no channel named %q", target.Channel)
	}
	client, ok := ch.(ChatClient)
	if !ok {
		return "", fmt.Errorf("channel %q cannot post messages", target.Channel)
	}
	return client.PostMessage(ctx, target, text)
}

// outboundLoop drains the bus's outbound queue into the channels. These are
// best-effort informational messages; failures are logged and dropped.
func (m *Manager) outboundLoop(ctx context.Context) {
	for {
		msg, ok := m.messageBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		target := ChatTarget{Channel: msg.Channel, ChatID: msg.ChatID, ThreadRef: msg.ThreadRef}
		if _, err := m.PostMessage(ctx, target, msg.Content); err != nil {
			logger.WarnCF("channels", "Failed to deliver outbound message", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}

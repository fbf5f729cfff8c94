package channels

import (
	"strings"
	"sync/atomic"

	"github.com/inklet/inklet/pkg/bus"
)

// BaseChannel carries the state every chat surface shares: its name, the bus
// it publishes onto, and the sender allowlist.
type BaseChannel struct {
	name       string
	config     interface{}
	messageBus *bus.MessageBus
	allowList  []string
	running    atomic.Bool
}

func NewBaseChannel(name string, config interface{}, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:       name,
		config:     config,
		messageBus: messageBus,
		allowList:  allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) setRunning(v bool) {
	c.running.Store(v)
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed reports whether senderID may use this channel. An empty allowlist
// allows everyone. Sender ids may be compound ("id|username") and allowlist
// entries may name either half, with or without a leading @.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	sender := identityTokens(senderID)
	for _, entry := range c.allowList {
		for tok := range identityTokens(entry) {
			if sender[tok] {
				return true
			}
		}
	}
	return false
}

func identityTokens(id string) map[string]bool {
	tokens := make(map[string]bool)
	for _, part := range strings.Split(id, "|") {
		part = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(part, "@")))
		if part != "" {
			tokens[part] = true
		}
	}
	return tokens
}

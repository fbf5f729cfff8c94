// Package channels connects inklet to its chat surfaces. Each channel
// ingests messages onto the bus and exposes a ChatClient for the executor's
// acknowledgment step.
package channels

import (
	"context"
	"fmt"
)

// ChatTarget addresses one conversation, optionally threaded.
type ChatTarget struct {
	Channel   string
	ChatID    string
	ThreadRef string
}

// ChatClient posts messages into a conversation. Implementations surface
// provider throttling as backoff.RateLimitedError with the Retry-After hint.
type ChatClient interface {
	PostMessage(ctx context.Context, target ChatTarget, text string) (messageID string, err error)
}

// Channel is a running chat surface: it ingests inbound messages onto the bus
// until its context ends.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// EventID builds the channel-native unique id for a message. It keys the
// execution record, so it must be stable across redeliveries.
func EventID(channel, chatID, messageRef string) string {
	return fmt.Sprintf("%s:%s:%s", channel, chatID, messageRef)
}

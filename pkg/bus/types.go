package bus

import "time"

// InboundMessage is one captured chat message on its way to classification
// and execution.
type InboundMessage struct {
	// EventID is the channel-native unique id for the message. It keys the
	// execution record, so redelivery of the same message reuses it.
	EventID string

	Channel   string
	SenderID  string
	ChatID    string
	ThreadRef string
	Content   string
	Timestamp time.Time

	// Attempt counts in-process redeliveries of this event.
	Attempt int
}

// OutboundMessage is a chat message the gateway wants delivered.
type OutboundMessage struct {
	Channel   string
	ChatID    string
	ThreadRef string
	Content   string
}

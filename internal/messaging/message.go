// Package messaging delivers intervention messages over the supported
// channels. Senders are strategies behind one interface; the MultiSender
// routes by channel.
package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelChat  = "chat"
)

// Message is the delivery payload for one intervention message. Subject and
// body content come from the template catalog; this package only moves them.
type Message struct {
	// To is the recipient address for the channel: an email address, a
	// phone number, or a chat id.
	To string

	// From is the sender identity; interventions use the system no-reply
	// address.
	From string

	Subject  string
	Body     string
	BodyHTML string

	// Notification marks the message as system-generated rather than
	// user-to-user.
	Notification bool

	// ContextURL is the deep link back to the relevant course.
	ContextURL string

	// Keyboard is the serialized inline-keyboard markup, set only for the
	// chat channel.
	Keyboard string
}

// Sender delivers a message over one or more channels and returns an opaque
// delivery receipt.
type Sender interface {
	Send(ctx context.Context, channel string, msg *Message) (string, error)
	SupportsChannel(channel string) bool
}

// MultiSender routes messages to the first sender supporting the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, channel string, msg *Message) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", channel),
				zap.String("to", msg.To),
			)
			return sender.Send(ctx, channel, msg)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them, for development and
// tests.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, channel string, msg *Message) (string, error) {
	s.logger.Info("logging message (development mode)",
		zap.String("channel", channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return fmt.Sprintf("log:%s:%s", channel, msg.To), nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail || channel == ChannelSMS || channel == ChannelChat
}

package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lukasbeck/motiva/internal/messaging"
)

// ProtectedSender wraps a messaging.Sender with a CircuitBreaker. When the
// downstream channel (SES, SNS, the chat-bot API) starts failing, the
// circuit opens and delivery attempts fail fast instead of piling up.
type ProtectedSender struct {
	sender  messaging.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender messaging.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker. If the circuit is
// open, returns ErrCircuitOpen immediately.
func (p *ProtectedSender) Send(ctx context.Context, channel string, msg *messaging.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("channel", channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	receipt, err := p.sender.Send(ctx, channel, msg)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return receipt, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}

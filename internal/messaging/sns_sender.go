package messaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSSender delivers the SMS channel via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS nudges
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers an intervention message as an SMS. The subject line is used
// as the SMS text; SMS carries no HTML or keyboard variants.
func (s *SNSSender) Send(ctx context.Context, channel string, msg *Message) (string, error) {
	if channel != ChannelSMS {
		return "", fmt.Errorf("SNS sender only supports SMS, got: %s", channel)
	}
	if msg.To == "" {
		return "", fmt.Errorf("SMS message missing phone number")
	}

	text := msg.Subject
	if text == "" {
		text = msg.Body
	}
	if text == "" {
		return "", fmt.Errorf("SMS message missing text")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(text),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("phone_number", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelSMS
}

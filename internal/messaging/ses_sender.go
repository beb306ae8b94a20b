package messaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESSender delivers the email channel via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates a new SES email sender
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send delivers an intervention message as an email. The SES message id is
// returned as the delivery receipt.
func (s *SESSender) Send(ctx context.Context, channel string, msg *Message) (string, error) {
	if channel != ChannelEmail {
		return "", fmt.Errorf("SES sender only supports email, got: %s", channel)
	}
	if msg.To == "" {
		return "", fmt.Errorf("email message missing recipient")
	}
	if msg.Subject == "" {
		return "", fmt.Errorf("email message missing subject")
	}
	if msg.Body == "" {
		return "", fmt.Errorf("email message missing body")
	}

	from := msg.From
	if from == "" {
		from = s.from
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(msg.Body),
			Charset: aws.String("UTF-8"),
		},
	}
	if msg.BodyHTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.BodyHTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail
}

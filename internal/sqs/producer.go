// Package sqs implements the schedule queue: interventions are enqueued at
// schedule time and consumed by the worker, so deferred execution is a
// deployment choice. Delivery is at least once; the consumer side must be
// idempotent.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration. DLQURL is optional; without it poison
// messages are dropped instead of parked.
type Config struct {
	Region   string
	QueueURL string
	DLQURL   string
}

// Message is the schedule-queue payload: just enough to re-load the
// intervention on the consumer side.
type Message struct {
	InterventionID string `json:"intervention_id"`
	EnqueuedAt     int64  `json:"enqueued_at"`
}

// Producer sends scheduled interventions to SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends an intervention id to the schedule queue. Returns the queue
// message id for tracking.
func (p *Producer) Enqueue(ctx context.Context, interventionID uuid.UUID) (string, error) {
	msg := Message{
		InterventionID: interventionID.String(),
		EnqueuedAt:     time.Now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("intervention_id", interventionID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Consumer reads scheduled interventions from SQS.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	dlqURL   string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Bool("dlq_configured", cfg.DLQURL != ""),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		dlqURL:   cfg.DLQURL,
		logger:   logger,
	}, nil
}

// ReceiveMessage retrieves a message from SQS with long polling.
func (c *Consumer) ReceiveMessage(ctx context.Context) (*Message, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]

	var msg Message
	if err := json.Unmarshal([]byte(*msgData.Body), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		return nil, "", fmt.Errorf("invalid message format: %w", err)
	}

	return &msg, *msgData.ReceiptHandle, nil
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// MoveToDLQ parks a message on the dead-letter queue and removes it from the
// main queue. Without a configured DLQ the message is only removed, since
// redelivering a message that can never be processed helps nobody.
func (c *Consumer) MoveToDLQ(ctx context.Context, msg *Message, receiptHandle string) error {
	if c.dlqURL != "" {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal dlq message: %w", err)
		}

		_, err = c.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(c.dlqURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			return fmt.Errorf("sqs dlq send failed: %w", err)
		}

		c.logger.Warn("message moved to dead-letter queue",
			zap.String("intervention_id", msg.InterventionID),
		)
	}

	return c.DeleteMessage(ctx, receiptHandle)
}

// ChangeVisibility extends the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}

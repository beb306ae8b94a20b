// Package worker runs the background halves of the intervention lifecycle:
// the schedule-queue consumer that executes interventions, and the periodic
// evaluator that resolves stale ones.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbeck/motiva/internal/metrics"
	"github.com/lukasbeck/motiva/internal/sqs"
)

// Lifecycle is the slice of the intervention service the worker drives.
type Lifecycle interface {
	Intervene(ctx context.Context, id uuid.UUID) error
	RescheduleStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	EvaluateStale(ctx context.Context, window time.Duration, limit int) (int, error)
}

// QueueConsumer receives and acknowledges schedule-queue messages.
type QueueConsumer interface {
	ReceiveMessage(ctx context.Context) (*sqs.Message, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	MoveToDLQ(ctx context.Context, msg *sqs.Message, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Config holds worker settings.
type Config struct {
	// EvaluateInterval is how often stale interventions are checked.
	EvaluateInterval time.Duration

	// EvaluateWindow is how long an intervened record may wait for its
	// desired event before it resolves to unsuccessful.
	EvaluateWindow time.Duration

	// EvaluateBatch caps the records resolved per evaluation pass.
	EvaluateBatch int

	// RescheduleAfter is how long a record may sit in Scheduled before the
	// sweep re-enqueues it. Long enough that a message still in flight on
	// the queue is not duplicated.
	RescheduleAfter time.Duration
}

// Worker consumes the schedule queue and evaluates stale interventions.
type Worker struct {
	lifecycle Lifecycle
	consumer  QueueConsumer // nil disables queue consumption
	config    Config
	logger    *zap.Logger
}

// New creates a worker
func New(lifecycle Lifecycle, consumer QueueConsumer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.EvaluateInterval == 0 {
		cfg.EvaluateInterval = 15 * time.Minute
	}
	if cfg.EvaluateWindow == 0 {
		cfg.EvaluateWindow = 7 * 24 * time.Hour
	}
	if cfg.EvaluateBatch == 0 {
		cfg.EvaluateBatch = 50
	}
	if cfg.RescheduleAfter == 0 {
		cfg.RescheduleAfter = 10 * time.Minute
	}

	return &Worker{
		lifecycle: lifecycle,
		consumer:  consumer,
		config:    cfg,
		logger:    logger,
	}
}

// Start runs the consume and evaluate loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	if w.consumer != nil {
		go w.consumeLoop(ctx)
	}
	w.evaluateLoop(ctx)
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue consumer stopping")
			return
		default:
		}

		msg, receiptHandle, err := w.consumer.ReceiveMessage(ctx)
		if err != nil {
			w.logger.Error("failed to receive queue message", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		w.processMessage(ctx, msg, receiptHandle)
	}
}

// processMessage executes one scheduled intervention. The message is only
// acknowledged after Intervene returns; failures leave it on the queue for
// redelivery, and Intervene's re-entry check keeps redelivery from sending
// the message twice.
func (w *Worker) processMessage(ctx context.Context, msg *sqs.Message, receiptHandle string) {
	metrics.SetScheduleMessagesInFlight(1)
	defer metrics.SetScheduleMessagesInFlight(0)

	id, err := uuid.Parse(msg.InterventionID)
	if err != nil {
		w.logger.Error("malformed intervention id on queue, moving to dlq",
			zap.String("intervention_id", msg.InterventionID),
		)
		if err := w.consumer.MoveToDLQ(ctx, msg, receiptHandle); err != nil {
			w.logger.Warn("failed to park poison message", zap.Error(err))
		}
		return
	}

	// Message delivery may block on slow providers; extend the visibility
	// window so the message is not redelivered mid-send.
	if err := w.consumer.ChangeVisibility(ctx, receiptHandle, 120); err != nil {
		w.logger.Warn("failed to extend message visibility",
			zap.Error(err),
			zap.String("intervention_id", id.String()),
		)
	}

	if err := w.lifecycle.Intervene(ctx, id); err != nil {
		w.logger.Error("failed to execute intervention, leaving for redelivery",
			zap.Error(err),
			zap.String("intervention_id", id.String()),
		)
		return
	}

	if err := w.consumer.DeleteMessage(ctx, receiptHandle); err != nil {
		w.logger.Warn("failed to delete queue message",
			zap.Error(err),
			zap.String("intervention_id", id.String()),
		)
	}
}

func (w *Worker) evaluateLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("evaluator stopping")
			return
		case <-ticker.C:
			rescheduled, err := w.lifecycle.RescheduleStuck(ctx, w.config.RescheduleAfter, w.config.EvaluateBatch)
			if err != nil {
				w.logger.Error("reschedule sweep failed", zap.Error(err))
			} else if rescheduled > 0 {
				w.logger.Info("stuck interventions rescheduled",
					zap.Int("count", rescheduled),
				)
			}

			resolved, err := w.lifecycle.EvaluateStale(ctx, w.config.EvaluateWindow, w.config.EvaluateBatch)
			if err != nil {
				w.logger.Error("stale evaluation failed", zap.Error(err))
				continue
			}
			if resolved > 0 {
				w.logger.Info("stale interventions resolved",
					zap.Int("count", resolved),
				)
			}
		}
	}
}

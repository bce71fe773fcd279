// Package worker consumes job messages and drives the ranking pipeline.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// releaseTimeout bounds the cleanup calls made during shutdown.
const releaseTimeout = 10 * time.Second

// Dispatcher routes one decoded message to its job.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg ranker.Message) Result
}

// visibilityKeeper is the extender surface the consumer drives.
type visibilityKeeper interface {
	Start()
	Stop()
}

// Options tune the consumer loop.
type Options struct {
	// MaxRetries caps queue deliveries per message; deliveries beyond
	// it fail the message permanently.
	MaxRetries int

	// LargeJobThreshold is the keyword count at which a job gets a
	// visibility extender. Full ranks always get one.
	LargeJobThreshold int

	// MaxConsecutiveErrors aborts the loop when receives keep failing.
	MaxConsecutiveErrors int

	// BackoffCap bounds the exponential receive-error backoff.
	BackoffCap time.Duration

	ExtendInterval time.Duration
	ExtendBy       time.Duration
}

// Consumer is the long-running queue consumer.
type Consumer struct {
	queue      ranker.Queue
	history    ranker.HistoryStore
	keywords   ranker.KeywordStore
	serps      ranker.SerpStore
	dispatcher Dispatcher
	clock      ranker.Clock
	opts       Options
	logger     *zap.Logger

	// newKeeper builds the per-message visibility extender; tests
	// replace it.
	newKeeper func(messageID, receiptHandle string) visibilityKeeper
}

// NewConsumer creates a Consumer.
func NewConsumer(queue ranker.Queue, history ranker.HistoryStore, keywords ranker.KeywordStore,
	serps ranker.SerpStore, dispatcher Dispatcher, clock ranker.Clock, opts Options, logger *zap.Logger) *Consumer {
	c := &Consumer{
		queue:      queue,
		history:    history,
		keywords:   keywords,
		serps:      serps,
		dispatcher: dispatcher,
		clock:      clock,
		opts:       opts,
		logger:     logger,
	}
	c.newKeeper = func(messageID, receiptHandle string) visibilityKeeper {
		return NewExtender(queue, messageID, receiptHandle, opts.ExtendInterval, opts.ExtendBy, logger)
	}
	return c
}

// Run polls the queue until ctx is cancelled or receives fail too many
// times in a row.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		zap.Int("max_retries", c.opts.MaxRetries),
		zap.Int("large_job_threshold", c.opts.LargeJobThreshold))

	consecutive := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		msgs, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			consecutive++
			metrics.ObserveConsumerError()
			if consecutive >= c.opts.MaxConsecutiveErrors {
				return fmt.Errorf("receive loop aborted after %d consecutive errors: %w", consecutive, err)
			}
			delay := backoffDelay(consecutive, c.opts.BackoffCap)
			c.logger.Warn("receive failed, backing off",
				zap.Int("consecutive_errors", consecutive),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				c.logger.Info("consumer stopped")
				return nil
			case <-time.After(delay):
			}
			continue
		}
		consecutive = 0

		for i, m := range msgs {
			if ctx.Err() != nil {
				c.releaseUnprocessed(msgs[i:])
				c.logger.Info("consumer stopped")
				return nil
			}
			c.processMessage(ctx, m)
		}
	}
}

// backoffDelay doubles per attempt up to limit.
func backoffDelay(attempt int, limit time.Duration) time.Duration {
	if attempt > 16 {
		return limit
	}
	d := time.Second * time.Duration(1<<attempt)
	if d > limit {
		return limit
	}
	return d
}

// releaseUnprocessed returns in-hand messages to the queue so another
// consumer can pick them up right away.
func (c *Consumer) releaseUnprocessed(msgs []ranker.QueueMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, m := range msgs {
		if err := c.queue.ChangeVisibility(ctx, m.ReceiptHandle, 0); err != nil {
			c.logger.Warn("failed to release message on shutdown",
				zap.String("message_id", m.MessageID),
				zap.Error(err))
			continue
		}
		c.logger.Info("released unprocessed message",
			zap.String("message_id", m.MessageID))
	}
}

func (c *Consumer) processMessage(ctx context.Context, m ranker.QueueMessage) {
	start := c.clock.Now()

	msg, err := ranker.DecodeMessage(m.Body)
	if err != nil {
		c.logger.Error("malformed message body",
			zap.String("message_id", m.MessageID),
			zap.Error(err))
		c.recordFailure(ctx, m.MessageID, CodeMalformedMessage, err.Error())
		c.deleteMessage(ctx, m)
		metrics.ObserveMessage("unknown", "malformed")
		return
	}

	logger := c.logger.With(
		zap.String("message_id", m.MessageID),
		zap.String("job_id", msg.JobID),
		zap.String("type", string(msg.Type)))

	if m.ReceiveCount > c.opts.MaxRetries {
		detail := fmt.Sprintf("Max retries exceeded (%d/%d)", m.ReceiveCount, c.opts.MaxRetries)
		logger.Error("dropping message past its retry budget",
			zap.Int("receive_count", m.ReceiveCount))
		c.recordFailure(ctx, m.MessageID, CodeMaxRetriesExceeded, detail)
		c.failKeywords(ctx, msg)
		if msg.Type != ranker.JobFetch {
			if _, err := c.serps.FailProcessing(ctx, msg.KeywordIDs); err != nil {
				logger.Warn("failed to fail stuck serp rows", zap.Error(err))
			}
		}
		c.deleteMessage(ctx, m)
		metrics.ObserveMessage(string(msg.Type), "retry_exceeded")
		return
	}

	// A cancel that landed while the message sat in the queue. Looked
	// up by job id so redeliveries under a fresh message id are caught.
	if rec, err := c.history.GetByJobID(ctx, msg.JobID); err == nil && rec.Status == ranker.StatusCancelled {
		logger.Info("discarding cancelled message")
		c.deleteMessage(ctx, m)
		if _, err := c.history.UpdateStatus(ctx, rec.MessageID, ranker.StatusDeleted, "", ""); err != nil {
			logger.Warn("failed to mark cancelled message deleted", zap.Error(err))
		}
		metrics.ObserveMessage(string(msg.Type), "cancelled")
		return
	}

	userID := msg.UserID
	if _, err := c.history.Upsert(ctx, ranker.UpsertParams{
		MessageID:     m.MessageID,
		JobID:         msg.JobID,
		JobType:       msg.Type,
		KeywordIDs:    msg.KeywordIDs,
		UserID:        &userID,
		UserFullName:  msg.TokenInfo.FullName,
		Status:        ranker.StatusProcessing,
		ReceiptHandle: m.ReceiptHandle,
		ReceiveCount:  m.ReceiveCount,
	}); err != nil {
		logger.Warn("failed to record processing status", zap.Error(err))
	}

	var keeper visibilityKeeper
	if len(msg.KeywordIDs) >= c.opts.LargeJobThreshold || msg.Type == ranker.JobFullRank {
		keeper = c.newKeeper(m.MessageID, m.ReceiptHandle)
		keeper.Start()
	}

	metrics.IncActiveJobs()
	result := c.safeDispatch(ctx, msg, logger)
	metrics.DecActiveJobs()

	if keeper != nil {
		keeper.Stop()
	}

	switch {
	case result.Cancelled:
		logger.Info("job cancelled mid-run, discarding message")
		if _, err := c.history.UpdateStatus(ctx, m.MessageID, ranker.StatusDeleted, "", ""); err != nil {
			logger.Warn("failed to mark cancelled message deleted", zap.Error(err))
		}
		c.deleteMessage(ctx, m)
		metrics.ObserveMessage(string(msg.Type), "cancelled")

	case result.Success:
		if _, err := c.history.UpdateStatus(ctx, m.MessageID, ranker.StatusCompleted, "", ""); err != nil {
			logger.Warn("failed to mark message completed", zap.Error(err))
		}
		c.deleteMessage(ctx, m)
		logger.Info("job completed", zap.Duration("took", c.clock.Now().Sub(start)))
		metrics.ObserveMessage(string(msg.Type), "completed")
		metrics.ObserveJobDuration(string(msg.Type), c.clock.Now().Sub(start))

	case result.ShouldDelete:
		logger.Error("job rejected", zap.String("reason", result.Reason))
		c.recordFailure(ctx, m.MessageID, result.Code, result.Reason)
		c.failKeywords(ctx, msg)
		c.deleteMessage(ctx, m)
		metrics.ObserveMessage(string(msg.Type), "rejected")

	default:
		// Left in the queue for redelivery within the retry budget.
		logger.Error("job failed, leaving message for retry",
			zap.String("reason", result.Reason),
			zap.Int("receive_count", m.ReceiveCount))
		c.recordFailure(ctx, m.MessageID, result.Code, result.Reason)
		c.failKeywords(ctx, msg)
		metrics.ObserveMessage(string(msg.Type), "failed")
	}
}

// safeDispatch converts a panicking job into a failure result instead
// of taking down the consumer.
func (c *Consumer) safeDispatch(ctx context.Context, msg ranker.Message, logger *zap.Logger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r))
			result = Result{
				Code:   CodeUnexpectedError,
				Reason: fmt.Sprintf("unexpected error: %v", r),
			}
		}
	}()
	return c.dispatcher.Dispatch(ctx, msg)
}

func (c *Consumer) recordFailure(ctx context.Context, messageID, code, detail string) {
	if _, err := c.history.UpdateStatus(ctx, messageID, ranker.StatusFailed, code, detail); err != nil {
		c.logger.Warn("failed to record failure status",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// failKeywords marks the message's keywords failed in the phase column
// its job type drives.
func (c *Consumer) failKeywords(ctx context.Context, msg ranker.Message) {
	phase, ok := ranker.PhaseFor(msg.Type)
	if !ok || len(msg.KeywordIDs) == 0 {
		return
	}
	if err := c.keywords.SetPhaseStatus(ctx, msg.KeywordIDs, phase, ranker.ItemFailed); err != nil {
		c.logger.Warn("failed to fail keywords",
			zap.String("job_id", msg.JobID),
			zap.Error(err))
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, m ranker.QueueMessage) {
	if err := c.queue.Delete(ctx, m.ReceiptHandle); err != nil {
		c.logger.Error("failed to delete message",
			zap.String("message_id", m.MessageID),
			zap.Error(err))
	}
}

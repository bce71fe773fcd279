package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// extendCallTimeout bounds one visibility API call.
const extendCallTimeout = 30 * time.Second

// Extender keeps one in-flight message invisible while a long job runs.
// It periodically grants the message a fresh visibility window until
// stopped. Extension failures are logged and the loop keeps trying;
// the message reappearing early is handled by the history regression
// guard, not here.
type Extender struct {
	queue         ranker.Queue
	messageID     string
	receiptHandle string
	interval      time.Duration
	extendBy      time.Duration
	logger        *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewExtender creates an Extender for one message.
func NewExtender(queue ranker.Queue, messageID, receiptHandle string, interval, extendBy time.Duration, logger *zap.Logger) *Extender {
	return &Extender{
		queue:         queue,
		messageID:     messageID,
		receiptHandle: receiptHandle,
		interval:      interval,
		extendBy:      extendBy,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the extension loop. Calling Start twice is a no-op.
func (e *Extender) Start() {
	e.startOnce.Do(func() {
		e.started = true
		e.logger.Info("starting visibility extender",
			zap.String("message_id", e.messageID),
			zap.Duration("interval", e.interval),
			zap.Duration("extend_by", e.extendBy))
		go e.run()
	})
}

func (e *Extender) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.extend()
		}
	}
}

func (e *Extender) extend() {
	ctx, cancel := context.WithTimeout(context.Background(), extendCallTimeout)
	defer cancel()
	if err := e.queue.ChangeVisibility(ctx, e.receiptHandle, e.extendBy); err != nil {
		e.logger.Warn("failed to extend message visibility",
			zap.String("message_id", e.messageID),
			zap.Error(err))
		return
	}
	metrics.ObserveVisibilityExtension()
	e.logger.Debug("extended message visibility",
		zap.String("message_id", e.messageID),
		zap.Duration("extend_by", e.extendBy))
}

// Stop halts the loop and waits for it to exit. Safe to call multiple
// times and without a prior Start.
func (e *Extender) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	if e.started {
		<-e.done
	}
}

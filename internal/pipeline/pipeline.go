// Package pipeline implements the fetch and rank flows that queue
// messages drive.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// Options tune per-item processing.
type Options struct {
	// ItemTimeout bounds one search-result item end to end.
	ItemTimeout time.Duration

	// ItemDelay paces requests between items.
	ItemDelay time.Duration
}

// Pipeline orchestrates keyword fetch and rank work against the stores
// and external collaborators.
type Pipeline struct {
	keywords   ranker.KeywordStore
	serps      ranker.SerpStore
	scores     ranker.ScoreStore
	history    ranker.HistoryStore
	search     ranker.SearchClient
	classifier ranker.Classifier
	crm        ranker.CRMClient
	fetcher    ranker.PageFetcher
	clock      ranker.Clock
	opts       Options
	logger     *zap.Logger
}

// New creates a Pipeline. crm may be nil when duplicate checks are
// disabled.
func New(keywords ranker.KeywordStore, serps ranker.SerpStore, scores ranker.ScoreStore,
	history ranker.HistoryStore, search ranker.SearchClient, classifier ranker.Classifier,
	crm ranker.CRMClient, fetcher ranker.PageFetcher, clock ranker.Clock, opts Options,
	logger *zap.Logger) *Pipeline {
	return &Pipeline{
		keywords:   keywords,
		serps:      serps,
		scores:     scores,
		history:    history,
		search:     search,
		classifier: classifier,
		crm:        crm,
		fetcher:    fetcher,
		clock:      clock,
		opts:       opts,
		logger:     logger,
	}
}

// cancelled reports whether the job's history record has been
// cancelled. Lookup errors are logged and treated as not cancelled so a
// flaky store cannot kill a healthy job.
func (p *Pipeline) cancelled(ctx context.Context, jobID string) bool {
	rec, err := p.history.GetByJobID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, ranker.ErrNotFound) {
			p.logger.Warn("cancellation check failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
		return false
	}
	return rec.Status == ranker.StatusCancelled
}

// pause sleeps for the configured inter-item delay, aborting early on
// context cancellation.
func (p *Pipeline) pause(ctx context.Context) {
	if p.opts.ItemDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.ItemDelay):
	}
}

// Unstick resets rows left in processing by a crashed worker. A nil
// keywordID targets all rows. Returned counts are keyed by column name,
// plus serp_results and total.
func (p *Pipeline) Unstick(ctx context.Context, keywordID *int64) (map[string]int64, error) {
	counts, err := p.keywords.ResetProcessingToPending(ctx, keywordID)
	if err != nil {
		return nil, err
	}
	serpCount, err := p.serps.ResetProcessingToPending(ctx, keywordID)
	if err != nil {
		return nil, err
	}
	counts["serp_results"] = serpCount
	var total int64
	for _, n := range counts {
		total += n
	}
	counts["total"] = total
	p.logger.Info("unstuck processing rows", zap.Int64("total", total))
	return counts, nil
}

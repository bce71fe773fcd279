package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// Fetch pulls the top search results for each keyword in the job,
// deduplicates them by link and domain, flags CRM duplicates and stores
// the survivors as pending rank rows. A keyword failing never fails its
// siblings; a cancellation observed between keywords resets the
// untouched remainder and aborts the job.
func (p *Pipeline) Fetch(ctx context.Context, msg ranker.Message) error {
	targets := make([]ranker.Keyword, 0, len(msg.KeywordIDs))
	for _, id := range msg.KeywordIDs {
		kw, err := p.keywords.Get(ctx, id)
		if errors.Is(err, ranker.ErrNotFound) {
			p.logger.Warn("skipping missing keyword",
				zap.String("job_id", msg.JobID),
				zap.Int64("keyword_id", id))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load keyword %d: %w", id, err)
		}
		targets = append(targets, kw)
	}
	if len(targets) == 0 {
		p.logger.Warn("fetch job has no existing keywords", zap.String("job_id", msg.JobID))
		return nil
	}

	for i, kw := range targets {
		if p.cancelled(ctx, msg.JobID) {
			p.resetKeywords(ctx, targets[i:], ranker.PhaseFetch)
			return fmt.Errorf("fetch job %s: %w", msg.JobID, ranker.ErrJobCancelled)
		}

		if err := p.keywords.SetPhaseStatus(ctx, []int64{kw.ID}, ranker.PhaseFetch, ranker.ItemProcessing); err != nil {
			p.logger.Warn("failed to mark keyword processing", zap.Int64("keyword_id", kw.ID), zap.Error(err))
		}

		if err := p.fetchKeyword(ctx, kw); err != nil {
			p.logger.Error("keyword fetch failed",
				zap.String("job_id", msg.JobID),
				zap.Int64("keyword_id", kw.ID),
				zap.String("keyword", kw.Keyword),
				zap.Error(err))
			p.setPhase(ctx, kw.ID, ranker.PhaseFetch, ranker.ItemFailed)
			metrics.ObserveKeyword(string(ranker.PhaseFetch), string(ranker.ItemFailed))
			continue
		}
		p.setPhase(ctx, kw.ID, ranker.PhaseFetch, ranker.ItemSuccess)
		metrics.ObserveKeyword(string(ranker.PhaseFetch), string(ranker.ItemSuccess))
	}
	return nil
}

func (p *Pipeline) fetchKeyword(ctx context.Context, kw ranker.Keyword) error {
	items, err := p.search.FetchTopResults(ctx, kw.Keyword)
	if err != nil {
		return fmt.Errorf("failed to fetch search results: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("no search results for keyword %q", kw.Keyword)
	}

	seenLinks := make(map[string]struct{}, len(items))
	seenDomains := make(map[string]struct{}, len(items))
	results := make([]ranker.FetchedResult, 0, len(items))
	position := 0
	for _, item := range items {
		if item.Link == "" {
			continue
		}
		if _, ok := seenLinks[item.Link]; ok {
			continue
		}
		seenLinks[item.Link] = struct{}{}

		domain := bareDomain(item.Link)
		if domain == "" {
			continue
		}
		if _, ok := seenDomains[domain]; ok {
			continue
		}
		seenDomains[domain] = struct{}{}

		position++
		duplicate := false
		if p.crm != nil {
			duplicate, err = p.crm.IsDuplicateDomain(ctx, domain)
			if err != nil {
				p.logger.Warn("crm duplicate check failed",
					zap.String("domain", domain),
					zap.Error(err))
				duplicate = false
			}
		}
		results = append(results, ranker.FetchedResult{
			Title:          item.Title,
			Link:           item.Link,
			Snippet:        item.Snippet,
			Position:       position,
			IsCRMDuplicate: duplicate,
		})
	}

	if err := p.serps.UpsertFetched(ctx, kw.ID, results); err != nil {
		return fmt.Errorf("failed to store search results: %w", err)
	}
	p.logger.Info("stored search results",
		zap.Int64("keyword_id", kw.ID),
		zap.Int("results", len(results)))
	return nil
}

func (p *Pipeline) setPhase(ctx context.Context, keywordID int64, phase ranker.Phase, status ranker.ItemStatus) {
	if err := p.keywords.SetPhaseStatus(ctx, []int64{keywordID}, phase, status); err != nil {
		p.logger.Warn("failed to update keyword phase",
			zap.Int64("keyword_id", keywordID),
			zap.String("phase", string(phase)),
			zap.Error(err))
	}
}

// resetKeywords returns the given keywords, current one included, to
// pending so a later redelivery can pick them up cleanly.
func (p *Pipeline) resetKeywords(ctx context.Context, kws []ranker.Keyword, phase ranker.Phase) {
	ids := make([]int64, len(kws))
	for i, kw := range kws {
		ids[i] = kw.ID
	}
	if err := p.keywords.SetPhaseStatus(ctx, ids, phase, ranker.ItemPending); err != nil {
		p.logger.Warn("failed to reset keywords after cancellation",
			zap.String("phase", string(phase)),
			zap.Error(err))
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
	"github.com/koyorikoyote/datascraper-api-example/internal/scoring"
)

// jstOffset shifts stored activity dates to Japan Standard Time.
const jstOffset = 9 * time.Hour

// FullRank classifies and scores every rankable search result of each
// keyword in the job.
func (p *Pipeline) FullRank(ctx context.Context, msg ranker.Message) error {
	return p.rank(ctx, msg, ranker.PhaseRank)
}

// PartialRank computes the lightweight volume and site-size subset.
func (p *Pipeline) PartialRank(ctx context.Context, msg ranker.Message) error {
	return p.rank(ctx, msg, ranker.PhasePartialRank)
}

func (p *Pipeline) rank(ctx context.Context, msg ranker.Message, phase ranker.Phase) error {
	// A rank job is structurally invalid while any of its keywords has
	// never been fetched; redelivery cannot fix that.
	pendingFetch := 0
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
		if kw.FetchStatus == ranker.ItemPending {
			pendingFetch++
			continue
		}
		if p.phaseStatus(kw, phase) == ranker.ItemSuccess {
			p.logger.Info("skipping already ranked keyword",
				zap.Int64("keyword_id", kw.ID),
				zap.String("phase", string(phase)))
			continue
		}
		targets = append(targets, kw)
	}
	if pendingFetch > 0 {
		return ranker.Reject(fmt.Sprintf(
			"PENDING_FETCH_STATUS: %d keyword(s) require fetch operation first", pendingFetch))
	}

	var settings ranker.ScoreSettings
	if phase == ranker.PhaseRank {
		var err error
		settings, err = p.scores.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load score settings: %w", err)
		}
	}

	for i, kw := range targets {
		if p.cancelled(ctx, msg.JobID) {
			p.resetKeywords(ctx, targets[i:], phase)
			return fmt.Errorf("rank job %s: %w", msg.JobID, ranker.ErrJobCancelled)
		}

		p.setPhase(ctx, kw.ID, phase, ranker.ItemProcessing)
		if _, err := p.serps.ResetFailedToPending(ctx, kw.ID); err != nil {
			p.logger.Warn("failed to reset failed serp rows",
				zap.Int64("keyword_id", kw.ID),
				zap.Error(err))
		}

		var (
			final ranker.ItemStatus
			err   error
		)
		if phase == ranker.PhaseRank {
			final, err = p.rankKeyword(ctx, msg, kw, settings)
		} else {
			final, err = p.partialRankKeyword(ctx, msg, kw)
		}
		if errors.Is(err, ranker.ErrJobCancelled) {
			p.resetKeywords(ctx, targets[i:], phase)
			return fmt.Errorf("rank job %s: %w", msg.JobID, ranker.ErrJobCancelled)
		}
		if err != nil {
			p.logger.Error("keyword rank failed",
				zap.String("job_id", msg.JobID),
				zap.Int64("keyword_id", kw.ID),
				zap.Error(err))
			final = ranker.ItemFailed
		}
		p.setPhase(ctx, kw.ID, phase, final)
		metrics.ObserveKeyword(string(phase), string(final))
	}
	return nil
}

func (p *Pipeline) phaseStatus(kw ranker.Keyword, phase ranker.Phase) ranker.ItemStatus {
	if phase == ranker.PhaseRank {
		return kw.RankStatus
	}
	return kw.PartialRankStatus
}

// rankKeyword processes every rankable row of one keyword and
// aggregates the per-row outcomes: the keyword fails only when at least
// a third of its rows failed.
func (p *Pipeline) rankKeyword(ctx context.Context, msg ranker.Message, kw ranker.Keyword, settings ranker.ScoreSettings) (ranker.ItemStatus, error) {
	items, err := p.serps.ListRankable(ctx, kw.ID)
	if err != nil {
		return ranker.ItemFailed, err
	}

	for _, item := range items {
		if item.Status == ranker.ItemFailed {
			continue
		}
		if p.cancelled(ctx, msg.JobID) {
			return "", ranker.ErrJobCancelled
		}
		if err := p.processItemWithTimeout(ctx, item, settings, msg); err != nil {
			p.logger.Warn("serp item failed",
				zap.Int64("serp_id", item.ID),
				zap.String("link", item.Link),
				zap.Error(err))
		}
		p.pause(ctx)
	}

	total, failed, err := p.serps.Counts(ctx, kw.ID)
	if err != nil {
		return ranker.ItemFailed, err
	}
	threshold := int64(3)
	if total > 0 {
		threshold = (total + 2) / 3
	}
	if failed >= threshold {
		return ranker.ItemFailed, nil
	}
	return ranker.ItemSuccess, nil
}

// processItemWithTimeout bounds one item's processing. On timeout the
// item's context is cancelled so the stale goroutine cannot persist a
// late result, and the fetcher session is reset because a hung
// navigation usually poisons it.
func (p *Pipeline) processItemWithTimeout(ctx context.Context, item ranker.SerpResult, settings ranker.ScoreSettings, msg ranker.Message) error {
	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.processItem(itemCtx, item, settings, msg)
	}()

	timer := time.NewTimer(p.opts.ItemTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			p.markItemFailed(ctx, item.ID)
			metrics.ObserveSerpItem(string(ranker.ItemFailed))
			return err
		}
		metrics.ObserveSerpItem(string(ranker.ItemSuccess))
		return nil
	case <-timer.C:
		cancel()
		if err := p.fetcher.Reset(ctx); err != nil {
			p.logger.Warn("failed to reset fetcher session", zap.Error(err))
		}
		p.markItemFailed(ctx, item.ID)
		metrics.ObserveSerpItem(string(ranker.ItemFailed))
		return fmt.Errorf("timed out processing serp item %d after %s", item.ID, p.opts.ItemTimeout)
	}
}

func (p *Pipeline) markItemFailed(ctx context.Context, id int64) {
	status := ranker.ItemFailed
	if err := p.serps.Update(ctx, id, ranker.SerpUpdate{Status: &status}); err != nil {
		p.logger.Warn("failed to mark serp item failed",
			zap.Int64("serp_id", id),
			zap.Error(err))
	}
}

// processItem runs the full classification for one search result: find
// a substantive page, gather company/contact text, classify, score and
// persist.
func (p *Pipeline) processItem(ctx context.Context, item ranker.SerpResult, settings ranker.ScoreSettings, msg ranker.Message) error {
	processing := ranker.ItemProcessing
	if err := p.serps.Update(ctx, item.ID, ranker.SerpUpdate{Status: &processing}); err != nil {
		return err
	}

	page, successURL, err := p.findSubstantivePage(ctx, item)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	text := page.Text
	for _, extra := range p.contactPages(ctx, page, successURL) {
		pd, fetchErr := p.fetcher.FetchMainPageData(ctx, extra)
		if fetchErr != nil {
			p.logger.Debug("failed to fetch supplemental page",
				zap.String("url", extra),
				zap.Error(fetchErr))
			continue
		}
		text += "\n" + pd.Text
	}
	if len(text) < minContentLength {
		return fmt.Errorf("page text too short for %s", item.Link)
	}

	cls, err := p.classifier.ClassifyPage(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to classify page: %w", err)
	}
	if cls == nil {
		return fmt.Errorf("classifier returned no result for %s", item.Link)
	}

	priceScore := scoring.PriceTier(float64(cls.ServicePrice))

	var totalVolume int64
	if len(cls.Keywords) > 0 {
		volumes, volErr := p.search.SearchVolumesBatch(ctx, cls.Keywords)
		if volErr != nil {
			p.logger.Warn("failed to fetch search volumes", zap.Error(volErr))
		} else {
			for _, v := range volumes {
				totalVolume += v
			}
		}
	}
	volumeScore := scoring.LogScore(float64(totalVolume))

	domain := bareDomain(successURL)
	size, err := p.search.SiteSize(ctx, domain)
	if err != nil {
		p.logger.Warn("failed to fetch site size", zap.String("domain", domain), zap.Error(err))
		size = 0
	}
	sizeScore := scoring.LogScore(float64(size))

	weight := scoring.TotalWeight(settings.Metrics, priceScore, volumeScore, sizeScore)
	rank := scoring.DetermineRank(weight, settings.Thresholds)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	success := ranker.ItemSuccess
	dom := domain
	contact := msg.TokenInfo.FullName
	price := cls.ServicePrice
	volume := totalVolume
	siteSize := size
	hasColumn := cls.HasColumnSection
	columnReason := cls.ColumnReason
	hasOffer := cls.HasOwnOffer
	offerReason := cls.OwnOfferReason
	update := ranker.SerpUpdate{
		Status:         &success,
		Rank:           &rank,
		TotalWeight:    &weight,
		ServicePrice:   &price,
		ServiceVolume:  &volume,
		SiteSize:       &siteSize,
		CompanyName:    &cls.CompanyName,
		DomainName:     &dom,
		ContactPerson:  &contact,
		PhoneNumber:    &cls.PhoneNumber,
		CorporateURL:   &cls.CorporateContactURL,
		ServiceURL:     &cls.ServiceContactURL,
		EmailAddress:   &cls.EmailAddress,
		HasColumn:      &hasColumn,
		ColumnReason:   &columnReason,
		HasOwnOffer:    &hasOffer,
		OwnOfferReason: &offerReason,
		Industry:       &cls.Industry,
	}
	if err := p.serps.Update(ctx, item.ID, update); err != nil {
		return fmt.Errorf("failed to persist rank result: %w", err)
	}
	p.logger.Info("ranked serp item",
		zap.Int64("serp_id", item.ID),
		zap.String("rank", rank),
		zap.Float64("weight", weight))
	return nil
}

// findSubstantivePage tries the candidate URLs, then the fallback
// company-page paths, until one renders enough text.
func (p *Pipeline) findSubstantivePage(ctx context.Context, item ranker.SerpResult) (ranker.PageData, string, error) {
	attempts := candidateURLs(item.Link)
	root := domainURL(item.Link)
	for _, path := range fallbackPaths {
		if root != "" {
			attempts = append(attempts, joinURL(root+"/", path))
		}
	}

	for _, u := range attempts {
		if ctx.Err() != nil {
			return ranker.PageData{}, "", ctx.Err()
		}
		pd, err := p.fetcher.FetchMainPageData(ctx, u)
		if err != nil {
			p.logger.Debug("candidate fetch failed", zap.String("url", u), zap.Error(err))
			continue
		}
		if len(pd.Text) < minContentLength {
			continue
		}
		successURL := pd.EffectiveURL
		if successURL == "" {
			successURL = u
		}
		// Persist a scheme downgrade so later passes go straight there.
		if successURL != item.Link && u == item.Link &&
			strings.HasPrefix(item.Link, "https://") && strings.HasPrefix(successURL, "http://") {
			if err := p.serps.Update(ctx, item.ID, ranker.SerpUpdate{Link: &successURL}); err != nil {
				p.logger.Warn("failed to persist corrected link", zap.Error(err))
			}
		}
		return pd, successURL, nil
	}
	return ranker.PageData{}, "", fmt.Errorf("no substantive content found for %s", item.Link)
}

// contactPages asks the classifier to pick company and contact links
// from the landing page, always adding the conventional company path.
func (p *Pipeline) contactPages(ctx context.Context, page ranker.PageData, successURL string) []string {
	var out []string
	if len(page.Links) > 0 {
		pick, err := p.classifier.PickLinks(ctx, page.Links)
		if err != nil {
			p.logger.Warn("link pick failed", zap.Error(err))
		} else {
			if pick.About != "" {
				out = append(out, joinURL(successURL, pick.About))
			}
			if pick.Contact != "" {
				out = append(out, joinURL(successURL, pick.Contact))
			}
		}
	}
	out = append(out, joinURL(successURL, "company"))

	seen := map[string]struct{}{successURL: {}}
	deduped := out[:0]
	for _, u := range out {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		deduped = append(deduped, u)
	}
	return deduped
}

// partialRankKeyword computes the lightweight subset: the keyword's own
// search volume once, then per-row domain and site size.
func (p *Pipeline) partialRankKeyword(ctx context.Context, msg ranker.Message, kw ranker.Keyword) (ranker.ItemStatus, error) {
	items, err := p.serps.ListRankable(ctx, kw.ID)
	if err != nil {
		return ranker.ItemFailed, err
	}

	volume, err := p.search.SearchVolume(ctx, kw.Keyword)
	if err != nil {
		p.logger.Warn("failed to fetch keyword volume",
			zap.String("keyword", kw.Keyword),
			zap.Error(err))
		volume = 0
	}

	for _, item := range items {
		if p.cancelled(ctx, msg.JobID) {
			return "", ranker.ErrJobCancelled
		}
		if err := p.partialItem(ctx, item, volume, msg); err != nil {
			p.logger.Warn("partial rank item failed",
				zap.Int64("serp_id", item.ID),
				zap.Error(err))
			p.markItemFailed(ctx, item.ID)
			metrics.ObserveSerpItem(string(ranker.ItemFailed))
		} else {
			metrics.ObserveSerpItem(string(ranker.ItemPartial))
		}
		p.pause(ctx)
	}

	total, failed, err := p.serps.Counts(ctx, kw.ID)
	if err != nil {
		return ranker.ItemFailed, err
	}
	threshold := int64(3)
	if total > 0 {
		threshold = (total + 2) / 3
	}
	if failed >= threshold {
		return ranker.ItemFailed, nil
	}
	return ranker.ItemPartial, nil
}

func (p *Pipeline) partialItem(ctx context.Context, item ranker.SerpResult, volume int64, msg ranker.Message) error {
	processing := ranker.ItemProcessing
	if err := p.serps.Update(ctx, item.ID, ranker.SerpUpdate{Status: &processing}); err != nil {
		return err
	}

	domain := bareDomain(item.Link)
	if domain == "" {
		return fmt.Errorf("no domain in link %q", item.Link)
	}
	size, err := p.search.SiteSize(ctx, domain)
	if err != nil {
		p.logger.Warn("failed to fetch site size", zap.String("domain", domain), zap.Error(err))
		size = 0
	}

	partial := ranker.ItemPartial
	contact := msg.TokenInfo.FullName
	vol := volume
	siteSize := size
	activity := p.clock.Now().Add(jstOffset)
	update := ranker.SerpUpdate{
		Status:        &partial,
		DomainName:    &domain,
		ContactPerson: &contact,
		ServiceVolume: &vol,
		SiteSize:      &siteSize,
		ActivityDate:  &activity,
	}
	if err := p.serps.Update(ctx, item.ID, update); err != nil {
		return fmt.Errorf("failed to persist partial result: %w", err)
	}
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

func init() {
	metrics.Init()
}

type fakeKeywords struct {
	mu       sync.Mutex
	byID     map[int64]ranker.Keyword
	phaseLog []phaseChange
	resetErr error
}

type phaseChange struct {
	IDs    []int64
	Phase  ranker.Phase
	Status ranker.ItemStatus
}

func newFakeKeywords(kws ...ranker.Keyword) *fakeKeywords {
	f := &fakeKeywords{byID: make(map[int64]ranker.Keyword)}
	for _, kw := range kws {
		f.byID[kw.ID] = kw
	}
	return f
}

func (f *fakeKeywords) Get(_ context.Context, id int64) (ranker.Keyword, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kw, ok := f.byID[id]
	if !ok {
		return ranker.Keyword{}, ranker.ErrNotFound
	}
	return kw, nil
}

func (f *fakeKeywords) SetPhaseStatus(_ context.Context, ids []int64, phase ranker.Phase, status ranker.ItemStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phaseLog = append(f.phaseLog, phaseChange{IDs: append([]int64(nil), ids...), Phase: phase, Status: status})
	return nil
}

func (f *fakeKeywords) ResetProcessingToPending(_ context.Context, _ *int64) (map[string]int64, error) {
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	return map[string]int64{"fetch_status": 2, "rank_status": 1, "partial_rank_status": 0}, nil
}

func (f *fakeKeywords) changes() []phaseChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]phaseChange(nil), f.phaseLog...)
}

func (f *fakeKeywords) lastStatus(id int64, phase ranker.Phase) (ranker.ItemStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st ranker.ItemStatus
	found := false
	for _, c := range f.phaseLog {
		if c.Phase != phase {
			continue
		}
		for _, cid := range c.IDs {
			if cid == id {
				st = c.Status
				found = true
			}
		}
	}
	return st, found
}

type fakeSerps struct {
	mu          sync.Mutex
	rankable    map[int64][]ranker.SerpResult
	updates     map[int64][]ranker.SerpUpdate
	upserted    map[int64][]ranker.FetchedResult
	counts      map[int64][2]int64
	resetFailed map[int64]int64
	updateErr   error
}

func newFakeSerps() *fakeSerps {
	return &fakeSerps{
		rankable:    make(map[int64][]ranker.SerpResult),
		updates:     make(map[int64][]ranker.SerpUpdate),
		upserted:    make(map[int64][]ranker.FetchedResult),
		counts:      make(map[int64][2]int64),
		resetFailed: make(map[int64]int64),
	}
}

func (f *fakeSerps) ListRankable(_ context.Context, keywordID int64) ([]ranker.SerpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ranker.SerpResult(nil), f.rankable[keywordID]...), nil
}

func (f *fakeSerps) Update(_ context.Context, id int64, u ranker.SerpUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[id] = append(f.updates[id], u)
	return nil
}

func (f *fakeSerps) UpsertFetched(_ context.Context, keywordID int64, results []ranker.FetchedResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted[keywordID] = append([]ranker.FetchedResult(nil), results...)
	return nil
}

func (f *fakeSerps) ResetFailedToPending(_ context.Context, keywordID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetFailed[keywordID]++
	return 0, nil
}

func (f *fakeSerps) ResetProcessingToPending(_ context.Context, _ *int64) (int64, error) {
	return 3, nil
}

func (f *fakeSerps) FailProcessing(_ context.Context, _ []int64) (int64, error) {
	return 0, nil
}

func (f *fakeSerps) Counts(_ context.Context, keywordID int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counts[keywordID]
	return c[0], c[1], nil
}

func (f *fakeSerps) updatesFor(id int64) []ranker.SerpUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ranker.SerpUpdate(nil), f.updates[id]...)
}

func (f *fakeSerps) lastStatus(id int64) (ranker.ItemStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st ranker.ItemStatus
	found := false
	for _, u := range f.updates[id] {
		if u.Status != nil {
			st = *u.Status
			found = true
		}
	}
	return st, found
}

type fakeScores struct {
	settings ranker.ScoreSettings
	err      error
}

func (f *fakeScores) Load(_ context.Context) (ranker.ScoreSettings, error) {
	return f.settings, f.err
}

type fakeJobHistory struct {
	mu     sync.Mutex
	status map[string]ranker.MessageStatus
}

func newFakeJobHistory() *fakeJobHistory {
	return &fakeJobHistory{status: make(map[string]ranker.MessageStatus)}
}

func (f *fakeJobHistory) setStatus(jobID string, st ranker.MessageStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[jobID] = st
}

func (f *fakeJobHistory) GetByJobID(_ context.Context, jobID string) (ranker.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[jobID]
	if !ok {
		return ranker.HistoryRecord{}, ranker.ErrNotFound
	}
	return ranker.HistoryRecord{JobID: jobID, Status: st}, nil
}

func (f *fakeJobHistory) Upsert(context.Context, ranker.UpsertParams) (ranker.HistoryRecord, error) {
	return ranker.HistoryRecord{}, nil
}

func (f *fakeJobHistory) UpdateStatus(context.Context, string, ranker.MessageStatus, string, string) (ranker.HistoryRecord, error) {
	return ranker.HistoryRecord{}, nil
}

func (f *fakeJobHistory) GetByMessageID(context.Context, string) (ranker.HistoryRecord, error) {
	return ranker.HistoryRecord{}, ranker.ErrNotFound
}

func (f *fakeJobHistory) CancelByJobID(context.Context, string) (ranker.HistoryRecord, error) {
	return ranker.HistoryRecord{}, ranker.ErrNotFound
}

func (f *fakeJobHistory) CancelByMessageID(context.Context, string) (ranker.HistoryRecord, error) {
	return ranker.HistoryRecord{}, ranker.ErrNotFound
}

func (f *fakeJobHistory) ListRecent(context.Context, ranker.HistoryFilter) ([]ranker.HistoryRecord, error) {
	return nil, nil
}

func (f *fakeJobHistory) ListProcessing(context.Context) ([]ranker.HistoryRecord, error) {
	return nil, nil
}

func (f *fakeJobHistory) IncrementRetryCount(context.Context, string) error { return nil }

type fakeSearch struct {
	mu        sync.Mutex
	results   map[string][]ranker.SearchItem
	resultErr error
	sizes     map[string]int64
	volumes   map[string]int64
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		results: make(map[string][]ranker.SearchItem),
		sizes:   make(map[string]int64),
		volumes: make(map[string]int64),
	}
}

func (f *fakeSearch) FetchTopResults(_ context.Context, keyword string) ([]ranker.SearchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return f.results[keyword], nil
}

func (f *fakeSearch) SiteSize(_ context.Context, domain string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[domain], nil
}

func (f *fakeSearch) SearchVolume(_ context.Context, term string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[term], nil
}

func (f *fakeSearch) SearchVolumesBatch(_ context.Context, terms []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(terms))
	for _, t := range terms {
		out[t] = f.volumes[t]
	}
	return out, nil
}

type fakeClassifier struct {
	pick    ranker.LinkPick
	pickErr error
	result  *ranker.PageClassification
	err     error
}

func (f *fakeClassifier) PickLinks(context.Context, []string) (ranker.LinkPick, error) {
	return f.pick, f.pickErr
}

func (f *fakeClassifier) ClassifyPage(context.Context, string) (*ranker.PageClassification, error) {
	return f.result, f.err
}

type fakeCRM struct {
	duplicates map[string]bool
	checked    []string
	err        error
}

func (f *fakeCRM) IsDuplicateDomain(_ context.Context, domain string) (bool, error) {
	f.checked = append(f.checked, domain)
	if f.err != nil {
		return false, f.err
	}
	return f.duplicates[domain], nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]ranker.PageData
	delay   time.Duration
	fetched []string
	resets  int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]ranker.PageData)}
}

func (f *fakeFetcher) FetchMainPageData(ctx context.Context, url string) (ranker.PageData, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return ranker.PageData{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	pd, ok := f.pages[url]
	if !ok {
		return ranker.PageData{}, fmt.Errorf("no page for %s", url)
	}
	return pd, nil
}

func (f *fakeFetcher) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeFetcher) Close() {}

func (f *fakeFetcher) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type pipelineHarness struct {
	keywords   *fakeKeywords
	serps      *fakeSerps
	scores     *fakeScores
	history    *fakeJobHistory
	search     *fakeSearch
	classifier *fakeClassifier
	crm        *fakeCRM
	fetcher    *fakeFetcher
	clock      fixedClock
	pipeline   *Pipeline
}

func newHarness(kws ...ranker.Keyword) *pipelineHarness {
	h := &pipelineHarness{
		keywords: newFakeKeywords(kws...),
		serps:    newFakeSerps(),
		scores: &fakeScores{settings: ranker.ScoreSettings{
			Metrics: []ranker.WeightedMetric{
				{Label: "service_price", Value: 4},
				{Label: "service_volume", Value: 3},
				{Label: "site_size", Value: 2},
			},
			Thresholds: []ranker.RankThreshold{
				{Label: "A", Value: 80},
				{Label: "B", Value: 60},
				{Label: "C", Value: 40},
			},
		}},
		history:    newFakeJobHistory(),
		search:     newFakeSearch(),
		classifier: &fakeClassifier{},
		crm:        &fakeCRM{duplicates: make(map[string]bool)},
		fetcher:    newFakeFetcher(),
		clock:      fixedClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.pipeline = New(h.keywords, h.serps, h.scores, h.history, h.search,
		h.classifier, h.crm, h.fetcher, h.clock,
		Options{ItemTimeout: 200 * time.Millisecond, ItemDelay: 0},
		zap.NewNop())
	return h
}

func rankMessage(jobID string, jobType ranker.JobType, ids ...int64) ranker.Message {
	return ranker.Message{
		JobID:      jobID,
		Type:       jobType,
		KeywordIDs: ids,
		TokenInfo:  ranker.TokenInfo{FullName: "Taro Yamada"},
	}
}

var errBoom = errors.New("boom")

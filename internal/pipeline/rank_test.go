package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

func longText(prefix string) string {
	return prefix + strings.Repeat(" business consulting services", 10)
}

func TestFullRankRejectsPendingFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(
		ranker.Keyword{ID: 1, Keyword: "one", FetchStatus: ranker.ItemPending},
		ranker.Keyword{ID: 2, Keyword: "two", FetchStatus: ranker.ItemSuccess},
	)

	err := h.pipeline.FullRank(context.Background(), rankMessage("job-10", ranker.JobFullRank, 1, 2))
	var reject *ranker.RejectError
	require.ErrorAs(t, err, &reject)
	require.Contains(t, reject.Reason, "PENDING_FETCH_STATUS")
	require.Contains(t, reject.Reason, "1 keyword(s)")
	require.Empty(t, h.keywords.changes())
}

func TestFullRankSkipsAlreadyRankedKeyword(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{
		ID: 1, Keyword: "done",
		FetchStatus: ranker.ItemSuccess,
		RankStatus:  ranker.ItemSuccess,
	})

	require.NoError(t, h.pipeline.FullRank(context.Background(), rankMessage("job-11", ranker.JobFullRank, 1)))
	require.Empty(t, h.keywords.changes())
}

func TestFullRankScoresAndPersistsItem(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
	h.serps.rankable[1] = []ranker.SerpResult{
		{ID: 10, KeywordID: 1, Link: "https://example.com/page", Status: ranker.ItemPending},
	}
	h.serps.counts[1] = [2]int64{1, 0}
	h.fetcher.pages["https://example.com"] = ranker.PageData{
		EffectiveURL: "https://example.com",
		Text:         longText("landing"),
		Links:        []string{"/about", "/contact"},
	}
	h.classifier.pick = ranker.LinkPick{About: "/about", Contact: "/contact"}
	h.fetcher.pages["https://example.com/about"] = ranker.PageData{Text: longText("about")}
	h.fetcher.pages["https://example.com/contact"] = ranker.PageData{Text: longText("contact")}
	h.fetcher.pages["https://example.com/company"] = ranker.PageData{Text: longText("company")}
	h.classifier.result = &ranker.PageClassification{
		Keywords:     []string{"seo"},
		ServicePrice: 100000,
		CompanyName:  "Example Inc",
		Industry:     "consulting",
	}
	h.search.volumes["seo"] = 1000
	h.search.sizes["example.com"] = 100000

	require.NoError(t, h.pipeline.FullRank(context.Background(), rankMessage("job-12", ranker.JobFullRank, 1)))

	updates := h.serps.updatesFor(10)
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	require.NotNil(t, final.Status)
	require.Equal(t, ranker.ItemSuccess, *final.Status)
	require.NotNil(t, final.TotalWeight)
	// price 10 * 4 + volume 4 * 3 + size 8 * 2
	require.InDelta(t, 68.0, *final.TotalWeight, 0.001)
	require.NotNil(t, final.Rank)
	require.Equal(t, "B", *final.Rank)
	require.NotNil(t, final.CompanyName)
	require.Equal(t, "Example Inc", *final.CompanyName)
	require.NotNil(t, final.ContactPerson)
	require.Equal(t, "Taro Yamada", *final.ContactPerson)
	require.NotNil(t, final.DomainName)
	require.Equal(t, "example.com", *final.DomainName)

	st, ok := h.keywords.lastStatus(1, ranker.PhaseRank)
	require.True(t, ok)
	require.Equal(t, ranker.ItemSuccess, st)
	require.Equal(t, int64(1), h.serps.resetFailed[1])
}

func TestFullRankItemTimeoutResetsFetcher(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "slow", FetchStatus: ranker.ItemSuccess})
	h.serps.rankable[1] = []ranker.SerpResult{
		{ID: 20, KeywordID: 1, Link: "https://slow.example.com/", Status: ranker.ItemPending},
	}
	h.serps.counts[1] = [2]int64{3, 1}
	h.fetcher.delay = time.Second

	require.NoError(t, h.pipeline.FullRank(context.Background(), rankMessage("job-13", ranker.JobFullRank, 1)))

	require.Equal(t, 1, h.fetcher.resetCount())
	st, ok := h.serps.lastStatus(20)
	require.True(t, ok)
	require.Equal(t, ranker.ItemFailed, st)

	kwStatus, ok := h.keywords.lastStatus(1, ranker.PhaseRank)
	require.True(t, ok)
	require.Equal(t, ranker.ItemFailed, kwStatus)
}

func TestFullRankSkipsFailedItems(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
	h.serps.rankable[1] = []ranker.SerpResult{
		{ID: 30, KeywordID: 1, Link: "https://dead.example.com/", Status: ranker.ItemFailed},
	}
	h.serps.counts[1] = [2]int64{3, 0}

	require.NoError(t, h.pipeline.FullRank(context.Background(), rankMessage("job-14", ranker.JobFullRank, 1)))
	require.Empty(t, h.fetcher.fetched)
	require.Empty(t, h.serps.updatesFor(30))
}

func TestFullRankCancellationResetsRemaining(t *testing.T) {
	t.Parallel()

	h := newHarness(
		ranker.Keyword{ID: 1, Keyword: "one", FetchStatus: ranker.ItemSuccess},
		ranker.Keyword{ID: 2, Keyword: "two", FetchStatus: ranker.ItemSuccess},
	)
	h.history.setStatus("job-15", ranker.StatusCancelled)

	err := h.pipeline.FullRank(context.Background(), rankMessage("job-15", ranker.JobFullRank, 1, 2))
	require.ErrorIs(t, err, ranker.ErrJobCancelled)

	changes := h.keywords.changes()
	require.Len(t, changes, 1)
	require.Equal(t, []int64{1, 2}, changes[0].IDs)
	require.Equal(t, ranker.PhaseRank, changes[0].Phase)
	require.Equal(t, ranker.ItemPending, changes[0].Status)
}

func TestFullRankAggregation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		total  int64
		failed int64
		want   ranker.ItemStatus
	}{
		{name: "no failures", total: 6, failed: 0, want: ranker.ItemSuccess},
		{name: "under a third", total: 6, failed: 1, want: ranker.ItemSuccess},
		{name: "a third fails keyword", total: 6, failed: 2, want: ranker.ItemFailed},
		{name: "empty set succeeds", total: 0, failed: 0, want: ranker.ItemSuccess},
		{name: "empty set with stragglers", total: 0, failed: 3, want: ranker.ItemFailed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
			h.serps.counts[1] = [2]int64{tc.total, tc.failed}

			require.NoError(t, h.pipeline.FullRank(context.Background(), rankMessage("job-16", ranker.JobFullRank, 1)))
			st, ok := h.keywords.lastStatus(1, ranker.PhaseRank)
			require.True(t, ok)
			require.Equal(t, tc.want, st)
		})
	}
}

func TestFullRankScoreSettingsErrorFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
	h.scores.err = errBoom

	err := h.pipeline.FullRank(context.Background(), rankMessage("job-17", ranker.JobFullRank, 1))
	require.ErrorIs(t, err, errBoom)
	require.Empty(t, h.keywords.changes())
}

func TestPartialRankPersistsLightweightFields(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
	h.serps.rankable[1] = []ranker.SerpResult{
		{ID: 40, KeywordID: 1, Link: "https://example.com/page", Status: ranker.ItemPending},
	}
	h.serps.counts[1] = [2]int64{1, 0}
	h.search.volumes["kw"] = 500
	h.search.sizes["example.com"] = 42

	require.NoError(t, h.pipeline.PartialRank(context.Background(), rankMessage("job-18", ranker.JobPartialRank, 1)))

	updates := h.serps.updatesFor(40)
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	require.NotNil(t, final.Status)
	require.Equal(t, ranker.ItemPartial, *final.Status)
	require.NotNil(t, final.DomainName)
	require.Equal(t, "example.com", *final.DomainName)
	require.NotNil(t, final.ServiceVolume)
	require.Equal(t, int64(500), *final.ServiceVolume)
	require.NotNil(t, final.SiteSize)
	require.Equal(t, int64(42), *final.SiteSize)
	require.NotNil(t, final.ActivityDate)
	require.Equal(t, h.clock.now.Add(9*time.Hour), *final.ActivityDate)
	require.NotNil(t, final.ContactPerson)
	require.Equal(t, "Taro Yamada", *final.ContactPerson)

	st, ok := h.keywords.lastStatus(1, ranker.PhasePartialRank)
	require.True(t, ok)
	require.Equal(t, ranker.ItemPartial, st)

	require.Empty(t, h.fetcher.fetched)
}

func TestPartialRankItemWithoutDomainFails(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
	h.serps.rankable[1] = []ranker.SerpResult{
		{ID: 50, KeywordID: 1, Link: "::bad::", Status: ranker.ItemPending},
	}
	h.serps.counts[1] = [2]int64{1, 1}

	require.NoError(t, h.pipeline.PartialRank(context.Background(), rankMessage("job-19", ranker.JobPartialRank, 1)))

	st, ok := h.serps.lastStatus(50)
	require.True(t, ok)
	require.Equal(t, ranker.ItemFailed, st)
}

func TestFullRankThinPagesFailItem(t *testing.T) {
	t.Parallel()

	h := newHarness(ranker.Keyword{ID: 1, Keyword: "kw", FetchStatus: ranker.ItemSuccess})
	h.serps.rankable[1] = []ranker.SerpResult{
		{ID: 60, KeywordID: 1, Link: "https://thin.example.com/page", Status: ranker.ItemPending},
	}
	h.serps.counts[1] = [2]int64{1, 1}
	h.fetcher.pages["https://thin.example.com"] = ranker.PageData{Text: "tiny"}

	require.NoError(t, h.pipeline.FullRank(context.Background(), rankMessage("job-20", ranker.JobFullRank, 1)))

	st, ok := h.serps.lastStatus(60)
	require.True(t, ok)
	require.Equal(t, ranker.ItemFailed, st)

	kwStatus, ok := h.keywords.lastStatus(1, ranker.PhaseRank)
	require.True(t, ok)
	require.Equal(t, ranker.ItemFailed, kwStatus)
}

func TestUnstickAggregatesCounts(t *testing.T) {
	t.Parallel()

	h := newHarness()
	counts, err := h.pipeline.Unstick(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts["fetch_status"])
	require.Equal(t, int64(3), counts["serp_results"])
	require.Equal(t, int64(6), counts["total"])
}

func TestUnstickPropagatesStoreError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.keywords.resetErr = errBoom
	_, err := h.pipeline.Unstick(context.Background(), nil)
	require.True(t, errors.Is(err, errBoom))
}

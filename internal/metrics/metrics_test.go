package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	require.NotNil(t, messagesTotal)
	require.NotNil(t, jobDurationSeconds)
	require.NotNil(t, keywordsTotal)
	require.NotNil(t, serpItemsTotal)
	require.NotNil(t, httpRequestsTotal)

	ObserveMessage("fetch", "completed")
	require.Equal(t, 1.0, testutil.ToFloat64(messagesTotal.WithLabelValues("fetch", "completed")))

	ObserveKeyword("rank", "success")
	require.Equal(t, 1.0, testutil.ToFloat64(keywordsTotal.WithLabelValues("rank", "success")))

	ObserveSerpItem("failed")
	require.Equal(t, 1.0, testutil.ToFloat64(serpItemsTotal.WithLabelValues("failed")))

	ObserveVisibilityExtension()
	require.Equal(t, 1.0, testutil.ToFloat64(visibilityExtensionsTotal))

	ObserveConsumerError()
	require.Equal(t, 1.0, testutil.ToFloat64(consumerErrorsTotal))

	IncActiveJobs()
	require.Equal(t, 1.0, testutil.ToFloat64(activeJobs))
	DecActiveJobs()
	require.Equal(t, 0.0, testutil.ToFloat64(activeJobs))

	ObserveSearchRequest("serp", 200)
	require.Equal(t, 1.0, testutil.ToFloat64(searchRequestsTotal.WithLabelValues("serp", "200")))

	ObserveJobDuration("full_rank", 3*time.Second)
}

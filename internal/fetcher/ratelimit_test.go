package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHostLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(0, 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/page"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHostLimiterPacesSameHost(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://slow.example.com/"))
	}
	// Burst of 1 at 20 rps needs ~100ms for two refills.
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestHostLimiterIndependentHosts(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(5, 1)
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://a.example.com/"))
	require.NoError(t, l.Wait(context.Background(), "https://b.example.com/"))
	require.NoError(t, l.Wait(context.Background(), "https://c.example.com/"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHostLimiterRespectsContext(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(0.1, 1)
	require.NoError(t, l.Wait(context.Background(), "https://x.example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://x.example.com/")
	require.Error(t, err)
}

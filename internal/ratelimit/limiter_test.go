package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

func TestWaitUnlimitedNeverBlocks(t *testing.T) {
	t.Parallel()

	limiter := New(Config{DefaultRPS: 0})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(context.Background(), indexing.SourceTelegram))
	}
	require.Less(t, time.Since(start), time.Second)
}

func TestWaitPacesBeyondBurst(t *testing.T) {
	t.Parallel()

	limiter := New(Config{DefaultRPS: 20, DefaultBurst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(context.Background(), indexing.SourceTelegram))
	}
	// Burst covers the first token; the next two tokens cost 50ms each.
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitSourcesAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := New(Config{DefaultRPS: 1, DefaultBurst: 1})

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), indexing.SourceTelegram))
	require.NoError(t, limiter.Wait(context.Background(), indexing.SourceTwitter))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitHonorsContextCancel(t *testing.T) {
	t.Parallel()

	limiter := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})

	// Drain the burst token so the next wait would block for minutes.
	require.NoError(t, limiter.Wait(context.Background(), indexing.SourceTelegram))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx, indexing.SourceTelegram)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait")
}

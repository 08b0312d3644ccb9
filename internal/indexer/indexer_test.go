package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	archivememory "github.com/kaspalytics/social-indexer/internal/archive/memory"
	"github.com/kaspalytics/social-indexer/internal/history"
	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/normalize"
	pubmemory "github.com/kaspalytics/social-indexer/internal/publisher/memory"
	"github.com/kaspalytics/social-indexer/internal/ratelimit"
	"github.com/kaspalytics/social-indexer/internal/selector"
	"github.com/kaspalytics/social-indexer/internal/storage"
	vsmemory "github.com/kaspalytics/social-indexer/internal/vectorstore/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) (indexing.EmbedResult, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0, 0}
	}
	return indexing.EmbedResult{Vectors: vectors}, nil
}

// fakeFetcher serves canned pages keyed by stream, in call order.
type fakeFetcher struct {
	pages map[string][]indexing.Page
	calls map[string]int
	err   error
	panic bool
}

func (f *fakeFetcher) Fetch(_ context.Context, req indexing.FetchRequest) (indexing.Page, error) {
	if f.panic {
		panic("fetcher exploded")
	}
	if f.err != nil {
		return indexing.Page{}, f.err
	}
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	key := req.Stream.Key()
	n := f.calls[key]
	f.calls[key]++
	queue := f.pages[key]
	if n >= len(queue) {
		return indexing.Page{}, nil
	}
	return queue[n], nil
}

func tweetItem(t *testing.T, id string, text string, created time.Time) indexing.RawItem {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"tweet_id":      id,
		"text":          text,
		"author_handle": "kaspacurrency",
		"created_at":    created,
	})
	require.NoError(t, err)
	return indexing.RawItem{Source: indexing.SourceTwitter, Payload: payload}
}

type harness struct {
	indexer *Indexer
	history *history.Store
	points  *vsmemory.Store
	archive *archivememory.BlobStore
	events  *pubmemory.Publisher
	clock   *fakeClock
}

func newHarness(t *testing.T, fetcher indexing.Fetcher, streams ...indexing.Stream) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	points := vsmemory.NewStore()
	hist := history.NewStore(points, clock, nil)
	store := storage.NewUnified(points, fakeEmbedder{}, clock, storage.Config{
		Collection:      "social_documents",
		Namespace:       "kaspalytics.social",
		Dimensions:      4,
		UpsertChunkSize: 100,
	}, nil)
	sel := selector.New(streams, hist, clock, selector.Config{}, nil)
	limiter := ratelimit.New(ratelimit.Config{})
	archive := archivememory.NewBlobStore()
	events := pubmemory.New()

	ix := New(Strategy{
		Source:    indexing.SourceTwitter,
		Streams:   streams,
		Fetcher:   fetcher,
		Normalize: normalize.Twitter,
	}, hist, sel, store, limiter, clock, Config{
		BatchSize:   50,
		CycleBudget: 10,
		PageLimit:   100,
	}, nil, Options{Archive: archive, Events: events})

	return &harness{indexer: ix, history: hist, points: points, archive: archive, events: events, clock: clock}
}

func TestRun_IndexesNewStreamToCompletion(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	fetcher := &fakeFetcher{pages: map[string][]indexing.Page{
		"twitter:kaspacurrency": {
			{Items: []indexing.RawItem{
				tweetItem(t, "1", "kaspa first", created),
				tweetItem(t, "2", "kaspa second", created.Add(time.Minute)),
			}, HasMore: true},
			{Items: []indexing.RawItem{
				tweetItem(t, "3", "kaspa third", created.Add(2*time.Minute)),
			}, HasMore: false},
		},
	}}
	h := newHarness(t, fetcher, stream)

	result := h.indexer.Run(context.Background())
	require.True(t, result.Success, "errors: %v", result.Errors)
	require.Equal(t, 1, result.StreamsSelected)
	require.Equal(t, 1, result.StreamsProcessed)
	require.Zero(t, result.StreamsFailed)
	require.Equal(t, 3, result.MessagesFetched)
	require.Equal(t, 3, result.DocumentsStored)
	require.Equal(t, 3, h.points.Count("social_documents"))

	rec, err := h.history.GetOrCreate(context.Background(), stream.Key())
	require.NoError(t, err)
	require.True(t, rec.IsComplete)
	require.Equal(t, created.Add(2*time.Minute), rec.LatestMessageDate)
	require.Equal(t, "twitter:3", rec.LatestMessageID)
	require.Equal(t, created, rec.EarliestMessageDate)
	require.Equal(t, 3, rec.MessagesIndexed)

	status, ok, err := h.history.GetAccountStatus(context.Background(), stream.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, status.IsComplete)
	require.NotNil(t, status.LastFullSync)
	require.Equal(t, int64(3), status.Synced)

	// Both raw pages were archived and the run event published.
	require.Equal(t, 2, h.archive.Len())
	msgs := h.events.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RunTopic, msgs[0].Topic)
}

func TestRun_ResumesFromStoredCursor(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	fetcher := &fakeFetcher{pages: map[string][]indexing.Page{
		"twitter:kaspacurrency": {
			{Items: []indexing.RawItem{tweetItem(t, "1", "kaspa one", created)}, HasMore: true},
		},
	}}
	h := newHarness(t, fetcher, stream)
	ctx := context.Background()

	first := h.indexer.Run(ctx)
	require.True(t, first.Success)
	require.Equal(t, 1, first.DocumentsStored)

	rec, err := h.history.GetOrCreate(ctx, stream.Key())
	require.NoError(t, err)
	// The empty follow-up page marked the stream complete at the cursor.
	require.True(t, rec.IsComplete)
	require.Equal(t, created, rec.LatestMessageDate)

	// A later run re-fetches nothing and stays idempotent.
	fetcher.calls = nil
	second := h.indexer.Run(ctx)
	require.True(t, second.Success)
	require.Equal(t, 1, h.points.Count("social_documents"))
}

func TestRun_FetchFailureIsContained(t *testing.T) {
	t.Parallel()

	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	fetcher := &fakeFetcher{err: errors.New("bridge unreachable")}
	h := newHarness(t, fetcher, stream)

	result := h.indexer.Run(context.Background())
	require.False(t, result.Success)
	require.Equal(t, 1, result.StreamsFailed)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "bridge unreachable")

	rec, err := h.history.GetOrCreate(context.Background(), stream.Key())
	require.NoError(t, err)
	require.Equal(t, 1, rec.ConsecutiveErrors)
	require.Contains(t, rec.RecentErrors[0], "bridge unreachable")
}

func TestRun_PanicBecomesFailedResult(t *testing.T) {
	t.Parallel()

	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	h := newHarness(t, &fakeFetcher{panic: true}, stream)

	result := h.indexer.Run(context.Background())
	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Contains(t, result.Errors[len(result.Errors)-1], "run panic")

	stats := h.indexer.Stats()
	require.Equal(t, 1, stats.FailedRuns)
}

func TestRun_MalformedItemsAreSkipped(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	fetcher := &fakeFetcher{pages: map[string][]indexing.Page{
		"twitter:kaspacurrency": {
			{Items: []indexing.RawItem{
				tweetItem(t, "1", "kaspa fine", created),
				{Source: indexing.SourceTwitter, Payload: []byte(`{"text":"no id"}`)},
			}, HasMore: false},
		},
	}}
	h := newHarness(t, fetcher, stream)

	result := h.indexer.Run(context.Background())
	require.True(t, result.Success)
	require.Equal(t, 2, result.MessagesFetched)
	require.Equal(t, 1, result.DocumentsStored)
	require.Equal(t, 1, result.DocumentsFailed)
}

func TestRun_StatsAccumulateAndReset(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	fetcher := &fakeFetcher{pages: map[string][]indexing.Page{
		"twitter:kaspacurrency": {
			{Items: []indexing.RawItem{tweetItem(t, "1", "kaspa", created)}, HasMore: false},
		},
	}}
	h := newHarness(t, fetcher, stream)

	h.indexer.Run(context.Background())
	stats := h.indexer.Stats()
	require.Equal(t, 1, stats.SuccessfulRuns)
	require.Equal(t, 1, stats.TotalStored)
	require.True(t, stats.LastRunSuccess)

	h.indexer.ResetStats()
	require.Zero(t, h.indexer.Stats().SuccessfulRuns)
}

func TestProcessBatches_ChunksSequentially(t *testing.T) {
	t.Parallel()

	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	h := newHarness(t, &fakeFetcher{}, stream)

	created := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	docs := make([]indexing.Document, 7)
	for i := range docs {
		docs[i] = indexing.Document{
			ID:           fmt.Sprintf("twitter:%d", i),
			Source:       indexing.SourceTwitter,
			Text:         fmt.Sprintf("kaspa %d", i),
			AuthorHandle: "kaspacurrency",
			CreatedAt:    created.Add(time.Duration(i) * time.Minute),
			Status:       indexing.StatusProcessed,
			Twitter:      &indexing.TwitterFields{TweetID: fmt.Sprintf("%d", i)},
		}
	}

	res := h.indexer.ProcessBatches(context.Background(), docs)
	require.Equal(t, 7, res.Processed)
	require.Equal(t, 7, res.Stored)
	require.Zero(t, res.Failed)
}

func TestHealth_ReportsDependencies(t *testing.T) {
	t.Parallel()

	stream := indexing.Stream{Source: indexing.SourceTwitter, Name: "kaspacurrency", Priority: 5}
	h := newHarness(t, &fakeFetcher{}, stream)

	status := h.indexer.Health(context.Background())
	require.True(t, status.Healthy)
	require.Equal(t, "ok", status.Dependencies["store"])
}

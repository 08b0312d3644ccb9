package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

func seed(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, indexing.CollectionSpec{Name: "docs", Dimensions: 3}))
	require.NoError(t, s.Upsert(ctx, "docs", []indexing.Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"source": "twitter", "created_at": "2026-01-01T00:00:00Z"}},
		{ID: "b", Vector: []float32{0, 1, 0}, Payload: map[string]any{"source": "twitter", "created_at": "2026-01-03T00:00:00Z"}},
		{ID: "c", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]any{"source": "telegram", "created_at": "2026-01-02T00:00:00Z"}},
	}))
	return s
}

func TestCreateCollection_RepeatReturnsExists(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, indexing.CollectionSpec{Name: "docs"}))
	err := s.CreateCollection(ctx, indexing.CollectionSpec{Name: "docs"})
	require.ErrorIs(t, err, indexing.ErrCollectionExists)

	exists, err := s.CollectionExists(ctx, "docs")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUpsert_ReplacesByID(t *testing.T) {
	t.Parallel()

	s := seed(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "docs", []indexing.Point{
		{ID: "a", Payload: map[string]any{"source": "twitter", "edited": true}},
	}))
	require.Equal(t, 3, s.Count("docs"))

	p, err := s.GetPoint(ctx, "docs", "a")
	require.NoError(t, err)
	require.Equal(t, true, p.Payload["edited"])

	err = s.Upsert(ctx, "missing", nil)
	require.Error(t, err)
}

func TestSearch_FilterAndOrder(t *testing.T) {
	t.Parallel()

	s := seed(t)
	ctx := context.Background()

	twitter, err := s.Search(ctx, "docs", indexing.SearchQuery{
		Filter:     map[string]any{"source": "twitter"},
		OrderBy:    "created_at",
		Descending: true,
	})
	require.NoError(t, err)
	require.Len(t, twitter, 2)
	require.Equal(t, "b", twitter[0].ID)
	require.Equal(t, "a", twitter[1].ID)

	limited, err := s.Search(ctx, "docs", indexing.SearchQuery{OrderBy: "created_at", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "a", limited[0].ID)
}

func TestSearch_TimeOrderHandlesMixedPrecision(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, indexing.CollectionSpec{Name: "docs"}))
	// "05Z" sorts after "05.5Z" as a string; as instants the order flips.
	require.NoError(t, s.Upsert(ctx, "docs", []indexing.Point{
		{ID: "whole", Payload: map[string]any{"created_at": "2026-08-01T12:00:05Z"}},
		{ID: "fractional", Payload: map[string]any{"created_at": "2026-08-01T12:00:05.5Z"}},
	}))

	out, err := s.Search(ctx, "docs", indexing.SearchQuery{
		OrderBy:     "created_at",
		OrderByTime: true,
		Descending:  true,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "fractional", out[0].ID)
	require.Equal(t, "whole", out[1].ID)
}

func TestSearch_VectorRanking(t *testing.T) {
	t.Parallel()

	s := seed(t)
	out, err := s.Search(context.Background(), "docs", indexing.SearchQuery{
		Vector: []float32{1, 0, 0},
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].ID)
	require.Equal(t, "c", out[1].ID)
}

func TestGetPointAndDelete(t *testing.T) {
	t.Parallel()

	s := seed(t)
	ctx := context.Background()

	_, err := s.GetPoint(ctx, "docs", "nope")
	require.ErrorIs(t, err, indexing.ErrPointNotFound)

	require.NoError(t, s.Delete(ctx, "docs", []string{"a", "nope"}))
	require.Equal(t, 2, s.Count("docs"))
}

func TestSearch_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := seed(t)
	out, err := s.Search(context.Background(), "docs", indexing.SearchQuery{})
	require.NoError(t, err)
	out[0].Payload["mutated"] = true

	again, err := s.Search(context.Background(), "docs", indexing.SearchQuery{})
	require.NoError(t, err)
	require.NotContains(t, again[0].Payload, "mutated")
}

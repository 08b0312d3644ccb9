package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/clock/system"
	"github.com/kaspalytics/social-indexer/internal/history"
	"github.com/kaspalytics/social-indexer/internal/indexer"
	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/scheduler"
	vsmemory "github.com/kaspalytics/social-indexer/internal/vectorstore/memory"
)

type fakeRunner struct {
	source indexing.Source
	result indexing.IndexingResult
}

func (f *fakeRunner) Source() indexing.Source { return f.source }

func (f *fakeRunner) Run(context.Context) indexing.IndexingResult { return f.result }

func newTestServer(t *testing.T) (*Server, *history.Store) {
	t.Helper()

	clk := system.Clock{}
	hist := history.NewStore(vsmemory.NewStore(), clk, zap.NewNop())

	runner := &fakeRunner{
		source: indexing.SourceTelegram,
		result: indexing.IndexingResult{Source: indexing.SourceTelegram, Success: true},
	}
	sched := scheduler.New(runner, scheduler.NewBreaker(3), clk, time.Minute, zap.NewNop())

	schedulers := map[indexing.Source]*scheduler.Scheduler{
		indexing.SourceTelegram: sched,
	}
	srv := NewServer(schedulers, map[indexing.Source]*indexer.Indexer{}, hist, Config{}, zap.NewNop())
	return srv, hist
}

func doRequest(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRunSourceReturnsResult(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/sources/telegram/run")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Result indexing.IndexingResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, indexing.SourceTelegram, body.Result.Source)
	require.True(t, body.Result.Success)
}

func TestRunSourceUnknownIs404(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/sources/reddit/run")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Valid platform with no scheduler configured is also unknown.
	rec = doRequest(t, srv, http.MethodPost, "/v1/sources/twitter/run")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerResetAndStatus(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/sources/telegram/breaker/reset")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/sources/telegram/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scheduler scheduler.Status `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, indexing.SourceTelegram, body.Scheduler.Source)
	require.False(t, body.Scheduler.BreakerOpen)
}

func TestListHistoryFilters(t *testing.T) {
	t.Parallel()

	srv, hist := newTestServer(t)
	ctx := context.Background()

	_, err := hist.GetOrCreate(ctx, "telegram:kaspa_official")
	require.NoError(t, err)
	_, err = hist.GetOrCreate(ctx, "twitter:kaspaunchained")
	require.NoError(t, err)
	_, err = hist.Update(ctx, "telegram:kaspa_official", indexing.HistoryDelta{IsComplete: boolPtr(true)})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/v1/history?complete=true")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Streams []indexing.HistoryRecord `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Streams, 1)
	require.Equal(t, "telegram:kaspa_official", body.Streams[0].StreamKey)

	rec = doRequest(t, srv, http.MethodGet, "/v1/history?prefix=twitter:")
	require.Equal(t, http.StatusOK, rec.Code)
	body.Streams = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Streams, 1)
	require.Equal(t, "twitter:kaspaunchained", body.Streams[0].StreamKey)
}

func TestListHistoryRejectsBadLimit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/history?limit=zero")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistorySummary(t *testing.T) {
	t.Parallel()

	srv, hist := newTestServer(t)
	ctx := context.Background()

	_, err := hist.GetOrCreate(ctx, "telegram:kaspa_official")
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/v1/history/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Summary indexing.HistorySummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Summary.Streams)
}

func TestReadyzWithoutIndexers(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	clk := system.Clock{}
	hist := history.NewStore(vsmemory.NewStore(), clk, zap.NewNop())
	srv := NewServer(nil, nil, hist, Config{APIKeyEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	out := httptest.NewRecorder()
	srv.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	rec = doRequest(t, srv, http.MethodGet, "/healthz?api_key=secret")
	require.Equal(t, http.StatusOK, rec.Code)
}

func boolPtr(b bool) *bool { return &b }

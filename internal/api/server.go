// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources/{source}/run for synchronous manual runs.
//   - POST /v1/sources/{source}/breaker/reset to close an open breaker.
//   - GET /v1/history and /v1/history/summary for ledger monitoring.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/history"
	"github.com/kaspalytics/social-indexer/internal/indexer"
	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/metrics"
	"github.com/kaspalytics/social-indexer/internal/scheduler"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Config carries the server's HTTP settings.
type Config struct {
	APIKeyEnabled bool
	APIKey        string
}

// Server wires HTTP handlers to the schedulers and the history ledger.
type Server struct {
	router     chi.Router
	schedulers map[indexing.Source]*scheduler.Scheduler
	indexers   map[indexing.Source]*indexer.Indexer
	history    *history.Store
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(schedulers map[indexing.Source]*scheduler.Scheduler, indexers map[indexing.Source]*indexer.Indexer, hist *history.Store, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		schedulers: schedulers,
		indexers:   indexers,
		history:    hist,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(10 * time.Minute))
	if cfg.APIKeyEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources/{source}", func(r chi.Router) {
			r.Post("/run", s.runSource)
			r.Post("/breaker/reset", s.resetBreaker)
			r.Get("/status", s.sourceStatus)
		})
		r.Get("/history", s.listHistory)
		r.Get("/history/summary", s.historySummary)
		r.Post("/stats/reset", s.resetStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	deps := map[string]any{}
	ready := true
	for source, ix := range s.indexers {
		health := ix.Health(r.Context())
		deps[string(source)] = health.Dependencies
		if !health.Healthy {
			ready = false
		}
	}
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "dependencies": deps})
}

// runSource executes one full cycle synchronously and returns its result.
// 409 means a scheduled or manual run is already active.
func (s *Server) runSource(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	result, err := sched.Trigger(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrRunning) {
			writeError(w, http.StatusConflict, "run already in progress")
			return
		}
		s.logger.Error("manual run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	sched.ResetBreaker()
	writeJSON(w, http.StatusOK, map[string]any{"status": sched.Status()})
}

func (s *Server) sourceStatus(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	source := indexing.Source(chi.URLParam(r, "source"))
	payload := map[string]any{"scheduler": sched.Status()}
	if ix, ok := s.indexers[source]; ok {
		payload["stats"] = ix.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

// listHistory handles GET /v1/history?complete=&errors=&prefix=&limit=.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.history.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": records})
}

func (s *Server) historySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.history.Summary(r.Context())
	if err != nil {
		s.logger.Error("history summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to summarize history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) resetStats(w http.ResponseWriter, _ *http.Request) {
	for _, ix := range s.indexers {
		ix.ResetStats()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) scheduler(r *http.Request) (*scheduler.Scheduler, bool) {
	source := indexing.Source(chi.URLParam(r, "source"))
	if !source.Valid() {
		return nil, false
	}
	sched, ok := s.schedulers[source]
	return sched, ok
}

func parseHistoryFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	filter := history.Filter{Limit: defaultHistoryLimit}

	if v := strings.TrimSpace(q.Get("complete")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return history.Filter{}, errors.New("invalid complete")
		}
		filter.IsComplete = &b
	}
	if v := strings.TrimSpace(q.Get("errors")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return history.Filter{}, errors.New("invalid errors")
		}
		filter.HasErrors = &b
	}
	filter.Prefix = strings.TrimSpace(q.Get("prefix"))
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return history.Filter{}, errors.New("invalid limit")
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

// Package history persists the per-stream indexing ledger and the account
// rotation state in the shared point store.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// Collection names owned exclusively by this package.
const (
	historyCollection = "stream_history"
	accountCollection = "account_status"
)

// Store is the durable stream ledger. Records are payload-only points (no
// vector) and are never deleted.
type Store struct {
	points indexing.PointStore
	clock  indexing.Clock
	logger *zap.Logger

	mu      sync.Mutex
	ensured bool
}

// NewStore constructs a Store.
func NewStore(points indexing.PointStore, clock indexing.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{points: points, clock: clock, logger: logger}
}

// Filter narrows Query results. Nil fields match everything.
type Filter struct {
	IsComplete *bool
	HasErrors  *bool
	Prefix     string
	Limit      int
}

// GetOrCreate returns the ledger entry for a stream, creating an
// epoch-initialized record on first touch. Idempotent.
func (s *Store) GetOrCreate(ctx context.Context, streamKey string) (indexing.HistoryRecord, error) {
	if err := s.ensureCollections(ctx); err != nil {
		return indexing.HistoryRecord{}, err
	}
	rec, err := s.get(ctx, streamKey)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, indexing.ErrPointNotFound) {
		return indexing.HistoryRecord{}, err
	}

	now := s.clock.Now()
	rec = indexing.HistoryRecord{
		StreamKey: streamKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, historyCollection, streamKey, rec); err != nil {
		return indexing.HistoryRecord{}, fmt.Errorf("create history record %s: %w", streamKey, err)
	}
	s.logger.Debug("history record created", zap.String("stream", streamKey))
	return rec, nil
}

// Update applies a delta to the stream's record. MessagesIndexed is
// additive; cursor fields are replaced only when provided and only
// monotonically forward; errors land in the bounded recent ring.
func (s *Store) Update(ctx context.Context, streamKey string, delta indexing.HistoryDelta) (indexing.HistoryRecord, error) {
	rec, err := s.GetOrCreate(ctx, streamKey)
	if err != nil {
		return indexing.HistoryRecord{}, err
	}
	now := s.clock.Now()

	rec.MessagesIndexed += delta.MessagesIndexed
	if delta.LatestMessageDate != nil && delta.LatestMessageDate.After(rec.LatestMessageDate) {
		rec.LatestMessageDate = *delta.LatestMessageDate
		if delta.LatestMessageID != nil {
			rec.LatestMessageID = *delta.LatestMessageID
		}
	}
	if delta.EarliestMessageDate != nil &&
		(rec.EarliestMessageDate.IsZero() || delta.EarliestMessageDate.Before(rec.EarliestMessageDate)) {
		rec.EarliestMessageDate = *delta.EarliestMessageDate
		if delta.EarliestMessageID != nil {
			rec.EarliestMessageID = *delta.EarliestMessageID
		}
	}
	if delta.IsComplete != nil {
		rec.IsComplete = *delta.IsComplete
	}
	if delta.Error != "" {
		rec.ConsecutiveErrors++
		rec.RecentErrors = append(rec.RecentErrors, delta.Error)
		if len(rec.RecentErrors) > indexing.MaxRecentErrors {
			rec.RecentErrors = rec.RecentErrors[len(rec.RecentErrors)-indexing.MaxRecentErrors:]
		}
	}
	if delta.ClearErrors {
		rec.ConsecutiveErrors = 0
	}
	if delta.Indexed {
		rec.LastIndexedAt = now
	}
	rec.UpdatedAt = now

	if err := s.put(ctx, historyCollection, streamKey, rec); err != nil {
		return indexing.HistoryRecord{}, fmt.Errorf("update history record %s: %w", streamKey, err)
	}
	return rec, nil
}

// NeedsIndexing reports whether the stream should be worked on: true when
// absent or incomplete, false when complete, and false while the stream's
// own error streak is non-zero (a stream-granular circuit breaker).
func (s *Store) NeedsIndexing(ctx context.Context, streamKey string) (bool, error) {
	if err := s.ensureCollections(ctx); err != nil {
		return false, err
	}
	rec, err := s.get(ctx, streamKey)
	if errors.Is(err, indexing.ErrPointNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if rec.ConsecutiveErrors > 0 {
		return false, nil
	}
	return !rec.IsComplete, nil
}

// Query returns ledger entries matching the filter, for monitoring.
func (s *Store) Query(ctx context.Context, filter Filter) ([]indexing.HistoryRecord, error) {
	if err := s.ensureCollections(ctx); err != nil {
		return nil, err
	}
	q := indexing.SearchQuery{OrderBy: "stream_key"}
	if filter.IsComplete != nil {
		q.Filter = map[string]any{"is_complete": *filter.IsComplete}
	}
	points, err := s.points.Search(ctx, historyCollection, q)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	var out []indexing.HistoryRecord
	for _, p := range points {
		var rec indexing.HistoryRecord
		if err := fromPayload(p.Payload, &rec); err != nil {
			s.logger.Warn("skipping malformed history record", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		if filter.HasErrors != nil && (rec.ConsecutiveErrors > 0) != *filter.HasErrors {
			continue
		}
		if filter.Prefix != "" && len(rec.StreamKey) >= len(filter.Prefix) &&
			rec.StreamKey[:len(filter.Prefix)] != filter.Prefix {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Summary aggregates ledger state for monitoring.
func (s *Store) Summary(ctx context.Context) (indexing.HistorySummary, error) {
	records, err := s.Query(ctx, Filter{})
	if err != nil {
		return indexing.HistorySummary{}, err
	}
	var sum indexing.HistorySummary
	for _, rec := range records {
		sum.Streams++
		sum.MessagesIndexed += rec.MessagesIndexed
		if rec.IsComplete {
			sum.Complete++
		}
		if rec.ConsecutiveErrors > 0 {
			sum.WithErrors++
		}
	}
	return sum, nil
}

// GetAccountStatus loads rotation state for a stream; ok is false when the
// stream has never been synced.
func (s *Store) GetAccountStatus(ctx context.Context, streamKey string) (indexing.AccountStatus, bool, error) {
	if err := s.ensureCollections(ctx); err != nil {
		return indexing.AccountStatus{}, false, err
	}
	p, err := s.points.GetPoint(ctx, accountCollection, streamKey)
	if errors.Is(err, indexing.ErrPointNotFound) {
		return indexing.AccountStatus{}, false, nil
	}
	if err != nil {
		return indexing.AccountStatus{}, false, fmt.Errorf("get account status %s: %w", streamKey, err)
	}
	var status indexing.AccountStatus
	if err := fromPayload(p.Payload, &status); err != nil {
		return indexing.AccountStatus{}, false, fmt.Errorf("decode account status %s: %w", streamKey, err)
	}
	return status, true, nil
}

// PutAccountStatus stores rotation state for a stream.
func (s *Store) PutAccountStatus(ctx context.Context, status indexing.AccountStatus) error {
	if err := s.ensureCollections(ctx); err != nil {
		return err
	}
	if status.StreamKey == "" {
		return fmt.Errorf("account status without stream key")
	}
	if err := s.put(ctx, accountCollection, status.StreamKey, status); err != nil {
		return fmt.Errorf("put account status %s: %w", status.StreamKey, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, streamKey string) (indexing.HistoryRecord, error) {
	p, err := s.points.GetPoint(ctx, historyCollection, streamKey)
	if err != nil {
		return indexing.HistoryRecord{}, err
	}
	var rec indexing.HistoryRecord
	if err := fromPayload(p.Payload, &rec); err != nil {
		return indexing.HistoryRecord{}, fmt.Errorf("decode history record %s: %w", streamKey, err)
	}
	return rec, nil
}

func (s *Store) put(ctx context.Context, collection, id string, value any) error {
	payload, err := toPayload(value)
	if err != nil {
		return err
	}
	return s.points.Upsert(ctx, collection, []indexing.Point{{ID: id, Payload: payload}})
}

func (s *Store) ensureCollections(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	for _, name := range []string{historyCollection, accountCollection} {
		exists, err := s.points.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check collection %s: %w", name, err)
		}
		if exists {
			continue
		}
		err = s.points.CreateCollection(ctx, indexing.CollectionSpec{Name: name})
		if err != nil && !errors.Is(err, indexing.ErrCollectionExists) {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	s.ensured = true
	return nil
}

func toPayload(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func fromPayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal point payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal point payload: %w", err)
	}
	return nil
}

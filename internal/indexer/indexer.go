// Package indexer runs the per-source harvest cycle: select streams under
// the cycle budget, walk each stream's cursor forward page by page, and
// hand normalized documents to storage in batches.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/history"
	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/metrics"
	"github.com/kaspalytics/social-indexer/internal/ratelimit"
	"github.com/kaspalytics/social-indexer/internal/selector"
	"github.com/kaspalytics/social-indexer/internal/storage"
)

// Strategy is the per-platform slot set. The runner owns the loop; the
// strategy supplies the source-specific pieces.
type Strategy struct {
	Source    indexing.Source
	Streams   []indexing.Stream
	Fetcher   indexing.Fetcher
	Normalize indexing.Normalizer

	// Probe, when set, is consulted by Health to check the platform bridge.
	Probe func(ctx context.Context) error
}

// Config tunes the run loop.
type Config struct {
	BatchSize   int
	BatchDelay  time.Duration
	StreamDelay time.Duration
	CycleBudget int
	PageLimit   int
}

// RunTopic is the publisher topic for run-completion events.
const RunTopic = "indexing-runs"

// Indexer executes indexing runs for one source. Runs are sequential per
// stream; the caller (scheduler or API) guarantees at most one concurrent
// Run per Indexer.
type Indexer struct {
	strategy Strategy
	history  *history.Store
	selector *selector.Selector
	storage  *storage.Unified
	limiter  *ratelimit.Limiter
	archive  indexing.BlobStore  // optional
	events   indexing.Publisher  // optional
	clock    indexing.Clock
	logger   *zap.Logger
	cfg      Config

	stats statsCounter
}

// Options carries the optional collaborators.
type Options struct {
	Archive indexing.BlobStore
	Events  indexing.Publisher
}

// New constructs an Indexer.
func New(strategy Strategy, hist *history.Store, sel *selector.Selector, store *storage.Unified, limiter *ratelimit.Limiter, clock indexing.Clock, cfg Config, logger *zap.Logger, opts Options) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 10
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		strategy: strategy,
		history:  hist,
		selector: sel,
		storage:  store,
		limiter:  limiter,
		archive:  opts.Archive,
		events:   opts.Events,
		clock:    clock,
		logger:   logger.With(zap.String("source", string(strategy.Source))),
		cfg:      cfg,
	}
}

// Source returns the platform this indexer serves.
func (ix *Indexer) Source() indexing.Source {
	return ix.strategy.Source
}

// Run executes one full indexing cycle. It never lets a panic or error
// escape: any failure becomes a failed IndexingResult.
func (ix *Indexer) Run(ctx context.Context) (result indexing.IndexingResult) {
	started := ix.clock.Now()
	result = indexing.IndexingResult{Source: ix.strategy.Source, StartedAt: started}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("run panic: %v", r))
		}
		result.FinishedAt = ix.clock.Now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
		ix.stats.record(result)
		metrics.ObserveRun(string(ix.strategy.Source), result.Success)
		ix.logRun(result)
		ix.publish(result)
	}()

	allocations, err := ix.selector.Select(ctx, ix.cfg.CycleBudget)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("select streams: %v", err))
		return result
	}
	result.StreamsSelected = len(allocations)

	for i, alloc := range allocations {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cycle interrupted: %v", ctx.Err()))
			break
		}
		if i > 0 && ix.cfg.StreamDelay > 0 {
			ix.sleep(ctx, ix.cfg.StreamDelay)
		}
		fetched, stored, failed, err := ix.runStream(ctx, alloc)
		result.MessagesFetched += fetched
		result.DocumentsStored += stored
		result.DocumentsFailed += failed
		if err != nil {
			result.StreamsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("stream %s: %v", alloc.Stream.Key(), err))
			metrics.ObserveStream(string(ix.strategy.Source), "failure")
			continue
		}
		result.StreamsProcessed++
		metrics.ObserveStream(string(ix.strategy.Source), "success")
	}

	result.Success = result.StreamsFailed == 0 && len(result.Errors) == 0
	return result
}

// runStream pages one stream forward under its allocation. Fetch failures
// land in the stream's error ledger and surface as the returned error;
// document-level failures are counted, never propagated.
func (ix *Indexer) runStream(ctx context.Context, alloc selector.Allocation) (fetched, stored, failed int, err error) {
	key := alloc.Stream.Key()
	log := ix.logger.With(zap.String("stream", key))

	record, err := ix.history.GetOrCreate(ctx, key)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load history: %w", err)
	}
	// Stale and never-synced streams refresh even when the ledger says the
	// stream is complete or cooling off after errors.
	if !alloc.Refresh {
		needed, err := ix.history.NeedsIndexing(ctx, key)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("check history: %w", err)
		}
		if !needed {
			log.Debug("stream up to date, skipping")
			return 0, 0, 0, nil
		}
	}

	cursor := indexing.Cursor{Date: record.LatestMessageDate, ID: record.LatestMessageID}
	sawNew := false

	for page := 0; page < alloc.RequestBudget; page++ {
		if err := ix.limiter.Wait(ctx, ix.strategy.Source); err != nil {
			ix.recordStreamError(ctx, key, err)
			return fetched, stored, failed, err
		}
		result, err := ix.strategy.Fetcher.Fetch(ctx, indexing.FetchRequest{
			Stream:    alloc.Stream,
			Cursor:    cursor,
			Limit:     ix.cfg.PageLimit,
			Direction: indexing.DirectionForward,
		})
		if err != nil {
			ix.recordStreamError(ctx, key, err)
			return fetched, stored, failed, fmt.Errorf("fetch page %d: %w", page, err)
		}

		if len(result.Items) == 0 {
			// Caught up: fetching at the cursor returned nothing new.
			complete := true
			if _, err := ix.history.Update(ctx, key, indexing.HistoryDelta{IsComplete: &complete, ClearErrors: true, Indexed: sawNew}); err != nil {
				log.Warn("history completion update failed", zap.Error(err))
			}
			break
		}
		sawNew = true
		fetched += len(result.Items)
		ix.archivePage(ctx, key, page, result.Items)

		docs := ix.normalizePage(log, result.Items)
		batch := ix.ProcessBatches(ctx, docs)
		stored += batch.Stored
		failed += batch.Failed + (len(result.Items) - len(docs))
		metrics.ObserveDocuments(string(ix.strategy.Source), batch.Stored, batch.Failed, len(result.Items)-len(docs))

		cursor = pageCursor(docs, cursor)
		delta := indexing.HistoryDelta{
			MessagesIndexed: batch.Stored,
			ClearErrors:     true,
			Indexed:         true,
		}
		if !cursor.Zero() {
			delta.LatestMessageDate = &cursor.Date
			delta.LatestMessageID = &cursor.ID
		}
		if earliest, ok := earliestCursor(docs); ok && record.EarliestMessageDate.IsZero() {
			delta.EarliestMessageDate = &earliest.Date
			delta.EarliestMessageID = &earliest.ID
		}
		if !result.HasMore {
			complete := true
			delta.IsComplete = &complete
		}
		if record, err = ix.history.Update(ctx, key, delta); err != nil {
			log.Warn("history update failed", zap.Error(err))
		}
		if !result.HasMore {
			break
		}
	}

	if err := ix.updateAccountStatus(ctx, alloc, record, stored); err != nil {
		log.Warn("rotation state update failed", zap.Error(err))
	}
	return fetched, stored, failed, nil
}

// ProcessBatches stores documents in fixed-size sequential chunks with an
// inter-chunk delay, continuing past failed chunks.
func (ix *Indexer) ProcessBatches(ctx context.Context, docs []indexing.Document) indexing.BatchResult {
	var res indexing.BatchResult
	for start := 0; start < len(docs); start += ix.cfg.BatchSize {
		if start > 0 && ix.cfg.BatchDelay > 0 {
			ix.sleep(ctx, ix.cfg.BatchDelay)
		}
		end := min(start+ix.cfg.BatchSize, len(docs))
		sr := ix.storage.StoreBatch(ctx, docs[start:end])
		res.Processed += sr.Received
		res.Stored += sr.Stored
		res.Failed += sr.Failed
		res.Errors = append(res.Errors, sr.Errors...)
	}
	return res
}

// Stats returns a snapshot of the cumulative in-memory run counters.
func (ix *Indexer) Stats() indexing.IndexerStats {
	return ix.stats.snapshot()
}

// ResetStats zeroes the cumulative counters.
func (ix *Indexer) ResetStats() {
	ix.stats.reset()
}

// Health probes the point store and, when configured, the platform bridge.
func (ix *Indexer) Health(ctx context.Context) indexing.HealthStatus {
	status := indexing.HealthStatus{Healthy: true, Dependencies: map[string]string{}}

	if _, err := ix.history.Summary(ctx); err != nil {
		status.Healthy = false
		status.Dependencies["store"] = err.Error()
	} else {
		status.Dependencies["store"] = "ok"
	}

	if ix.strategy.Probe != nil {
		if err := ix.strategy.Probe(ctx); err != nil {
			status.Healthy = false
			status.Dependencies["bridge"] = err.Error()
		} else {
			status.Dependencies["bridge"] = "ok"
		}
	}
	return status
}

func (ix *Indexer) normalizePage(log *zap.Logger, items []indexing.RawItem) []indexing.Document {
	docs := make([]indexing.Document, 0, len(items))
	for _, item := range items {
		doc, err := ix.strategy.Normalize(item)
		if err != nil {
			log.Warn("dropping malformed item", zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (ix *Indexer) recordStreamError(ctx context.Context, key string, cause error) {
	if _, err := ix.history.Update(ctx, key, indexing.HistoryDelta{Error: cause.Error()}); err != nil {
		ix.logger.Warn("history error update failed", zap.String("stream", key), zap.Error(err))
	}
}

func (ix *Indexer) updateAccountStatus(ctx context.Context, alloc selector.Allocation, record indexing.HistoryRecord, stored int) error {
	key := alloc.Stream.Key()
	status, ok, err := ix.history.GetAccountStatus(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		status = indexing.AccountStatus{StreamKey: key, Priority: alloc.Stream.Priority}
	}
	now := ix.clock.Now()
	status.LastPartialSync = &now
	status.Synced += int64(stored)
	status.IsComplete = record.IsComplete
	if record.IsComplete {
		status.LastFullSync = &now
		status.ConsecutiveRuns = 0
	} else {
		status.ConsecutiveRuns++
	}
	return ix.history.PutAccountStatus(ctx, status)
}

// archivePage writes the raw fetched payloads for later reprocessing.
// Archive failures are logged, never fatal.
func (ix *Indexer) archivePage(ctx context.Context, key string, page int, items []indexing.RawItem) {
	if ix.archive == nil {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		ix.logger.Warn("archive marshal failed", zap.String("stream", key), zap.Error(err))
		return
	}
	path := fmt.Sprintf("raw/%s/%s/%d.json", key, ix.clock.Now().UTC().Format("2006-01-02T15-04-05Z"), page)
	if _, err := ix.archive.PutObject(ctx, path, "application/json", data); err != nil {
		ix.logger.Warn("archive write failed", zap.String("stream", key), zap.Error(err))
	}
}

func (ix *Indexer) publish(result indexing.IndexingResult) {
	if ix.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ix.events.Publish(ctx, RunTopic, result); err != nil {
		ix.logger.Warn("run event publish failed", zap.Error(err))
	}
}

func (ix *Indexer) logRun(result indexing.IndexingResult) {
	fields := []zap.Field{
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration),
		zap.Int("streams_selected", result.StreamsSelected),
		zap.Int("streams_processed", result.StreamsProcessed),
		zap.Int("streams_failed", result.StreamsFailed),
		zap.Int("fetched", result.MessagesFetched),
		zap.Int("stored", result.DocumentsStored),
		zap.Int("failed", result.DocumentsFailed),
	}
	if result.Success {
		ix.logger.Info("run finished", fields...)
	} else {
		ix.logger.Warn("run finished with errors", append(fields, zap.Strings("errors", result.Errors))...)
	}
}

func (ix *Indexer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// pageCursor returns the newest document position in the page, falling back
// to the previous cursor for pages that normalized to nothing.
func pageCursor(docs []indexing.Document, prev indexing.Cursor) indexing.Cursor {
	cursor := prev
	for _, doc := range docs {
		if doc.CreatedAt.After(cursor.Date) {
			cursor = indexing.Cursor{Date: doc.CreatedAt, ID: doc.ID}
		}
	}
	return cursor
}

func earliestCursor(docs []indexing.Document) (indexing.Cursor, bool) {
	var cursor indexing.Cursor
	for _, doc := range docs {
		if cursor.Zero() || doc.CreatedAt.Before(cursor.Date) {
			cursor = indexing.Cursor{Date: doc.CreatedAt, ID: doc.ID}
		}
	}
	return cursor, !cursor.Zero()
}

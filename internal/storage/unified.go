// Package storage implements the idempotent embed-and-store pipeline over
// the vector point store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// Config governs the unified document collection.
type Config struct {
	Collection      string
	Namespace       string
	Dimensions      int
	UpsertChunkSize int
}

// Unified embeds and persists documents. StoreBatch is safe to call
// repeatedly with overlapping documents: point ids are deterministic, so
// reprocessing overwrites instead of duplicating.
type Unified struct {
	points   indexing.PointStore
	embedder indexing.Embedder
	clock    indexing.Clock
	logger   *zap.Logger
	cfg      Config

	namespace uuid.UUID

	mu      sync.Mutex
	ensured bool
}

// NewUnified constructs the storage pipeline.
func NewUnified(points indexing.PointStore, embedder indexing.Embedder, clock indexing.Clock, cfg Config, logger *zap.Logger) *Unified {
	if cfg.UpsertChunkSize <= 0 {
		cfg.UpsertChunkSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Unified{
		points:   points,
		embedder: embedder,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		// One UUIDv5 namespace per deployment namespace string keeps point
		// ids stable across every source.
		namespace: uuid.NewSHA1(uuid.NameSpaceURL, []byte(cfg.Namespace)),
	}
}

// PointID derives the deterministic point id for a document id.
func (u *Unified) PointID(docID string) string {
	return uuid.NewSHA1(u.namespace, []byte(docID)).String()
}

// StoreBatch embeds the unembedded subset with exactly one bulk call, then
// upserts everything chunk by chunk, continuing past failing chunks. Not
// transactional: partial success is reported, never rolled back.
func (u *Unified) StoreBatch(ctx context.Context, docs []indexing.Document) indexing.StoreResult {
	res := indexing.StoreResult{Received: len(docs)}
	if len(docs) == 0 {
		return res
	}
	if err := u.ensureCollection(ctx); err != nil {
		res.Failed = len(docs)
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	var ready []indexing.Document
	var pending []indexing.Document
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			res.Skipped++
			continue
		}
		if err := doc.Validate(); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if doc.Embeddable() {
			pending = append(pending, doc)
		} else {
			ready = append(ready, doc)
		}
	}

	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for i, doc := range pending {
			texts[i] = doc.Text
		}
		embedded, err := u.embedder.Embed(ctx, texts)
		if err == nil && len(embedded.Vectors) != len(pending) {
			err = fmt.Errorf("embedder returned %d vectors for %d inputs", len(embedded.Vectors), len(pending))
		}
		if err != nil {
			// The pre-embedded partition still gets stored.
			res.Failed += len(pending)
			res.Errors = append(res.Errors, fmt.Sprintf("embed batch of %d: %v", len(pending), err))
		} else {
			now := u.clock.Now()
			for i := range pending {
				pending[i].Vector = embedded.Vectors[i]
				pending[i].Dimensions = len(embedded.Vectors[i])
				pending[i].Status = indexing.StatusEmbedded
				pending[i].EmbeddedAt = &now
				ready = append(ready, pending[i])
			}
			res.Embedded = len(pending)
		}
	}

	for start := 0; start < len(ready); start += u.cfg.UpsertChunkSize {
		end := min(start+u.cfg.UpsertChunkSize, len(ready))
		chunk := ready[start:end]
		points, err := u.toPoints(chunk)
		if err == nil {
			err = u.points.Upsert(ctx, u.cfg.Collection, points)
		}
		if err != nil {
			res.Failed += len(chunk)
			res.Errors = append(res.Errors, fmt.Sprintf("upsert chunk [%d:%d]: %v", start, end, err))
			continue
		}
		res.Stored += len(chunk)
	}

	u.logger.Debug("batch stored",
		zap.Int("received", res.Received),
		zap.Int("stored", res.Stored),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res
}

// GetBySource reads stored documents for a source, newest first.
func (u *Unified) GetBySource(ctx context.Context, source indexing.Source, limit int) ([]indexing.Document, error) {
	if err := u.ensureCollection(ctx); err != nil {
		return nil, err
	}
	points, err := u.points.Search(ctx, u.cfg.Collection, indexing.SearchQuery{
		Filter:      map[string]any{"source": string(source)},
		OrderBy:     "created_at",
		OrderByTime: true,
		Descending:  true,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get by source %s: %w", source, err)
	}
	docs := make([]indexing.Document, 0, len(points))
	for _, p := range points {
		doc, err := documentFromPayload(p)
		if err != nil {
			u.logger.Warn("skipping malformed stored document", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetLatestMessageDate returns the newest stored message date for a stream,
// which indexers use as their resume point. ok is false when the stream has
// no stored documents.
func (u *Unified) GetLatestMessageDate(ctx context.Context, source indexing.Source, streamKey string) (time.Time, bool, error) {
	if err := u.ensureCollection(ctx); err != nil {
		return time.Time{}, false, err
	}
	points, err := u.points.Search(ctx, u.cfg.Collection, indexing.SearchQuery{
		Filter:      map[string]any{"source": string(source), "stream_key": streamKey},
		OrderBy:     "created_at",
		OrderByTime: true,
		Descending:  true,
		Limit:       1,
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get latest message date for %s: %w", streamKey, err)
	}
	if len(points) == 0 {
		return time.Time{}, false, nil
	}
	doc, err := documentFromPayload(points[0])
	if err != nil {
		return time.Time{}, false, err
	}
	return doc.CreatedAt, true, nil
}

func (u *Unified) toPoints(docs []indexing.Document) ([]indexing.Point, error) {
	now := u.clock.Now()
	points := make([]indexing.Point, 0, len(docs))
	for _, doc := range docs {
		stored := doc
		stored.Status = indexing.StatusStored
		stored.StoredAt = &now
		vector := stored.Vector
		// The vector lives on the point itself, not in the payload.
		stored.Vector = nil
		payload, err := documentPayload(stored)
		if err != nil {
			return nil, err
		}
		points = append(points, indexing.Point{
			ID:      u.PointID(doc.ID),
			Vector:  vector,
			Payload: payload,
		})
	}
	return points, nil
}

func (u *Unified) ensureCollection(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ensured {
		return nil
	}
	exists, err := u.points.CollectionExists(ctx, u.cfg.Collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", u.cfg.Collection, err)
	}
	if !exists {
		err := u.points.CreateCollection(ctx, indexing.CollectionSpec{
			Name:       u.cfg.Collection,
			Dimensions: u.cfg.Dimensions,
		})
		// A concurrent create is success, not failure.
		if err != nil && !errors.Is(err, indexing.ErrCollectionExists) {
			return fmt.Errorf("create collection %s: %w", u.cfg.Collection, err)
		}
	}
	u.ensured = true
	return nil
}

func documentPayload(doc indexing.Document) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal document %s: %w", doc.ID, err)
	}
	payload["stream_key"] = StreamKey(doc)
	return payload, nil
}

func documentFromPayload(p indexing.Point) (indexing.Document, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return indexing.Document{}, fmt.Errorf("marshal payload %s: %w", p.ID, err)
	}
	var doc indexing.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return indexing.Document{}, fmt.Errorf("unmarshal payload %s: %w", p.ID, err)
	}
	doc.Vector = p.Vector
	return doc, nil
}

// StreamKey derives the ledger stream identity a document belongs to.
func StreamKey(doc indexing.Document) string {
	switch doc.Source {
	case indexing.SourceTelegram:
		if doc.Telegram == nil {
			return string(doc.Source)
		}
		s := indexing.Stream{Source: doc.Source, Name: doc.Telegram.ChannelName, Topic: doc.Telegram.TopicID}
		return s.Key()
	case indexing.SourceTwitter:
		s := indexing.Stream{Source: doc.Source, Name: doc.AuthorHandle}
		return s.Key()
	default:
		return string(doc.Source)
	}
}

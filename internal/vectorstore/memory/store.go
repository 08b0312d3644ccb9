// Package memory provides an in-memory point store for development/testing.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// Store implements indexing.PointStore with maps. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]indexing.Point
	specs       map[string]indexing.CollectionSpec
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string]indexing.Point),
		specs:       make(map[string]indexing.CollectionSpec),
	}
}

// CollectionExists reports whether the collection has been created.
func (s *Store) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

// CreateCollection creates the collection, returning ErrCollectionExists on
// a repeat create.
func (s *Store) CreateCollection(_ context.Context, spec indexing.CollectionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[spec.Name]; ok {
		return indexing.ErrCollectionExists
	}
	s.collections[spec.Name] = make(map[string]indexing.Point)
	s.specs[spec.Name] = spec
	return nil
}

// Upsert inserts or replaces points by id.
func (s *Store) Upsert(_ context.Context, collection string, points []indexing.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s does not exist", collection)
	}
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point without id in collection %s", collection)
		}
		coll[p.ID] = clonePoint(p)
	}
	return nil
}

// Search returns points matching the filter, ranked by vector similarity
// when a query vector is given, otherwise ordered by the payload field
// named in OrderBy.
func (s *Store) Search(_ context.Context, collection string, q indexing.SearchQuery) ([]indexing.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", collection)
	}
	var out []indexing.Point
	for _, p := range coll {
		if matches(p.Payload, q.Filter) {
			out = append(out, clonePoint(p))
		}
	}
	switch {
	case len(q.Vector) > 0:
		sort.SliceStable(out, func(i, j int) bool {
			return cosineSimilarity(out[i].Vector, q.Vector) > cosineSimilarity(out[j].Vector, q.Vector)
		})
	case q.OrderBy != "":
		sort.SliceStable(out, func(i, j int) bool {
			a := fmt.Sprint(out[i].Payload[q.OrderBy])
			b := fmt.Sprint(out[j].Payload[q.OrderBy])
			if q.OrderByTime {
				ta, errA := time.Parse(time.RFC3339Nano, a)
				tb, errB := time.Parse(time.RFC3339Nano, b)
				if errA == nil && errB == nil {
					if q.Descending {
						return tb.Before(ta)
					}
					return ta.Before(tb)
				}
			}
			if q.Descending {
				return a > b
			}
			return a < b
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetPoint fetches one point by id.
func (s *Store) GetPoint(_ context.Context, collection, id string) (indexing.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[collection]
	if !ok {
		return indexing.Point{}, fmt.Errorf("collection %s does not exist", collection)
	}
	p, ok := coll[id]
	if !ok {
		return indexing.Point{}, indexing.ErrPointNotFound
	}
	return clonePoint(p), nil
}

// Delete removes points by id; unknown ids are ignored.
func (s *Store) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s does not exist", collection)
	}
	for _, id := range ids {
		delete(coll, id)
	}
	return nil
}

// Count returns the number of stored points (test helper).
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func matches(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func clonePoint(p indexing.Point) indexing.Point {
	cp := indexing.Point{ID: p.ID}
	if p.Vector != nil {
		cp.Vector = append([]float32(nil), p.Vector...)
	}
	if p.Payload != nil {
		cp.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

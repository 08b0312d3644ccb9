// Package selector allocates the per-cycle request budget across configured
// streams under a priority-fairness policy.
package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// SyncStatus classifies a stream's rotation state for scoring.
type SyncStatus string

// Rotation states, best-to-worst candidate order.
const (
	SyncNever       SyncStatus = "never_synced"
	SyncStale       SyncStatus = "stale"
	SyncPartial     SyncStatus = "partial_sync"
	SyncFull        SyncStatus = "full_sync"
	SyncCoolingDown SyncStatus = "cooling_down"
)

// excludedScore is the sentinel forcing cooling-down streams out of the
// allocation regardless of other terms.
const excludedScore = -1.0

// statusWeights order candidates before staleness and fairness terms apply.
var statusWeights = map[SyncStatus]float64{
	SyncNever:       1000,
	SyncStale:       500,
	SyncPartial:     200,
	SyncFull:        50,
	SyncCoolingDown: 1,
}

// StatusReader supplies rotation state; the history store implements it.
type StatusReader interface {
	GetAccountStatus(ctx context.Context, streamKey string) (indexing.AccountStatus, bool, error)
}

// Config tunes the scoring windows.
type Config struct {
	PerStreamCap    int
	Cooldown        time.Duration
	Staleness       time.Duration
	PagePerEstimate int
}

// Allocation is one selected stream with its share of the cycle budget.
type Allocation struct {
	Stream        indexing.Stream `json:"stream"`
	RequestBudget int             `json:"request_budget"`
	Priority      int             `json:"priority"`
	Score         float64         `json:"score"`
	Status        SyncStatus      `json:"status"`
	Reason        string          `json:"reason"`
	Refresh       bool            `json:"refresh"`
}

// Selector scores streams each cycle and greedily assigns budget in score
// order. A zero or negative score is a silent skip, not an error.
type Selector struct {
	streams  []indexing.Stream
	statuses StatusReader
	clock    indexing.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Selector over the configured streams.
func New(streams []indexing.Stream, statuses StatusReader, clock indexing.Clock, cfg Config, logger *zap.Logger) *Selector {
	if cfg.PerStreamCap <= 0 {
		cfg.PerStreamCap = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 12 * time.Hour
	}
	if cfg.PagePerEstimate <= 0 {
		cfg.PagePerEstimate = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{streams: streams, statuses: statuses, clock: clock, cfg: cfg, logger: logger}
}

// Select scores every configured stream and allocates the shared budget.
// The returned slice is ordered by descending score and its budgets sum to
// at most the given budget.
func (s *Selector) Select(ctx context.Context, budget int) ([]Allocation, error) {
	if budget <= 0 {
		return nil, nil
	}

	type candidate struct {
		alloc  Allocation
		status indexing.AccountStatus
	}

	candidates := make([]candidate, 0, len(s.streams))
	now := s.clock.Now()
	for _, stream := range s.streams {
		status, ok, err := s.statuses.GetAccountStatus(ctx, stream.Key())
		if err != nil {
			return nil, fmt.Errorf("read rotation state for %s: %w", stream.Key(), err)
		}
		if !ok {
			status = indexing.AccountStatus{StreamKey: stream.Key(), Priority: stream.Priority}
		}
		sync := s.classify(status, now)
		candidates = append(candidates, candidate{
			alloc: Allocation{
				Stream:   stream,
				Priority: stream.Priority,
				Score:    s.score(status, sync, now),
				Status:   sync,
				Reason:   string(sync),
				Refresh:  sync == SyncStale || sync == SyncNever,
			},
			status: status,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].alloc.Score > candidates[j].alloc.Score
	})

	remaining := budget
	var selected []Allocation
	for _, cand := range candidates {
		if remaining <= 0 {
			break
		}
		if cand.alloc.Score <= 0 {
			continue
		}
		need := s.estimatedNeed(cand.status, cand.alloc.Status)
		grant := min(remaining, min(need, s.cfg.PerStreamCap))
		if grant <= 0 {
			continue
		}
		cand.alloc.RequestBudget = grant
		remaining -= grant
		selected = append(selected, cand.alloc)
		s.logger.Debug("stream selected",
			zap.String("stream", cand.alloc.Stream.Key()),
			zap.String("status", string(cand.alloc.Status)),
			zap.Float64("score", cand.alloc.Score),
			zap.Int("budget", grant),
		)
	}
	return selected, nil
}

func (s *Selector) classify(status indexing.AccountStatus, now time.Time) SyncStatus {
	if status.LastPartialSync == nil {
		return SyncNever
	}
	if status.IsComplete {
		if status.LastFullSync != nil && now.Sub(*status.LastFullSync) < s.cfg.Cooldown {
			return SyncCoolingDown
		}
		return SyncStale
	}
	if now.Sub(*status.LastPartialSync) > s.cfg.Staleness {
		return SyncStale
	}
	return SyncPartial
}

func (s *Selector) score(status indexing.AccountStatus, sync SyncStatus, now time.Time) float64 {
	if sync == SyncCoolingDown {
		return excludedScore
	}
	score := statusWeights[sync]

	staleness := math.Inf(1)
	if status.LastPartialSync != nil {
		staleness = now.Sub(*status.LastPartialSync).Hours()
	}
	score += math.Min(staleness*10, 500)

	score -= float64(status.ConsecutiveRuns) * 100

	if sync == SyncPartial && status.CompletionRatio() > 0.8 {
		score += 200
	}
	return score
}

func (s *Selector) estimatedNeed(status indexing.AccountStatus, sync SyncStatus) int {
	switch sync {
	case SyncNever:
		return 5
	case SyncStale:
		return 1
	case SyncPartial:
		// Guess pages from the remaining estimate, capped at 3.
		if status.TotalEstimated > 0 {
			remaining := status.TotalEstimated - status.Synced
			pages := int((remaining + int64(s.cfg.PagePerEstimate) - 1) / int64(s.cfg.PagePerEstimate))
			if pages < 1 {
				pages = 1
			}
			if pages > 3 {
				pages = 3
			}
			return pages
		}
		return 3
	default:
		return 1
	}
}

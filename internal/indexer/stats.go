package indexer

import (
	"sync"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// statsCounter accumulates run outcomes in memory. Counters reset on
// process restart; only store-backed state survives.
type statsCounter struct {
	mu    sync.Mutex
	stats indexing.IndexerStats
}

func (c *statsCounter) record(result indexing.IndexingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if result.Success {
		c.stats.SuccessfulRuns++
	} else {
		c.stats.FailedRuns++
	}
	c.stats.TotalProcessed += result.MessagesFetched
	c.stats.TotalStored += result.DocumentsStored
	c.stats.TotalFailed += result.DocumentsFailed
	c.stats.LastRunAt = result.FinishedAt
	c.stats.LastRunSuccess = result.Success
}

func (c *statsCounter) snapshot() indexing.IndexerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *statsCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = indexing.IndexerStats{}
}

package indexing

import "time"

// IndexingResult aggregates one full indexer run. Ephemeral, never persisted.
type IndexingResult struct {
	Source           Source        `json:"source"`
	Success          bool          `json:"success"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Duration         time.Duration `json:"duration"`
	StreamsSelected  int           `json:"streams_selected"`
	StreamsProcessed int           `json:"streams_processed"`
	StreamsFailed    int           `json:"streams_failed"`
	MessagesFetched  int           `json:"messages_fetched"`
	DocumentsStored  int           `json:"documents_stored"`
	DocumentsFailed  int           `json:"documents_failed"`
	Errors           []string      `json:"errors,omitempty"`
}

// BatchResult aggregates one ProcessBatches call over several store chunks.
type BatchResult struct {
	Processed int      `json:"processed"`
	Stored    int      `json:"stored"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// StoreResult aggregates one StoreBatch call. Partial success is reported,
// never rolled back.
type StoreResult struct {
	Received int      `json:"received"`
	Skipped  int      `json:"skipped"`
	Embedded int      `json:"embedded"`
	Stored   int      `json:"stored"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// IndexerStats are cumulative in-memory counters owned by one indexer
// instance. They reset on restart.
type IndexerStats struct {
	SuccessfulRuns int       `json:"successful_runs"`
	FailedRuns     int       `json:"failed_runs"`
	TotalProcessed int       `json:"total_processed"`
	TotalStored    int       `json:"total_stored"`
	TotalFailed    int       `json:"total_failed"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	LastRunSuccess bool      `json:"last_run_success"`
}

// HealthStatus combines per-dependency probes into one boolean.
type HealthStatus struct {
	Healthy      bool              `json:"healthy"`
	Dependencies map[string]string `json:"dependencies"`
}

// HistorySummary aggregates ledger state for monitoring.
type HistorySummary struct {
	Streams         int `json:"streams"`
	Complete        int `json:"complete"`
	WithErrors      int `json:"with_errors"`
	MessagesIndexed int `json:"messages_indexed"`
}

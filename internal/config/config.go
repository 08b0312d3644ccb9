// Package config loads and validates indexer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Indexing    IndexingConfig    `mapstructure:"indexing"`
	Selector    SelectorConfig    `mapstructure:"selector"`
	Storage     StorageConfig     `mapstructure:"storage"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Twitter     TwitterConfig     `mapstructure:"twitter"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// IndexingConfig governs the per-source run loop and scheduler.
type IndexingConfig struct {
	BatchSize              int `mapstructure:"batch_size"`
	BatchDelayMs           int `mapstructure:"batch_delay_ms"`
	StreamDelayMs          int `mapstructure:"stream_delay_ms"`
	CycleBudget            int `mapstructure:"cycle_budget"`
	PageLimit              int `mapstructure:"page_limit"`
	IntervalMinutes        int `mapstructure:"interval_minutes"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

// SelectorConfig tunes the rotation scoring windows.
type SelectorConfig struct {
	PerStreamCap    int `mapstructure:"per_stream_cap"`
	CooldownHours   int `mapstructure:"cooldown_hours"`
	StalenessHours  int `mapstructure:"staleness_hours"`
	PagePerEstimate int `mapstructure:"page_per_estimate"`
}

// StorageConfig governs the unified document collection.
type StorageConfig struct {
	Collection      string `mapstructure:"collection"`
	Namespace       string `mapstructure:"namespace"`
	Dimensions      int    `mapstructure:"dimensions"`
	UpsertChunkSize int    `mapstructure:"upsert_chunk_size"`
}

// VectorStoreConfig selects the point store backend.
type VectorStoreConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// EmbeddingConfig configures the batch embedding endpoint.
type EmbeddingConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig paces fetch calls per source.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig controls raw payload archival.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// ChannelConfig describes one telegram stream (channel, optionally a topic).
type ChannelConfig struct {
	Name     string `mapstructure:"name"`
	Topic    int64  `mapstructure:"topic"`
	Priority int    `mapstructure:"priority"`
}

// AccountConfig describes one twitter stream.
type AccountConfig struct {
	Handle   string `mapstructure:"handle"`
	Priority int    `mapstructure:"priority"`
}

// TelegramConfig wires the telegram bridge and its channels.
type TelegramConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	BridgeURL string          `mapstructure:"bridge_url"`
	Channels  []ChannelConfig `mapstructure:"channels"`
}

// TwitterConfig wires the twitter bridge and its accounts.
type TwitterConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	BridgeURL string          `mapstructure:"bridge_url"`
	Accounts  []AccountConfig `mapstructure:"accounts"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("indexing.batch_size", 50)
	v.SetDefault("indexing.batch_delay_ms", 500)
	v.SetDefault("indexing.stream_delay_ms", 1000)
	v.SetDefault("indexing.cycle_budget", 10)
	v.SetDefault("indexing.page_limit", 100)
	v.SetDefault("indexing.interval_minutes", 15)
	v.SetDefault("indexing.max_consecutive_failures", 3)
	v.SetDefault("selector.per_stream_cap", 5)
	v.SetDefault("selector.cooldown_hours", 24)
	v.SetDefault("selector.staleness_hours", 12)
	v.SetDefault("selector.page_per_estimate", 500)
	v.SetDefault("storage.collection", "social_documents")
	v.SetDefault("storage.namespace", "kaspalytics.social")
	v.SetDefault("storage.dimensions", 768)
	v.SetDefault("storage.upsert_chunk_size", 100)
	v.SetDefault("vector_store.provider", "memory")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.timeout_seconds", 60)
	v.SetDefault("rate_limit.rps", 1)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "raw")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Indexing.BatchSize <= 0 {
		return fmt.Errorf("indexing.batch_size must be > 0")
	}
	if c.Indexing.CycleBudget <= 0 {
		return fmt.Errorf("indexing.cycle_budget must be > 0")
	}
	if c.Indexing.IntervalMinutes <= 0 {
		return fmt.Errorf("indexing.interval_minutes must be > 0")
	}
	if c.Indexing.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("indexing.max_consecutive_failures must be > 0")
	}
	if c.Storage.Dimensions <= 0 {
		return fmt.Errorf("storage.dimensions must be > 0")
	}
	if c.Storage.UpsertChunkSize <= 0 {
		return fmt.Errorf("storage.upsert_chunk_size must be > 0")
	}
	switch c.VectorStore.Provider {
	case "memory":
	case "postgres":
		if c.VectorStore.DSN == "" {
			return fmt.Errorf("vector_store.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown vector_store.provider: %s", c.VectorStore.Provider)
	}
	if c.Telegram.Enabled && c.Telegram.BridgeURL == "" {
		return fmt.Errorf("telegram.bridge_url must be set when telegram is enabled")
	}
	if c.Twitter.Enabled && c.Twitter.BridgeURL == "" {
		return fmt.Errorf("twitter.bridge_url must be set when twitter is enabled")
	}
	return nil
}

// Interval returns the scheduler cadence as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Indexing.IntervalMinutes) * time.Minute
}

// BatchDelay returns the mandatory inter-chunk yield.
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.Indexing.BatchDelayMs) * time.Millisecond
}

// StreamDelay returns the mandatory inter-stream yield.
func (c Config) StreamDelay() time.Duration {
	return time.Duration(c.Indexing.StreamDelayMs) * time.Millisecond
}

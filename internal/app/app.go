// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/api"
	archivegcs "github.com/kaspalytics/social-indexer/internal/archive/gcs"
	"github.com/kaspalytics/social-indexer/internal/clock/system"
	"github.com/kaspalytics/social-indexer/internal/config"
	"github.com/kaspalytics/social-indexer/internal/embedding"
	"github.com/kaspalytics/social-indexer/internal/history"
	"github.com/kaspalytics/social-indexer/internal/indexer"
	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/metrics"
	"github.com/kaspalytics/social-indexer/internal/normalize"
	pubsubpub "github.com/kaspalytics/social-indexer/internal/publisher/pubsub"
	"github.com/kaspalytics/social-indexer/internal/ratelimit"
	"github.com/kaspalytics/social-indexer/internal/scheduler"
	"github.com/kaspalytics/social-indexer/internal/selector"
	"github.com/kaspalytics/social-indexer/internal/source/bridge"
	"github.com/kaspalytics/social-indexer/internal/storage"
	vsmemory "github.com/kaspalytics/social-indexer/internal/vectorstore/memory"
	vspostgres "github.com/kaspalytics/social-indexer/internal/vectorstore/postgres"
)

// App holds all the shared, long-lived services. It is initialized once at
// startup and fails fast when any critical service cannot be built.
type App struct {
	Logger     *zap.Logger
	Schedulers map[indexing.Source]*scheduler.Scheduler
	Indexers   map[indexing.Source]*indexer.Indexer
	Server     *api.Server

	pgStore *vspostgres.Store
}

// New assembles the service graph from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clk := system.Clock{}

	a := &App{
		Logger:     logger,
		Schedulers: make(map[indexing.Source]*scheduler.Scheduler),
		Indexers:   make(map[indexing.Source]*indexer.Indexer),
	}

	points, err := a.buildPointStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	hist := history.NewStore(points, clk, logger)
	embedder := embedding.NewClient(embedding.Config{
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		Timeout: time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})
	store := storage.NewUnified(points, embedder, clk, storage.Config{
		Collection:      cfg.Storage.Collection,
		Namespace:       cfg.Storage.Namespace,
		Dimensions:      cfg.Storage.Dimensions,
		UpsertChunkSize: cfg.Storage.UpsertChunkSize,
	}, logger)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
	})

	opts, err := buildOptions(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	for _, strategy := range buildStrategies(cfg) {
		sel := selector.New(strategy.Streams, hist, clk, selector.Config{
			PerStreamCap:    cfg.Selector.PerStreamCap,
			Cooldown:        time.Duration(cfg.Selector.CooldownHours) * time.Hour,
			Staleness:       time.Duration(cfg.Selector.StalenessHours) * time.Hour,
			PagePerEstimate: cfg.Selector.PagePerEstimate,
		}, logger)
		ix := indexer.New(strategy, hist, sel, store, limiter, clk, indexer.Config{
			BatchSize:   cfg.Indexing.BatchSize,
			BatchDelay:  cfg.BatchDelay(),
			StreamDelay: cfg.StreamDelay(),
			CycleBudget: cfg.Indexing.CycleBudget,
			PageLimit:   cfg.Indexing.PageLimit,
		}, logger, opts)
		breaker := scheduler.NewBreaker(cfg.Indexing.MaxConsecutiveFailures)
		a.Indexers[strategy.Source] = ix
		a.Schedulers[strategy.Source] = scheduler.New(ix, breaker, clk, cfg.Interval(), logger)
	}
	if len(a.Indexers) == 0 {
		return nil, fmt.Errorf("no sources enabled")
	}

	a.Server = api.NewServer(a.Schedulers, a.Indexers, hist, api.Config{
		APIKeyEnabled: cfg.Auth.Enabled,
		APIKey:        cfg.Auth.APIKey,
	}, logger)
	return a, nil
}

// Close releases held connections.
func (a *App) Close() {
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) buildPointStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (indexing.PointStore, error) {
	switch cfg.VectorStore.Provider {
	case "postgres":
		logger.Info("connecting to postgres vector store")
		store, err := vspostgres.NewStore(ctx, cfg.VectorStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		a.pgStore = store
		return store, nil
	case "memory":
		logger.Info("using in-memory vector store, data will not survive restarts")
		return vsmemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector_store.provider: %s", cfg.VectorStore.Provider)
	}
}

func buildOptions(ctx context.Context, cfg config.Config, logger *zap.Logger) (indexer.Options, error) {
	var opts indexer.Options

	switch cfg.PubSub.Provider {
	case "pubsub":
		if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
			return opts, fmt.Errorf("pubsub provider requires project_id and topic_name")
		}
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.PubSub.TopicName))
		pub, err := pubsubpub.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return opts, fmt.Errorf("initialize pubsub: %w", err)
		}
		opts.Events = pub
	case "noop":
	default:
		return opts, fmt.Errorf("unknown pubsub.provider: %s", cfg.PubSub.Provider)
	}

	switch cfg.Archive.Provider {
	case "gcs":
		if cfg.Archive.Bucket == "" {
			return opts, fmt.Errorf("gcs archive requires a bucket")
		}
		logger.Info("connecting to gcs archive", zap.String("bucket", cfg.Archive.Bucket))
		blob, err := archivegcs.Connect(ctx, archivegcs.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return opts, fmt.Errorf("initialize gcs archive: %w", err)
		}
		opts.Archive = blob
	case "noop":
	default:
		return opts, fmt.Errorf("unknown archive.provider: %s", cfg.Archive.Provider)
	}
	return opts, nil
}

func buildStrategies(cfg config.Config) []indexer.Strategy {
	var strategies []indexer.Strategy

	if cfg.Telegram.Enabled {
		streams := make([]indexing.Stream, 0, len(cfg.Telegram.Channels))
		for _, ch := range cfg.Telegram.Channels {
			streams = append(streams, indexing.Stream{
				Source:   indexing.SourceTelegram,
				Name:     ch.Name,
				Topic:    ch.Topic,
				Priority: ch.Priority,
			})
		}
		client := bridge.New(indexing.SourceTelegram, bridge.Config{BaseURL: cfg.Telegram.BridgeURL})
		strategies = append(strategies, indexer.Strategy{
			Source:    indexing.SourceTelegram,
			Streams:   streams,
			Fetcher:   client,
			Normalize: normalize.Telegram,
			Probe:     client.Probe,
		})
	}

	if cfg.Twitter.Enabled {
		streams := make([]indexing.Stream, 0, len(cfg.Twitter.Accounts))
		for _, acc := range cfg.Twitter.Accounts {
			streams = append(streams, indexing.Stream{
				Source:   indexing.SourceTwitter,
				Name:     acc.Handle,
				Priority: acc.Priority,
			})
		}
		client := bridge.New(indexing.SourceTwitter, bridge.Config{BaseURL: cfg.Twitter.BridgeURL})
		strategies = append(strategies, indexer.Strategy{
			Source:    indexing.SourceTwitter,
			Streams:   streams,
			Fetcher:   client,
			Normalize: normalize.Twitter,
			Probe:     client.Probe,
		})
	}
	return strategies
}

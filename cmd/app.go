package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/config"
	"github.com/example/cardscan/internal/hashcache"
	"github.com/example/cardscan/internal/imageprocessor"
	"github.com/example/cardscan/internal/provider"
	"github.com/example/cardscan/internal/rebuild"
	"github.com/example/cardscan/internal/repository"
	"github.com/example/cardscan/internal/retry"
	"github.com/example/cardscan/internal/store"
	"github.com/example/cardscan/internal/usecase"
)

const connectTimeout = 5 * time.Second

// runtimeOptions selects which external services a command needs.
type runtimeOptions struct {
	history   bool
	redis     bool
	hashCache bool
}

// runtime is the wired object graph shared by the commands.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	live    *catalog.Live
	store   *store.FileStore
	hashes  *hashcache.Store
	history *repository.HistoryRepository
	redis   *redis.Client
	builder *rebuild.Builder
	closers []func() error
}

// newRuntime wires storage, the catalog source and the rebuild pipeline.
// History, Redis and the fingerprint cache are optional: a failure to reach
// them is logged and the command continues without them.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, live: catalog.NewLive()}

	fileStore, err := store.NewFileStore(cfg.Storage.SnapshotFile, logger)
	if err != nil {
		return nil, err
	}
	rt.store = fileStore

	if opts.history && cfg.Database.DSN != "" {
		rt.connectHistory(ctx)
	}
	if opts.redis && cfg.Redis.Addr != "" {
		rt.connectRedis(ctx)
	}
	if opts.hashCache && cfg.Storage.HashCacheFile != "" {
		hashes, err := hashcache.Open(cfg.Storage.HashCacheFile)
		if err != nil {
			logger.Warn("fingerprint cache unavailable", zap.String("path", cfg.Storage.HashCacheFile), zap.Error(err))
		} else {
			rt.hashes = hashes
			rt.closers = append(rt.closers, hashes.Close)
		}
	}

	source, err := rt.newSource()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	builderOpts := []rebuild.Option{rebuild.WithStore(rt.store)}
	if rt.hashes != nil {
		builderOpts = append(builderOpts, rebuild.WithCache(rt.hashes))
	}
	if rt.history != nil {
		builderOpts = append(builderOpts, rebuild.WithHistory(rt.history))
	}
	rt.builder = rebuild.NewBuilder(source, rt.live, rebuild.Config{
		SecondaryLanguage: cfg.Catalog.SecondaryLanguage,
		Workers:           cfg.Catalog.HashWorkers,
	}, logger, builderOpts...)

	return rt, nil
}

func (rt *runtime) newSource() (*provider.Client, error) {
	policy := retry.DefaultPolicy()
	policy.Attempts = rt.cfg.Catalog.RetryAttempts
	policy.InitialBackoff = 500 * time.Millisecond
	policy.MaxBackoff = 10 * time.Second
	policy.JitterFraction = 0.2

	return provider.New(rt.cfg.Catalog.BaseURL,
		provider.WithHTTPClient(&http.Client{Timeout: rt.cfg.HTTPTimeout()}),
		provider.WithRetryPolicy(policy),
		provider.WithLogger(rt.logger),
		provider.WithUserAgent(rt.cfg.Catalog.UserAgent),
	)
}

func (rt *runtime) connectHistory(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := repository.Connect(dialCtx, rt.cfg.Database.DSN)
	if err != nil {
		rt.logger.Warn("history database unavailable", zap.Error(err))
		return
	}
	rt.closers = append(rt.closers, func() error { return closeGorm(db) })

	repo := repository.NewHistoryRepository(db, rt.logger)
	if err := repo.AutoMigrate(dialCtx); err != nil {
		rt.logger.Warn("history migration failed", zap.Error(err))
		return
	}
	rt.history = repo
}

func (rt *runtime) connectRedis(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := usecase.ConnectRedis(dialCtx, rt.cfg.Redis.Addr)
	if err != nil {
		rt.logger.Warn("redis unavailable; result caching disabled", zap.String("addr", rt.cfg.Redis.Addr), zap.Error(err))
		return
	}
	rt.redis = client
	rt.closers = append(rt.closers, client.Close)
}

// loadSnapshot publishes the stored snapshot, if there is one.
func (rt *runtime) loadSnapshot(ctx context.Context) error {
	snap, err := rt.store.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rt.logger.Info("no stored card database", zap.String("path", rt.store.Path()))
			return nil
		}
		return fmt.Errorf("load card database: %w", err)
	}
	rt.live.Publish(snap)
	rt.logger.Info("card database loaded",
		zap.String("version", snap.Version()),
		zap.Int("records", snap.Len()),
		zap.Int("fingerprinted", snap.FingerprintedCount()),
	)
	return nil
}

// useCase builds the card use case over the wired dependencies.
func (rt *runtime) useCase() *usecase.CardUseCase {
	var cache usecase.Cache = usecase.NopCache{}
	if rt.redis != nil {
		cache = usecase.NewRedisCache(rt.redis)
	}
	var history usecase.HistoryRepository
	if rt.history != nil {
		history = rt.history
	}
	settings := usecase.Settings{
		Threshold:        rt.cfg.Match.Threshold,
		SearchLimit:      rt.cfg.Match.SearchLimit,
		ImageURLTemplate: rt.cfg.Catalog.ImageURLTemplate,
		HashingDefault:   rt.cfg.Catalog.HashingEnabled,
		CacheTTL:         rt.cfg.CacheTTL(),
	}
	return usecase.NewCardUseCase(rt.live, imageprocessor.NewLocal(), rt.builder, history, cache, settings, rt.logger)
}

// Close releases connections in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

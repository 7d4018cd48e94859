// Package rebuild fetches the card catalog, fingerprints artwork and
// publishes a fresh snapshot.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/fingerprint"
	"github.com/example/cardscan/internal/logging"
	"github.com/example/cardscan/internal/provider"
	"github.com/example/cardscan/internal/repository"
)

// ErrRebuildInProgress is returned when a rebuild is requested while another
// one is still running.
var ErrRebuildInProgress = errors.New("rebuild already in progress")

const (
	defaultWorkers = 8
	historyTimeout = 5 * time.Second
)

// SnapshotStore persists a built snapshot before it is published.
type SnapshotStore interface {
	Save(ctx context.Context, snap *catalog.Snapshot) error
}

// FingerprintCache remembers fingerprints by image reference.
type FingerprintCache interface {
	Get(ctx context.Context, ref string) (fingerprint.Fingerprint, bool, error)
	Put(ctx context.Context, ref string, fp fingerprint.Fingerprint) error
}

// HistoryRecorder stores one log row per rebuild.
type HistoryRecorder interface {
	SaveRebuildLog(ctx context.Context, log *repository.RebuildLog) error
}

// Options controls a single rebuild run.
type Options struct {
	Hashing bool
}

// Result summarises a rebuild run.
type Result struct {
	RunID           string        `json:"run_id"`
	Version         string        `json:"version"`
	Hashing         bool          `json:"hashing"`
	Records         int           `json:"count"`
	Fingerprinted   int           `json:"fingerprinted"`
	HashFailures    int           `json:"hash_failures"`
	SecondaryFailed bool          `json:"secondary_failed"`
	Duration        time.Duration `json:"duration_ns"`
}

// Config holds the builder settings.
type Config struct {
	SecondaryLanguage string
	Workers           int
}

// Builder runs rebuilds. At most one rebuild runs at a time.
type Builder struct {
	source  provider.Source
	live    *catalog.Live
	store   SnapshotStore
	cache   FingerprintCache
	history HistoryRecorder
	cfg     Config
	logger  *zap.Logger
	running atomic.Bool
}

// Option configures optional Builder collaborators.
type Option func(*Builder)

// WithStore persists every snapshot before publishing it.
func WithStore(store SnapshotStore) Option {
	return func(b *Builder) { b.store = store }
}

// WithCache reuses fingerprints across rebuilds.
func WithCache(cache FingerprintCache) Option {
	return func(b *Builder) { b.cache = cache }
}

// WithHistory records every rebuild outcome.
func WithHistory(history HistoryRecorder) Option {
	return func(b *Builder) { b.history = history }
}

// NewBuilder creates a Builder publishing into live.
func NewBuilder(source provider.Source, live *catalog.Live, cfg Config, logger *zap.Logger, opts ...Option) *Builder {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{
		source: source,
		live:   live,
		cfg:    cfg,
		logger: logger.Named("rebuild"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Running reports whether a rebuild is in progress.
func (b *Builder) Running() bool {
	return b.running.Load()
}

// Rebuild fetches the catalog, optionally fingerprints every record, saves
// the snapshot and publishes it. On failure the live snapshot is untouched.
func (b *Builder) Rebuild(ctx context.Context, opts Options) (Result, error) {
	if !b.running.CompareAndSwap(false, true) {
		return Result{}, ErrRebuildInProgress
	}
	defer b.running.Store(false)

	res := Result{RunID: uuid.NewString(), Hashing: opts.Hashing}
	logger := logging.WithOperation(b.logger, "rebuild", res.RunID)
	logger.Info("rebuild started", zap.Bool("hashing", opts.Hashing))

	start := time.Now()
	err := b.run(ctx, opts, &res, logger)
	res.Duration = time.Since(start)
	b.recordHistory(ctx, res, err, logger)

	if err != nil {
		logger.Error("rebuild failed", zap.Error(err), zap.Duration("duration", res.Duration))
		return res, err
	}
	logger.Info("rebuild complete",
		zap.String("version", res.Version),
		zap.Int("records", res.Records),
		zap.Int("fingerprinted", res.Fingerprinted),
		zap.Int("hash_failures", res.HashFailures),
		zap.Bool("secondary_failed", res.SecondaryFailed),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (b *Builder) run(ctx context.Context, opts Options, res *Result, logger *zap.Logger) error {
	primary, err := b.source.FetchCards(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch primary catalog: %w", err)
	}

	var secondary []provider.Card
	if lang := b.cfg.SecondaryLanguage; lang != "" {
		secondary, err = b.source.FetchCards(ctx, lang)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.SecondaryFailed = true
			secondary = nil
			logger.Warn("secondary catalog unavailable; continuing without alternate names",
				zap.String("language", lang), zap.Error(err))
		}
	}
	logger.Info("catalog fetched", zap.Int("primary", len(primary)), zap.Int("secondary", len(secondary)))

	records := Merge(primary, secondary)
	if opts.Hashing {
		failures, err := b.fingerprintAll(ctx, records, logger)
		if err != nil {
			return err
		}
		res.HashFailures = failures
	}

	snap, err := catalog.NewSnapshot(records, catalog.Meta{Version: res.RunID})
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	res.Version = snap.Version()
	res.Records = snap.Len()
	res.Fingerprinted = snap.FingerprintedCount()

	if b.store != nil {
		if err := b.store.Save(ctx, snap); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	b.live.Publish(snap)
	return nil
}

// fingerprintAll fills Fingerprint on every record whose artwork could be
// loaded and returns how many could not. Only cancellation aborts it.
func (b *Builder) fingerprintAll(ctx context.Context, records []catalog.Record, logger *zap.Logger) (int, error) {
	var failures, cached atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for i := range records {
		rec := &records[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fp, fromCache, err := b.fingerprintRecord(gctx, rec.ImageRef)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures.Add(1)
				logger.Debug("artwork fingerprint failed",
					zap.String("card_id", rec.ID), zap.String("image_ref", rec.ImageRef), zap.Error(err))
				return nil
			}
			if fromCache {
				cached.Add(1)
			}
			rec.Fingerprint = catalog.FingerprintPtr(fp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(failures.Load()), fmt.Errorf("fingerprint artwork: %w", err)
	}

	if n := failures.Load(); n > 0 {
		logger.Warn("some artwork could not be fingerprinted", zap.Int64("failures", n), zap.Int("records", len(records)))
	}
	logger.Info("artwork fingerprinted", zap.Int("records", len(records)), zap.Int64("from_cache", cached.Load()))
	return int(failures.Load()), nil
}

func (b *Builder) fingerprintRecord(ctx context.Context, ref string) (fingerprint.Fingerprint, bool, error) {
	if ref == "" {
		return 0, false, errors.New("record has no image reference")
	}
	if b.cache != nil {
		fp, ok, err := b.cache.Get(ctx, ref)
		if err != nil {
			b.logger.Warn("fingerprint cache read failed", zap.String("image_ref", ref), zap.Error(err))
		} else if ok {
			return fp, true, nil
		}
	}

	data, err := b.source.FetchImage(ctx, ref)
	if err != nil {
		return 0, false, err
	}
	fp, err := fingerprint.FromBuffer(data)
	if err != nil {
		return 0, false, err
	}

	if b.cache != nil {
		if err := b.cache.Put(ctx, ref, fp); err != nil {
			b.logger.Warn("fingerprint cache write failed", zap.String("image_ref", ref), zap.Error(err))
		}
	}
	return fp, false, nil
}

func (b *Builder) recordHistory(ctx context.Context, res Result, runErr error, logger *zap.Logger) {
	if b.history == nil {
		return
	}
	entry := &repository.RebuildLog{
		RunID:              res.RunID,
		SnapshotVersion:    res.Version,
		Hashing:            res.Hashing,
		RecordCount:        res.Records,
		FingerprintedCount: res.Fingerprinted,
		HashFailures:       res.HashFailures,
		SecondaryFailed:    res.SecondaryFailed,
		DurationMs:         res.Duration.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := b.history.SaveRebuildLog(saveCtx, entry); err != nil {
		logger.Warn("failed to record rebuild history", zap.Error(err))
	}
}

package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/imageprocessor"
	"github.com/example/cardscan/internal/logging"
	"github.com/example/cardscan/internal/lookup"
	"github.com/example/cardscan/internal/rebuild"
	"github.com/example/cardscan/internal/repository"
	"github.com/example/cardscan/internal/retry"
)

// DefaultImageURLTemplate builds artwork URLs for records without an image
// reference; %s is replaced by the card id.
const DefaultImageURLTemplate = "https://images.ygoprodeck.com/images/cards_cropped/%s.jpg"

var (
	// ErrFingerprintsUnavailable is returned by Identify when the loaded
	// snapshot was built without artwork fingerprints.
	ErrFingerprintsUnavailable = errors.New("card database has no fingerprints")
	// ErrCardNotFound is returned for unknown card ids.
	ErrCardNotFound = errors.New("card not found")
	// ErrResultNotFound is returned for unknown identify request ids.
	ErrResultNotFound = errors.New("result not found")
	// ErrHistoryUnavailable is returned when no history database is configured.
	ErrHistoryUnavailable = errors.New("history database not configured")
)

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveIdentifyLog(ctx context.Context, log *repository.IdentifyLog) error
	FindIdentifyLog(ctx context.Context, requestID string) (*repository.IdentifyLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	LatestRebuild(ctx context.Context) (*repository.RebuildLog, error)
}

// Rebuilder runs database rebuilds.
type Rebuilder interface {
	Rebuild(ctx context.Context, opts rebuild.Options) (rebuild.Result, error)
	Running() bool
}

// Settings tunes identification, search and caching.
type Settings struct {
	Threshold        int
	SearchLimit      int
	ImageURLTemplate string
	HashingDefault   bool
	CacheTTL         time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Threshold:        lookup.DefaultThreshold,
		SearchLimit:      lookup.DefaultSearchLimit,
		ImageURLTemplate: DefaultImageURLTemplate,
		CacheTTL:         5 * time.Minute,
	}
}

// CardView is the outward representation of a catalog record.
type CardView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	NameAlt     string `json:"name_alt,omitempty"`
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// IdentifyResult is the outcome of one identify request. Card is set when
// the best candidate is within the threshold; otherwise Candidate carries
// the nearest record, if any.
type IdentifyResult struct {
	RequestID       string    `json:"request_id"`
	Matched         bool      `json:"matched"`
	Card            *CardView `json:"card"`
	Candidate       *CardView `json:"candidate,omitempty"`
	Distance        int       `json:"distance"`
	SnapshotVersion string    `json:"snapshot_version"`
	SHA1Hash        string    `json:"sha1_hash"`
	Cached          bool      `json:"cached"`
	CreatedAt       time.Time `json:"created_at"`
}

// Status describes the loaded database.
type Status struct {
	Loaded            bool                   `json:"loaded"`
	Version           string                 `json:"version,omitempty"`
	BuiltAt           *time.Time             `json:"built_at,omitempty"`
	FingerprintFormat string                 `json:"fingerprint_format,omitempty"`
	Records           int                    `json:"count"`
	Fingerprinted     int                    `json:"fingerprinted"`
	RebuildRunning    bool                   `json:"rebuild_running"`
	LastRebuild       *repository.RebuildLog `json:"last_rebuild,omitempty"`
}

// CardUseCase encapsulates business logic for identify, search and rebuild.
type CardUseCase struct {
	live           *catalog.Live
	processor      imageprocessor.Client
	rebuilder      Rebuilder
	repo           HistoryRepository
	cache          Cache
	settings       Settings
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCardUseCase constructs a new use case instance. repo may be nil when no
// history database is configured; a nil cache disables caching.
func NewCardUseCase(live *catalog.Live, processor imageprocessor.Client, rebuilder Rebuilder, repo HistoryRepository, cache Cache, settings Settings, logger *zap.Logger) *CardUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultSettings()
	if settings.Threshold <= 0 {
		settings.Threshold = defaults.Threshold
	}
	if settings.SearchLimit <= 0 {
		settings.SearchLimit = defaults.SearchLimit
	}
	if settings.ImageURLTemplate == "" {
		settings.ImageURLTemplate = defaults.ImageURLTemplate
	}
	policy := retry.DefaultPolicy()
	return &CardUseCase{
		live:           live,
		processor:      processor,
		rebuilder:      rebuilder,
		repo:           repo,
		cache:          cache,
		settings:       settings,
		logger:         logger.Named("card_usecase"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// Identify fingerprints an uploaded image and finds the nearest card.
func (uc *CardUseCase) Identify(ctx context.Context, imageBytes []byte) (*IdentifyResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)
	start := time.Now()

	snap, err := uc.live.Current()
	if err != nil {
		return nil, err
	}
	if !snap.HasFingerprints() {
		return nil, ErrFingerprintsUnavailable
	}

	hashHex := sha1Hex(imageBytes)
	imageKey := fmt.Sprintf("identify:%s:%s", snap.Version(), hashHex)

	var result IdentifyResult
	cached := uc.getJSON(ctx, requestID, "cache.get.identify", imageKey, &result)
	if !cached {
		processed, err := uc.processor.Process(ctx, imageBytes)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.process_image", requestID, err)
			opLogger.Warn("image processing failed", zap.Error(wrapped))
			return nil, wrapped
		}

		match, err := lookup.Match(processed.Fingerprint, snap, uc.settings.Threshold)
		if err != nil {
			return nil, err
		}
		result = IdentifyResult{Matched: match.Matched, Distance: match.Distance}
		if match.Record != nil {
			view := uc.cardView(*match.Record)
			if match.Matched {
				result.Card = &view
			} else {
				result.Candidate = &view
			}
		}
		uc.setJSON(ctx, requestID, "cache.set.identify", imageKey, result)
	}

	result.RequestID = requestID
	result.SnapshotVersion = snap.Version()
	result.SHA1Hash = hashHex
	result.Cached = cached
	result.CreatedAt = time.Now().UTC()
	latency := time.Since(start)

	uc.setJSON(ctx, requestID, "cache.set.result", resultKey(requestID), result)
	uc.saveIdentifyLog(ctx, &result, latency, opLogger)

	opLogger.Info("identify complete",
		zap.Bool("matched", result.Matched),
		zap.Int("distance", result.Distance),
		zap.Bool("cached", cached),
		zap.Duration("latency", latency),
	)
	return &result, nil
}

// Search returns up to the configured limit of cards whose names contain
// query, in snapshot order.
func (uc *CardUseCase) Search(ctx context.Context, query string) ([]lookup.SearchHit, error) {
	snap, err := uc.live.Current()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return []lookup.SearchHit{}, nil
	}

	requestID := uuid.NewString()
	key := fmt.Sprintf("search:%s:%d:%s", snap.Version(), uc.settings.SearchLimit, sha1Hex([]byte(query)))
	var hits []lookup.SearchHit
	if uc.getJSON(ctx, requestID, "cache.get.search", key, &hits) && hits != nil {
		return hits, nil
	}

	hits, err = lookup.Search(query, snap, uc.settings.SearchLimit)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		if hits[i].ImageRef == "" {
			hits[i].ImageRef = uc.imageURL(hits[i].ID)
		}
	}
	uc.setJSON(ctx, requestID, "cache.set.search", key, hits)
	return hits, nil
}

// Rebuild runs a database rebuild. A nil hashing uses the configured default.
func (uc *CardUseCase) Rebuild(ctx context.Context, hashing *bool) (rebuild.Result, error) {
	opts := rebuild.Options{Hashing: uc.settings.HashingDefault}
	if hashing != nil {
		opts.Hashing = *hashing
	}
	return uc.rebuilder.Rebuild(ctx, opts)
}

// GetCard returns the record with id from the live snapshot.
func (uc *CardUseCase) GetCard(_ context.Context, id string) (*CardView, error) {
	snap, err := uc.live.Current()
	if err != nil {
		return nil, err
	}
	rec, ok := snap.Record(id)
	if !ok {
		return nil, ErrCardNotFound
	}
	view := uc.cardView(rec)
	return &view, nil
}

// GetStatus describes the live snapshot and the latest rebuild.
func (uc *CardUseCase) GetStatus(ctx context.Context) *Status {
	status := &Status{}
	if uc.rebuilder != nil {
		status.RebuildRunning = uc.rebuilder.Running()
	}
	if snap, err := uc.live.Current(); err == nil {
		meta := snap.Meta()
		builtAt := meta.BuiltAt
		status.Loaded = true
		status.Version = meta.Version
		status.BuiltAt = &builtAt
		status.FingerprintFormat = meta.FingerprintFormat
		status.Records = snap.Len()
		status.Fingerprinted = snap.FingerprintedCount()
	}
	if uc.repo != nil {
		last, err := uc.repo.LatestRebuild(ctx)
		switch {
		case err == nil:
			status.LastRebuild = last
		case !errors.Is(err, repository.ErrNotFound):
			logging.WithOperation(uc.logger, "usecase.status", "").Warn("failed to load last rebuild", zap.Error(err))
		}
	}
	return status
}

// GetResult retrieves a cached identify outcome or loads it from history.
func (uc *CardUseCase) GetResult(ctx context.Context, requestID string) (*IdentifyResult, error) {
	var cached IdentifyResult
	if uc.getJSON(ctx, requestID, "cache.get.result", resultKey(requestID), &cached) {
		return &cached, nil
	}
	if uc.repo == nil {
		return nil, ErrResultNotFound
	}

	log, err := uc.repo.FindIdentifyLog(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return uc.resultFromLog(log), nil
}

func (uc *CardUseCase) resultFromLog(log *repository.IdentifyLog) *IdentifyResult {
	result := &IdentifyResult{
		RequestID:       log.RequestID,
		Matched:         log.Matched,
		Distance:        log.Distance,
		SnapshotVersion: log.SnapshotVersion,
		SHA1Hash:        log.SHA1Hash,
		CreatedAt:       log.CreatedAt,
	}
	if log.CardID == "" {
		return result
	}

	view := CardView{ID: log.CardID, Name: log.CardName, DisplayName: log.CardName, ImageURL: uc.imageURL(log.CardID)}
	if snap, err := uc.live.Current(); err == nil {
		if rec, ok := snap.Record(log.CardID); ok {
			view = uc.cardView(rec)
		}
	}
	if log.Matched {
		result.Card = &view
	} else {
		result.Candidate = &view
	}
	return result
}

func (uc *CardUseCase) saveIdentifyLog(ctx context.Context, result *IdentifyResult, latency time.Duration, opLogger *zap.Logger) {
	if uc.repo == nil {
		return
	}
	entry := &repository.IdentifyLog{
		RequestID:           result.RequestID,
		Matched:             result.Matched,
		Distance:            result.Distance,
		SnapshotVersion:     result.SnapshotVersion,
		SHA1Hash:            result.SHA1Hash,
		ProcessingLatencyMs: latency.Milliseconds(),
		CreatedAt:           result.CreatedAt,
	}
	card := result.Card
	if card == nil {
		card = result.Candidate
	}
	if card != nil {
		entry.CardID = card.ID
		entry.CardName = card.DisplayName
	}
	if err := uc.repo.SaveIdentifyLog(ctx, entry); err != nil {
		opLogger.Warn("failed to persist identify log", zap.Error(err))
	}
}

func (uc *CardUseCase) cardView(rec catalog.Record) CardView {
	view := CardView{
		ID:          rec.ID,
		Name:        rec.NamePrimary,
		DisplayName: rec.DisplayName(),
		ImageURL:    rec.ImageRef,
	}
	if alt, ok := rec.AltName(); ok {
		view.NameAlt = alt
	}
	if view.ImageURL == "" {
		view.ImageURL = uc.imageURL(rec.ID)
	}
	if fp, ok := rec.Hash(); ok {
		view.Fingerprint = fp.String()
	}
	return view
}

func (uc *CardUseCase) imageURL(id string) string {
	return fmt.Sprintf(uc.settings.ImageURLTemplate, id)
}

// getJSON loads key into target and reports whether it was a usable hit.
func (uc *CardUseCase) getJSON(ctx context.Context, requestID, operation, key string, target interface{}) bool {
	value, err := uc.withRedisGet(ctx, requestID, operation, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, operation, requestID).Warn("failed to read cache", zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(value), target); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to decode cached value", zap.Error(err))
		return false
	}
	return true
}

func (uc *CardUseCase) setJSON(ctx context.Context, requestID, operation, key string, value interface{}) {
	serialized, err := json.Marshal(value)
	if err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Error("failed to serialize cache value", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.settings.CacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to write cache", zap.Error(err))
	}
}

func (uc *CardUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       uc.retryAttempts,
		InitialBackoff: uc.initialBackoff,
		MaxBackoff:     uc.maxBackoff,
	}
	return retry.Do(ctx, policy, uc.logger, operation, requestID, fn)
}

func (uc *CardUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("identify:result:%s", requestID)
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

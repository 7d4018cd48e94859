package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/cardscan/internal/retry"
)

// ErrNotFound is returned when a requested log entry does not exist.
var ErrNotFound = errors.New("record not found")

// IdentifyLog represents a persisted identification request.
type IdentifyLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Matched             bool      `gorm:"column:matched"`
	CardID              string    `gorm:"column:card_id;size:32;index"`
	CardName            string    `gorm:"column:card_name;size:255"`
	Distance            int       `gorm:"column:distance"`
	SnapshotVersion     string    `gorm:"column:snapshot_version;size:64"`
	SHA1Hash            string    `gorm:"column:sha1_hash;size:40;index"`
	ProcessingLatencyMs int64     `gorm:"column:processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentifyLog) TableName() string {
	return "identify_logs"
}

// RebuildLog records the outcome of one database rebuild.
type RebuildLog struct {
	ID                 uint      `gorm:"primaryKey"`
	RunID              string    `gorm:"column:run_id;uniqueIndex;size:64"`
	SnapshotVersion    string    `gorm:"column:snapshot_version;size:64"`
	Hashing            bool      `gorm:"column:hashing"`
	RecordCount        int       `gorm:"column:record_count"`
	FingerprintedCount int       `gorm:"column:fingerprinted_count"`
	HashFailures       int       `gorm:"column:hash_failures"`
	SecondaryFailed    bool      `gorm:"column:secondary_failed"`
	DurationMs         int64     `gorm:"column:duration_ms"`
	Error              string    `gorm:"column:error;type:text"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RebuildLog) TableName() string {
	return "rebuild_logs"
}

// MetricsAggregation holds raw identification counters.
type MetricsAggregation struct {
	TotalCount                 int64
	MatchedCount               int64
	AverageDistance            float64
	AverageProcessingLatencyMs float64
}

// HistoryRepository provides persistence APIs for identify and rebuild logs.
type HistoryRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Connect opens a pooled Postgres connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

// NewHistoryRepository creates a new repository instance.
func NewHistoryRepository(db *gorm.DB, logger *zap.Logger) *HistoryRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := retry.DefaultPolicy()
	return &HistoryRepository{
		db:             db,
		logger:         logger.Named("history_repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *HistoryRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentifyLog{}, &RebuildLog{})
}

// SaveIdentifyLog persists an identification log entry.
func (r *HistoryRepository) SaveIdentifyLog(ctx context.Context, log *IdentifyLog) error {
	return r.executeWithRetry(ctx, "repository.save_identify_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindIdentifyLog retrieves the identification log for requestID.
func (r *HistoryRepository) FindIdentifyLog(ctx context.Context, requestID string) (*IdentifyLog, error) {
	var log IdentifyLog
	err := r.executeWithRetry(ctx, "repository.find_identify_log", requestID, func() error {
		return notFound(r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// SaveRebuildLog persists a rebuild log entry.
func (r *HistoryRepository) SaveRebuildLog(ctx context.Context, log *RebuildLog) error {
	return r.executeWithRetry(ctx, "repository.save_rebuild_log", log.RunID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// LatestRebuild returns the most recent rebuild log.
func (r *HistoryRepository) LatestRebuild(ctx context.Context) (*RebuildLog, error) {
	var log RebuildLog
	err := r.executeWithRetry(ctx, "repository.latest_rebuild", "", func() error {
		return notFound(r.db.WithContext(ctx).Order("created_at DESC").First(&log).Error)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes identification counters over all logs.
func (r *HistoryRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&IdentifyLog{}).
			Select(`COUNT(*) AS total_count,
                COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0) AS matched_count,
                COALESCE(AVG(distance), 0) AS average_distance,
                COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *HistoryRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, policy, r.logger, operation, requestID, fn)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

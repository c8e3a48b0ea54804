// Package metricstore keeps homomorphically encrypted metric ciphertexts. The server stores them verbatim.
package metricstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxMetricTypeLength = 64
	// MaxBatchSize bounds a single upload.
	MaxBatchSize = 1000
)

var (
	// ErrInvalidMetric indicates a metric without type, ciphertext or timestamp.
	ErrInvalidMetric = errors.New("metricstore: invalid metric")
	// ErrEmptyBatch indicates an upload without metrics or above MaxBatchSize.
	ErrEmptyBatch = errors.New("metricstore: invalid batch size")

	errMissingDatabase = errors.New("database handle is required")
)

// EncryptedMetric is one opaque metric ciphertext.
type EncryptedMetric struct {
	MetricID         string `gorm:"column:metric_id;primaryKey;size:64;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_metrics_user_type,priority:1"`
	MetricType       string `gorm:"column:metric_type;size:64;not null;index:idx_metrics_user_type,priority:2"`
	EncryptedValue   []byte `gorm:"column:encrypted_value;not null"`
	RecordedAtMicros int64  `gorm:"column:recorded_at_us;not null"`
	CreatedAtMicros  int64  `gorm:"column:created_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EncryptedMetric) TableName() string {
	return "encrypted_metrics"
}

// MetricInput is one metric as uploaded by a client.
type MetricInput struct {
	MetricType     string
	EncryptedValue []byte
	RecordedAt     time.Time
}

func (input MetricInput) validate() error {
	metricType := strings.TrimSpace(input.MetricType)
	if metricType == "" || len(metricType) > maxMetricTypeLength {
		return fmt.Errorf("%w: metric type", ErrInvalidMetric)
	}
	if len(input.EncryptedValue) == 0 {
		return fmt.Errorf("%w: empty ciphertext", ErrInvalidMetric)
	}
	if input.RecordedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMetric)
	}
	return nil
}

// StoreConfig describes the dependencies of the metric store.
// Guard, when set, runs inside the insert transaction and rejects users that may not upload.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Guard    func(transaction *gorm.DB, userID string) error
	Logger   *zap.Logger
}

// Store persists encrypted metrics per user.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	guard  func(transaction *gorm.DB, userID string) error
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, guard: cfg.Guard, logger: logger}, nil
}

// StoreBatch validates every metric and stores the batch atomically. It returns the number stored.
func (store *Store) StoreBatch(ctx context.Context, userID string, metrics []MetricInput) (int, error) {
	if len(metrics) == 0 || len(metrics) > MaxBatchSize {
		return 0, fmt.Errorf("%w: %d", ErrEmptyBatch, len(metrics))
	}
	createdAt := store.clock().UTC().UnixMicro()
	records := make([]EncryptedMetric, 0, len(metrics))
	for index, metric := range metrics {
		if err := metric.validate(); err != nil {
			return 0, fmt.Errorf("metric %d: %w", index, err)
		}
		metricID, err := uuid.NewV7()
		if err != nil {
			return 0, err
		}
		records = append(records, EncryptedMetric{
			MetricID:         metricID.String(),
			UserID:           userID,
			MetricType:       strings.TrimSpace(metric.MetricType),
			EncryptedValue:   append([]byte(nil), metric.EncryptedValue...),
			RecordedAtMicros: metric.RecordedAt.UTC().UnixMicro(),
			CreatedAtMicros:  createdAt,
		})
	}

	var guardErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if store.guard != nil {
			if guardErr = store.guard(transaction, userID); guardErr != nil {
				return guardErr
			}
		}
		return transaction.Create(&records).Error
	})
	if guardErr != nil {
		return 0, guardErr
	}
	if err != nil {
		store.logger.Error("encrypted metric insert failed", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	return len(records), nil
}

// Count returns how many metrics a user holds.
func (store *Store) Count(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).Model(&EncryptedMetric{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// PurgeWithin deletes every metric of a user inside the caller's transaction.
func PurgeWithin(transaction *gorm.DB, userID string) (int64, error) {
	result := transaction.Where("user_id = ?", userID).Delete(&EncryptedMetric{})
	return result.RowsAffected, result.Error
}

// PurgeHook returns a purge hook that records the number of deleted metrics in deleted.
func PurgeHook(deleted *int64) func(transaction *gorm.DB, userID string) error {
	return func(transaction *gorm.DB, userID string) error {
		count, err := PurgeWithin(transaction, userID)
		if err != nil {
			return err
		}
		if deleted != nil {
			*deleted = count
		}
		return nil
	}
}

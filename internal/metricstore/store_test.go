package metricstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, guard func(*gorm.DB, string) error) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:reflective_metrics_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&EncryptedMetric{}))

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
		Guard:    guard,
	})
	require.NoError(t, err)
	return store, db
}

func sampleMetrics(count int) []MetricInput {
	metrics := make([]MetricInput, 0, count)
	for index := 0; index < count; index++ {
		metrics = append(metrics, MetricInput{
			MetricType:     "word_count",
			EncryptedValue: []byte(fmt.Sprintf("ckks-%d", index)),
			RecordedAt:     time.Unix(int64(1699990000+index), 0).UTC(),
		})
	}
	return metrics
}

func TestStoreBatchPersistsMetrics(t *testing.T) {
	store, db := newTestStore(t, nil)

	stored, err := store.StoreBatch(context.Background(), "user-1", sampleMetrics(3))
	require.NoError(t, err)
	require.Equal(t, 3, stored)

	var records []EncryptedMetric
	require.NoError(t, db.Order("recorded_at_us ASC").Find(&records).Error)
	require.Len(t, records, 3)
	require.Equal(t, []byte("ckks-0"), records[0].EncryptedValue)
	require.Equal(t, int64(1700000000000000), records[0].CreatedAtMicros)
	require.NotEqual(t, records[0].MetricID, records[1].MetricID)
}

func TestStoreBatchRejectsInvalidMetricAtomically(t *testing.T) {
	store, _ := newTestStore(t, nil)
	metrics := sampleMetrics(2)
	metrics = append(metrics, MetricInput{MetricType: "sentiment", RecordedAt: time.Now()})

	_, err := store.StoreBatch(context.Background(), "user-1", metrics)
	require.ErrorIs(t, err, ErrInvalidMetric)

	total, err := store.Count(context.Background(), "user-1")
	require.NoError(t, err)
	require.Zero(t, total)

	_, err = store.StoreBatch(context.Background(), "user-1", nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestStoreBatchHonorsGuard(t *testing.T) {
	errDenied := errors.New("tier denies metrics")
	store, _ := newTestStore(t, func(transaction *gorm.DB, userID string) error {
		if userID == "blocked" {
			return errDenied
		}
		return nil
	})

	_, err := store.StoreBatch(context.Background(), "blocked", sampleMetrics(1))
	require.ErrorIs(t, err, errDenied)
	_, err = store.StoreBatch(context.Background(), "allowed", sampleMetrics(1))
	require.NoError(t, err)
}

func TestPurgeHookDeletesOnlyOwner(t *testing.T) {
	store, db := newTestStore(t, nil)
	ctx := context.Background()
	_, err := store.StoreBatch(ctx, "user-1", sampleMetrics(2))
	require.NoError(t, err)
	_, err = store.StoreBatch(ctx, "user-2", sampleMetrics(1))
	require.NoError(t, err)

	var deleted int64
	require.NoError(t, db.Transaction(func(transaction *gorm.DB) error {
		return PurgeHook(&deleted)(transaction, "user-1")
	}))
	require.Equal(t, int64(2), deleted)

	remaining, err := store.Count(ctx, "user-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), remaining)
}

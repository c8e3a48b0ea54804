package backups

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var errSyncRevoked = errors.New("sync revoked")

type syncGrant struct {
	UserID  string `gorm:"column:user_id;primaryKey;size:190"`
	Allowed bool   `gorm:"column:allowed;not null"`
}

func (syncGrant) TableName() string {
	return "test_sync_grants"
}

func grantGuard(transaction *gorm.DB, ownerID string) error {
	var grant syncGrant
	if err := transaction.Where("user_id = ?", ownerID).Take(&grant).Error; err != nil {
		return err
	}
	if !grant.Allowed {
		return errSyncRevoked
	}
	return nil
}

func revokeGrant(transaction *gorm.DB, ownerID string) error {
	return transaction.Model(&syncGrant{}).Where("user_id = ?", ownerID).Update("allowed", false).Error
}

func TestConcurrentFirstPushesCreateOnce(t *testing.T) {
	service, db := newTestService(t, testServiceOptions{ids: NewUUIDProvider()})
	owner := mustOwnerID(t, "user-1")
	const devices = 8

	var created, conflicted atomic.Int32
	group, ctx := errgroup.WithContext(context.Background())
	for index := 0; index < devices; index++ {
		candidate := mustCandidate(t, "entry-1", int64(100+index), fmt.Sprintf("device-%d", index))
		group.Go(func() error {
			outcome, err := service.Upsert(ctx, owner, candidate)
			if err != nil {
				return err
			}
			if outcome.Created() {
				created.Add(1)
			}
			if _, ok := outcome.Conflict(); ok {
				conflicted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	require.Equal(t, int32(1), created.Load())
	require.Equal(t, int32(devices-1), conflicted.Load())

	var backups int64
	require.NoError(t, db.Model(&Backup{}).Count(&backups).Error)
	require.Equal(t, int64(1), backups)

	open, err := service.ListUnresolved(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Zero(t, service.locks.size())
}

func TestConcurrentPushesNeverBothOverwrite(t *testing.T) {
	service, db := newTestService(t, testServiceOptions{ids: NewUUIDProvider()})
	owner := mustOwnerID(t, "user-1")
	_, err := service.Upsert(context.Background(), owner, mustCandidate(t, "entry-1", 10, "device-a"))
	require.NoError(t, err)

	var stored atomic.Int32
	group, ctx := errgroup.WithContext(context.Background())
	for index := 0; index < 6; index++ {
		candidate := mustCandidate(t, "entry-1", int64(20+index), fmt.Sprintf("device-%d", index))
		group.Go(func() error {
			outcome, err := service.Upsert(ctx, owner, candidate)
			if err != nil {
				return err
			}
			if _, ok := outcome.Record(); ok {
				stored.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	require.Zero(t, stored.Load())
	record := loadBackup(t, db, "user-1", "entry-1")
	require.Equal(t, "device-a", record.DeviceID)
	require.Equal(t, int64(10), record.UpdatedAtMicros)
}

func TestPushRacingPurgeCannotResurrect(t *testing.T) {
	service, db := newTestService(t, testServiceOptions{guard: grantGuard, ids: NewUUIDProvider()})
	require.NoError(t, db.AutoMigrate(&syncGrant{}))
	require.NoError(t, db.Create(&syncGrant{UserID: "user-1", Allowed: true}).Error)
	owner := mustOwnerID(t, "user-1")

	for index := 0; index < 4; index++ {
		_, err := service.Upsert(context.Background(), owner, mustCandidate(t, fmt.Sprintf("seed-%d", index), 10, "device-a"))
		require.NoError(t, err)
	}

	var rejected atomic.Int32
	group, ctx := errgroup.WithContext(context.Background())
	for index := 0; index < 8; index++ {
		candidate := mustCandidate(t, fmt.Sprintf("entry-%d", index), int64(50+index), "device-b")
		group.Go(func() error {
			_, err := service.Upsert(ctx, owner, candidate)
			if errors.Is(err, errSyncRevoked) {
				rejected.Add(1)
				return nil
			}
			return err
		})
	}
	group.Go(func() error {
		_, err := service.PurgeAll(ctx, owner, revokeGrant)
		return err
	})
	require.NoError(t, group.Wait())

	var remaining int64
	require.NoError(t, db.Model(&Backup{}).Where("user_id = ?", "user-1").Count(&remaining).Error)
	require.Zero(t, remaining)

	_, err := service.Upsert(context.Background(), owner, mustCandidate(t, "late", 99, "device-c"))
	require.ErrorIs(t, err, errSyncRevoked)
	require.Zero(t, service.locks.size())
}

func TestOwnerLocksReleaseEntries(t *testing.T) {
	locks := newOwnerLocks()
	release := locks.acquire("user-1")
	require.Equal(t, 1, locks.size())

	acquired := make(chan struct{})
	go func() {
		second := locks.acquire("user-1")
		close(acquired)
		second()
	}()

	other := locks.acquire("user-2")
	require.Equal(t, 2, locks.size())
	other()

	release()
	<-acquired
	require.Eventually(t, func() bool { return locks.size() == 0 }, testWaitTimeout, testPollInterval)
}

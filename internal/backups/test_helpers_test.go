package backups

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testClockMicros  = int64(1700000600000000)
	testWaitTimeout  = 2 * time.Second
	testPollInterval = 10 * time.Millisecond
)

type sequenceIDProvider struct {
	mu    sync.Mutex
	next  int
	label string
}

func (provider *sequenceIDProvider) NewID() (string, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.next++
	return fmt.Sprintf("%s-%d", provider.label, provider.next), nil
}

type testServiceOptions struct {
	guard AccessGuard
	ids   IDProvider
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:reflective_backups_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Backup{}, &Conflict{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, options testServiceOptions) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	ids := options.ids
	if ids == nil {
		ids = &sequenceIDProvider{label: "conflict"}
	}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       func() time.Time { return time.UnixMicro(testClockMicros).UTC() },
		IDProvider:  ids,
		AccessGuard: options.guard,
	})
	if err != nil {
		t.Fatalf("failed to construct backups service: %v", err)
	}
	return service, db
}

func mustOwnerID(t *testing.T, value string) OwnerID {
	t.Helper()
	id, err := NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustEntryID(t *testing.T, value string) EntryID {
	t.Helper()
	id, err := NewEntryID(value)
	if err != nil {
		t.Fatalf("unexpected entry id error: %v", err)
	}
	return id
}

func mustTimestamp(t *testing.T, micros int64) Timestamp {
	t.Helper()
	ts, err := TimestampFromMicros(micros)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

// mustCandidate builds a push for entry at updatedAt from device, with content derived from both.
func mustCandidate(t *testing.T, entry string, updatedAt int64, device string) BackupCandidate {
	t.Helper()
	deviceID, err := NewDeviceID(device)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	candidate, err := NewBackupCandidate(BackupCandidateConfig{
		EntryID:          mustEntryID(t, entry),
		EncryptedContent: []byte(fmt.Sprintf("cipher-%s-%d-%s", entry, updatedAt, device)),
		ContentIV:        fmt.Sprintf("iv-%d-%s", updatedAt, device),
		ContentTag:       "tag-" + device,
		CreatedAt:        mustTimestamp(t, 1),
		UpdatedAt:        mustTimestamp(t, updatedAt),
		DeviceID:         deviceID,
	})
	if err != nil {
		t.Fatalf("unexpected candidate error: %v", err)
	}
	return candidate
}

func loadBackup(t *testing.T, db *gorm.DB, owner, entry string) Backup {
	t.Helper()
	var stored Backup
	if err := db.Where("user_id = ? AND entry_id = ?", owner, entry).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load backup %s/%s: %v", owner, entry, err)
	}
	return stored
}

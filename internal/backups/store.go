package backups

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultFetchLimit is the page size used when a caller does not ask for one.
	DefaultFetchLimit = 100
	// MaxFetchLimit bounds a single fetch page.
	MaxFetchLimit = 500

	maxUpsertAttempts = 3

	queryUserID          = fieldUserID + " = ?"
	queryUserEntry       = fieldUserID + " = ? AND " + fieldEntryID + " = ?"
	queryUserEntryWriter = fieldUserID + " = ? AND " + fieldEntryID + " = ? AND updated_at_us = ? AND device_id = ?"
	orderUpdatedAsc      = "updated_at_us ASC, entry_id ASC"
)

// ErrInvalidFetchLimit indicates that a fetch page size is outside 1..MaxFetchLimit.
var ErrInvalidFetchLimit = errors.New("backups: invalid fetch limit")

// UpsertOutcome holds either the stored record or the conflict that blocked the write, never both.
type UpsertOutcome struct {
	record    *Backup
	conflict  *Conflict
	created   bool
	coalesced bool
}

// Record returns the stored backup when the write was accepted.
func (outcome UpsertOutcome) Record() (Backup, bool) {
	if outcome.record == nil {
		return Backup{}, false
	}
	return *outcome.record, true
}

// Conflict returns the conflict when the write was rejected.
func (outcome UpsertOutcome) Conflict() (Conflict, bool) {
	if outcome.conflict == nil {
		return Conflict{}, false
	}
	return *outcome.conflict, true
}

// Created reports whether the write created the backup.
func (outcome UpsertOutcome) Created() bool {
	return outcome.created
}

// Coalesced reports whether the conflict was folded into an already open one.
func (outcome UpsertOutcome) Coalesced() bool {
	return outcome.coalesced
}

// Upsert stores the candidate or records a conflict against the stored version.
func (service *Service) Upsert(ctx context.Context, owner OwnerID, candidate BackupCandidate) (UpsertOutcome, error) {
	if service.db == nil {
		service.logError(opUpsert, reasonMissingDatabase, errMissingDatabase)
		return UpsertOutcome{}, newServiceError(opUpsert, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return UpsertOutcome{}, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}

	release := service.lockOwner(owner)
	defer release()

	var outcome UpsertOutcome
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := service.guard(transaction, owner); err != nil {
			return err
		}
		result, err := service.upsertWithin(transaction, owner, candidate)
		if err != nil {
			return err
		}
		outcome = result
		return nil
	})
	if transactionError != nil {
		return UpsertOutcome{}, service.transactionResult(opUpsert, transactionError,
			zap.String(fieldUserID, owner.String()),
			zap.String(fieldEntryID, candidate.EntryID().String()))
	}
	return outcome, nil
}

func (service *Service) upsertWithin(transaction *gorm.DB, owner OwnerID, candidate BackupCandidate) (UpsertOutcome, error) {
	logFields := []zap.Field{
		zap.String(fieldUserID, owner.String()),
		zap.String(fieldEntryID, candidate.EntryID().String()),
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		existing, found, err := service.selectBackup(transaction, owner, candidate.EntryID())
		if err != nil {
			service.logError(opUpsert, reasonSelectFailed, err, logFields...)
			return UpsertOutcome{}, newServiceError(opUpsert, reasonSelectFailed, err)
		}

		if !found {
			created := newBackupFromCandidate(owner, candidate)
			insert := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
			if insert.Error != nil {
				service.logError(opUpsert, reasonInsertFailed, insert.Error, logFields...)
				return UpsertOutcome{}, newServiceError(opUpsert, reasonInsertFailed, insert.Error)
			}
			if insert.RowsAffected == 1 {
				return UpsertOutcome{record: &created, created: true}, nil
			}
			continue
		}

		if !Detect(candidate, existing) {
			updated, swapped, err := service.overwriteBackup(transaction, existing, candidate)
			if err != nil {
				service.logError(opUpsert, reasonUpdateFailed, err, logFields...)
				return UpsertOutcome{}, newServiceError(opUpsert, reasonUpdateFailed, err)
			}
			if swapped {
				return UpsertOutcome{record: &updated}, nil
			}
			continue
		}

		conflict, coalesced, err := service.recordConflict(transaction, owner, candidate, existing)
		if err != nil {
			return UpsertOutcome{}, err
		}
		return UpsertOutcome{conflict: &conflict, coalesced: coalesced}, nil
	}

	service.logError(opUpsert, reasonContention, errUpsertContention, logFields...)
	return UpsertOutcome{}, newServiceError(opUpsert, reasonContention, errUpsertContention)
}

func (service *Service) selectBackup(transaction *gorm.DB, owner OwnerID, entryID EntryID) (Backup, bool, error) {
	var existing Backup
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryUserEntry, owner.String(), entryID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Backup{}, false, nil
	}
	if err != nil {
		return Backup{}, false, err
	}
	return existing, true, nil
}

// overwriteBackup replaces the mutable fields, guarded by the writer pair observed on read.
// A false result means another writer got there first.
func (service *Service) overwriteBackup(transaction *gorm.DB, existing Backup, candidate BackupCandidate) (Backup, bool, error) {
	updates := map[string]any{
		"encrypted_content": candidate.EncryptedContent(),
		"content_iv":        candidate.ContentIV(),
		"content_tag":       candidate.ContentTag(),
		"updated_at_us":     candidate.UpdatedAt().Micros(),
		"device_id":         candidate.DeviceID().String(),
	}
	updated := existing
	updated.EncryptedContent = candidate.EncryptedContent()
	updated.ContentIV = candidate.ContentIV()
	updated.ContentTag = candidate.ContentTag()
	updated.UpdatedAtMicros = candidate.UpdatedAt().Micros()
	updated.DeviceID = candidate.DeviceID().String()
	if candidate.HasEmbedding() {
		updates["encrypted_embedding"] = candidate.EncryptedEmbedding()
		updates["embedding_iv"] = candidate.EmbeddingIV()
		updated.EncryptedEmbedding = candidate.EncryptedEmbedding()
		updated.EmbeddingIV = candidate.EmbeddingIV()
	}

	result := transaction.Model(&Backup{}).
		Where(queryUserEntryWriter, existing.UserID, existing.EntryID, existing.UpdatedAtMicros, existing.DeviceID).
		Updates(updates)
	if result.Error != nil {
		return Backup{}, false, result.Error
	}
	return updated, result.RowsAffected == 1, nil
}

// FetchQuery selects the page of backups a device still has to pull.
type FetchQuery struct {
	since         Timestamp
	excludeDevice DeviceID
	limit         int
}

// FetchQueryConfig describes the inputs required to build a FetchQuery.
// A zero Since fetches from the beginning; a zero Limit uses DefaultFetchLimit.
type FetchQueryConfig struct {
	Since         Timestamp
	ExcludeDevice DeviceID
	Limit         int
}

// NewFetchQuery validates the provided configuration and returns a FetchQuery.
func NewFetchQuery(cfg FetchQueryConfig) (FetchQuery, error) {
	limit := cfg.Limit
	if limit == 0 {
		limit = DefaultFetchLimit
	}
	if limit < 1 || limit > MaxFetchLimit {
		return FetchQuery{}, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidFetchLimit, cfg.Limit, MaxFetchLimit)
	}
	if cfg.Since < 0 {
		return FetchQuery{}, fmt.Errorf("%w: negative cursor", ErrInvalidTimestamp)
	}
	return FetchQuery{
		since:         cfg.Since,
		excludeDevice: cfg.ExcludeDevice,
		limit:         limit,
	}, nil
}

// Limit returns the page size.
func (query FetchQuery) Limit() int {
	return query.limit
}

// FetchPage is one page of backups ordered by ascending update time.
//
// HasMore is true whenever the page is full. A page that is exactly full with nothing
// behind it still reports true; the caller finds out with one extra, empty fetch.
type FetchPage struct {
	Records []Backup
	HasMore bool
}

// FetchSince returns the owner's backups updated strictly after the cursor.
func (service *Service) FetchSince(ctx context.Context, owner OwnerID, query FetchQuery) (FetchPage, error) {
	if service.db == nil {
		service.logError(opFetchSince, reasonMissingDatabase, errMissingDatabase)
		return FetchPage{}, newServiceError(opFetchSince, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return FetchPage{}, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if query.limit == 0 {
		query.limit = DefaultFetchLimit
	}

	statement := service.db.WithContext(ctx).Where(queryUserID, owner.String())
	if query.since > 0 {
		statement = statement.Where("updated_at_us > ?", query.since.Micros())
	}
	if query.excludeDevice != "" {
		statement = statement.Where("device_id <> ?", query.excludeDevice.String())
	}

	var records []Backup
	if err := statement.Order(orderUpdatedAsc).Limit(query.limit).Find(&records).Error; err != nil {
		service.logError(opFetchSince, reasonQueryFailed, err, zap.String(fieldUserID, owner.String()))
		return FetchPage{}, newServiceError(opFetchSince, reasonQueryFailed, err)
	}

	return FetchPage{
		Records: records,
		HasMore: len(records) == query.limit,
	}, nil
}

// Delete removes one backup owned by owner and invalidates its open conflicts.
// It reports whether a backup was removed.
func (service *Service) Delete(ctx context.Context, owner OwnerID, entryID EntryID) (bool, error) {
	if service.db == nil {
		service.logError(opDelete, reasonMissingDatabase, errMissingDatabase)
		return false, newServiceError(opDelete, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return false, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}

	release := service.lockOwner(owner)
	defer release()

	logFields := []zap.Field{
		zap.String(fieldUserID, owner.String()),
		zap.String(fieldEntryID, entryID.String()),
	}
	deleted := false
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where(queryUserEntry, owner.String(), entryID.String()).Delete(&Backup{})
		if result.Error != nil {
			service.logError(opDelete, reasonDeleteFailed, result.Error, logFields...)
			return newServiceError(opDelete, reasonDeleteFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		deleted = true

		invalidated, err := service.invalidateOpenConflicts(transaction, owner, entryID)
		if err != nil {
			service.logError(opDelete, reasonUpdateFailed, err, logFields...)
			return newServiceError(opDelete, reasonUpdateFailed, err)
		}
		if invalidated > 0 {
			service.loggerOrDefault().Debug("open conflicts invalidated by delete",
				append(logFields, zap.Int64("conflicts", invalidated))...)
		}
		return nil
	})
	if transactionError != nil {
		return false, service.transactionResult(opDelete, transactionError, logFields...)
	}
	return deleted, nil
}

// PurgeHook runs inside the purge transaction; an error rolls the whole purge back.
type PurgeHook func(transaction *gorm.DB, ownerID string) error

// PurgeResult reports what a purge removed.
type PurgeResult struct {
	BackupsDeleted   int64
	ConflictsDeleted int64
}

// PurgeAll atomically removes every backup and conflict of owner, then runs hooks in the same transaction.
func (service *Service) PurgeAll(ctx context.Context, owner OwnerID, hooks ...PurgeHook) (PurgeResult, error) {
	if service.db == nil {
		service.logError(opPurgeAll, reasonMissingDatabase, errMissingDatabase)
		return PurgeResult{}, newServiceError(opPurgeAll, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return PurgeResult{}, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}

	release := service.lockOwner(owner)
	defer release()

	logField := zap.String(fieldUserID, owner.String())
	var result PurgeResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		conflicts := transaction.Where(queryUserID, owner.String()).Delete(&Conflict{})
		if conflicts.Error != nil {
			service.logError(opPurgeAll, reasonDeleteFailed, conflicts.Error, logField)
			return newServiceError(opPurgeAll, reasonDeleteFailed, conflicts.Error)
		}
		backups := transaction.Where(queryUserID, owner.String()).Delete(&Backup{})
		if backups.Error != nil {
			service.logError(opPurgeAll, reasonDeleteFailed, backups.Error, logField)
			return newServiceError(opPurgeAll, reasonDeleteFailed, backups.Error)
		}
		for _, hook := range hooks {
			if hook == nil {
				continue
			}
			if err := hook(transaction, owner.String()); err != nil {
				service.logError(opPurgeAll, reasonHookFailed, err, logField)
				return newServiceError(opPurgeAll, reasonHookFailed, err)
			}
		}
		result = PurgeResult{
			BackupsDeleted:   backups.RowsAffected,
			ConflictsDeleted: conflicts.RowsAffected,
		}
		return nil
	})
	if transactionError != nil {
		return PurgeResult{}, service.transactionResult(opPurgeAll, transactionError, logField)
	}

	service.loggerOrDefault().Info("sync state purged",
		logField,
		zap.Int64("backups", result.BackupsDeleted),
		zap.Int64("conflicts", result.ConflictsDeleted))
	return result, nil
}

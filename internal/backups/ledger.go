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
	queryOpenForTarget = fieldUserID + " = ? AND target_id = ? AND resolved = ?"
	queryOwnedConflict = fieldConflictID + " = ? AND " + fieldUserID + " = ?"
	orderDetectedDesc  = "detected_at_us DESC, conflict_id DESC"
)

// recordConflict stores a new conflict for the target or folds the candidate into the open one.
// An owner never has more than one unresolved conflict per target.
func (service *Service) recordConflict(transaction *gorm.DB, owner OwnerID, candidate BackupCandidate, existing Backup) (Conflict, bool, error) {
	logFields := []zap.Field{
		zap.String(fieldUserID, owner.String()),
		zap.String(fieldEntryID, candidate.EntryID().String()),
	}
	detectedAt := service.nowMicros()

	var open Conflict
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryOpenForTarget, owner.String(), existing.EntryID, false).
		Order(orderDetectedDesc).
		Take(&open).Error
	switch {
	case err == nil:
		applyLocalSide(&open, candidate)
		applyRemoteSide(&open, existing)
		open.DetectedAtMicros = detectedAt
		if saveErr := transaction.Save(&open).Error; saveErr != nil {
			service.logError(opUpsert, reasonUpdateFailed, saveErr, logFields...)
			return Conflict{}, false, newServiceError(opUpsert, reasonUpdateFailed, saveErr)
		}
		return open, true, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		service.logError(opUpsert, reasonSelectFailed, err, logFields...)
		return Conflict{}, false, newServiceError(opUpsert, reasonSelectFailed, err)
	}

	conflictID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opUpsert, reasonIDFailed, err, logFields...)
		return Conflict{}, false, newServiceError(opUpsert, reasonIDFailed, err)
	}
	created := Conflict{
		ConflictID:       conflictID,
		UserID:           owner.String(),
		TargetID:         existing.EntryID,
		DetectedAtMicros: detectedAt,
	}
	applyLocalSide(&created, candidate)
	applyRemoteSide(&created, existing)
	if err := transaction.Create(&created).Error; err != nil {
		service.logError(opUpsert, reasonInsertFailed, err, logFields...)
		return Conflict{}, false, newServiceError(opUpsert, reasonInsertFailed, err)
	}
	return created, false, nil
}

func applyLocalSide(conflict *Conflict, candidate BackupCandidate) {
	conflict.LocalContent = candidate.EncryptedContent()
	conflict.LocalIV = candidate.ContentIV()
	conflict.LocalTag = candidate.ContentTag()
	conflict.LocalEmbedding = candidate.EncryptedEmbedding()
	conflict.LocalEmbeddingIV = candidate.EmbeddingIV()
	conflict.LocalUpdatedAtMicros = candidate.UpdatedAt().Micros()
	conflict.LocalDeviceID = candidate.DeviceID().String()
}

func applyRemoteSide(conflict *Conflict, existing Backup) {
	conflict.RemoteContent = existing.EncryptedContent
	conflict.RemoteIV = existing.ContentIV
	conflict.RemoteTag = existing.ContentTag
	conflict.RemoteUpdatedAtMicros = existing.UpdatedAtMicros
	conflict.RemoteDeviceID = existing.DeviceID
}

// invalidateOpenConflicts closes the open conflicts of a target that no longer exists.
func (service *Service) invalidateOpenConflicts(transaction *gorm.DB, owner OwnerID, entryID EntryID) (int64, error) {
	result := transaction.Model(&Conflict{}).
		Where(queryOpenForTarget, owner.String(), entryID.String(), false).
		Updates(map[string]any{
			"resolved":       true,
			"resolved_at_us": service.nowMicros(),
			"resolution":     string(ResolutionTargetDeleted),
		})
	return result.RowsAffected, result.Error
}

// ListUnresolved returns the owner's open conflicts, most recently detected first.
func (service *Service) ListUnresolved(ctx context.Context, owner OwnerID) ([]Conflict, error) {
	if service.db == nil {
		service.logError(opListUnresolved, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListUnresolved, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}

	var conflicts []Conflict
	err := service.db.WithContext(ctx).
		Where(fieldUserID+" = ? AND resolved = ?", owner.String(), false).
		Order(orderDetectedDesc).
		Find(&conflicts).Error
	if err != nil {
		service.logError(opListUnresolved, reasonQueryFailed, err, zap.String(fieldUserID, owner.String()))
		return nil, newServiceError(opListUnresolved, reasonQueryFailed, err)
	}
	return conflicts, nil
}

// GetConflict loads a conflict owned by owner. Conflicts of other owners are reported as not found.
func (service *Service) GetConflict(ctx context.Context, owner OwnerID, conflictID ConflictID) (Conflict, error) {
	if service.db == nil {
		service.logError(opGetConflict, reasonMissingDatabase, errMissingDatabase)
		return Conflict{}, newServiceError(opGetConflict, reasonMissingDatabase, errMissingDatabase)
	}
	conflict, err := service.selectConflict(service.db.WithContext(ctx), owner, conflictID, false)
	if err != nil {
		if errors.Is(err, ErrConflictNotFound) {
			return Conflict{}, err
		}
		service.logError(opGetConflict, reasonSelectFailed, err,
			zap.String(fieldUserID, owner.String()),
			zap.String(fieldConflictID, conflictID.String()))
		return Conflict{}, newServiceError(opGetConflict, reasonSelectFailed, err)
	}
	return conflict, nil
}

func (service *Service) selectConflict(database *gorm.DB, owner OwnerID, conflictID ConflictID, forUpdate bool) (Conflict, error) {
	statement := database
	if forUpdate {
		statement = statement.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var conflict Conflict
	err := statement.Where(queryOwnedConflict, conflictID.String(), owner.String()).Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, ErrConflictNotFound
	}
	if err != nil {
		return Conflict{}, err
	}
	return conflict, nil
}

// MarkResolved closes an open conflict without touching the backup it targets.
func (service *Service) MarkResolved(ctx context.Context, owner OwnerID, conflictID ConflictID, kind ResolutionKind) (Conflict, error) {
	if service.db == nil {
		service.logError(opMarkResolved, reasonMissingDatabase, errMissingDatabase)
		return Conflict{}, newServiceError(opMarkResolved, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return Conflict{}, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if !kind.Known() {
		return Conflict{}, fmt.Errorf("%w: unsupported resolution %q", ErrInvalidResolution, string(kind))
	}

	release := service.lockOwner(owner)
	defer release()

	logFields := []zap.Field{
		zap.String(fieldUserID, owner.String()),
		zap.String(fieldConflictID, conflictID.String()),
	}
	var resolved Conflict
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		conflict, err := service.selectConflict(transaction, owner, conflictID, true)
		if err != nil {
			if errors.Is(err, ErrConflictNotFound) {
				return err
			}
			service.logError(opMarkResolved, reasonSelectFailed, err, logFields...)
			return newServiceError(opMarkResolved, reasonSelectFailed, err)
		}
		if conflict.Resolved {
			return ErrConflictResolved
		}
		resolved, err = service.markResolvedWithin(transaction, conflict, kind)
		return err
	})
	if transactionError != nil {
		return Conflict{}, service.transactionResult(opMarkResolved, transactionError, logFields...)
	}
	return resolved, nil
}

// markResolvedWithin flips the resolved flag only while it is still unset, so a conflict resolves once.
func (service *Service) markResolvedWithin(transaction *gorm.DB, conflict Conflict, kind ResolutionKind) (Conflict, error) {
	if !kind.Known() {
		return Conflict{}, fmt.Errorf("%w: unsupported resolution %q", ErrInvalidResolution, string(kind))
	}
	resolvedAt := service.nowMicros()
	result := transaction.Model(&Conflict{}).
		Where(fieldConflictID+" = ? AND resolved = ?", conflict.ConflictID, false).
		Updates(map[string]any{
			"resolved":       true,
			"resolved_at_us": resolvedAt,
			"resolution":     string(kind),
		})
	if result.Error != nil {
		service.logError(opMarkResolved, reasonUpdateFailed, result.Error,
			zap.String(fieldConflictID, conflict.ConflictID))
		return Conflict{}, newServiceError(opMarkResolved, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Conflict{}, ErrConflictResolved
	}
	conflict.Resolved = true
	conflict.ResolvedAtMicros = &resolvedAt
	conflict.Resolution = string(kind)
	return conflict, nil
}

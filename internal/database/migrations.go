package database

import (
	"errors"
	"time"

	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCloseOrphanedConflicts = "2026-09-14_close_orphaned_conflicts"
	migrationNormalizePrivacyTiers  = "2026-09-21_normalize_privacy_tiers"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCloseOrphanedConflicts, apply: closeOrphanedConflicts},
		{name: migrationNormalizePrivacyTiers, apply: normalizePrivacyTiers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// closeOrphanedConflicts closes open conflicts whose backup was deleted before deletes closed them.
func closeOrphanedConflicts(db *gorm.DB) error {
	orphaned := db.Model(&backups.Backup{}).
		Select("1").
		Where("encrypted_backups.user_id = sync_conflicts.user_id AND encrypted_backups.entry_id = sync_conflicts.target_id")
	resolvedAt := time.Now().UTC().UnixMicro()
	return db.Model(&backups.Conflict{}).
		Where("resolved = ?", false).
		Where("NOT EXISTS (?)", orphaned).
		Updates(map[string]any{
			"resolved":       true,
			"resolved_at_us": resolvedAt,
			"resolution":     string(backups.ResolutionTargetDeleted),
		}).Error
}

// normalizePrivacyTiers rewrites stored tiers to their canonical names. Unreadable tiers become
// local_only, and any rewritten user loses the synced data the resulting tier may not hold.
func normalizePrivacyTiers(db *gorm.DB) error {
	canonical := []string{users.TierLocalOnly.String(), users.TierAnalyticsSync.String(), users.TierFullSync.String()}
	var settings []users.PrivacySetting
	if err := db.Where("privacy_tier NOT IN ?", canonical).Find(&settings).Error; err != nil {
		return err
	}
	for _, setting := range settings {
		tier, err := users.ParsePrivacyTier(setting.Tier)
		if err != nil {
			tier = users.TierLocalOnly
		}
		if err := db.Model(&users.PrivacySetting{}).
			Where("user_id = ?", setting.UserID).
			Update("privacy_tier", tier.String()).Error; err != nil {
			return err
		}
		if err := purgeDisallowedData(db, setting.UserID, tier); err != nil {
			return err
		}
	}
	return nil
}

func purgeDisallowedData(db *gorm.DB, userID string, tier users.PrivacyTier) error {
	if !tier.AllowsBackupSync() {
		if err := db.Where("user_id = ?", userID).Delete(&backups.Conflict{}).Error; err != nil {
			return err
		}
		if err := db.Where("user_id = ?", userID).Delete(&backups.Backup{}).Error; err != nil {
			return err
		}
	}
	if !tier.AllowsMetricSync() {
		if _, err := metricstore.PurgeWithin(db, userID); err != nil {
			return err
		}
	}
	return nil
}

package users

import (
	"strings"
	"time"
)

// Identity captures the mapping between a canonical Reflective user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// PrivacySetting stores the access tier a user opted into. Users without a row are local_only.
type PrivacySetting struct {
	UserID              string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Tier                string `gorm:"column:privacy_tier;size:32;not null"`
	SyncEnabledAtMicros *int64 `gorm:"column:sync_enabled_at_us"`
	UpdatedAtMicros     int64  `gorm:"column:updated_at_us;not null"`
}

// TableName exposes the table backing privacy settings.
func (PrivacySetting) TableName() string {
	return "user_privacy_settings"
}

// SyncEnabledAt returns when the user last moved into full_sync.
func (setting PrivacySetting) SyncEnabledAt() (time.Time, bool) {
	if setting.SyncEnabledAtMicros == nil {
		return time.Time{}, false
	}
	return time.UnixMicro(*setting.SyncEnabledAtMicros).UTC(), true
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

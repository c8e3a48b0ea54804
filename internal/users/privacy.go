package users

import (
	"errors"
	"fmt"
	"strings"
)

// PrivacyTier controls which encrypted data a user allows the server to hold.
type PrivacyTier string

const (
	// TierLocalOnly keeps everything on the user's devices.
	TierLocalOnly PrivacyTier = "local_only"
	// TierAnalyticsSync allows encrypted metrics but no journal backups.
	TierAnalyticsSync PrivacyTier = "analytics_sync"
	// TierFullSync allows encrypted metrics and encrypted journal backups.
	TierFullSync PrivacyTier = "full_sync"
)

var (
	// ErrInvalidPrivacyTier indicates an unknown tier name.
	ErrInvalidPrivacyTier = errors.New("users: invalid privacy tier")
	// ErrSyncNotPermitted indicates the user's tier does not allow the requested sync operation.
	ErrSyncNotPermitted = errors.New("users: sync not permitted by privacy tier")
)

// ParsePrivacyTier validates raw input and returns a PrivacyTier.
func ParsePrivacyTier(rawInput string) (PrivacyTier, error) {
	switch tier := PrivacyTier(strings.ToLower(strings.TrimSpace(rawInput))); tier {
	case TierLocalOnly, TierAnalyticsSync, TierFullSync:
		return tier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPrivacyTier, rawInput)
	}
}

// String returns the wire name of the tier.
func (tier PrivacyTier) String() string {
	return string(tier)
}

// AllowsBackupSync reports whether encrypted journal backups may be stored.
func (tier PrivacyTier) AllowsBackupSync() bool {
	return tier == TierFullSync
}

// AllowsMetricSync reports whether encrypted metrics may be stored.
func (tier PrivacyTier) AllowsMetricSync() bool {
	return tier == TierAnalyticsSync || tier == TierFullSync
}

// TierChange describes what a move between two tiers requires.
type TierChange struct {
	From PrivacyTier
	To   PrivacyTier
}

// PurgesBackups reports whether leaving From for To must remove backups and conflicts.
func (change TierChange) PurgesBackups() bool {
	return change.From.AllowsBackupSync() && !change.To.AllowsBackupSync()
}

// PurgesMetrics reports whether leaving From for To must remove encrypted metrics.
func (change TierChange) PurgesMetrics() bool {
	return change.From.AllowsMetricSync() && !change.To.AllowsMetricSync()
}

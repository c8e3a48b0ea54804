package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teatime-co/Reflective-Server/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers, provider-specific identities and privacy tiers.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	database := s.db.WithContext(ctx)
	var identity Identity
	err := database.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		updates["last_seen_at"] = s.now()
		if err := database.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}

// PrivacyTier returns the user's current tier.
func (s *Service) PrivacyTier(ctx context.Context, userID string) (PrivacyTier, error) {
	return tierWithin(s.db.WithContext(ctx), userID)
}

// PrivacySetting returns the stored setting, synthesizing a local_only one for users without a row.
func (s *Service) PrivacySetting(ctx context.Context, userID string) (PrivacySetting, error) {
	var setting PrivacySetting
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PrivacySetting{UserID: userID, Tier: TierLocalOnly.String()}, nil
	}
	if err != nil {
		return PrivacySetting{}, err
	}
	return setting, nil
}

func tierWithin(database *gorm.DB, userID string) (PrivacyTier, error) {
	var setting PrivacySetting
	err := database.Where("user_id = ?", userID).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TierLocalOnly, nil
	}
	if err != nil {
		return "", err
	}
	tier, err := ParsePrivacyTier(setting.Tier)
	if err != nil {
		return TierLocalOnly, nil
	}
	return tier, nil
}

// SetPrivacyTier stores the tier without touching any synced data. Downgrades that must purge
// data go through TierWriter inside the purge transaction instead.
func (s *Service) SetPrivacyTier(ctx context.Context, userID string, tier PrivacyTier) error {
	return s.TierWriter(tier)(s.db.WithContext(ctx), userID)
}

// TierWriter returns a hook that stores tier for a user inside the caller's transaction.
func (s *Service) TierWriter(tier PrivacyTier) func(transaction *gorm.DB, userID string) error {
	return func(transaction *gorm.DB, userID string) error {
		if _, err := ParsePrivacyTier(tier.String()); err != nil {
			return err
		}
		if normalize(userID) == "" {
			return ErrInvalidIdentity
		}
		current, err := tierWithin(transaction, userID)
		if err != nil {
			return err
		}

		nowMicros := s.now().UTC().UnixMicro()
		setting := PrivacySetting{
			UserID:          userID,
			Tier:            tier.String(),
			UpdatedAtMicros: nowMicros,
		}
		columns := []string{"privacy_tier", "updated_at_us"}
		if tier.AllowsBackupSync() && !current.AllowsBackupSync() {
			setting.SyncEnabledAtMicros = &nowMicros
			columns = append(columns, "sync_enabled_at_us")
		}
		err = transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(&setting).Error
		if err != nil {
			return err
		}
		if current != tier {
			s.logger.Info("privacy tier changed",
				zap.String("user_id", userID),
				zap.String("from", current.String()),
				zap.String("to", tier.String()))
		}
		return nil
	}
}

// TierGuard returns a check, run inside a write transaction, that rejects users whose tier fails allows.
func (s *Service) TierGuard(allows func(PrivacyTier) bool) func(transaction *gorm.DB, userID string) error {
	return func(transaction *gorm.DB, userID string) error {
		tier, err := tierWithin(transaction, userID)
		if err != nil {
			return err
		}
		if !allows(tier) {
			return fmt.Errorf("%w: %s", ErrSyncNotPermitted, tier)
		}
		return nil
	}
}

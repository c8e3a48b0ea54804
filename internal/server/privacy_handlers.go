package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
)

type privacyTierPayload struct {
	PrivacyTier   string     `json:"privacy_tier"`
	SyncEnabledAt *time.Time `json:"sync_enabled_at"`
}

type privacyTierUpdatePayload struct {
	PrivacyTier string `json:"privacy_tier" binding:"required"`
}

type privacyTierChangedPayload struct {
	PrivacyTier      string `json:"privacy_tier"`
	PreviousTier     string `json:"previous_tier"`
	BackupsDeleted   int64  `json:"backups_deleted"`
	ConflictsDeleted int64  `json:"conflicts_deleted"`
	MetricsDeleted   int64  `json:"metrics_deleted"`
}

func (h *httpHandler) handleGetPrivacyTier(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	setting, err := h.users.PrivacySetting(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "privacy_tier", err)
		return
	}
	c.JSON(http.StatusOK, newPrivacyTierPayload(setting))
}

func newPrivacyTierPayload(setting users.PrivacySetting) privacyTierPayload {
	payload := privacyTierPayload{PrivacyTier: setting.Tier}
	if enabledAt, ok := setting.SyncEnabledAt(); ok {
		payload.SyncEnabledAt = &enabledAt
	}
	return payload
}

// handleUpdatePrivacyTier stores the new tier. Tiers without backup sync purge backups and conflicts
// in the same transaction as the tier write; local_only also purges metrics.
func (h *httpHandler) handleUpdatePrivacyTier(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	var payload privacyTierUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return
	}
	tier, err := users.ParsePrivacyTier(payload.PrivacyTier)
	if err != nil {
		h.respondError(c, "privacy_tier", err)
		return
	}

	previous, err := h.users.PrivacyTier(c.Request.Context(), owner.String())
	if err != nil {
		h.respondError(c, "privacy_tier", err)
		return
	}
	response := privacyTierChangedPayload{PrivacyTier: tier.String(), PreviousTier: previous.String()}

	if tier.AllowsBackupSync() {
		if err := h.users.SetPrivacyTier(c.Request.Context(), owner.String(), tier); err != nil {
			h.respondError(c, "privacy_tier", err)
			return
		}
		c.JSON(http.StatusOK, response)
		return
	}

	hooks := []backups.PurgeHook{}
	if !tier.AllowsMetricSync() {
		hooks = append(hooks, metricstore.PurgeHook(&response.MetricsDeleted))
	}
	hooks = append(hooks, h.users.TierWriter(tier))
	result, err := h.backups.PurgeAll(c.Request.Context(), owner, hooks...)
	if err != nil {
		h.respondError(c, "privacy_tier", err)
		return
	}
	response.BackupsDeleted = result.BackupsDeleted
	response.ConflictsDeleted = result.ConflictsDeleted

	change := users.TierChange{From: previous, To: tier}
	if change.PurgesBackups() || change.PurgesMetrics() || result.BackupsDeleted > 0 || result.ConflictsDeleted > 0 {
		h.logger.Info("synced data purged on tier change",
			zap.String("user_id", owner.String()),
			zap.String("from", previous.String()),
			zap.String("to", tier.String()),
			zap.Int64("backups_deleted", result.BackupsDeleted),
			zap.Int64("metrics_deleted", response.MetricsDeleted))
		h.collector.RecordPurge(result.BackupsDeleted, result.ConflictsDeleted, response.MetricsDeleted)
		h.realtime.Publish(RealtimeMessage{UserID: owner.String(), EventType: RealtimeEventBackupsPurged})
	}
	c.JSON(http.StatusOK, response)
}

type metricsStoredPayload struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (h *httpHandler) handleUploadMetrics(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var payload metricBatchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return
	}

	inputs := make([]metricstore.MetricInput, 0, len(payload.Metrics))
	for _, metric := range payload.Metrics {
		value, err := decodeCiphertext("encrypted_value", metric.EncryptedValue)
		if err != nil {
			h.respondError(c, "metrics", err)
			return
		}
		recordedAt, err := parseWireTime("timestamp", metric.Timestamp)
		if err != nil {
			h.respondError(c, "metrics", err)
			return
		}
		inputs = append(inputs, metricstore.MetricInput{
			MetricType:     metric.MetricType,
			EncryptedValue: value,
			RecordedAt:     recordedAt,
		})
	}

	stored, err := h.metrics.StoreBatch(c.Request.Context(), userID, inputs)
	if err != nil {
		h.respondError(c, "metrics", err)
		return
	}
	c.JSON(http.StatusCreated, metricsStoredPayload{
		Success: true,
		Message: "Encrypted metrics stored",
		Details: map[string]any{"count": stored, "user_id": userID},
	})
}

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/observability"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
)

const (
	messageBackupStored     = "Backup stored successfully"
	messageSyncConflict     = "Sync conflict detected. Fetch conflicts to resolve."
	messageBackupDeleted    = "Backup deleted successfully"
	messageConflictResolved = "Conflict resolved successfully"
	messageSyncRevoked      = "Sync revoked and all synced data deleted"
)

type backupStoredPayload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DeviceID  string    `json:"device_id"`
	Message   string    `json:"message"`
}

type backupListPayload struct {
	Backups    []backupPayload `json:"backups"`
	HasMore    bool            `json:"has_more"`
	TotalCount int             `json:"total_count"`
}

type conflictListPayload struct {
	Conflicts  []conflictPayload `json:"conflicts"`
	TotalCount int               `json:"total_count"`
}

type statusPayload struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (h *httpHandler) handlePushBackup(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	var payload backupPushPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return
	}
	candidate, err := payload.candidate()
	if err != nil {
		h.respondError(c, "push", err)
		return
	}

	outcome, err := h.backups.Upsert(c.Request.Context(), owner, candidate)
	if err != nil {
		if errors.Is(err, users.ErrSyncNotPermitted) {
			h.collector.RecordPush(observability.PushDenied)
		} else {
			h.collector.RecordPush(observability.PushFailed)
		}
		h.respondError(c, "push", err)
		return
	}

	if conflict, isConflict := outcome.Conflict(); isConflict {
		if outcome.Coalesced() {
			h.collector.RecordPush(observability.PushCoalesced)
		} else {
			h.collector.RecordPush(observability.PushConflict)
		}
		h.realtime.Publish(RealtimeMessage{
			UserID:     owner.String(),
			EventType:  RealtimeEventConflictDetected,
			EntryIDs:   []string{conflict.TargetID},
			ConflictID: conflict.ConflictID,
			DeviceID:   candidate.DeviceID().String(),
		})
		c.JSON(http.StatusConflict, gin.H{
			"error":       errorCodeSyncConflict,
			"conflict_id": conflict.ConflictID,
			"target_id":   conflict.TargetID,
			"message":     messageSyncConflict,
		})
		return
	}

	record, _ := outcome.Record()
	if outcome.Created() {
		h.collector.RecordPush(observability.PushCreated)
	} else {
		h.collector.RecordPush(observability.PushUpdated)
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    owner.String(),
		EventType: RealtimeEventBackupChanged,
		EntryIDs:  []string{record.EntryID},
		DeviceID:  record.DeviceID,
	})
	c.JSON(http.StatusCreated, backupStoredPayload{
		ID:        record.EntryID,
		UserID:    record.UserID,
		CreatedAt: record.CreatedAt(),
		UpdatedAt: record.UpdatedAt(),
		DeviceID:  record.DeviceID,
		Message:   messageBackupStored,
	})
}

func (h *httpHandler) handleFetchBackups(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	config, err := h.fetchQueryConfig(c)
	if err != nil {
		h.respondError(c, "fetch", err)
		return
	}
	query, err := backups.NewFetchQuery(config)
	if err != nil {
		h.respondError(c, "fetch", err)
		return
	}

	page, err := h.backups.FetchSince(c.Request.Context(), owner, query)
	if err != nil {
		h.respondError(c, "fetch", err)
		return
	}

	response := backupListPayload{
		Backups:    make([]backupPayload, 0, len(page.Records)),
		HasMore:    page.HasMore,
		TotalCount: len(page.Records),
	}
	for _, record := range page.Records {
		response.Backups = append(response.Backups, newBackupPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

// fetchQueryConfig reads since, limit and the excluded device. device_id is accepted as an alias of exclude_device_id.
func (h *httpHandler) fetchQueryConfig(c *gin.Context) (backups.FetchQueryConfig, error) {
	config := backups.FetchQueryConfig{Limit: h.defaultFetchLimit}

	if rawSince := strings.TrimSpace(c.Query("since")); rawSince != "" {
		since, err := parseWireTimestamp("since", rawSince)
		if err != nil {
			return backups.FetchQueryConfig{}, err
		}
		config.Since = since
	}

	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 1 {
			return backups.FetchQueryConfig{}, fmt.Errorf("%w: %q is not a positive integer", backups.ErrInvalidFetchLimit, rawLimit)
		}
		config.Limit = limit
	}

	excluded := strings.TrimSpace(c.Query("exclude_device_id"))
	if excluded == "" {
		excluded = strings.TrimSpace(c.Query("device_id"))
	}
	if excluded != "" {
		deviceID, err := backups.NewDeviceID(excluded)
		if err != nil {
			return backups.FetchQueryConfig{}, &requestError{field: "exclude_device_id", reason: err.Error()}
		}
		config.ExcludeDevice = deviceID
	}
	return config, nil
}

func (h *httpHandler) handleDeleteBackup(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	entryID, err := backups.NewEntryID(c.Param("id"))
	if err != nil {
		h.respondError(c, "delete", err)
		return
	}

	deleted, err := h.backups.Delete(c.Request.Context(), owner, entryID)
	if err != nil {
		h.respondError(c, "delete", err)
		return
	}
	if !deleted {
		h.respondError(c, "delete", backups.ErrBackupNotFound)
		return
	}

	h.realtime.Publish(RealtimeMessage{
		UserID:    owner.String(),
		EventType: RealtimeEventBackupDeleted,
		EntryIDs:  []string{entryID.String()},
	})
	c.JSON(http.StatusOK, statusPayload{
		Success: true,
		Message: messageBackupDeleted,
		Details: map[string]any{"backup_id": entryID.String()},
	})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	conflicts, err := h.backups.ListUnresolved(c.Request.Context(), owner)
	if err != nil {
		h.respondError(c, "list_conflicts", err)
		return
	}

	response := conflictListPayload{
		Conflicts:  make([]conflictPayload, 0, len(conflicts)),
		TotalCount: len(conflicts),
	}
	for _, conflict := range conflicts {
		response.Conflicts = append(response.Conflicts, newConflictPayload(conflict))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	conflictID, err := backups.NewConflictID(c.Param("id"))
	if err != nil {
		h.respondError(c, "resolve", err)
		return
	}

	var payload resolutionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return
	}
	request, err := payload.request()
	if err != nil {
		h.respondError(c, "resolve", err)
		return
	}

	record, err := h.backups.Resolve(c.Request.Context(), owner, conflictID, request)
	if err != nil {
		h.respondError(c, "resolve", err)
		return
	}

	h.collector.RecordResolution(string(request.Choice))
	h.realtime.Publish(RealtimeMessage{
		UserID:     owner.String(),
		EventType:  RealtimeEventConflictResolved,
		EntryIDs:   []string{record.EntryID},
		ConflictID: conflictID.String(),
		DeviceID:   record.DeviceID,
	})
	c.JSON(http.StatusOK, statusPayload{
		Success: true,
		Message: messageConflictResolved,
		Details: map[string]any{
			"conflict_id":    conflictID.String(),
			"log_id":         record.EntryID,
			"chosen_version": string(request.Choice),
		},
	})
}

// handleRevoke deletes every piece of synced state and returns the user to local_only in one transaction.
func (h *httpHandler) handleRevoke(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	var metricsDeleted int64
	result, err := h.backups.PurgeAll(c.Request.Context(), owner,
		metricstore.PurgeHook(&metricsDeleted),
		h.users.TierWriter(users.TierLocalOnly),
	)
	if err != nil {
		h.respondError(c, "revoke", err)
		return
	}

	h.logger.Info("sync revoked",
		zap.String("user_id", owner.String()),
		zap.Int64("backups_deleted", result.BackupsDeleted),
		zap.Int64("conflicts_deleted", result.ConflictsDeleted),
		zap.Int64("metrics_deleted", metricsDeleted))
	h.collector.RecordPurge(result.BackupsDeleted, result.ConflictsDeleted, metricsDeleted)
	h.realtime.Publish(RealtimeMessage{
		UserID:    owner.String(),
		EventType: RealtimeEventBackupsPurged,
	})
	c.JSON(http.StatusOK, statusPayload{
		Success: true,
		Message: messageSyncRevoked,
		Details: map[string]any{
			"backups_deleted":   result.BackupsDeleted,
			"conflicts_deleted": result.ConflictsDeleted,
			"metrics_deleted":   metricsDeleted,
			"privacy_tier":      users.TierLocalOnly.String(),
		},
	})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()

	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()
	defer h.collector.StreamOpened()()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, newRealtimeEventPayload(RealtimeMessage{Timestamp: time.Now()}))
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, newRealtimeEventPayload(message))
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, newRealtimeEventPayload(RealtimeMessage{Timestamp: time.Now()}))
			return true
		}
	})
}

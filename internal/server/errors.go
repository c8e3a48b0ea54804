package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest   = "invalid_request"
	errorCodeValidationFailed = "validation_failed"
	errorCodeNotPermitted     = "sync_not_permitted"
	errorCodeSyncConflict     = "sync_conflict"
	errorCodeBackupNotFound   = "backup_not_found"
	errorCodeConflictNotFound = "conflict_not_found"
	errorCodeConflictResolved = "conflict_resolved"
	errorCodeInternal         = "internal_error"
	errorCodeUnauthorized     = "unauthorized"
)

var invalidInputErrors = []error{
	errMalformedRequest,
	backups.ErrInvalidOwnerID,
	backups.ErrInvalidEntryID,
	backups.ErrInvalidDeviceID,
	backups.ErrInvalidConflictID,
	backups.ErrInvalidTimestamp,
	backups.ErrInvalidCandidate,
	metricstore.ErrInvalidMetric,
	metricstore.ErrEmptyBatch,
	users.ErrInvalidPrivacyTier,
}

// respondError maps a domain error onto its HTTP status and error body.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var validation *backups.ValidationError
	var serviceErr *backups.ServiceError
	switch {
	case errors.Is(err, users.ErrSyncNotPermitted):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeNotPermitted, "message": err.Error()})
	case errors.As(err, &validation):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": errorCodeValidationFailed, "fields": validation.Fields})
	case errors.Is(err, backups.ErrInvalidFetchLimit):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": errorCodeValidationFailed, "fields": map[string]string{"limit": err.Error()}})
	case errors.Is(err, backups.ErrConflictNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorCodeConflictNotFound})
	case errors.Is(err, backups.ErrBackupNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorCodeBackupNotFound})
	case errors.Is(err, backups.ErrConflictResolved):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": errorCodeConflictResolved})
	case isInvalidInput(err):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
	case errors.As(err, &serviceErr):
		h.logger.Error("sync request failed", zap.String("operation", operation), zap.String("code", serviceErr.Code()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal, "code": serviceErr.Code()})
	default:
		h.logger.Error("sync request failed", zap.String("operation", operation), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
	}
}

func isInvalidInput(err error) bool {
	for _, target := range invalidInputErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

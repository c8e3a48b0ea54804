package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/teatime-co/Reflective-Server/internal/auth"
	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/observability"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "reflective_user_id"
	unmatchedRoute   = "unmatched"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingBackupService    = errors.New("backup service dependency required")
	errMissingMetricStore      = errors.New("metric store dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler. Collector and Realtime are optional.
type Dependencies struct {
	SessionValidator  SessionValidator
	Users             *users.Service
	Backups           *backups.Service
	Metrics           *metricstore.Store
	Collector         *observability.Collector
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	DefaultFetchLimit int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Backups == nil {
		return nil, errMissingBackupService
	}
	if deps.Metrics == nil {
		return nil, errMissingMetricStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	fetchLimit := deps.DefaultFetchLimit
	if fetchLimit <= 0 || fetchLimit > backups.MaxFetchLimit {
		fetchLimit = backups.DefaultFetchLimit
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultRealtimeHeartbeatPeriod
	}

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		users:             deps.Users,
		backups:           deps.Backups,
		metrics:           deps.Metrics,
		collector:         deps.Collector,
		realtime:          realtime,
		defaultFetchLimit: fetchLimit,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(handler.observeRequests)

	router.GET("/healthz", handler.handleHealth)
	if deps.Collector != nil {
		router.GET("/metrics", gin.WrapH(deps.Collector.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/me/privacy-tier", handler.handleGetPrivacyTier)
	protected.PUT("/users/me/privacy-tier", handler.handleUpdatePrivacyTier)
	protected.POST("/sync/revoke", handler.handleRevoke)
	protected.POST("/encryption/metrics", handler.requireTier(users.PrivacyTier.AllowsMetricSync), handler.handleUploadMetrics)

	syncGroup := protected.Group("/sync")
	syncGroup.Use(handler.requireTier(users.PrivacyTier.AllowsBackupSync))
	syncGroup.POST("/backup", handler.handlePushBackup)
	syncGroup.GET("/backups", handler.handleFetchBackups)
	syncGroup.DELETE("/backup/:id", handler.handleDeleteBackup)
	syncGroup.GET("/conflicts", handler.handleListConflicts)
	syncGroup.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	syncGroup.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	users             *users.Service
	backups           *backups.Service
	metrics           *metricstore.Store
	collector         *observability.Collector
	realtime          *RealtimeDispatcher
	defaultFetchLimit int
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) observeRequests(c *gin.Context) {
	started := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = unmatchedRoute
	}
	h.collector.ObserveRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(started))
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if isRoutineSessionFailure(err) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
			return
		}
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// isRoutineSessionFailure covers failures every client hits during normal use.
func isRoutineSessionFailure(err error) bool {
	return errors.Is(err, auth.ErrExpiredSessionToken) ||
		errors.Is(err, jwt.ErrTokenExpired) ||
		errors.Is(err, auth.ErrMissingSessionToken)
}

// requireTier rejects requests early when the user's tier cannot use the route.
// Writes still re-check the tier inside their transaction.
func (h *httpHandler) requireTier(allows func(users.PrivacyTier) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDContextKey)
		tier, err := h.users.PrivacyTier(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("failed to load privacy tier", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
			return
		}
		if !allows(tier) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":        errorCodeNotPermitted,
				"privacy_tier": tier.String(),
			})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) owner(c *gin.Context) (backups.OwnerID, bool) {
	owner, err := backups.NewOwnerID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return "", false
	}
	return owner, true
}
